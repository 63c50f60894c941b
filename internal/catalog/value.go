package catalog

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
)

// Value is a typed parameter value. The set of implementations is closed:
// Text, Number, SingleChoice, MultiChoice and QueryFragment.
type Value interface {
	Kind() ValueKind
	// Encode returns the string stored on a condition and substituted into AQL.
	Encode() string
	sealed()
}

type (
	Text          string
	Number        float64
	SingleChoice  string
	MultiChoice   []string
	QueryFragment string
)

func (Text) Kind() ValueKind          { return KindText }
func (Number) Kind() ValueKind        { return KindNumber }
func (SingleChoice) Kind() ValueKind  { return KindSingleChoice }
func (MultiChoice) Kind() ValueKind   { return KindMultiChoice }
func (QueryFragment) Kind() ValueKind { return KindQueryFragment }

func (v Text) Encode() string          { return string(v) }
func (v Number) Encode() string        { return strconv.FormatFloat(float64(v), 'f', -1, 64) }
func (v SingleChoice) Encode() string  { return string(v) }
func (v MultiChoice) Encode() string   { return strings.Join(v, ", ") }
func (v QueryFragment) Encode() string { return string(v) }

func (Text) sealed()          {}
func (Number) sealed()        {}
func (SingleChoice) sealed()  {}
func (MultiChoice) sealed()   {}
func (QueryFragment) sealed() {}

func invalidValue(p *ParamSpec, format string, args ...interface{}) error {
	return rferrors.Newf(rferrors.ErrInvalidParamValue, "parameter %q: "+format, append([]interface{}{p.Label}, args...)...).
		WithDetails("param", p.Key)
}

// Check reports whether v is acceptable for p. Multi-choice values may carry
// manual entries outside the option list; single-choice values may not.
func (p *ParamSpec) Check(v Value) error {
	if v == nil {
		return invalidValue(p, "value is required")
	}
	if v.Kind() != p.Kind {
		return invalidValue(p, "expected %s value, got %s", p.Kind, v.Kind())
	}
	switch tv := v.(type) {
	case Number:
		f := float64(tv)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return invalidValue(p, "not a finite number")
		}
		if p.Min != nil && f < *p.Min {
			return invalidValue(p, "%s is below the minimum %s", tv.Encode(), Number(*p.Min).Encode())
		}
		if p.Max != nil && f > *p.Max {
			return invalidValue(p, "%s is above the maximum %s", tv.Encode(), Number(*p.Max).Encode())
		}
	case SingleChoice:
		if !p.hasOption(string(tv)) {
			return invalidValue(p, "%q is not one of the options", string(tv))
		}
	case MultiChoice:
		for _, item := range tv {
			if strings.TrimSpace(item) == "" {
				return invalidValue(p, "empty selection")
			}
			if strings.Contains(item, ",") {
				return invalidValue(p, "selection %q contains a comma", item)
			}
		}
	}
	return nil
}

func (p *ParamSpec) hasOption(s string) bool {
	for _, o := range p.Options {
		if o == s {
			return true
		}
	}
	return false
}

// ParseValue decodes a stored string into the value kind p expects.
// Multi-choice strings are split on commas.
func ParseValue(p *ParamSpec, raw string) (Value, error) {
	switch p.Kind {
	case KindText:
		return Text(raw), nil
	case KindQueryFragment:
		return QueryFragment(raw), nil
	case KindSingleChoice:
		return SingleChoice(strings.TrimSpace(raw)), nil
	case KindNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, invalidValue(p, "%q is not a number", raw)
		}
		return Number(f), nil
	case KindMultiChoice:
		var items MultiChoice
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		return items, nil
	default:
		return nil, invalidValue(p, "unsupported kind %q", p.Kind)
	}
}

// FromAny converts a decoded JSON or YAML scalar/list into a value for p.
func FromAny(p *ParamSpec, raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case string:
		return ParseValue(p, v)
	case float64:
		if p.Kind == KindNumber {
			return Number(v), nil
		}
		return ParseValue(p, strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		if p.Kind == KindNumber {
			return Number(float64(v)), nil
		}
		return ParseValue(p, strconv.Itoa(v))
	case bool:
		return ParseValue(p, strconv.FormatBool(v))
	case []string:
		if p.Kind != KindMultiChoice {
			return nil, invalidValue(p, "a list is only accepted for multiselect parameters")
		}
		return MultiChoice(v), nil
	case []interface{}:
		if p.Kind != KindMultiChoice {
			return nil, invalidValue(p, "a list is only accepted for multiselect parameters")
		}
		items := make(MultiChoice, 0, len(v))
		for _, item := range v {
			items = append(items, strings.TrimSpace(fmt.Sprint(item)))
		}
		return items, nil
	case nil:
		return nil, invalidValue(p, "value is required")
	default:
		return nil, invalidValue(p, "unsupported value type %T", raw)
	}
}

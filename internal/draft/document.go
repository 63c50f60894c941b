package draft

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruleforge/ruleforge/internal/catalog"
	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/stack"
	"github.com/ruleforge/ruleforge/internal/types"
)

// Document is the serialized form of a draft, read from YAML or JSON.
type Document struct {
	Name           string                `yaml:"name" json:"name"`
	Notes          string                `yaml:"notes,omitempty" json:"notes,omitempty"`
	Kind           types.RuleKind        `yaml:"kind,omitempty" json:"kind,omitempty"`
	Group          string                `yaml:"group,omitempty" json:"group,omitempty"`
	Enabled        *bool                 `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Severity       string                `yaml:"severity,omitempty" json:"severity,omitempty"`
	Combinator     types.Combinator      `yaml:"combinator,omitempty" json:"combinator,omitempty"`
	BuildingBlocks []string              `yaml:"building_blocks,omitempty" json:"building_blocks,omitempty"`
	Response       *types.ResponseConfig `yaml:"response,omitempty" json:"response,omitempty"`
	Conditions     []ConditionDoc        `yaml:"conditions" json:"conditions"`
}

// ConditionDoc places one catalog test. Param values may be strings, numbers
// or lists (for multiselect parameters).
type ConditionDoc struct {
	Test   string                 `yaml:"test" json:"test"`
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// Decode parses a YAML (or JSON) draft document.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, rferrors.Wrap(rferrors.ErrInvalidInput, "parsing draft document", err)
	}
	return &doc, nil
}

// LoadFile reads a draft document from disk. A document without a name is
// named after its file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc, nil
}

// Build resolves the document against cat and returns a new draft. Settings
// absent from the document keep the values from defaults.
func (doc *Document) Build(cat *catalog.Catalog, defaults Defaults, opts ...stack.Option) (*Draft, error) {
	d := New(defaults, opts...)
	if err := doc.ApplyTo(d, cat); err != nil {
		return nil, err
	}
	return d, nil
}

// ApplyTo overwrites d with the document's settings and conditions. d is left
// untouched when the document does not resolve.
func (doc *Document) ApplyTo(d *Draft, cat *catalog.Catalog) error {
	if doc.Kind != "" && !doc.Kind.Valid() {
		return rferrors.Newf(rferrors.ErrInvalidInput, "unknown rule kind %q", doc.Kind)
	}
	if doc.Combinator != "" && !doc.Combinator.Valid() {
		return rferrors.Newf(rferrors.ErrInvalidInput, "combinator must be ALL or ANY, got %q", doc.Combinator)
	}
	switch doc.Severity {
	case "", "low", "medium", "high", "critical":
	default:
		return rferrors.Newf(rferrors.ErrInvalidInput, "unknown severity %q", doc.Severity)
	}

	entries, err := doc.entries(cat)
	if err != nil {
		return err
	}
	if err := d.Stack.Load(entries); err != nil {
		return err
	}

	if doc.Name != "" {
		d.Name = doc.Name
	}
	d.Notes = doc.Notes
	if doc.Kind != "" {
		d.Kind = doc.Kind
	}
	if doc.Group != "" {
		d.Group = doc.Group
	}
	if doc.Enabled != nil {
		d.Enabled = *doc.Enabled
	}
	if doc.Severity != "" {
		d.Severity = types.ParseSeverity(doc.Severity)
	}
	if doc.Combinator != "" {
		d.Combinator = doc.Combinator
	}
	if doc.Response != nil {
		d.Response = *doc.Response
	}
	d.BuildingBlocks = nil
	for _, id := range doc.BuildingBlocks {
		d.AddBuildingBlock(id)
	}
	return nil
}

func (doc *Document) entries(cat *catalog.Catalog) ([]stack.Entry, error) {
	entries := make([]stack.Entry, 0, len(doc.Conditions))
	for n, cd := range doc.Conditions {
		def, err := cat.Lookup(cd.Test)
		if err != nil {
			return nil, rferrors.Wrap(rferrors.ErrUnknownTest, fmt.Sprintf("condition #%d", n+1), err).
				WithDetails("test_id", cd.Test)
		}
		values := make(map[string]string, len(cd.Params))
		for key, raw := range cd.Params {
			spec, ok := def.Param(key)
			if !ok {
				return nil, rferrors.Newf(rferrors.ErrInvalidParamKey, "condition #%d: test %q has no parameter %q", n+1, def.ID, key).
					WithDetails("param", key)
			}
			if s, isString := raw.(string); raw == nil || (isString && s == "") {
				continue
			}
			v, err := catalog.FromAny(spec, raw)
			if err != nil {
				return nil, err
			}
			if err := spec.Check(v); err != nil {
				return nil, err
			}
			values[key] = v.Encode()
		}
		entries = append(entries, stack.Entry{Test: def, Values: values})
	}
	return entries, nil
}

// FromDraft exports d as a document. Param values are written as the raw
// strings stored on each condition.
func FromDraft(d *Draft) *Document {
	enabled := d.Enabled
	resp := d.Response
	doc := &Document{
		Name:       d.Name,
		Notes:      d.Notes,
		Kind:       d.Kind,
		Group:      d.Group,
		Enabled:    &enabled,
		Severity:   d.Severity.String(),
		Combinator: d.Combinator,
		Response:   &resp,
		Conditions: make([]ConditionDoc, 0, d.Stack.Len()),
	}
	doc.BuildingBlocks = append(doc.BuildingBlocks, d.BuildingBlocks...)
	for _, c := range d.Stack.Conditions() {
		cd := ConditionDoc{Test: c.Test.ID}
		if len(c.Values) > 0 {
			cd.Params = make(map[string]interface{}, len(c.Values))
			for k, v := range c.Values {
				cd.Params[k] = v
			}
		}
		doc.Conditions = append(doc.Conditions, cd)
	}
	return doc
}

// Encode renders the document as YAML.
func (doc *Document) Encode() ([]byte, error) {
	return yaml.Marshal(doc)
}

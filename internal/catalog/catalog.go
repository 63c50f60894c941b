// Package catalog holds the registry of parameterized rule tests an operator
// can add to a condition stack.
package catalog

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
)

//go:embed catalog.yaml
var builtinYAML []byte

// Group is the category a test is listed under.
type Group string

const (
	GroupEvent       Group = "event"
	GroupIP          Group = "ip"
	GroupLogSource   Group = "logsource"
	GroupNetwork     Group = "network"
	GroupRefData     Group = "refdata"
	GroupFunction    Group = "function"
	GroupDateTime    Group = "datetime"
	GroupHostProfile Group = "hostprofile"
	GroupCustomProp  Group = "customprop"
	GroupOffense     Group = "offense"
	GroupFlow        Group = "flow"
)

var groupOrder = []Group{
	GroupEvent, GroupIP, GroupLogSource, GroupNetwork, GroupRefData, GroupFunction,
	GroupDateTime, GroupHostProfile, GroupCustomProp, GroupOffense, GroupFlow,
}

var groupNames = map[Group]string{
	GroupEvent:       "Event Property Tests",
	GroupIP:          "IP / Port Tests",
	GroupLogSource:   "Log Source Tests",
	GroupNetwork:     "Network Property Tests",
	GroupRefData:     "Reference Data Tests",
	GroupFunction:    "Function Tests",
	GroupDateTime:    "Date / Time Tests",
	GroupHostProfile: "Host Profile Tests",
	GroupCustomProp:  "Custom Property Tests",
	GroupOffense:     "Offense Tests",
	GroupFlow:        "Flow Property Tests",
}

// Groups returns every test group in display order.
func Groups() []Group {
	out := make([]Group, len(groupOrder))
	copy(out, groupOrder)
	return out
}

// GroupName returns the display name of g, or "" for an unknown group.
func GroupName(g Group) string {
	return groupNames[g]
}

// Valid reports whether g is one of the built-in groups.
func (g Group) Valid() bool {
	_, ok := groupNames[g]
	return ok
}

// ValueKind is the shape of value a parameter slot accepts.
type ValueKind string

const (
	KindText          ValueKind = "text"
	KindNumber        ValueKind = "number"
	KindSingleChoice  ValueKind = "select"
	KindMultiChoice   ValueKind = "multiselect"
	KindQueryFragment ValueKind = "aql"
)

func (k ValueKind) valid() bool {
	switch k {
	case KindText, KindNumber, KindSingleChoice, KindMultiChoice, KindQueryFragment:
		return true
	}
	return false
}

func (k ValueKind) hasOptions() bool {
	return k == KindSingleChoice || k == KindMultiChoice
}

// ParamSpec describes one slot of a test.
type ParamSpec struct {
	Key         string    `yaml:"key" json:"key"`
	Label       string    `yaml:"label" json:"label"`
	Kind        ValueKind `yaml:"kind" json:"kind"`
	Options     []string  `yaml:"options,omitempty" json:"options,omitempty"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Placeholder string    `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	Optional    bool      `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// TestDefinition is one entry of the catalog. Definitions are shared by
// pointer and never modified after loading.
type TestDefinition struct {
	ID     string      `yaml:"id" json:"id"`
	Group  Group       `yaml:"group" json:"group"`
	Text   string      `yaml:"text" json:"text"`
	Params []ParamSpec `yaml:"params" json:"params"`
}

// Param returns the spec for key.
func (d *TestDefinition) Param(key string) (*ParamSpec, bool) {
	for i := range d.Params {
		if d.Params[i].Key == key {
			return &d.Params[i], true
		}
	}
	return nil, false
}

// Catalog is an immutable, ordered set of test definitions.
type Catalog struct {
	tests []*TestDefinition
	byID  map[string]*TestDefinition
}

type catalogFile struct {
	Tests []*TestDefinition `yaml:"tests"`
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, rferrors.Wrap(rferrors.ErrCatalogInvalid, "decoding catalog", err)
	}
	return New(f.Tests)
}

// New validates defs and builds a catalog preserving their order.
func New(defs []*TestDefinition) (*Catalog, error) {
	c := &Catalog{
		tests: make([]*TestDefinition, 0, len(defs)),
		byID:  make(map[string]*TestDefinition, len(defs)),
	}
	for i, def := range defs {
		if def == nil {
			return nil, rferrors.Newf(rferrors.ErrCatalogInvalid, "test #%d is empty", i)
		}
		if err := validateDefinition(def); err != nil {
			return nil, err
		}
		if _, dup := c.byID[def.ID]; dup {
			return nil, rferrors.Newf(rferrors.ErrCatalogInvalid, "duplicate test id %q", def.ID)
		}
		c.byID[def.ID] = def
		c.tests = append(c.tests, def)
	}
	return c, nil
}

func validateDefinition(def *TestDefinition) error {
	fail := func(format string, args ...interface{}) error {
		return rferrors.Newf(rferrors.ErrCatalogInvalid, format, args...).WithDetails("test_id", def.ID)
	}
	if strings.TrimSpace(def.ID) == "" {
		return fail("test id is required")
	}
	if !def.Group.Valid() {
		return fail("test %q has unknown group %q", def.ID, def.Group)
	}
	if strings.TrimSpace(def.Text) == "" {
		return fail("test %q has no text", def.ID)
	}
	seen := make(map[string]bool, len(def.Params))
	for _, p := range def.Params {
		if p.Key == "" {
			return fail("test %q has a parameter without a key", def.ID)
		}
		if seen[p.Key] {
			return fail("test %q repeats parameter key %q", def.ID, p.Key)
		}
		seen[p.Key] = true
		if !p.Kind.valid() {
			return fail("test %q parameter %q has unknown kind %q", def.ID, p.Key, p.Kind)
		}
		if p.Kind.hasOptions() && len(p.Options) == 0 {
			return fail("test %q parameter %q needs options", def.ID, p.Key)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fail("test %q parameter %q has min above max", def.ID, p.Key)
		}
		if (p.Min != nil && math.IsNaN(*p.Min)) || (p.Max != nil && math.IsNaN(*p.Max)) {
			return fail("test %q parameter %q has a NaN bound", def.ID, p.Key)
		}
	}
	return nil
}

// Default returns the embedded built-in catalog.
func Default() *Catalog {
	c, err := Parse(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog from path, or returns the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.ErrCatalogInvalid, "reading catalog "+path, err)
	}
	return Parse(data)
}

// List returns every definition in catalog order.
func (c *Catalog) List() []*TestDefinition {
	out := make([]*TestDefinition, len(c.tests))
	copy(out, c.tests)
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.tests) }

// Filter returns the definitions in group (exact match, "" = any) whose text
// contains keyword case-insensitively ("" = any), in catalog order.
func (c *Catalog) Filter(group Group, keyword string) []*TestDefinition {
	kw := strings.ToLower(keyword)
	out := make([]*TestDefinition, 0)
	for _, def := range c.tests {
		if group != "" && def.Group != group {
			continue
		}
		if kw != "" && !strings.Contains(strings.ToLower(def.Text), kw) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Lookup returns the definition with the given id.
func (c *Catalog) Lookup(id string) (*TestDefinition, error) {
	def, ok := c.byID[id]
	if !ok {
		return nil, rferrors.Newf(rferrors.ErrUnknownTest, "unknown test %q", id)
	}
	return def, nil
}

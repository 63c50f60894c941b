// Package draft holds the rule being authored in the wizard.
package draft

import (
	"github.com/ruleforge/ruleforge/internal/stack"
	"github.com/ruleforge/ruleforge/internal/types"
)

// Defaults seed a fresh draft.
type Defaults struct {
	Name     string
	Group    string
	Severity types.Severity
}

// DefaultDefaults returns an unnamed event rule in the "Other" group.
func DefaultDefaults() Defaults {
	return Defaults{Group: types.DefaultRuleGroup, Severity: types.SeverityMedium}
}

// Draft is the rule under construction. Fields are plain data; the wizard
// serializes edits.
type Draft struct {
	Name           string
	Notes          string
	Kind           types.RuleKind
	Group          string
	Enabled        bool
	Severity       types.Severity
	Combinator     types.Combinator
	Stack          *stack.Stack
	Response       types.ResponseConfig
	BuildingBlocks []string
}

// New returns a draft seeded from d. Stack options are passed to the
// condition stack (e.g. a fixed clock in tests).
func New(d Defaults, opts ...stack.Option) *Draft {
	group := d.Group
	if group == "" {
		group = types.DefaultRuleGroup
	}
	return &Draft{
		Name:       d.Name,
		Kind:       types.KindEvent,
		Group:      group,
		Enabled:    true,
		Severity:   d.Severity,
		Combinator: types.CombineAll,
		Stack:      stack.New(opts...),
		Response:   types.DefaultResponseConfig(),
	}
}

// IsBuildingBlock reports whether the draft will be saved as a building block.
func (d *Draft) IsBuildingBlock() bool {
	return d.Kind == types.KindBuildingBlock
}

// AddBuildingBlock references a building block by id. Duplicates are ignored.
func (d *Draft) AddBuildingBlock(id string) bool {
	for _, existing := range d.BuildingBlocks {
		if existing == id {
			return false
		}
	}
	d.BuildingBlocks = append(d.BuildingBlocks, id)
	return true
}

// RemoveBuildingBlock drops a reference, keeping the order of the rest.
func (d *Draft) RemoveBuildingBlock(id string) bool {
	for i, existing := range d.BuildingBlocks {
		if existing == id {
			d.BuildingBlocks = append(d.BuildingBlocks[:i:i], d.BuildingBlocks[i+1:]...)
			return true
		}
	}
	return false
}

package wizard

import (
	"github.com/ruleforge/ruleforge/internal/compiler"
	"github.com/ruleforge/ruleforge/internal/draft"
	"github.com/ruleforge/ruleforge/internal/types"
	"github.com/ruleforge/ruleforge/internal/validate"
)

// State is a read-only copy of a session, safe to serialize.
type State struct {
	Step           types.Step                 `json:"step"`
	StepName       string                     `json:"step_name"`
	StepLabel      string                     `json:"step_label"`
	Errors         []validate.ValidationError `json:"errors"`
	Submitting     bool                       `json:"submitting"`
	SubmitError    string                     `json:"submit_error,omitempty"`
	LastSubmission *Submission                `json:"last_submission,omitempty"`
	Draft          DraftView                  `json:"draft"`
}

// DraftView is the serializable form of a draft.
type DraftView struct {
	Name           string               `json:"name"`
	Notes          string               `json:"notes"`
	Kind           types.RuleKind       `json:"kind"`
	Group          string               `json:"group"`
	Enabled        bool                 `json:"enabled"`
	Severity       types.Severity       `json:"severity"`
	Combinator     types.Combinator     `json:"combinator"`
	BuildingBlocks []string             `json:"building_blocks"`
	Response       types.ResponseConfig `json:"response"`
	Conditions     []ConditionView      `json:"conditions"`
	Preview        string               `json:"preview"`
}

// ConditionView is one condition with its rendered clause.
type ConditionView struct {
	ID         string            `json:"id"`
	TestID     string            `json:"test_id"`
	Text       string            `json:"text"`
	Values     map[string]string `json:"values"`
	Configured bool              `json:"configured"`
	Clause     string            `json:"clause"`
}

// ViewDraft renders d for display.
func ViewDraft(d *draft.Draft) DraftView {
	conds := d.Stack.Conditions()
	v := DraftView{
		Name:           d.Name,
		Notes:          d.Notes,
		Kind:           d.Kind,
		Group:          d.Group,
		Enabled:        d.Enabled,
		Severity:       d.Severity,
		Combinator:     d.Combinator,
		BuildingBlocks: append([]string{}, d.BuildingBlocks...),
		Response:       d.Response,
		Conditions:     make([]ConditionView, 0, len(conds)),
		Preview:        compiler.Preview(d),
	}
	for _, c := range conds {
		clause, _ := compiler.RenderClause(c, true)
		values := make(map[string]string, len(c.Values))
		for k, val := range c.Values {
			values[k] = val
		}
		v.Conditions = append(v.Conditions, ConditionView{
			ID:         c.ID,
			TestID:     c.Test.ID,
			Text:       c.Test.Text,
			Values:     values,
			Configured: c.IsFullyConfigured(),
			Clause:     clause,
		})
	}
	return v
}

// Snapshot returns a copy of the session state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		Step:       m.step,
		StepName:   m.step.String(),
		StepLabel:  m.step.Label(),
		Errors:     append([]validate.ValidationError{}, m.errors...),
		Submitting: m.submitting,
		Draft:      ViewDraft(m.draft),
	}
	if m.submitErr != nil {
		s.SubmitError = m.submitErr.Error()
	}
	if m.last != nil {
		last := *m.last
		s.LastSubmission = &last
	}
	return s
}

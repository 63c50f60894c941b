// Package compiler renders a rule draft into a single AQL expression.
//
// Each condition becomes one clause: the test text followed by its parameter
// slots, e.g. "when this event is seen more than X times in Y minutes [5] [10]".
// A template may place a slot explicitly with a {key} marker. Clauses are
// joined flat with AND (ALL) or OR (ANY); there is no nesting.
package compiler

import (
	"strings"

	"github.com/ruleforge/ruleforge/internal/draft"
	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/stack"
	"github.com/ruleforge/ruleforge/internal/types"
)

func slot(s string) string {
	return "[" + s + "]"
}

// RenderClause renders one condition. Unconfigured required parameters render
// as [label] in preview mode; in compile mode the second result reports the
// first such parameter's key.
func RenderClause(c *stack.Condition, preview bool) (string, string) {
	text := c.Test.Text
	var (
		markers  []string
		trailing []string
		missing  string
	)
	for _, p := range c.Test.Params {
		value, ok := c.Values[p.Key]
		configured := ok && value != ""

		var rendered string
		switch {
		case configured:
			rendered = slot(value)
		case p.Optional && !preview:
			rendered = ""
		default:
			rendered = slot(p.Label)
			if !p.Optional && missing == "" {
				missing = p.Key
			}
		}

		marker := "{" + p.Key + "}"
		if strings.Contains(text, marker) {
			markers = append(markers, marker, rendered)
			continue
		}
		if rendered != "" {
			trailing = append(trailing, rendered)
		}
	}
	// Markers are resolved in one pass; values are inserted literally.
	if len(markers) > 0 {
		text = strings.NewReplacer(markers...).Replace(text)
	}
	if len(trailing) > 0 {
		text += " " + strings.Join(trailing, " ")
	}
	if preview {
		missing = ""
	}
	return text, missing
}

func join(clauses []string, c types.Combinator) string {
	return strings.Join(clauses, " "+c.Operator()+" ")
}

// Compile renders d for submission. It fails with ECMP-001 when the stack is
// empty and with ECMP-002 when any condition has an unconfigured required
// parameter.
func Compile(d *draft.Draft) (string, error) {
	conds := d.Stack.Conditions()
	if len(conds) == 0 {
		return "", rferrors.New(rferrors.ErrEmptyStack, "rule has no test conditions")
	}
	clauses := make([]string, 0, len(conds))
	for _, c := range conds {
		clause, missing := RenderClause(c, false)
		if missing != "" {
			return "", rferrors.Newf(rferrors.ErrIncompleteCondition, "condition %s has unconfigured parameter %q", c.ID, missing).
				WithDetails("condition_id", c.ID).
				WithDetails("param", missing)
		}
		clauses = append(clauses, clause)
	}
	return join(clauses, d.Combinator), nil
}

// Preview renders d for display, substituting labels for missing values.
// An empty stack previews as "".
func Preview(d *draft.Draft) string {
	conds := d.Stack.Conditions()
	clauses := make([]string, 0, len(conds))
	for _, c := range conds {
		clause, _ := RenderClause(c, true)
		clauses = append(clauses, clause)
	}
	return join(clauses, d.Combinator)
}

// CompileRule builds the persistence payload for a rule draft.
func CompileRule(d *draft.Draft) (types.RulePayload, error) {
	aql, err := Compile(d)
	if err != nil {
		return types.RulePayload{}, err
	}
	resp := d.Response
	bbs := make([]string, len(d.BuildingBlocks))
	copy(bbs, d.BuildingBlocks)
	return types.RulePayload{
		Name:           strings.TrimSpace(d.Name),
		Description:    d.Notes,
		Severity:       d.Severity.String(),
		Enabled:        d.Enabled,
		AQL:            aql,
		BuildingBlocks: bbs,
		Kind:           d.Kind,
		Group:          d.Group,
		Combinator:     d.Combinator,
		Response:       &resp,
	}, nil
}

// CompileBuildingBlock builds the persistence payload for a building-block
// draft. Response settings and building-block references do not apply.
func CompileBuildingBlock(d *draft.Draft) (types.BuildingBlockPayload, error) {
	aql, err := Compile(d)
	if err != nil {
		return types.BuildingBlockPayload{}, err
	}
	return types.BuildingBlockPayload{
		Name:        strings.TrimSpace(d.Name),
		Description: d.Notes,
		AQL:         aql,
	}, nil
}

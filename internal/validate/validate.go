// Package validate checks whether a draft satisfies the gate of a wizard step.
package validate

import (
	"fmt"
	"strings"

	"github.com/ruleforge/ruleforge/internal/draft"
	"github.com/ruleforge/ruleforge/internal/types"
)

// MinNameLength is the shortest accepted rule name, after trimming.
const MinNameLength = 3

// Messages shown to the operator.
const (
	MsgNameRequired = "Rule name is required"
	MsgNameTooShort = "Rule name must be at least 3 characters"
	MsgNoConditions = "You must add at least one test condition to the rule"
)

// ValidationError is one problem blocking a step.
type ValidationError struct {
	Step    types.Step `json:"step"`
	Message string     `json:"message"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("step %d: %s", int(e.Step), e.Message)
}

// UnconfiguredParam is the message for a condition whose parameter has no value.
func UnconfiguredParam(label string) string {
	return fmt.Sprintf("Parameter \"%s\" in condition is not configured", label)
}

// Validate returns the errors that keep d from leaving step, in display
// order: name, then empty stack, then one entry per incomplete condition
// naming only its first missing parameter. Steps without a gate always pass.
func Validate(d *draft.Draft, step types.Step) []ValidationError {
	var errs []ValidationError
	add := func(msg string) {
		errs = append(errs, ValidationError{Step: step, Message: msg})
	}

	switch step {
	case types.StepTestStack:
		if msg := checkName(d.Name); msg != "" {
			add(msg)
		}
		conds := d.Stack.Conditions()
		if len(conds) == 0 {
			add(MsgNoConditions)
		}
		for _, c := range conds {
			if p, missing := c.MissingParam(); missing {
				add(UnconfiguredParam(p.Label))
			}
		}
	case types.StepNameAndNotes:
		if msg := checkName(d.Name); msg != "" {
			add(msg)
		}
	}
	return errs
}

func checkName(name string) string {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return MsgNameRequired
	case len([]rune(trimmed)) < MinNameLength:
		return MsgNameTooShort
	}
	return ""
}

// Messages flattens errs to their messages.
func Messages(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Message
	}
	return out
}

// Package types defines core data structures shared across ruleforge.
package types

import (
	"fmt"
	"time"
)

// Severity levels a rule can be filed under.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string severity to the enum. Unknown input maps to medium,
// the severity the rule editor has always filed rules under.
func ParseSeverity(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// MarshalText encodes the severity by name for JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}

// RuleKind is the classification chosen in the "Type of Rule" step.
type RuleKind string

const (
	KindEvent         RuleKind = "event"
	KindFlow          RuleKind = "flow"
	KindCommon        RuleKind = "common"
	KindOffense       RuleKind = "offense"
	KindBuildingBlock RuleKind = "building_block"
)

// RuleKinds lists every classification in display order.
var RuleKinds = []RuleKind{KindEvent, KindFlow, KindCommon, KindOffense, KindBuildingBlock}

// Valid reports whether k is one of the known classifications.
func (k RuleKind) Valid() bool {
	for _, known := range RuleKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Combinator joins the clauses of a condition stack.
type Combinator string

const (
	CombineAll Combinator = "ALL"
	CombineAny Combinator = "ANY"
)

// Operator returns the AQL token used between clauses.
func (c Combinator) Operator() string {
	if c == CombineAny {
		return "OR"
	}
	return "AND"
}

// Valid reports whether c is ALL or ANY.
func (c Combinator) Valid() bool {
	return c == CombineAll || c == CombineAny
}

// Step is a position in the rule wizard.
type Step int

const (
	StepIntroduction Step = iota + 1
	StepRuleType
	StepTestStack
	StepResponse
	StepNameAndNotes
)

// FirstStep and LastStep bound the wizard.
const (
	FirstStep = StepIntroduction
	LastStep  = StepNameAndNotes
)

func (s Step) String() string {
	switch s {
	case StepIntroduction:
		return "introduction"
	case StepRuleType:
		return "rule_type"
	case StepTestStack:
		return "test_stack"
	case StepResponse:
		return "response"
	case StepNameAndNotes:
		return "name_and_notes"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Label is the heading shown in the wizard breadcrumb.
func (s Step) Label() string {
	switch s {
	case StepIntroduction:
		return "Introduction"
	case StepRuleType:
		return "Type of Rule"
	case StepTestStack:
		return "Rule Test Stack Editor"
	case StepResponse:
		return "Rule Response"
	case StepNameAndNotes:
		return "Rule Name / Summary"
	default:
		return ""
	}
}

// ParseStep accepts either the step number or its String form.
func ParseStep(s string) (Step, error) {
	for st := FirstStep; st <= LastStep; st++ {
		if s == st.String() || s == fmt.Sprintf("%d", int(st)) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown wizard step %q", s)
}

// RuleGroups are the folders offered in the final wizard step.
var RuleGroups = []string{
	"Other",
	"Network Security",
	"Application Security",
	"Compliance",
	"Threat Intelligence",
	"User Activity",
}

// DefaultRuleGroup is the folder a new draft is filed under.
const DefaultRuleGroup = "Other"

// ResponseConfig is the rule response block. The core passes it through untouched;
// bounds are only enforced when a payload reaches storage.
type ResponseConfig struct {
	Offense            OffenseResponse      `json:"offense" yaml:"offense"`
	DispatchEvent      DispatchEventConfig  `json:"dispatch_event" yaml:"dispatch_event"`
	ReferenceSet       ReferenceSetResponse `json:"reference_set" yaml:"reference_set"`
	Severity           int                  `json:"severity" yaml:"severity" validate:"min=1,max=10"`
	Credibility        int                  `json:"credibility" yaml:"credibility" validate:"min=1,max=10"`
	Relevance          int                  `json:"relevance" yaml:"relevance" validate:"min=1,max=10"`
	PreventAggregation bool                 `json:"prevent_aggregation" yaml:"prevent_aggregation"`
}

// OffenseResponse controls offense creation.
type OffenseResponse struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	IndexOn     string `json:"index_on" yaml:"index_on"`
	Annotation  string `json:"annotation" yaml:"annotation"`
	ReplaceName bool   `json:"replace_name" yaml:"replace_name"`
}

// DispatchEventConfig controls emission of a new event when the rule fires.
type DispatchEventConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Name              string `json:"name" yaml:"name"`
	Description       string `json:"description" yaml:"description"`
	HighLevelCategory string `json:"high_level_category" yaml:"high_level_category"`
	LowLevelCategory  string `json:"low_level_category" yaml:"low_level_category"`
	OffenseNaming     string `json:"offense_naming" yaml:"offense_naming" validate:"omitempty,oneof=append replace none"`
}

// ReferenceSetResponse writes a matched field into a reference set.
type ReferenceSetResponse struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Field   string `json:"field" yaml:"field"`
	SetName string `json:"set_name" yaml:"set_name" validate:"required_if=Enabled true"`
}

// DefaultResponseConfig returns the response block a new draft starts with.
func DefaultResponseConfig() ResponseConfig {
	return ResponseConfig{
		Offense: OffenseResponse{Enabled: true, IndexOn: "Source IP"},
		DispatchEvent: DispatchEventConfig{
			HighLevelCategory: "Security",
			OffenseNaming:     "append",
		},
		ReferenceSet: ReferenceSetResponse{Field: "sourceip"},
		Severity:     5,
		Credibility:  5,
		Relevance:    5,
	}
}

// Metadata is stamped on every persisted rule and building block.
type Metadata struct {
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedBy string    `json:"modified_by"`
	ModifiedAt time.Time `json:"modified_at"`
	Version    string    `json:"version"`
	Tags       []string  `json:"tags,omitempty"`
}

// RulePayload is the wire and storage shape of a compiled rule.
type RulePayload struct {
	ID             string          `json:"id,omitempty"`
	Name           string          `json:"name" validate:"required,min=3"`
	Description    string          `json:"description"`
	Severity       string          `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	Enabled        bool            `json:"enabled"`
	AQL            string          `json:"aql" validate:"required"`
	BuildingBlocks []string        `json:"building_blocks"`
	Kind           RuleKind        `json:"kind,omitempty"`
	Group          string          `json:"group,omitempty"`
	Combinator     Combinator      `json:"combinator,omitempty" validate:"omitempty,oneof=ALL ANY"`
	Response       *ResponseConfig `json:"response,omitempty"`
	Metadata       *Metadata       `json:"metadata,omitempty"`
}

// BuildingBlockPayload is a reusable condition set. It has no response or combinator.
type BuildingBlockPayload struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name" validate:"required,min=3"`
	Description string    `json:"description"`
	AQL         string    `json:"aql" validate:"required"`
	Metadata    *Metadata `json:"metadata,omitempty"`
}

// EventRecord is one event fed to the test-execution service. Fields beyond the
// well-known ones are kept as-is.
type EventRecord map[string]interface{}

// Phase outcomes reported by the test-execution service.
const (
	PhasePassed        = "passed"
	PhaseFailed        = "failed"
	PhaseNotApplicable = "not_applicable"
)

// EvaluationPhases reports which evaluation stage decided the verdict.
type EvaluationPhases struct {
	BuildingBlock string `json:"building_block"`
	NormalLogic   string `json:"normal_logic"`
	Regex         string `json:"regex"`
	AQL           string `json:"aql"`
}

// TestRequest asks the test-execution service for a verdict.
type TestRequest struct {
	Rule           RulePayload            `json:"rule" validate:"required"`
	Events         []EventRecord          `json:"events" validate:"required,min=1"`
	BuildingBlocks []BuildingBlockPayload `json:"building_blocks,omitempty"`
}

// TestResult is the verdict returned by the test-execution service.
type TestResult struct {
	Alert            bool             `json:"alert"`
	RuleID           string           `json:"rule_id,omitempty"`
	RuleName         string           `json:"rule_name"`
	MatchedEvents    []EventRecord    `json:"matched_events,omitempty"`
	TriggerDetails   string           `json:"trigger_details,omitempty"`
	TriggerTimestamp string           `json:"trigger_timestamp,omitempty"`
	EvaluationPhases EvaluationPhases `json:"evaluation_phases"`
	Error            string           `json:"error,omitempty"`
}

// SyntaxCheck is the answer to a validate-syntax request.
type SyntaxCheck struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// AuditEntry records every change made to persisted rules.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"` // "rule_created", "building_block_deleted", ...
	Actor      string    `json:"actor"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`
	Timestamp  time.Time `json:"timestamp"`
}

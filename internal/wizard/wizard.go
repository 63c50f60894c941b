// Package wizard implements the five-step rule authoring flow:
// Introduction → Type of Rule → Test Stack → Response → Name / Summary.
// Leaving the test stack and name steps is gated on validation; leaving the
// last step compiles the draft and hands it to the persistence collaborator.
package wizard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruleforge/ruleforge/internal/compiler"
	"github.com/ruleforge/ruleforge/internal/draft"
	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/stack"
	"github.com/ruleforge/ruleforge/internal/types"
	"github.com/ruleforge/ruleforge/internal/validate"
)

// Store persists submitted rules (implemented by storage and the remote client).
type Store interface {
	CreateRule(ctx context.Context, rule types.RulePayload) (string, error)
	CreateBuildingBlock(ctx context.Context, bb types.BuildingBlockPayload) (string, error)
}

// Confirmer asks the operator to confirm discarding the draft.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// CancelPrompt is shown before a draft is discarded.
const CancelPrompt = "Discard this rule? All unsaved changes will be lost."

// Submission records a successfully persisted draft.
type Submission struct {
	ID          string         `json:"id"`
	Kind        types.RuleKind `json:"kind"`
	Name        string         `json:"name"`
	AQL         string         `json:"aql"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithDefaults sets the values fresh drafts are seeded with.
func WithDefaults(d draft.Defaults) Option {
	return func(m *Machine) { m.defaults = d }
}

// WithStackOptions passes options to every condition stack the machine creates.
func WithStackOptions(opts ...stack.Option) Option {
	return func(m *Machine) { m.stackOpts = opts }
}

// WithClock overrides the time source for submission timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is one wizard session. All methods are safe for concurrent use;
// the lock is released while the store is called and a submitting flag
// rejects re-entry.
type Machine struct {
	store     Store
	logger    zerolog.Logger
	defaults  draft.Defaults
	stackOpts []stack.Option
	now       func() time.Time

	mu         sync.Mutex
	step       types.Step
	draft      *draft.Draft
	errors     []validate.ValidationError
	submitting bool
	submitErr  error
	last       *Submission

	onSubmit     func(Submission)
	onTransition func(from, to types.Step, passed bool)
}

// New returns a machine at step 1 with a fresh draft.
func New(store Store, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		logger:   logger.With().Str("component", "wizard").Logger(),
		defaults: draft.DefaultDefaults(),
		now:      time.Now,
		step:     types.FirstStep,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.attach(draft.New(m.defaults, m.stackOpts...))
	return m
}

// OnSubmit sets a callback run after a draft is persisted.
func (m *Machine) OnSubmit(fn func(Submission)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSubmit = fn
}

// OnTransition sets a callback run on every Next/Back attempt. passed is
// false when a validation gate held the machine in place. fn runs with the
// session locked and must not call back into the machine.
func (m *Machine) OnTransition(fn func(from, to types.Step, passed bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// attach makes d the current draft. Caller holds mu (or owns m exclusively).
func (m *Machine) attach(d *draft.Draft) {
	d.Stack.OnChange(m.clearErrors)
	m.draft = d
}

func (m *Machine) clearErrors() {
	m.errors = nil
}

func (m *Machine) reset() {
	m.attach(draft.New(m.defaults, m.stackOpts...))
	m.step = types.FirstStep
	m.errors = nil
	m.submitErr = nil
}

func busy() error {
	return rferrors.New(rferrors.ErrSubmitInFlight, "a submission is in progress")
}

func (m *Machine) transitioned(from, to types.Step, passed bool) {
	if m.onTransition != nil {
		m.onTransition(from, to, passed)
	}
}

// Step returns the current step.
func (m *Machine) Step() types.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// Errors returns the validation errors from the last gated Next.
func (m *Machine) Errors() []validate.ValidationError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]validate.ValidationError, len(m.errors))
	copy(out, m.errors)
	return out
}

// SubmitError returns the error of the last failed submission, if any.
func (m *Machine) SubmitError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitErr
}

// Edit applies fn to the draft. Validation errors are cleared when fn succeeds.
func (m *Machine) Edit(fn func(d *draft.Draft) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitting {
		return busy()
	}
	if err := fn(m.draft); err != nil {
		return err
	}
	m.clearErrors()
	return nil
}

// EditConditions applies fn to the condition stack. Conditions can only be
// changed while the machine is on the test stack step.
func (m *Machine) EditConditions(fn func(s *stack.Stack) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitting {
		return busy()
	}
	if m.step != types.StepTestStack {
		return rferrors.Newf(rferrors.ErrInvalidInput, "conditions can only be edited on the %s step", types.StepTestStack.Label()).
			WithDetails("step", int(m.step))
	}
	return fn(m.draft.Stack)
}

// Load replaces the draft and returns to step 1.
func (m *Machine) Load(d *draft.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitting {
		return busy()
	}
	m.attach(d)
	m.step = types.FirstStep
	m.errors = nil
	m.submitErr = nil
	return nil
}

// Next advances one step. At the test stack and name steps it returns
// EWIZ-001 and records the validation errors when the gate fails. At the
// last step it compiles and submits the draft; on success the machine
// starts over with a fresh draft.
func (m *Machine) Next(ctx context.Context) error {
	m.mu.Lock()
	if m.submitting {
		m.mu.Unlock()
		return busy()
	}

	from := m.step
	if gate := validate.Validate(m.draft, from); len(gate) > 0 {
		m.errors = gate
		m.transitioned(from, from, false)
		m.mu.Unlock()
		m.logger.Debug().Str("step", from.String()).Int("errors", len(gate)).Msg("step gate failed")
		return rferrors.Newf(rferrors.ErrStepGate, "%s has %d validation error(s)", from.Label(), len(gate)).
			WithDetails("step", int(from))
	}

	if from < types.LastStep {
		m.step = from + 1
		m.errors = nil
		m.transitioned(from, m.step, true)
		m.mu.Unlock()
		m.logger.Debug().Str("from", from.String()).Str("to", (from + 1).String()).Msg("step advanced")
		return nil
	}

	return m.submit(ctx)
}

type submitFunc func(ctx context.Context) (string, error)

// submit is entered with mu held and releases it.
func (m *Machine) submit(ctx context.Context) error {
	d := m.draft
	name, kind := d.Name, d.Kind

	var (
		call submitFunc
		aql  string
	)
	if d.IsBuildingBlock() {
		payload, err := compiler.CompileBuildingBlock(d)
		if err != nil {
			return m.invariantBroken(err)
		}
		aql = payload.AQL
		call = func(ctx context.Context) (string, error) { return m.store.CreateBuildingBlock(ctx, payload) }
	} else {
		payload, err := compiler.CompileRule(d)
		if err != nil {
			return m.invariantBroken(err)
		}
		aql = payload.AQL
		call = func(ctx context.Context) (string, error) { return m.store.CreateRule(ctx, payload) }
	}

	m.submitting = true
	m.errors = nil
	m.submitErr = nil
	m.mu.Unlock()

	id, err := call(ctx)

	m.mu.Lock()
	m.submitting = false
	if err != nil {
		m.submitErr = rferrors.Wrap(rferrors.ErrSubmissionFailed, "saving rule failed", err)
		serr := m.submitErr
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("name", name).Str("kind", string(kind)).Msg("rule submission failed")
		return serr
	}

	sub := Submission{ID: id, Kind: kind, Name: name, AQL: aql, SubmittedAt: m.now()}
	m.last = &sub
	m.reset()
	m.transitioned(types.LastStep, types.FirstStep, true)
	cb := m.onSubmit
	m.mu.Unlock()

	m.logger.Info().Str("id", id).Str("name", name).Str("kind", string(kind)).Msg("rule submitted")
	if cb != nil {
		cb(sub)
	}
	return nil
}

// invariantBroken is entered with mu held and releases it.
func (m *Machine) invariantBroken(cause error) error {
	m.submitErr = rferrors.New(rferrors.ErrInternal, "the rule could not be compiled")
	err := m.submitErr
	m.mu.Unlock()
	m.logger.Error().Err(cause).Msg("validated draft failed to compile")
	return err
}

// Back returns to the previous step without validation. It is a no-op at step 1.
func (m *Machine) Back() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitting {
		return busy()
	}
	if m.step <= types.FirstStep {
		return nil
	}
	from := m.step
	m.step--
	m.errors = nil
	m.submitErr = nil
	m.transitioned(from, m.step, true)
	return nil
}

// Cancel discards the draft and returns to step 1 once c agrees. A nil c
// agrees. It reports whether the draft was discarded.
func (m *Machine) Cancel(ctx context.Context, c Confirmer) (bool, error) {
	m.mu.Lock()
	if m.submitting {
		m.mu.Unlock()
		return false, busy()
	}
	m.mu.Unlock()

	if c != nil {
		ok, err := c.Confirm(ctx, CancelPrompt)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitting {
		return false, busy()
	}
	m.reset()
	m.logger.Debug().Msg("draft discarded")
	return true, nil
}

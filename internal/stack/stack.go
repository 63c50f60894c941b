// Package stack implements the ordered condition list a rule is assembled from.
package stack

import (
	"fmt"
	"time"

	"github.com/ruleforge/ruleforge/internal/catalog"
	rferrors "github.com/ruleforge/ruleforge/internal/errors"
)

// Condition is one catalog test placed on a stack together with the raw
// values configured for its parameters. A missing key means unconfigured.
//
// Conditions are treated as immutable once handed out: editing a condition
// replaces it with a fresh copy, so earlier snapshots stay stable.
type Condition struct {
	ID     string
	Test   *catalog.TestDefinition
	Values map[string]string
}

// Value returns the configured raw value for key.
func (c *Condition) Value(key string) (string, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// MissingParam returns the first required parameter, in declaration order,
// that has no non-empty value.
func (c *Condition) MissingParam() (*catalog.ParamSpec, bool) {
	for i := range c.Test.Params {
		p := &c.Test.Params[i]
		if p.Optional {
			continue
		}
		if c.Values[p.Key] == "" {
			return p, true
		}
	}
	return nil, false
}

// IsFullyConfigured reports whether every required parameter has a value.
func (c *Condition) IsFullyConfigured() bool {
	_, missing := c.MissingParam()
	return !missing
}

func (c *Condition) with(key, value string) *Condition {
	values := make(map[string]string, len(c.Values)+1)
	for k, v := range c.Values {
		values[k] = v
	}
	values[key] = value
	return &Condition{ID: c.ID, Test: c.Test, Values: values}
}

// Entry seeds a condition in Load.
type Entry struct {
	Test   *catalog.TestDefinition
	Values map[string]string
}

// Option configures a Stack.
type Option func(*Stack)

// WithClock overrides the time source used in condition ids.
func WithClock(now func() time.Time) Option {
	return func(s *Stack) { s.now = now }
}

// Stack is an ordered list of conditions. It is not safe for concurrent use;
// the wizard serializes access.
type Stack struct {
	conds    []*Condition
	counter  uint64
	now      func() time.Time
	onChange func()
}

// New returns an empty stack.
func New(opts ...Option) *Stack {
	s := &Stack{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn to run after every mutation that changed the stack.
func (s *Stack) OnChange(fn func()) {
	s.onChange = fn
}

func (s *Stack) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Stack) nextID() string {
	s.counter++
	return fmt.Sprintf("cond_%d_%d", s.counter, s.now().UnixMilli())
}

func (s *Stack) index(id string) int {
	for i, c := range s.conds {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Add appends a condition for def with no values and returns its id.
func (s *Stack) Add(def *catalog.TestDefinition) string {
	c := &Condition{ID: s.nextID(), Test: def, Values: map[string]string{}}
	s.conds = append(s.conds, c)
	s.changed()
	return c.ID
}

// Remove deletes the condition with id. Unknown ids are ignored.
func (s *Stack) Remove(id string) {
	i := s.index(id)
	if i < 0 {
		return
	}
	s.conds = append(s.conds[:i:i], s.conds[i+1:]...)
	s.changed()
}

// MoveUp swaps the condition with its predecessor. No-op at the top or for unknown ids.
func (s *Stack) MoveUp(id string) {
	i := s.index(id)
	if i <= 0 {
		return
	}
	s.swap(i, i-1)
}

// MoveDown swaps the condition with its successor. No-op at the bottom or for unknown ids.
func (s *Stack) MoveDown(id string) {
	i := s.index(id)
	if i < 0 || i == len(s.conds)-1 {
		return
	}
	s.swap(i, i+1)
}

func (s *Stack) swap(i, j int) {
	conds := make([]*Condition, len(s.conds))
	copy(conds, s.conds)
	conds[i], conds[j] = conds[j], conds[i]
	s.conds = conds
	s.changed()
}

// SetParam stores a raw value for one parameter of a condition.
func (s *Stack) SetParam(id, key, value string) error {
	i, err := s.lookup(id, key)
	if err != nil {
		return err
	}
	s.replace(i, s.conds[i].with(key, value))
	return nil
}

// Configure is SetParam for a typed value. The value kind and bounds are
// checked against the parameter spec before its encoding is stored.
func (s *Stack) Configure(id, key string, v catalog.Value) error {
	i, err := s.lookup(id, key)
	if err != nil {
		return err
	}
	spec, _ := s.conds[i].Test.Param(key)
	if err := spec.Check(v); err != nil {
		return err
	}
	s.replace(i, s.conds[i].with(key, v.Encode()))
	return nil
}

func (s *Stack) lookup(id, key string) (int, error) {
	i := s.index(id)
	if i < 0 {
		return -1, rferrors.Newf(rferrors.ErrConditionNotFound, "condition %q not found", id).
			WithDetails("condition_id", id)
	}
	if _, ok := s.conds[i].Test.Param(key); !ok {
		return -1, rferrors.Newf(rferrors.ErrInvalidParamKey, "test %q has no parameter %q", s.conds[i].Test.ID, key).
			WithDetails("condition_id", id).
			WithDetails("param", key)
	}
	return i, nil
}

func (s *Stack) replace(i int, c *Condition) {
	conds := make([]*Condition, len(s.conds))
	copy(conds, s.conds)
	conds[i] = c
	s.conds = conds
	s.changed()
}

// IsFullyConfigured reports whether the condition with id has every required
// parameter set. Unknown ids report false.
func (s *Stack) IsFullyConfigured(id string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	return s.conds[i].IsFullyConfigured()
}

// Get returns the condition with id.
func (s *Stack) Get(id string) (*Condition, bool) {
	i := s.index(id)
	if i < 0 {
		return nil, false
	}
	return s.conds[i], true
}

// Conditions returns the conditions in order. The slice is a snapshot; it is
// not affected by later mutations.
func (s *Stack) Conditions() []*Condition {
	return s.conds[:len(s.conds):len(s.conds)]
}

// Len returns the number of conditions.
func (s *Stack) Len() int { return len(s.conds) }

// Clear removes every condition.
func (s *Stack) Clear() {
	if len(s.conds) == 0 {
		return
	}
	s.conds = nil
	s.changed()
}

// Load replaces the contents with entries, assigning fresh ids. Nothing is
// changed when any entry refers to an unknown parameter.
func (s *Stack) Load(entries []Entry) error {
	conds := make([]*Condition, 0, len(entries))
	for n, e := range entries {
		if e.Test == nil {
			return rferrors.Newf(rferrors.ErrInvalidInput, "condition #%d has no test", n+1)
		}
		values := make(map[string]string, len(e.Values))
		for k, v := range e.Values {
			if _, ok := e.Test.Param(k); !ok {
				return rferrors.Newf(rferrors.ErrInvalidParamKey, "test %q has no parameter %q", e.Test.ID, k).
					WithDetails("param", k)
			}
			values[k] = v
		}
		conds = append(conds, &Condition{Test: e.Test, Values: values})
	}
	for _, c := range conds {
		c.ID = s.nextID()
	}
	s.conds = conds
	s.changed()
	return nil
}

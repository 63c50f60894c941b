package gateway

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ruleforge/ruleforge/internal/catalog"
	"github.com/ruleforge/ruleforge/internal/draft"
	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/metrics"
	"github.com/ruleforge/ruleforge/internal/stack"
	"github.com/ruleforge/ruleforge/internal/types"
	"github.com/ruleforge/ruleforge/internal/wizard"
)

const defaultMaxSessions = 256

// sessionStore holds wizard sessions. The least recently used session is
// dropped once the store is full.
type sessionStore struct {
	cache *lru.Cache[string, *wizard.Machine]
}

func newSessionStore(size int) (*sessionStore, error) {
	if size <= 0 {
		size = defaultMaxSessions
	}
	cache, err := lru.NewWithEvict[string, *wizard.Machine](size, func(string, *wizard.Machine) {
		metrics.ActiveSessions.Dec()
	})
	if err != nil {
		return nil, err
	}
	return &sessionStore{cache: cache}, nil
}

func (ss *sessionStore) add(m *wizard.Machine) string {
	id := uuid.NewString()
	ss.cache.Add(id, m)
	metrics.ActiveSessions.Inc()
	return id
}

func (ss *sessionStore) get(id string) (*wizard.Machine, error) {
	m, ok := ss.cache.Get(id)
	if !ok {
		return nil, rferrors.Newf(rferrors.ErrSessionNotFound, "session %q not found", id).
			WithDetails("session_id", id)
	}
	return m, nil
}

func (ss *sessionStore) remove(id string) bool {
	return ss.cache.Remove(id)
}

func (ss *sessionStore) len() int {
	return ss.cache.Len()
}

type sessionCreated struct {
	ID    string       `json:"id"`
	State wizard.State `json:"state"`
}

// session resolves the {sid} route variable, writing the error response when
// it is unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*wizard.Machine, bool) {
	m, err := s.sessions.get(mux.Vars(r)["sid"])
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return m, true
}

// writeSessionError reports err together with the session state.
func (s *Server) writeSessionError(w http.ResponseWriter, m *wizard.Machine, err error) {
	status, code, msg := errorParts(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("session request failed")
	}
	writeAPIErrorData(w, status, code, msg, m.Snapshot())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	m := wizard.New(s.deps.Repo, s.logger, wizard.WithDefaults(s.deps.Defaults))

	var doc draft.Document
	present, err := s.decodeOptional(r, &doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if present {
		d, err := doc.Build(s.deps.Catalog, s.deps.Defaults)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := m.Load(d); err != nil {
			s.writeError(w, err)
			return
		}
	}

	m.OnTransition(metrics.ObserveTransition)
	m.OnSubmit(func(sub wizard.Submission) {
		metrics.ObserveSubmission(sub.Kind, nil)
	})

	id := s.sessions.add(m)
	s.logger.Debug().Str("session_id", id).Msg("session created")
	writeAPIStatus(w, http.StatusCreated, sessionCreated{ID: id, State: m.Snapshot()}, nil)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	writeAPISuccess(w, m.Snapshot(), nil)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sid"]
	if !s.sessions.remove(id) {
		s.writeError(w, rferrors.Newf(rferrors.ErrSessionNotFound, "session %q not found", id))
		return
	}
	writeAPISuccess(w, map[string]interface{}{"id": id, "deleted": true}, nil)
}

func (s *Server) handleSessionNext(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := m.Next(r.Context()); err != nil {
		switch rferrors.GetCode(err) {
		case rferrors.ErrSubmissionFailed, rferrors.ErrInternal:
			metrics.ObserveSubmission(m.Snapshot().Draft.Kind, err)
		}
		s.writeSessionError(w, m, err)
		return
	}
	writeAPISuccess(w, m.Snapshot(), nil)
}

func (s *Server) handleSessionBack(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := m.Back(); err != nil {
		s.writeSessionError(w, m, err)
		return
	}
	writeAPISuccess(w, m.Snapshot(), nil)
}

type cancelRequest struct {
	Confirm *bool `json:"confirm" validate:"required"`
}

type cancelResult struct {
	Discarded bool         `json:"discarded"`
	State     wizard.State `json:"state"`
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	confirmed := *req.Confirm
	discarded, err := m.Cancel(r.Context(), wizard.ConfirmFunc(func(context.Context, string) (bool, error) {
		return confirmed, nil
	}))
	if err != nil {
		s.writeSessionError(w, m, err)
		return
	}
	writeAPISuccess(w, cancelResult{Discarded: discarded, State: m.Snapshot()}, nil)
}

// DraftPatch updates the draft settings. Absent fields are left unchanged.
type DraftPatch struct {
	Name           *string               `json:"name"`
	Notes          *string               `json:"notes"`
	Kind           *types.RuleKind       `json:"kind" validate:"omitempty,oneof=event flow common offense building_block"`
	Group          *string               `json:"group" validate:"omitempty,min=1"`
	Enabled        *bool                 `json:"enabled"`
	Severity       *string               `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	Combinator     *types.Combinator     `json:"combinator" validate:"omitempty,oneof=ALL ANY"`
	BuildingBlocks []string              `json:"building_blocks"`
	Response       *types.ResponseConfig `json:"response"`
}

// apply copies the set fields onto d.
func (p *DraftPatch) apply(d *draft.Draft) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Notes != nil {
		d.Notes = *p.Notes
	}
	if p.Kind != nil {
		d.Kind = *p.Kind
	}
	if p.Group != nil {
		d.Group = *p.Group
	}
	if p.Enabled != nil {
		d.Enabled = *p.Enabled
	}
	if p.Severity != nil {
		d.Severity = types.ParseSeverity(*p.Severity)
	}
	if p.Combinator != nil {
		d.Combinator = *p.Combinator
	}
	if p.BuildingBlocks != nil {
		d.BuildingBlocks = nil
		for _, id := range p.BuildingBlocks {
			d.AddBuildingBlock(id)
		}
	}
	if p.Response != nil {
		d.Response = *p.Response
	}
}

func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	var patch DraftPatch
	if err := s.decodeBody(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	if err := m.Edit(func(d *draft.Draft) error {
		patch.apply(d)
		return nil
	}); err != nil {
		s.writeSessionError(w, m, err)
		return
	}
	writeAPISuccess(w, m.Snapshot(), nil)
}

type addConditionRequest struct {
	TestID string `json:"test_id" validate:"required"`
}

type conditionAdded struct {
	ConditionID string       `json:"condition_id"`
	State       wizard.State `json:"state"`
}

func (s *Server) handleAddCondition(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	var req addConditionRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	def, err := s.deps.Catalog.Lookup(req.TestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var id string
	if err := m.EditConditions(func(st *stack.Stack) error {
		id = st.Add(def)
		return nil
	}); err != nil {
		s.writeSessionError(w, m, err)
		return
	}
	writeAPIStatus(w, http.StatusCreated, conditionAdded{ConditionID: id, State: m.Snapshot()}, nil)
}

func conditionNotFound(id string) error {
	return rferrors.Newf(rferrors.ErrConditionNotFound, "condition %q not found", id).
		WithDetails("condition_id", id)
}

func (s *Server) handleRemoveCondition(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	cid := mux.Vars(r)["cid"]
	if err := m.EditConditions(func(st *stack.Stack) error {
		if _, ok := st.Get(cid); !ok {
			return conditionNotFound(cid)
		}
		st.Remove(cid)
		return nil
	}); err != nil {
		s.writeSessionError(w, m, err)
		return
	}
	writeAPISuccess(w, m.Snapshot(), nil)
}

type moveRequest struct {
	Direction string `json:"direction" validate:"required,oneof=up down"`
}

func (s *Server) handleMoveCondition(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cid := mux.Vars(r)["cid"]
	if err := m.EditConditions(func(st *stack.Stack) error {
		if _, ok := st.Get(cid); !ok {
			return conditionNotFound(cid)
		}
		if req.Direction == "up" {
			st.MoveUp(cid)
		} else {
			st.MoveDown(cid)
		}
		return nil
	}); err != nil {
		s.writeSessionError(w, m, err)
		return
	}
	writeAPISuccess(w, m.Snapshot(), nil)
}

type paramRequest struct {
	Value interface{} `json:"value"`
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session(w, r)
	if !ok {
		return
	}
	var req paramRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	cid, key := vars["cid"], vars["key"]

	if err := m.EditConditions(func(st *stack.Stack) error {
		c, ok := st.Get(cid)
		if !ok {
			return conditionNotFound(cid)
		}
		spec, ok := c.Test.Param(key)
		if !ok {
			return rferrors.Newf(rferrors.ErrInvalidParamKey, "test %q has no parameter %q", c.Test.ID, key).
				WithDetails("param", key)
		}
		if req.Value == nil || req.Value == "" {
			return st.SetParam(cid, key, "")
		}
		v, err := catalog.FromAny(spec, req.Value)
		if err != nil {
			return err
		}
		return st.Configure(cid, key, v)
	}); err != nil {
		s.writeSessionError(w, m, err)
		return
	}
	writeAPISuccess(w, m.Snapshot(), nil)
}

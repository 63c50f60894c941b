package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/ruleforge/ruleforge/internal/catalog"
	"github.com/ruleforge/ruleforge/internal/compiler"
	"github.com/ruleforge/ruleforge/internal/draft"
	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/metrics"
	"github.com/ruleforge/ruleforge/internal/types"
	"github.com/ruleforge/ruleforge/internal/validate"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// --- API Response Helpers ---

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total int `json:"total,omitempty"`
}

func writeAPISuccess(w http.ResponseWriter, data interface{}, meta *apiMeta) {
	writeAPIStatus(w, http.StatusOK, data, meta)
}

func writeAPIStatus(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeAPIErrorData(w, status, code, message, nil)
}

// writeAPIErrorData is writeAPIError with a payload, used when the caller
// needs the resulting state alongside the failure.
func writeAPIErrorData(w http.ResponseWriter, status int, code, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Data:    data,
		Error:   &apiError{Code: code, Message: message},
	})
}

// errorParts extracts the status, code and message for err.
func errorParts(err error) (int, string, string) {
	var fe *rferrors.ForgeError
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError, "EINT-001", err.Error()
	}
	msg := fe.Message
	if fe.Cause != nil {
		msg += ": " + fe.Cause.Error()
	}
	return rferrors.ToHTTPStatus(fe.Code), string(fe.Code), msg
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code, msg := errorParts(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeAPIError(w, status, code, msg)
}

func parseQueryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// decodeBody reads a JSON body into v and validates it.
func (s *Server) decodeBody(r *http.Request, v interface{}) error {
	present, err := s.decodeOptional(r, v)
	if err != nil {
		return err
	}
	if !present {
		return rferrors.New(rferrors.ErrInvalidInput, "request body is required")
	}
	return nil
}

// decodeOptional is decodeBody for endpoints where the body may be omitted.
func (s *Server) decodeOptional(r *http.Request, v interface{}) (bool, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return false, rferrors.Wrap(rferrors.ErrInvalidInput, "reading body", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return true, rferrors.Wrap(rferrors.ErrInvalidInput, "invalid JSON body", err)
	}
	return true, s.check(v)
}

func (s *Server) check(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return rferrors.Newf(rferrors.ErrValidation, "invalid request: %s", strings.Join(fields, ", "))
	}
	return rferrors.Wrap(rferrors.ErrValidation, "invalid request", err)
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":          "running",
		"version":         s.deps.Version,
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"catalog_tests":   s.deps.Catalog.Len(),
		"active_sessions": s.sessions.len(),
		"tester_enabled":  s.deps.Tester != nil,
	}
	writeAPISuccess(w, health, nil)
}

// --- Catalog ---

type groupInfo struct {
	ID    catalog.Group `json:"id"`
	Name  string        `json:"name"`
	Count int           `json:"count"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	// Unknown groups match nothing.
	group := catalog.Group(r.URL.Query().Get("group"))
	tests := s.deps.Catalog.Filter(group, r.URL.Query().Get("q"))
	writeAPISuccess(w, tests, &apiMeta{Total: len(tests)})
}

func (s *Server) handleCatalogGroups(w http.ResponseWriter, r *http.Request) {
	groups := catalog.Groups()
	out := make([]groupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupInfo{
			ID:    g,
			Name:  catalog.GroupName(g),
			Count: len(s.deps.Catalog.Filter(g, "")),
		})
	}
	writeAPISuccess(w, out, &apiMeta{Total: len(out)})
}

func (s *Server) handleCatalogTest(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Catalog.Lookup(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, def, nil)
}

// --- Compile ---

type compileResult struct {
	AQL      string   `json:"aql"`
	Preview  string   `json:"preview"`
	Complete bool     `json:"complete"`
	Errors   []string `json:"errors"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var doc draft.Document
	if err := s.decodeBody(r, &doc); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := doc.Build(s.deps.Catalog, s.deps.Defaults)
	if err != nil {
		s.writeError(w, err)
		return
	}

	aql, cerr := compiler.Compile(d)
	metrics.ObserveCompile(cerr)
	writeAPISuccess(w, compileResult{
		AQL:      aql,
		Preview:  compiler.Preview(d),
		Complete: cerr == nil,
		Errors:   validate.Messages(validate.Validate(d, types.StepTestStack)),
	}, nil)
}

// --- Rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Repo.ListRules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, rules, &apiMeta{Total: len(rules)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.RulePayload
	if err := s.decodeBody(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.deps.Repo.CreateRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.deps.Repo.GetRule(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPIStatus(w, http.StatusCreated, created, nil)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Repo.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, rule, nil)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.RulePayload
	if err := s.decodeBody(r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.deps.Repo.UpdateRule(r.Context(), mux.Vars(r)["id"], rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, updated, nil)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Repo.DeleteRule(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, map[string]interface{}{"id": id, "deleted": true}, nil)
}

// --- Building blocks ---

func (s *Server) handleListBuildingBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.deps.Repo.ListBuildingBlocks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, blocks, &apiMeta{Total: len(blocks)})
}

func (s *Server) handleCreateBuildingBlock(w http.ResponseWriter, r *http.Request) {
	var bb types.BuildingBlockPayload
	if err := s.decodeBody(r, &bb); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.deps.Repo.CreateBuildingBlock(r.Context(), bb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.deps.Repo.GetBuildingBlock(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPIStatus(w, http.StatusCreated, created, nil)
}

func (s *Server) handleGetBuildingBlock(w http.ResponseWriter, r *http.Request) {
	bb, err := s.deps.Repo.GetBuildingBlock(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, bb, nil)
}

func (s *Server) handleUpdateBuildingBlock(w http.ResponseWriter, r *http.Request) {
	var bb types.BuildingBlockPayload
	if err := s.decodeBody(r, &bb); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.deps.Repo.UpdateBuildingBlock(r.Context(), mux.Vars(r)["id"], bb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, updated, nil)
}

func (s *Server) handleDeleteBuildingBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Repo.DeleteBuildingBlock(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, map[string]interface{}{"id": id, "deleted": true}, nil)
}

// --- Audit ---

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	audit, ok := s.deps.Repo.(AuditLog)
	if !ok {
		writeAPIError(w, http.StatusNotImplemented, string(rferrors.ErrStorage), "The configured repository does not keep an audit log")
		return
	}
	limit := parseQueryInt(r, "limit", 50)
	if limit < 1 || limit > 1000 {
		limit = 50
	}
	entries, err := audit.GetAuditLog(r.Context(), limit)
	if err != nil {
		s.writeError(w, rferrors.Wrap(rferrors.ErrStorage, "reading audit log", err))
		return
	}
	writeAPISuccess(w, entries, &apiMeta{Total: len(entries)})
}

// --- Test execution proxy ---

func (s *Server) testerMissing(w http.ResponseWriter) bool {
	if s.deps.Tester != nil {
		return false
	}
	writeAPIError(w, http.StatusServiceUnavailable, string(rferrors.ErrCollaborator), "Test execution service is not configured")
	return true
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	if s.testerMissing(w) {
		return
	}
	var req types.TestRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Tester.TestRule(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, res, nil)
}

type syntaxRequest struct {
	AQL string `json:"aql" validate:"required"`
}

func (s *Server) handleValidateSyntax(w http.ResponseWriter, r *http.Request) {
	if s.testerMissing(w) {
		return
	}
	var req syntaxRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Tester.ValidateSyntax(r.Context(), req.AQL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeAPISuccess(w, res, nil)
}

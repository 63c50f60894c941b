package gateway

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/types"
	"github.com/ruleforge/ruleforge/internal/validate"
	"github.com/ruleforge/ruleforge/internal/wizard"
)

func (ts *testServer) createSession(body interface{}) (string, wizard.State) {
	ts.t.Helper()
	rec, env := ts.do("POST", "/api/v1/sessions", body)
	require.Equal(ts.t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var created sessionCreated
	decodeData(ts.t, env, &created)
	require.NotEmpty(ts.t, created.ID)
	return created.ID, created.State
}

func (ts *testServer) state(env envelope) wizard.State {
	ts.t.Helper()
	var st wizard.State
	decodeData(ts.t, env, &st)
	return st
}

func (ts *testServer) next(sid string) (int, wizard.State) {
	ts.t.Helper()
	rec, env := ts.do("POST", "/api/v1/sessions/"+sid+"/next", nil)
	return rec.Code, ts.state(env)
}

func (ts *testServer) addCondition(sid, testID string) string {
	ts.t.Helper()
	rec, env := ts.do("POST", "/api/v1/sessions/"+sid+"/conditions", map[string]string{"test_id": testID})
	require.Equal(ts.t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var added conditionAdded
	decodeData(ts.t, env, &added)
	return added.ConditionID
}

// toTestStack advances a fresh session to step 3.
func (ts *testServer) toTestStack(sid string) {
	ts.t.Helper()
	for i := 0; i < 2; i++ {
		code, _ := ts.next(sid)
		require.Equal(ts.t, http.StatusOK, code)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestSession_CreateAndGet(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, st := ts.createSession(nil)

	assert.Equal(t, types.StepIntroduction, st.Step)
	assert.Equal(t, "introduction", st.StepName)
	assert.Equal(t, types.KindEvent, st.Draft.Kind)
	assert.Empty(t, st.Draft.Conditions)

	rec, env := ts.do("GET", "/api/v1/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StepIntroduction, ts.state(env).Step)

	_, env = ts.do("GET", "/api/v1/health", nil)
	var health map[string]interface{}
	decodeData(t, env, &health)
	assert.Equal(t, float64(1), health["active_sessions"])
}

func TestSession_CreateFromDocument(t *testing.T) {
	ts := newTestServer(t, nil)
	_, st := ts.createSession(map[string]interface{}{
		"name":       "Imported",
		"combinator": "ANY",
		"conditions": []map[string]interface{}{
			{"test": "evt-payload", "params": map[string]interface{}{"str": "SPEEDING"}},
			{"test": "net-src-local"},
		},
	})

	assert.Equal(t, "Imported", st.Draft.Name)
	assert.Equal(t, types.CombineAny, st.Draft.Combinator)
	require.Len(t, st.Draft.Conditions, 2)
	assert.True(t, st.Draft.Conditions[0].Configured)
	assert.Equal(t, "SPEEDING", st.Draft.Conditions[0].Values["str"])
}

func TestSession_CreateFromBadDocument(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, env := ts.do("POST", "/api/v1/sessions", map[string]interface{}{"kind": "weird"})
	assertAPIError(t, rec, env, http.StatusBadRequest, rferrors.ErrInvalidInput)
}

func TestSession_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, env := ts.do("GET", "/api/v1/sessions/missing", nil)
	assertAPIError(t, rec, env, http.StatusNotFound, rferrors.ErrSessionNotFound)

	rec, env = ts.do("POST", "/api/v1/sessions/missing/next", nil)
	assertAPIError(t, rec, env, http.StatusNotFound, rferrors.ErrSessionNotFound)
}

func TestSession_Delete(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)

	rec, _ := ts.do("DELETE", "/api/v1/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := ts.do("DELETE", "/api/v1/sessions/"+sid, nil)
	assertAPIError(t, rec, env, http.StatusNotFound, rferrors.ErrSessionNotFound)
}

func TestSession_OldestEvicted(t *testing.T) {
	ts := newTestServer(t, nil)
	first, _ := ts.createSession(nil)
	for i := 0; i < 8; i++ {
		ts.createSession(nil)
	}

	rec, env := ts.do("GET", "/api/v1/sessions/"+first, nil)
	assertAPIError(t, rec, env, http.StatusNotFound, rferrors.ErrSessionNotFound)
	assert.Equal(t, 8, ts.srv.sessions.len())
}

// ---------------------------------------------------------------------------
// Navigation
// ---------------------------------------------------------------------------

func TestSession_FullFlowPersistsRule(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)
	ts.toTestStack(sid)

	code, st := ts.next(sid)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, types.StepTestStack, st.Step)
	assert.Equal(t, []string{validate.MsgNameRequired, validate.MsgNoConditions}, validate.Messages(st.Errors))

	ts.addCondition(sid, "net-src-local")
	rec, env := ts.do("PATCH", "/api/v1/sessions/"+sid+"/draft", map[string]interface{}{
		"name":     "Local source",
		"severity": "high",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	st = ts.state(env)
	assert.Empty(t, st.Errors)
	assert.Equal(t, types.SeverityHigh, st.Draft.Severity)

	for want := types.StepResponse; want <= types.StepNameAndNotes; want++ {
		code, st = ts.next(sid)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, want, st.Step)
	}

	code, st = ts.next(sid)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.StepIntroduction, st.Step)
	assert.Empty(t, st.Draft.Name)
	require.NotNil(t, st.LastSubmission)
	assert.Equal(t, "Local source", st.LastSubmission.Name)

	rule, err := ts.repo.GetRule(context.Background(), st.LastSubmission.ID)
	require.NoError(t, err)
	assert.Equal(t, "when the source IP is in the local network", rule.AQL)
	assert.Equal(t, "high", rule.Severity)
}

func TestSession_BuildingBlockRouting(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(map[string]interface{}{
		"name":       "Local hosts",
		"kind":       "building_block",
		"conditions": []map[string]interface{}{{"test": "net-src-local"}},
	})
	for i := 0; i < 5; i++ {
		code, _ := ts.next(sid)
		require.Equal(t, http.StatusOK, code)
	}

	blocks, err := ts.repo.ListBuildingBlocks(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Local hosts", blocks[0].Name)

	rules, err := ts.repo.ListRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSession_Back(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)
	ts.toTestStack(sid)

	rec, env := ts.do("POST", "/api/v1/sessions/"+sid+"/back", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StepRuleType, ts.state(env).Step)
}

func TestSession_Cancel(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(map[string]interface{}{"name": "Keep me"})
	ts.toTestStack(sid)

	_, env := ts.do("POST", "/api/v1/sessions/"+sid+"/cancel", map[string]bool{"confirm": false})
	var res cancelResult
	decodeData(t, env, &res)
	assert.False(t, res.Discarded)
	assert.Equal(t, types.StepTestStack, res.State.Step)
	assert.Equal(t, "Keep me", res.State.Draft.Name)

	_, env = ts.do("POST", "/api/v1/sessions/"+sid+"/cancel", map[string]bool{"confirm": true})
	decodeData(t, env, &res)
	assert.True(t, res.Discarded)
	assert.Equal(t, types.StepIntroduction, res.State.Step)
	assert.Empty(t, res.State.Draft.Name)

	rec, env := ts.do("POST", "/api/v1/sessions/"+sid+"/cancel", map[string]string{})
	assertAPIError(t, rec, env, http.StatusBadRequest, rferrors.ErrValidation)
}

func TestSession_PatchValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)

	rec, env := ts.do("PATCH", "/api/v1/sessions/"+sid+"/draft", map[string]string{"combinator": "XOR"})
	assertAPIError(t, rec, env, http.StatusBadRequest, rferrors.ErrValidation)

	rec, env = ts.do("PATCH", "/api/v1/sessions/"+sid+"/draft", map[string]interface{}{
		"kind":            "flow",
		"building_blocks": []string{"bb-1", "bb-1", "bb-2"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	st := ts.state(env)
	assert.Equal(t, types.KindFlow, st.Draft.Kind)
	assert.Equal(t, []string{"bb-1", "bb-2"}, st.Draft.BuildingBlocks)
}

// ---------------------------------------------------------------------------
// Conditions
// ---------------------------------------------------------------------------

func TestConditions_OnlyOnTestStackStep(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)

	rec, env := ts.do("POST", "/api/v1/sessions/"+sid+"/conditions", map[string]string{"test_id": "net-src-local"})
	assertAPIError(t, rec, env, http.StatusBadRequest, rferrors.ErrInvalidInput)
	assert.Equal(t, types.StepIntroduction, ts.state(env).Step)
}

func TestConditions_UnknownTest(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)
	ts.toTestStack(sid)

	rec, env := ts.do("POST", "/api/v1/sessions/"+sid+"/conditions", map[string]string{"test_id": "nope"})
	assertAPIError(t, rec, env, http.StatusNotFound, rferrors.ErrUnknownTest)
}

func TestConditions_SetParam(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)
	ts.toTestStack(sid)
	cid := ts.addCondition(sid, "evt-credibility")
	path := "/api/v1/sessions/" + sid + "/conditions/" + cid + "/params/"

	rec, env := ts.do("PUT", path+"cred", map[string]interface{}{"value": 11})
	assertAPIError(t, rec, env, http.StatusBadRequest, rferrors.ErrInvalidParamValue)

	rec, env = ts.do("PUT", path+"nope", map[string]interface{}{"value": 3})
	assertAPIError(t, rec, env, http.StatusBadRequest, rferrors.ErrInvalidParamKey)

	rec, env = ts.do("PUT", path+"cred", map[string]interface{}{"value": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	st := ts.state(env)
	require.Len(t, st.Draft.Conditions, 1)
	assert.True(t, st.Draft.Conditions[0].Configured)
	assert.Equal(t, "7", st.Draft.Conditions[0].Values["cred"])

	rec, env = ts.do("PUT", path+"cred", map[string]interface{}{"value": nil})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ts.state(env).Draft.Conditions[0].Configured)

	rec, env = ts.do("PUT", "/api/v1/sessions/"+sid+"/conditions/c-missing/params/cred", map[string]interface{}{"value": 7})
	assertAPIError(t, rec, env, http.StatusNotFound, rferrors.ErrConditionNotFound)
}

func TestConditions_MoveAndRemove(t *testing.T) {
	ts := newTestServer(t, nil)
	sid, _ := ts.createSession(nil)
	ts.toTestStack(sid)
	first := ts.addCondition(sid, "net-src-local")
	second := ts.addCondition(sid, "net-dst-local")
	base := "/api/v1/sessions/" + sid + "/conditions/"

	rec, env := ts.do("POST", base+second+"/move", map[string]string{"direction": "up"})
	require.Equal(t, http.StatusOK, rec.Code)
	conds := ts.state(env).Draft.Conditions
	require.Len(t, conds, 2)
	assert.Equal(t, second, conds[0].ID)
	assert.Equal(t, first, conds[1].ID)

	rec, env = ts.do("POST", base+second+"/move", map[string]string{"direction": "sideways"})
	assertAPIError(t, rec, env, http.StatusBadRequest, rferrors.ErrValidation)

	rec, env = ts.do("DELETE", base+second, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conds = ts.state(env).Draft.Conditions
	require.Len(t, conds, 1)
	assert.Equal(t, first, conds[0].ID)

	rec, env = ts.do("DELETE", base+second, nil)
	assertAPIError(t, rec, env, http.StatusNotFound, rferrors.ErrConditionNotFound)
}

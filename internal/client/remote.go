package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/types"
)

// envelope is the gateway's JSON response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Remote talks to another ruleforge gateway's persistence API.
type Remote struct {
	base
}

// NewRemote creates a client for the gateway at baseURL (e.g. http://host:8090).
func NewRemote(baseURL string, timeout time.Duration, logger zerolog.Logger) *Remote {
	return &Remote{base: newBase(baseURL, timeout, logger, "remote")}
}

// call performs the request and decodes envelope data into out (may be nil).
func (r *Remote) call(ctx context.Context, method, path string, in, out interface{}) error {
	resp, err := r.do(ctx, method, path, in)
	if err != nil {
		return err
	}

	var env envelope
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &env); err != nil {
			if resp.status >= 300 {
				return statusError(resp.status, truncate(resp.body))
			}
			return rferrors.Wrap(rferrors.ErrBadResponse, "decoding response envelope", err)
		}
	}

	if resp.status >= 300 || (len(resp.body) > 0 && !env.Success) {
		msg := ""
		if env.Error != nil {
			msg = env.Error.Message
		}
		status := resp.status
		if status < 300 {
			status = http.StatusBadGateway
		}
		return statusError(status, msg)
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return rferrors.New(rferrors.ErrBadResponse, "response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return rferrors.Wrap(rferrors.ErrBadResponse, "decoding response data", err)
	}
	return nil
}

func rulePath(id string) string {
	return "/api/v1/rules/" + url.PathEscape(id)
}

func blockPath(id string) string {
	return "/api/v1/building-blocks/" + url.PathEscape(id)
}

// CreateRule posts rule and returns the id assigned by the remote.
func (r *Remote) CreateRule(ctx context.Context, rule types.RulePayload) (string, error) {
	var created types.RulePayload
	if err := r.call(ctx, http.MethodPost, "/api/v1/rules", rule, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", rferrors.New(rferrors.ErrBadResponse, "created rule has no id")
	}
	return created.ID, nil
}

// UpdateRule replaces the remote rule.
func (r *Remote) UpdateRule(ctx context.Context, id string, rule types.RulePayload) (types.RulePayload, error) {
	var updated types.RulePayload
	err := r.call(ctx, http.MethodPut, rulePath(id), rule, &updated)
	return updated, err
}

// GetRule fetches one rule.
func (r *Remote) GetRule(ctx context.Context, id string) (types.RulePayload, error) {
	var rule types.RulePayload
	err := r.call(ctx, http.MethodGet, rulePath(id), nil, &rule)
	return rule, err
}

// ListRules fetches every rule.
func (r *Remote) ListRules(ctx context.Context) ([]types.RulePayload, error) {
	rules := []types.RulePayload{}
	err := r.call(ctx, http.MethodGet, "/api/v1/rules", nil, &rules)
	return rules, err
}

// DeleteRule removes a rule.
func (r *Remote) DeleteRule(ctx context.Context, id string) error {
	return r.call(ctx, http.MethodDelete, rulePath(id), nil, nil)
}

// CreateBuildingBlock posts bb and returns the id assigned by the remote.
func (r *Remote) CreateBuildingBlock(ctx context.Context, bb types.BuildingBlockPayload) (string, error) {
	var created types.BuildingBlockPayload
	if err := r.call(ctx, http.MethodPost, "/api/v1/building-blocks", bb, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", rferrors.New(rferrors.ErrBadResponse, "created building block has no id")
	}
	return created.ID, nil
}

// UpdateBuildingBlock replaces the remote building block.
func (r *Remote) UpdateBuildingBlock(ctx context.Context, id string, bb types.BuildingBlockPayload) (types.BuildingBlockPayload, error) {
	var updated types.BuildingBlockPayload
	err := r.call(ctx, http.MethodPut, blockPath(id), bb, &updated)
	return updated, err
}

// GetBuildingBlock fetches one building block.
func (r *Remote) GetBuildingBlock(ctx context.Context, id string) (types.BuildingBlockPayload, error) {
	var bb types.BuildingBlockPayload
	err := r.call(ctx, http.MethodGet, blockPath(id), nil, &bb)
	return bb, err
}

// ListBuildingBlocks fetches every building block.
func (r *Remote) ListBuildingBlocks(ctx context.Context) ([]types.BuildingBlockPayload, error) {
	blocks := []types.BuildingBlockPayload{}
	err := r.call(ctx, http.MethodGet, "/api/v1/building-blocks", nil, &blocks)
	return blocks, err
}

// DeleteBuildingBlock removes a building block.
func (r *Remote) DeleteBuildingBlock(ctx context.Context, id string) error {
	return r.call(ctx, http.MethodDelete, blockPath(id), nil, nil)
}

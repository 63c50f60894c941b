package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/types"
)

// Tester calls the test-execution service, which evaluates a compiled rule
// against sample events. Its API speaks plain JSON without an envelope.
type Tester struct {
	base
}

// NewTester creates a client for the service at baseURL.
func NewTester(baseURL string, timeout time.Duration, logger zerolog.Logger) *Tester {
	return &Tester{base: newBase(baseURL, timeout, logger, "tester")}
}

type detailBody struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

func (t *Tester) post(ctx context.Context, path string, in, out interface{}) error {
	resp, err := t.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status >= 300 {
		var d detailBody
		msg := truncate(resp.body)
		if json.Unmarshal(resp.body, &d) == nil {
			if d.Detail != "" {
				msg = d.Detail
			} else if d.Error != "" {
				msg = d.Error
			}
		}
		return statusError(resp.status, msg)
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return rferrors.Wrap(rferrors.ErrBadResponse, "decoding "+path+" response", err)
	}
	return nil
}

// TestRule runs req through the service. A rule the service could not
// evaluate comes back as a result with Error set, not as a Go error.
func (t *Tester) TestRule(ctx context.Context, req types.TestRequest) (types.TestResult, error) {
	var res types.TestResult
	if err := t.post(ctx, "/test/test-rule", req, &res); err != nil {
		return types.TestResult{}, err
	}
	t.logger.Debug().Str("rule", res.RuleName).Bool("alert", res.Alert).Msg("rule tested")
	return res, nil
}

// ValidateSyntax asks the service whether aql parses.
func (t *Tester) ValidateSyntax(ctx context.Context, aql string) (types.SyntaxCheck, error) {
	var res types.SyntaxCheck
	err := t.post(ctx, "/test/validate-syntax", map[string]string{"aql": aql}, &res)
	return res, err
}

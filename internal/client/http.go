// Package client implements HTTP clients for the remote persistence API and
// the rule test-execution service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
)

const defaultTimeout = 10 * time.Second

// maxResponseBody caps how much of a response body is read.
const maxResponseBody = 8 << 20

// maxErrorBody caps how much of a failed response is kept for the error message.
const maxErrorBody = 4 << 10

// base carries the HTTP plumbing shared by Remote and Tester.
type base struct {
	url     string
	client  *http.Client
	logger  zerolog.Logger
	maxBody int64
}

func newBase(baseURL string, timeout time.Duration, logger zerolog.Logger, component string) base {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return base{
		url:     strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", component).Logger(),
		maxBody: maxResponseBody,
	}
}

// response is a fully read HTTP response.
type response struct {
	status int
	body   []byte
}

// do sends one request. GET requests are retried once on transport errors
// and 5xx answers; other methods are never retried.
func (b *base) do(ctx context.Context, method, path string, in interface{}) (*response, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, rferrors.Wrap(rferrors.ErrInvalidInput, "encoding request", err)
		}
	}

	resp, err := b.once(ctx, method, path, body)
	if method != http.MethodGet || ctx.Err() != nil {
		return resp, err
	}
	if err == nil && resp.status < 500 {
		return resp, nil
	}

	b.logger.Warn().Str("path", path).Msg("request failed, retrying once")
	return b.once(ctx, method, path, body)
}

func (b *base) once(ctx context.Context, method, path string, body []byte) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.url+path, reader)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.ErrCollaborator, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			b.logger.Warn().Err(err).Str("path", path).Msg("request timed out")
			return nil, rferrors.Wrap(rferrors.ErrTimeout, fmt.Sprintf("%s %s timed out", method, path), err)
		}
		b.logger.Error().Err(err).Str("path", path).Msg("request failed")
		return nil, rferrors.Wrap(rferrors.ErrCollaborator, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBody+1))
	if err != nil {
		return nil, rferrors.Wrap(rferrors.ErrBadResponse, "reading response", err)
	}
	if int64(len(data)) > b.maxBody {
		return nil, rferrors.Newf(rferrors.ErrBadResponse, "%s %s: response larger than %d bytes", method, path, b.maxBody)
	}
	b.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request done")
	return &response{status: resp.StatusCode, body: data}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// statusError maps a non-2xx answer. 404 and 400/422 keep the meaning the
// local store gives them; everything else is a collaborator failure.
func statusError(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	var err *rferrors.ForgeError
	switch {
	case status == http.StatusNotFound:
		err = rferrors.New(rferrors.ErrNotFound, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		err = rferrors.New(rferrors.ErrValidation, message)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		err = rferrors.New(rferrors.ErrTimeout, message)
	default:
		err = rferrors.Newf(rferrors.ErrCollaborator, "remote returned %d: %s", status, message)
	}
	return err.WithDetails("status", status)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}

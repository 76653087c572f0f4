// Package upstream forwards a single inbound request to the upstream
// Codex API over a caller-supplied transport, classifying the outcome
// into the variants the router needs to decide whether to stream,
// retry, or rotate accounts (spec.md §4.4).
//
// Grounded on the teacher's internal/relay/relay.go (the upstream
// request/response handling inside Handle) and internal/relay/errors.go
// (status/body classification), restructured around an explicit
// result type instead of writing straight to the client so the router
// can decide what to do with it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// Kind tags the variant of a ForwardResult.
type Kind string

const (
	KindOK          Kind = "ok"
	KindAuthFailure Kind = "auth_failure"
	KindQuota       Kind = "quota"
	KindTransient   Kind = "transient"
	KindFatal       Kind = "fatal"
	KindAborted     Kind = "aborted"
)

// maxClassifyBodyBytes bounds how much of a non-2xx body is read into
// memory for classification and diagnostics.
const maxClassifyBodyBytes = 64 * 1024

// Result is the tagged outcome of a Fetch call.
type Result struct {
	Kind       Kind
	StatusCode int
	Header     http.Header

	// Body is set only for KindOK; the caller must read and Close it to
	// release the underlying connection.
	Body io.ReadCloser

	// BodyText carries a truncated diagnostic body for every other kind.
	BodyText string

	// Retryable is true only for KindTransient.
	Retryable bool

	// ResetsAt is the upstream-reported quota reset time (unix millis),
	// set only for KindQuota when the upstream provided one.
	ResetsAt *int64
}

type quotaError struct {
	Error struct {
		Type     string   `json:"type"`
		ResetsAt *float64 `json:"resets_at"`
	} `json:"error"`
}

// Fetch issues method/targetURL with header/body via client, retrying
// KindTransient outcomes up to retry.MaxRetries times with bounded
// exponential backoff and jitter. It never retries any other kind.
func Fetch(ctx context.Context, client *http.Client, method, targetURL string, header http.Header, body []byte, timeout time.Duration, retry RetryConfig) Result {
	for attempt := 0; ; attempt++ {
		result := attemptOnce(ctx, client, method, targetURL, header, body, timeout)

		if result.Kind != KindTransient || attempt >= retry.MaxRetries {
			return result
		}

		delay := backoffDelay(attempt, retry)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Kind: KindAborted, StatusCode: 499, BodyText: "client_aborted"}
		}
	}
}

func attemptOnce(ctx context.Context, client *http.Client, method, targetURL string, header http.Header, body []byte, timeout time.Duration) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(attemptCtx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return Result{Kind: KindFatal, StatusCode: 500, BodyText: err.Error()}
	}
	req.Header = header.Clone()

	resp, err := client.Do(req)
	if err != nil {
		defer cancel()
		if ctx.Err() != nil {
			return Result{Kind: KindAborted, StatusCode: 499, BodyText: "client_aborted"}
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Result{Kind: KindTransient, StatusCode: 504, BodyText: "upstream timeout", Retryable: true}
		}
		return Result{Kind: KindTransient, StatusCode: 502, BodyText: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{
			Kind:       KindOK,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       &cancelOnClose{resp.Body, cancel},
		}
	}

	defer cancel()
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxClassifyBodyBytes))
	resp.Body.Close()

	return classify(resp.StatusCode, resp.Header, errBody)
}

func classify(status int, header http.Header, body []byte) Result {
	text := string(body)

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Result{Kind: KindAuthFailure, StatusCode: status, Header: header, BodyText: text}
	}

	if resetsAt, isQuota := parseQuota(status, body); isQuota {
		return Result{Kind: KindQuota, StatusCode: status, Header: header, BodyText: text, ResetsAt: resetsAt}
	}

	if status >= 500 && status <= 599 {
		return Result{Kind: KindTransient, StatusCode: status, Header: header, BodyText: text, Retryable: true}
	}

	return Result{Kind: KindFatal, StatusCode: status, Header: header, BodyText: text}
}

// parseQuota reports whether status/body indicate a usage-limit rejection,
// and the resets_at deadline in unix millis if the upstream provided one.
func parseQuota(status int, body []byte) (*int64, bool) {
	var parsed quotaError
	hasTypedBody := json.Unmarshal(body, &parsed) == nil && parsed.Error.Type == "usage_limit_reached"

	if status != http.StatusTooManyRequests && !hasTypedBody {
		return nil, false
	}

	if hasTypedBody && parsed.Error.ResetsAt != nil {
		ms := int64(*parsed.Error.ResetsAt * 1000)
		return &ms, true
	}
	return nil, true
}

// cancelOnClose ties the attempt's deadline context to the lifetime of
// the streamed response body: closing the body (when the router is done
// forwarding it) releases the context too.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Package router is the gateway's request-routing engine (spec.md §4.5):
// it selects an account, drives token refresh, invokes the upstream
// client, classifies the outcome, updates pool state, and either streams
// the response back or rotates to another account.
//
// Grounded on the teacher's internal/relay/relay.go (Handle's retry loop
// and streamResponse) restructured around the pool/upstream primitives
// instead of the teacher's direct account-field access, and
// internal/relay/errors.go for the write-through-unchanged error style.
package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codexgw/gateway/internal/config"
	"github.com/codexgw/gateway/internal/pool"
	"github.com/codexgw/gateway/internal/proxyconfig"
	"github.com/codexgw/gateway/internal/upstream"
)

// clientProvider supplies the HTTP client used to reach upstream for a
// given account's egress proxy. internal/transport.Manager implements
// this; tests supply a stub pointed at an httptest server.
type clientProvider interface {
	GetClient(cfg *proxyconfig.Config) *http.Client
}

// Router dispatches inbound requests to the account pool and upstream.
type Router struct {
	pool      *pool.Pool
	transport clientProvider
	cfg       *config.Config
	retry     upstream.RetryConfig
}

// New builds a Router over p, dialing upstream through tm per cfg.
func New(p *pool.Pool, tm clientProvider, cfg *config.Config) *Router {
	return &Router{
		pool:      p,
		transport: tm,
		cfg:       cfg,
		retry: upstream.RetryConfig{
			MaxRetries: cfg.UpstreamMaxRetries,
			Base:       cfg.UpstreamRetryBase,
			Max:        cfg.UpstreamRetryMax,
			Jitter:     cfg.UpstreamRetryJitter,
		},
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodGet && req.URL.Path == "/health" {
		writeJSONText(w, http.StatusOK, `{"status":"ok"}`)
		return
	}

	ctx := req.Context()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	sessionKey := sessionKeyFor(req)
	excluded := make(map[string]bool)
	budget := r.cfg.MaxRetryPasses + r.pool.Size()

	for attempt := 0; attempt < budget; attempt++ {
		if ctx.Err() != nil {
			return
		}

		acct, ok := r.selectAccount(sessionKey, excluded)
		if !ok {
			writeJSONText(w, http.StatusTooManyRequests, `{"error":"all_accounts_exhausted"}`)
			return
		}

		r.pool.MarkAttempt(acct.Name)

		var bearer string
		if r.cfg.OverrideAuth {
			bearer, err = r.pool.EnsureAccessToken(ctx, acct.Name)
			if err != nil {
				writeText(w, http.StatusUnauthorized, "missing_access_token")
				return
			}
		}

		targetURL, err := upstream.BuildTargetURL(r.cfg.BaseURL, req.URL.Path, req.URL.RawQuery)
		if err != nil {
			writeText(w, http.StatusInternalServerError, "invalid upstream base url")
			return
		}

		result := r.forward(ctx, req.Method, targetURL, req.Header, body, acct, bearer)

		if result.Kind == upstream.KindAuthFailure && r.cfg.OverrideAuth && acct.Tokens.IDToken != "" {
			idResult := r.forward(ctx, req.Method, targetURL, req.Header, body, acct, acct.Tokens.IDToken)
			if idResult.Kind == upstream.KindOK {
				result = idResult
			} else {
				result = upstream.Result{Kind: upstream.KindAuthFailure, StatusCode: idResult.StatusCode, BodyText: idResult.BodyText}
			}
		}

		switch result.Kind {
		case upstream.KindOK:
			r.pool.MarkSuccess(acct.Name)
			r.pool.Assign(sessionKey, acct.Name)
			slog.Info("routed request", "method", req.Method, "path", req.URL.Path, "account", acct.Name)
			streamResponse(w, result)
			return

		case upstream.KindQuota:
			excluded[acct.Name] = true
			resetsAt := resetsAtTime(result.ResetsAt)
			r.pool.MarkQuota(acct.Name, time.Duration(r.cfg.CooldownSeconds)*time.Second, resetsAt)
			r.pool.ClearAssignment(sessionKey)
			slog.Info("quota hit, switching from account", "account", acct.Name)
			continue

		case upstream.KindAuthFailure:
			excluded[acct.Name] = true
			r.pool.MarkAuthFailure(acct.Name, result.BodyText)
			r.pool.ClearAssignment(sessionKey)
			slog.Warn("auth failure on account", "account", acct.Name, "detail", result.BodyText)
			continue

		case upstream.KindFatal, upstream.KindTransient:
			slog.Warn("upstream error on account", "account", acct.Name, "status", result.StatusCode)
			writeThrough(w, result)
			return

		case upstream.KindAborted:
			return
		}
	}

	writeText(w, http.StatusInternalServerError, "gateway_exhausted")
}

func (r *Router) selectAccount(sessionKey string, excluded map[string]bool) (pool.AccountView, bool) {
	if acct, ok := r.pool.Sticky(sessionKey, excluded); ok {
		return acct, true
	}
	return r.pool.Pick(excluded)
}

func (r *Router) forward(ctx context.Context, method, targetURL string, inbound http.Header, body []byte, acct pool.AccountView, bearer string) upstream.Result {
	headers := buildForwardHeaders(inbound, r.cfg.OverrideAuth, acct, bearer)
	if r.cfg.DebugHTTP {
		// gwlog.Handler redacts Authorization/Cookie/etc. out of this attr
		// before it reaches stderr or the ring buffer, so logging the live
		// header set here is safe even with bearer tokens attached.
		slog.Debug("forwarding to upstream", "account", acct.Name, "url", targetURL, "headers", headers)
	}
	client := r.transport.GetClient(acct.Proxy)
	return upstream.Fetch(ctx, client, method, targetURL, headers, body, r.cfg.RequestTimeout, r.retry)
}

func resetsAtTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

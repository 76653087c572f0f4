// Package oauthrefresh implements pool.TokenRefresher against the Codex
// OAuth token endpoint (spec.md §4.3). It is the only piece of the
// gateway that talks to auth.openai.com.
//
// Grounded on the teacher's internal/account/codex_oauth.go
// (ExchangeCodexCode's form-encoded POST) and internal/account/token.go
// (callOAuthRefresh's error/body-truncation handling and per-account
// proxy transport selection).
package oauthrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codexgw/gateway/internal/pool"
	"github.com/codexgw/gateway/internal/proxyconfig"
	"github.com/codexgw/gateway/internal/transport"
)

const requestTimeout = 30 * time.Second

// Refresher exchanges a refresh token for a new access token against a
// fixed OAuth token endpoint.
type Refresher struct {
	tokenURL  string
	clientID  string
	transport *transport.Manager
	client    *http.Client // used when the account carries no proxy
}

// New builds a Refresher posting to tokenURL with clientID as the OAuth
// client_id. transport provides per-account proxy dialing; it may be nil
// if no account ever carries a proxy.
func New(tokenURL, clientID string, tm *transport.Manager) *Refresher {
	return &Refresher{
		tokenURL:  tokenURL,
		clientID:  clientID,
		transport: tm,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	AccountID    string `json:"account_id"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh implements pool.TokenRefresher.
func (r *Refresher) Refresh(ctx context.Context, req pool.RefreshRequest) (pool.TokenPair, error) {
	if req.RefreshToken == "" {
		return pool.TokenPair{}, fmt.Errorf("oauthrefresh: empty refresh token for %s", req.Name)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {req.RefreshToken},
		"client_id":     {r.clientID},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return pool.TokenPair{}, fmt.Errorf("oauthrefresh: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	client := r.clientFor(req.Proxy)

	resp, err := client.Do(httpReq)
	if err != nil {
		return pool.TokenPair{}, fmt.Errorf("oauthrefresh: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pool.TokenPair{}, fmt.Errorf("oauthrefresh: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return pool.TokenPair{}, fmt.Errorf("token_refresh_failed: %d %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return pool.TokenPair{}, fmt.Errorf("oauthrefresh: parse response: %w", err)
	}
	if parsed.AccessToken == "" {
		return pool.TokenPair{}, fmt.Errorf("oauthrefresh: empty access_token in response")
	}
	if parsed.RefreshToken == "" {
		// Some refreshes rotate the refresh token, some don't; if the
		// server omitted it the old one stays valid.
		parsed.RefreshToken = req.RefreshToken
	}

	return pool.NewTokenPair(parsed.AccessToken, parsed.RefreshToken, parsed.IDToken, parsed.AccountID), nil
}

func (r *Refresher) clientFor(proxy *proxyconfig.Config) *http.Client {
	if proxy == nil || r.transport == nil {
		return r.client
	}
	return &http.Client{
		Transport: r.transport.GetHTTPTransport(proxy),
		Timeout:   requestTimeout,
	}
}

func truncate(body []byte, n int) string {
	s := string(body)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

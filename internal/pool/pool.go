// Package pool owns the in-memory set of account states the router
// selects from: cooldowns, failure counters, sticky session assignments,
// and coalesced token refresh. It is the concurrency-safe heart of the
// gateway — every inbound request touches it at least once.
//
// Grounded on the teacher's internal/scheduler (selection order, sticky
// binding) and internal/account/token.go (refresh coalescing intent,
// reworked from a Redis distributed lock into an in-process single-flight
// map since the gateway is a single local process).
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codexgw/gateway/internal/accountstore"
	"github.com/codexgw/gateway/internal/proxyconfig"
	"github.com/codexgw/gateway/internal/tokenclaims"
)

// defaultStickyCap bounds the sticky table per spec.md §9 ("add an LRU cap,
// e.g. 10k entries, if the deployment might see many unique session keys").
const defaultStickyCap = 10_000

// freshBufferSeconds is how far ahead of expiry a token must still be
// valid to skip a refresh.
const freshBufferSeconds = 90

// ErrAccountNotFound is returned by pool operations given an unknown name.
var ErrAccountNotFound = errors.New("pool: account not found")

// TokenPair is the pool's in-memory token record: raw token strings plus
// claims derived from them by internal/tokenclaims.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	AccountID    string

	ExpiresAt        int64 // unix millis, 0 if unset
	SessionID        string
	ChatGPTAccountID string
	ChatGPTUserID    string
	UserID           string
	OrganizationID   string
}

// NewTokenPair derives claims from the given token strings and bundles
// them with the raw token material.
func NewTokenPair(accessToken, refreshToken, idToken, accountID string) TokenPair {
	d := tokenclaims.Derive(accessToken, idToken)
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		IDToken:          idToken,
		AccountID:        accountID,
		ExpiresAt:        d.ExpiresAt,
		SessionID:        d.SessionID,
		ChatGPTAccountID: d.ChatGPTAccountID,
		ChatGPTUserID:    d.ChatGPTUserID,
		UserID:           d.UserID,
		OrganizationID:   d.OrganizationID,
	}
}

// Account is one account's mutable state, guarded by the owning Pool's mu.
type Account struct {
	Name                string
	AccountDir          string
	IsDefault           bool
	Proxy               *proxyconfig.Config
	Tokens              TokenPair
	CooldownUntil       time.Time
	ConsecutiveFailures int
	LastError           string
}

// AccountView is an immutable snapshot returned to callers outside the
// pool's lock — callers never hold a live pointer into pool state.
type AccountView struct {
	Name                string
	AccountDir          string
	IsDefault           bool
	Proxy               *proxyconfig.Config
	Tokens              TokenPair
	CooldownUntil       time.Time
	ConsecutiveFailures int
	LastError           string
}

func viewOf(a *Account) AccountView {
	return AccountView{
		Name:                a.Name,
		AccountDir:          a.AccountDir,
		IsDefault:           a.IsDefault,
		Proxy:               a.Proxy,
		Tokens:              a.Tokens,
		CooldownUntil:       a.CooldownUntil,
		ConsecutiveFailures: a.ConsecutiveFailures,
		LastError:           a.LastError,
	}
}

// RefreshRequest is what the Pool hands the OAuth Refresher to run a
// coalesced refresh, decoupled from any live Account pointer.
type RefreshRequest struct {
	Name         string
	RefreshToken string
	Proxy        *proxyconfig.Config
}

// TokenRefresher exchanges a refresh token for a new TokenPair. Implemented
// by internal/oauthrefresh; the Pool only depends on this interface so it
// never imports the HTTP client package.
type TokenRefresher interface {
	Refresh(ctx context.Context, req RefreshRequest) (TokenPair, error)
}

type inflightRefresh struct {
	done   chan struct{}
	result TokenPair
	err    error
}

// Pool holds every registered account's state plus the sticky-session and
// in-flight-refresh tables.
type Pool struct {
	mu       sync.RWMutex
	order    []string
	accounts map[string]*Account

	stickyMu   sync.Mutex
	sticky     map[string]string
	stickyList *list.List
	stickyElem map[string]*list.Element
	stickyCap  int

	inflightMu sync.Mutex
	inflight   map[string]*inflightRefresh

	store               accountstore.Store
	refresher           TokenRefresher
	now                 func() time.Time
	authFailureCooldown time.Duration
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithClock overrides the pool's time source; tests use this for
// deterministic cooldown assertions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithAuthFailureCooldown overrides the fixed penalty box duration applied
// by MarkAuthFailure (spec.md §9 OQ2 — made configurable).
func WithAuthFailureCooldown(d time.Duration) Option {
	return func(p *Pool) { p.authFailureCooldown = d }
}

// WithStickyCap overrides the sticky table's LRU eviction cap.
func WithStickyCap(n int) Option {
	return func(p *Pool) { p.stickyCap = n }
}

// Load builds a Pool from the store's ordered account listing, dropping
// any account whose tokens are missing or carry no refresh token (data
// model invariant: every account state references a non-empty refresh
// token).
func Load(ctx context.Context, store accountstore.Store, refresher TokenRefresher, opts ...Option) (*Pool, error) {
	refs, err := store.LoadOrderedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	p := &Pool{
		accounts:            make(map[string]*Account),
		sticky:              make(map[string]string),
		stickyList:          list.New(),
		stickyElem:          make(map[string]*list.Element),
		stickyCap:           defaultStickyCap,
		inflight:            make(map[string]*inflightRefresh),
		store:               store,
		refresher:           refresher,
		now:                 time.Now,
		authFailureCooldown: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}

	// Default account first, then registered order — spec.md §4.2 pick().
	var defaults, rest []accountstore.AccountRef
	for _, ref := range refs {
		if ref.IsDefault {
			defaults = append(defaults, ref)
		} else {
			rest = append(rest, ref)
		}
	}

	ordered := make([]string, 0, len(refs))
	for _, ref := range append(defaults, rest...) {
		tokens, err := store.LoadTokens(ctx, ref.AccountDir)
		if err != nil {
			slog.Warn("dropping account: load tokens failed", "account", ref.Name, "error", err)
			continue
		}
		if tokens == nil || tokens.RefreshToken == "" {
			slog.Warn("dropping account: no refresh token", "account", ref.Name)
			continue
		}

		var proxy *proxyconfig.Config
		if ref.ProxyType != "" {
			proxy = &proxyconfig.Config{
				Type: ref.ProxyType, Host: ref.ProxyHost, Port: ref.ProxyPort,
				Username: ref.ProxyUser, Password: ref.ProxyPass,
			}
		}

		p.accounts[ref.Name] = &Account{
			Name:       ref.Name,
			AccountDir: ref.AccountDir,
			IsDefault:  ref.IsDefault,
			Proxy:      proxy,
			Tokens:     NewTokenPair(tokens.AccessToken, tokens.RefreshToken, tokens.IDToken, tokens.AccountID),
		}
		ordered = append(ordered, ref.Name)
	}
	p.order = ordered
	return p, nil
}

// Size returns the number of eligible accounts loaded into the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Pick returns the first account, in registered order (default first),
// whose name is not excluded and whose cooldown has elapsed.
func (p *Pool) Pick(excluded map[string]bool) (AccountView, bool) {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, name := range p.order {
		if excluded[name] {
			continue
		}
		acct := p.accounts[name]
		if acct == nil {
			continue
		}
		if acct.CooldownUntil.After(now) {
			continue
		}
		return viewOf(acct), true
	}
	return AccountView{}, false
}

// Sticky returns the account bound to sessionKey if the binding exists,
// is not excluded, and the account's cooldown has elapsed.
func (p *Pool) Sticky(sessionKey string, excluded map[string]bool) (AccountView, bool) {
	p.stickyMu.Lock()
	name, ok := p.sticky[sessionKey]
	if ok {
		if el, ok := p.stickyElem[sessionKey]; ok {
			p.stickyList.MoveToBack(el)
		}
	}
	p.stickyMu.Unlock()
	if !ok || excluded[name] {
		return AccountView{}, false
	}

	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	acct := p.accounts[name]
	if acct == nil || acct.CooldownUntil.After(now) {
		return AccountView{}, false
	}
	return viewOf(acct), true
}

// Assign binds sessionKey to accountName, evicting the least-recently-used
// entry if the sticky table is at capacity.
func (p *Pool) Assign(sessionKey, accountName string) {
	p.stickyMu.Lock()
	defer p.stickyMu.Unlock()

	if el, ok := p.stickyElem[sessionKey]; ok {
		p.sticky[sessionKey] = accountName
		p.stickyList.MoveToBack(el)
		return
	}
	if p.stickyCap > 0 && p.stickyList.Len() >= p.stickyCap {
		if front := p.stickyList.Front(); front != nil {
			oldKey := front.Value.(string)
			p.stickyList.Remove(front)
			delete(p.stickyElem, oldKey)
			delete(p.sticky, oldKey)
		}
	}
	el := p.stickyList.PushBack(sessionKey)
	p.stickyElem[sessionKey] = el
	p.sticky[sessionKey] = accountName
}

// ClearAssignment removes any sticky binding for sessionKey.
func (p *Pool) ClearAssignment(sessionKey string) {
	p.stickyMu.Lock()
	defer p.stickyMu.Unlock()
	if el, ok := p.stickyElem[sessionKey]; ok {
		p.stickyList.Remove(el)
		delete(p.stickyElem, sessionKey)
	}
	delete(p.sticky, sessionKey)
}

// MarkAttempt records a best-effort attempt timestamp; failures to record
// it never fail the caller's request.
func (p *Pool) MarkAttempt(name string) {
	now := p.now().UnixMilli()
	p.recordStatusAsync(name, accountstore.StatusPatch{LastAttemptAt: &now})
}

// MarkSuccess resets failure state after a successful upstream response.
func (p *Pool) MarkSuccess(name string) error {
	p.mu.Lock()
	acct := p.accounts[name]
	if acct == nil {
		p.mu.Unlock()
		return ErrAccountNotFound
	}
	acct.ConsecutiveFailures = 0
	acct.LastError = ""
	acct.CooldownUntil = time.Time{}
	p.mu.Unlock()

	now := p.now().UnixMilli()
	zero := 0
	var zeroCooldown int64
	p.recordStatusAsync(name, accountstore.StatusPatch{
		LastSuccessAt:       &now,
		ConsecutiveFailures: &zero,
		CooldownUntil:       &zeroCooldown,
	})
	return nil
}

// MarkQuota records a quota rejection. cooldown_until is advanced to
// resetsAt (if it lies in the future) or now+cooldown, whichever is
// later than the existing deadline — never moved backwards.
func (p *Pool) MarkQuota(name string, cooldown time.Duration, resetsAt *time.Time) error {
	now := p.now()
	candidate := now.Add(cooldown)
	if resetsAt != nil && resetsAt.After(now) {
		candidate = *resetsAt
	}

	p.mu.Lock()
	acct := p.accounts[name]
	if acct == nil {
		p.mu.Unlock()
		return ErrAccountNotFound
	}
	acct.ConsecutiveFailures++
	acct.LastError = "usage_limit_reached"
	if candidate.After(acct.CooldownUntil) {
		acct.CooldownUntil = candidate
	}
	deadline := acct.CooldownUntil
	failures := acct.ConsecutiveFailures
	p.mu.Unlock()

	errMsg := "usage_limit_reached"
	deadlineMS := deadline.UnixMilli()
	p.recordStatusAsync(name, accountstore.StatusPatch{
		LastError:           &errMsg,
		ConsecutiveFailures: &failures,
		CooldownUntil:       &deadlineMS,
	})
	return nil
}

// MarkAuthFailure records an auth rejection and applies the configured
// penalty-box cooldown (monotonic, same rule as MarkQuota).
func (p *Pool) MarkAuthFailure(name, reason string) error {
	now := p.now()
	candidate := now.Add(p.authFailureCooldown)

	p.mu.Lock()
	acct := p.accounts[name]
	if acct == nil {
		p.mu.Unlock()
		return ErrAccountNotFound
	}
	acct.ConsecutiveFailures++
	acct.LastError = reason
	if candidate.After(acct.CooldownUntil) {
		acct.CooldownUntil = candidate
	}
	deadline := acct.CooldownUntil
	failures := acct.ConsecutiveFailures
	p.mu.Unlock()

	deadlineMS := deadline.UnixMilli()
	p.recordStatusAsync(name, accountstore.StatusPatch{
		LastError:           &reason,
		ConsecutiveFailures: &failures,
		CooldownUntil:       &deadlineMS,
	})
	return nil
}

// UpdateTokens atomically replaces an account's in-memory tokens and
// persists them through the store. A fresh token re-enables the account:
// failure counters and cooldown are reset.
func (p *Pool) UpdateTokens(ctx context.Context, name string, tokens TokenPair) error {
	p.mu.RLock()
	acct := p.accounts[name]
	p.mu.RUnlock()
	if acct == nil {
		return ErrAccountNotFound
	}

	if err := p.store.SaveTokens(ctx, acct.AccountDir, accountstore.TokenPair{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		AccountID:    tokens.AccountID,
	}); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}

	p.mu.Lock()
	acct.Tokens = tokens
	acct.ConsecutiveFailures = 0
	acct.LastError = ""
	acct.CooldownUntil = time.Time{}
	p.mu.Unlock()
	return nil
}

// EnsureAccessToken returns a still-valid access token for name, refreshing
// it if stale. Concurrent callers for the same account coalesce onto a
// single in-flight refresh and all receive its result.
func (p *Pool) EnsureAccessToken(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	acct := p.accounts[name]
	p.mu.RUnlock()
	if acct == nil {
		return "", ErrAccountNotFound
	}

	p.mu.RLock()
	expiresAt := acct.Tokens.ExpiresAt
	current := acct.Tokens.AccessToken
	refreshToken := acct.Tokens.RefreshToken
	proxy := acct.Proxy
	p.mu.RUnlock()

	if tokenclaims.IsFresh(expiresAt, freshBufferSeconds) {
		return current, nil
	}

	p.inflightMu.Lock()
	if entry, ok := p.inflight[name]; ok {
		p.inflightMu.Unlock()
		select {
		case <-entry.done:
			if entry.err != nil {
				return "", entry.err
			}
			return entry.result.AccessToken, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	entry := &inflightRefresh{done: make(chan struct{})}
	p.inflight[name] = entry
	p.inflightMu.Unlock()

	// The refresh itself runs on a background context, not the ctx of
	// whichever caller happened to arrive first: it is a shared resource
	// for every caller coalesced onto entry, and must not be aborted just
	// because the leader's own request was canceled while followers (or
	// the leader itself, below) are still waiting on it.
	go func() {
		defer func() {
			p.inflightMu.Lock()
			delete(p.inflight, name)
			p.inflightMu.Unlock()
			close(entry.done)
		}()

		newTokens, err := p.refresher.Refresh(context.Background(), RefreshRequest{Name: name, RefreshToken: refreshToken, Proxy: proxy})
		if err != nil {
			entry.err = err
			return
		}

		if err := p.UpdateTokens(context.Background(), name, newTokens); err != nil {
			slog.Warn("token refreshed but not persisted", "account", name, "error", err)
		}
		entry.result = newTokens
	}()

	select {
	case <-entry.done:
		if entry.err != nil {
			return "", entry.err
		}
		return entry.result.AccessToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Pool) recordStatusAsync(name string, patch accountstore.StatusPatch) {
	if p.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.RecordStatus(ctx, name, patch); err != nil {
			slog.Warn("record account status failed", "account", name, "error", err)
		}
	}()
}

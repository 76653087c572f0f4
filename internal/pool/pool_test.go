package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codexgw/gateway/internal/accountstore"
)

type fakeStore struct {
	mu     sync.Mutex
	refs   []accountstore.AccountRef
	tokens map[string]accountstore.TokenPair
}

func newFakeStore(names ...string) *fakeStore {
	s := &fakeStore{tokens: make(map[string]accountstore.TokenPair)}
	for i, name := range names {
		dir := "/accounts/" + name
		s.refs = append(s.refs, accountstore.AccountRef{Name: name, AccountDir: dir, IsDefault: i == 0})
		s.tokens[dir] = accountstore.TokenPair{AccessToken: "access-" + name, RefreshToken: "refresh-" + name}
	}
	return s
}

func (s *fakeStore) LoadOrderedAccounts(ctx context.Context) ([]accountstore.AccountRef, error) {
	return s.refs, nil
}

func (s *fakeStore) LoadTokens(ctx context.Context, accountDir string) (*accountstore.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[accountDir]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *fakeStore) SaveTokens(ctx context.Context, accountDir string, tokens accountstore.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accountDir] = tokens
	return nil
}

func (s *fakeStore) RecordStatus(ctx context.Context, name string, patch accountstore.StatusPatch) error {
	return nil
}

type fakeRefresher struct {
	calls  int32
	delay  time.Duration
	result TokenPair
	err    error
}

func (r *fakeRefresher) Refresh(ctx context.Context, req RefreshRequest) (TokenPair, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.result, r.err
}

func newTestPool(t *testing.T, store *fakeStore, refresher TokenRefresher, opts ...Option) *Pool {
	t.Helper()
	p, err := Load(context.Background(), store, refresher, opts...)
	if err != nil {
		t.Fatalf("load pool: %v", err)
	}
	return p
}

func TestPickSkipsExcludedAndCooldown(t *testing.T) {
	p := newTestPool(t, newFakeStore("a", "b"), nil)

	view, ok := p.Pick(nil)
	if !ok || view.Name != "a" {
		t.Fatalf("expected default account a first, got %+v ok=%v", view, ok)
	}

	view, ok = p.Pick(map[string]bool{"a": true})
	if !ok || view.Name != "b" {
		t.Fatalf("expected b when a excluded, got %+v ok=%v", view, ok)
	}

	if err := p.MarkQuota("b", time.Minute, nil); err != nil {
		t.Fatalf("mark quota: %v", err)
	}
	if _, ok := p.Pick(map[string]bool{"a": true}); ok {
		t.Fatalf("expected no eligible account when a excluded and b cooling down")
	}
}

func TestMarkQuotaCooldownAtLeastDuration(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newTestPool(t, newFakeStore("a"), nil, WithClock(func() time.Time { return fixed }))

	if err := p.MarkQuota("a", 30*time.Second, nil); err != nil {
		t.Fatalf("mark quota: %v", err)
	}

	if _, ok := p.Pick(nil); ok {
		t.Fatalf("expected a ineligible immediately after quota")
	}

	p.mu.RLock()
	deadline := p.accounts["a"].CooldownUntil
	p.mu.RUnlock()
	if deadline.Before(fixed.Add(30 * time.Second)) {
		t.Fatalf("expected cooldown of at least 30s, got %v", deadline.Sub(fixed))
	}
}

func TestMarkQuotaUsesResetsAtWhenLater(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newTestPool(t, newFakeStore("a"), nil, WithClock(func() time.Time { return fixed }))

	resetsAt := fixed.Add(10 * time.Minute)
	if err := p.MarkQuota("a", 30*time.Second, &resetsAt); err != nil {
		t.Fatalf("mark quota: %v", err)
	}

	p.mu.RLock()
	deadline := p.accounts["a"].CooldownUntil
	p.mu.RUnlock()
	if !deadline.Equal(resetsAt) {
		t.Fatalf("expected cooldown to equal resets_at %v, got %v", resetsAt, deadline)
	}
}

func TestMarkSuccessResetsFailureState(t *testing.T) {
	p := newTestPool(t, newFakeStore("a"), nil)

	if err := p.MarkQuota("a", time.Minute, nil); err != nil {
		t.Fatalf("mark quota: %v", err)
	}
	if err := p.MarkSuccess("a"); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	p.mu.RLock()
	acct := p.accounts["a"]
	failures := acct.ConsecutiveFailures
	deadline := acct.CooldownUntil
	p.mu.RUnlock()

	if failures != 0 {
		t.Fatalf("expected consecutive_failures reset to 0, got %d", failures)
	}
	if deadline.After(time.Now()) {
		t.Fatalf("expected cooldown cleared, got %v", deadline)
	}
}

func TestStickyRoutesSameAccountAcrossRequests(t *testing.T) {
	p := newTestPool(t, newFakeStore("a", "b"), nil)

	view, ok := p.Pick(nil)
	if !ok {
		t.Fatalf("expected a pick")
	}
	p.Assign("session-1", view.Name)

	for i := 0; i < 2; i++ {
		got, ok := p.Sticky("session-1", nil)
		if !ok || got.Name != view.Name {
			t.Fatalf("expected sticky to return %s, got %+v ok=%v", view.Name, got, ok)
		}
	}
}

func TestStickyClearedOnQuotaRoutesElsewhere(t *testing.T) {
	p := newTestPool(t, newFakeStore("a", "b"), nil)

	p.Assign("session-1", "a")
	if err := p.MarkQuota("a", time.Minute, nil); err != nil {
		t.Fatalf("mark quota: %v", err)
	}
	p.ClearAssignment("session-1")

	if _, ok := p.Sticky("session-1", nil); ok {
		t.Fatalf("expected sticky assignment cleared")
	}

	excluded := map[string]bool{"a": true}
	view, ok := p.Pick(excluded)
	if !ok || view.Name != "b" {
		t.Fatalf("expected fallback to b, got %+v ok=%v", view, ok)
	}
	p.Assign("session-1", view.Name)
	got, ok := p.Sticky("session-1", nil)
	if !ok || got.Name != "b" {
		t.Fatalf("expected session-1 now bound to b, got %+v ok=%v", got, ok)
	}
}

func TestEnsureAccessTokenCoalescesConcurrentRefreshes(t *testing.T) {
	store := newFakeStore("a")
	refresher := &fakeRefresher{
		delay:  50 * time.Millisecond,
		result: TokenPair{AccessToken: "T2", RefreshToken: "R2"},
	}
	p := newTestPool(t, store, refresher)

	p.mu.Lock()
	p.accounts["a"].Tokens.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	p.mu.Unlock()

	const n = 10
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.EnsureAccessToken(context.Background(), "a")
			tokens[i] = tok
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if tokens[i] != "T2" {
			t.Fatalf("request %d: expected bearer T2, got %q", i, tokens[i])
		}
	}
}

func TestEnsureAccessTokenSurvivesLeaderCancellation(t *testing.T) {
	store := newFakeStore("a")
	refresher := &fakeRefresher{
		delay:  50 * time.Millisecond,
		result: TokenPair{AccessToken: "T2", RefreshToken: "R2"},
	}
	p := newTestPool(t, store, refresher)

	p.mu.Lock()
	p.accounts["a"].Tokens.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	p.mu.Unlock()

	leaderCtx, cancelLeader := context.WithCancel(context.Background())

	leaderErrCh := make(chan error, 1)
	go func() {
		_, err := p.EnsureAccessToken(leaderCtx, "a")
		leaderErrCh <- err
	}()

	// Give the leader time to register the in-flight refresh before it's
	// canceled, so the follower below coalesces onto the same entry.
	time.Sleep(5 * time.Millisecond)
	cancelLeader()

	if err := <-leaderErrCh; err != context.Canceled {
		t.Fatalf("expected leader to observe its own cancellation, got %v", err)
	}

	tok, err := p.EnsureAccessToken(context.Background(), "a")
	if err != nil {
		t.Fatalf("follower: unexpected error %v", err)
	}
	if tok != "T2" {
		t.Fatalf("follower: expected the coalesced refresh to have completed with T2, got %q", tok)
	}
	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Fatalf("expected exactly 1 refresh call despite the leader's cancellation, got %d", got)
	}
}

func TestEnsureAccessTokenSkipsRefreshWhenFresh(t *testing.T) {
	store := newFakeStore("a")
	refresher := &fakeRefresher{result: TokenPair{AccessToken: "should-not-be-used"}}
	p := newTestPool(t, store, refresher)

	p.mu.Lock()
	p.accounts["a"].Tokens.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	p.mu.Unlock()

	tok, err := p.EnsureAccessToken(context.Background(), "a")
	if err != nil {
		t.Fatalf("ensure access token: %v", err)
	}
	if tok != "access-a" {
		t.Fatalf("expected existing access token, got %q", tok)
	}
	if atomic.LoadInt32(&refresher.calls) != 0 {
		t.Fatalf("expected no refresh call for a fresh token")
	}
}

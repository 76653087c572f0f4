package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/codexgw/gateway/internal/accountstore"
	"github.com/codexgw/gateway/internal/tokencrypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "accounts")
	box := tokencrypto.New("test-passphrase")
	s, err := New(dir, box)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestAddAccountAndLoadOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddAccount("work", false, nil); err != nil {
		t.Fatalf("add work: %v", err)
	}
	if err := s.AddAccount("personal", true, &proxySchema{Type: "socks5", Host: "127.0.0.1", Port: 1080}); err != nil {
		t.Fatalf("add personal: %v", err)
	}

	refs, err := s.LoadOrderedAccounts(ctx)
	if err != nil {
		t.Fatalf("load ordered: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(refs))
	}
	if !refs[0].IsDefault || refs[0].Name != "personal" {
		t.Fatalf("expected personal first and default, got %+v", refs[0])
	}
	if refs[0].ProxyType != "socks5" || refs[0].ProxyPort != 1080 {
		t.Fatalf("expected proxy config carried through, got %+v", refs[0])
	}
	if refs[1].Name != "work" || refs[1].IsDefault {
		t.Fatalf("expected work second and non-default, got %+v", refs[1])
	}
}

func TestSaveAndLoadTokensRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.AddAccount("work", true, nil); err != nil {
		t.Fatalf("add work: %v", err)
	}

	refs, err := s.LoadOrderedAccounts(ctx)
	if err != nil {
		t.Fatalf("load ordered: %v", err)
	}
	dir := refs[0].AccountDir

	tokens := accountstore.TokenPair{
		AccessToken:  "access-xyz",
		RefreshToken: "refresh-abc",
		IDToken:      "id-123",
		AccountID:    "acct-1",
	}
	if err := s.SaveTokens(ctx, dir, tokens); err != nil {
		t.Fatalf("save tokens: %v", err)
	}

	loaded, err := s.LoadTokens(ctx, dir)
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected tokens, got nil")
	}
	if *loaded != tokens {
		t.Fatalf("expected %+v, got %+v", tokens, *loaded)
	}
}

func TestLoadTokensMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tokens, err := s.LoadTokens(ctx, filepath.Join(s.baseDir, "ghost"))
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if tokens != nil {
		t.Fatalf("expected nil tokens for missing account, got %+v", tokens)
	}
}

func TestRecordStatusMergesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.AddAccount("work", true, nil); err != nil {
		t.Fatalf("add work: %v", err)
	}

	attempt := int64(1000)
	if err := s.RecordStatus(ctx, "work", accountstore.StatusPatch{LastAttemptAt: &attempt}); err != nil {
		t.Fatalf("record status: %v", err)
	}

	errMsg := "quota exceeded"
	if err := s.RecordStatus(ctx, "work", accountstore.StatusPatch{LastError: &errMsg}); err != nil {
		t.Fatalf("record status: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(s.accountDir("work"), statusFileName))
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	var st statusSchema
	if err := toml.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.LastAttemptAt != attempt {
		t.Fatalf("expected last attempt %d to persist, got %d", attempt, st.LastAttemptAt)
	}
	if st.LastError != errMsg {
		t.Fatalf("expected last error %q to persist, got %q", errMsg, st.LastError)
	}
}

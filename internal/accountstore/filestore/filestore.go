// Package filestore is a TOML-file-backed implementation of
// accountstore.Store, one directory per account plus a registry file
// naming the account order and the default account.
//
// Layout under the configured base directory:
//
//	registry.toml          — {default: "name", accounts: [{name, proxy?}, ...]}
//	<name>/tokens.toml      — the account's TokenPair (token strings encrypted, account_id plain)
//	<name>/status.toml      — best-effort diagnostic fields
//
// Grounded on lnilluv-openai-accounts-cli's internal/adapters/repo/toml
// package: a path-keyed sync.RWMutex, go-toml/v2 marshal/unmarshal, and
// atomic writes via a temp file + os.Rename.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/codexgw/gateway/internal/accountstore"
	"github.com/codexgw/gateway/internal/tokencrypto"
)

const (
	registryFileName = "registry.toml"
	tokensFileName   = "tokens.toml"
	statusFileName   = "status.toml"
	dirMode          = 0o700
	fileMode         = 0o600
	tempPattern      = ".gateway-*.toml.tmp"
)

var (
	lockRegistryMu sync.Mutex
	pathLocks      = map[string]*sync.RWMutex{}
)

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()
	if mu, ok := pathLocks[path]; ok {
		return mu
	}
	mu := &sync.RWMutex{}
	pathLocks[path] = mu
	return mu
}

type proxySchema struct {
	Type     string `toml:"type,omitempty"`
	Host     string `toml:"host,omitempty"`
	Port     int    `toml:"port,omitempty"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

type accountEntrySchema struct {
	Name  string       `toml:"name"`
	Proxy *proxySchema `toml:"proxy,omitempty"`
}

type registryFileSchema struct {
	Default  string               `toml:"default"`
	Accounts []accountEntrySchema `toml:"accounts"`
}

type tokensSchema struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	IDToken      string `toml:"id_token,omitempty"`
	AccountID    string `toml:"account_id,omitempty"`
}

type statusSchema struct {
	LastAttemptAt       int64  `toml:"last_attempt_at,omitempty"`
	LastSuccessAt       int64  `toml:"last_success_at,omitempty"`
	LastError           string `toml:"last_error,omitempty"`
	ConsecutiveFailures int    `toml:"consecutive_failures,omitempty"`
	CooldownUntil       int64  `toml:"cooldown_until,omitempty"`
}

// Store is the TOML-file Account Store adapter.
type Store struct {
	baseDir string
	mu      *sync.RWMutex
	box     *tokencrypto.Box
}

var _ accountstore.Store = (*Store)(nil)

// New creates a file-backed Store rooted at baseDir. box may be a
// no-encryption Box (empty passphrase) for development use.
func New(baseDir string, box *tokencrypto.Box) (*Store, error) {
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve account store path: %w", err)
	}
	if err := os.MkdirAll(absDir, dirMode); err != nil {
		return nil, fmt.Errorf("create account store directory: %w", err)
	}
	return &Store{baseDir: absDir, mu: lockForPath(absDir), box: box}, nil
}

func (s *Store) registryPath() string {
	return filepath.Join(s.baseDir, registryFileName)
}

func (s *Store) accountDir(name string) string {
	return filepath.Join(s.baseDir, name)
}

func (s *Store) LoadOrderedAccounts(ctx context.Context) ([]accountstore.AccountRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, err := s.readRegistry()
	if err != nil {
		return nil, err
	}

	refs := make([]accountstore.AccountRef, 0, len(reg.Accounts))
	for _, entry := range reg.Accounts {
		ref := accountstore.AccountRef{
			Name:       entry.Name,
			AccountDir: s.accountDir(entry.Name),
			IsDefault:  entry.Name == reg.Default,
		}
		if entry.Proxy != nil {
			ref.ProxyType = entry.Proxy.Type
			ref.ProxyHost = entry.Proxy.Host
			ref.ProxyPort = entry.Proxy.Port
			ref.ProxyUser = entry.Proxy.Username
			ref.ProxyPass = entry.Proxy.Password
		}
		refs = append(refs, ref)
	}

	// Default account first, then registered order — matches spec.md §4.2
	// pick() ordering so the Pool doesn't have to re-sort.
	ordered := make([]accountstore.AccountRef, 0, len(refs))
	for _, r := range refs {
		if r.IsDefault {
			ordered = append(ordered, r)
		}
	}
	for _, r := range refs {
		if !r.IsDefault {
			ordered = append(ordered, r)
		}
	}
	return ordered, nil
}

func (s *Store) LoadTokens(ctx context.Context, accountDir string) (*accountstore.TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(accountDir, tokensFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tokens file: %w", err)
	}

	var ts tokensSchema
	if err := toml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("decode tokens file: %w", err)
	}

	access, err := s.box.Open(ts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := s.box.Open(ts.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	idToken := ts.IDToken
	if idToken != "" {
		idToken, err = s.box.Open(idToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt id token: %w", err)
		}
	}

	return &accountstore.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		IDToken:      idToken,
		AccountID:    ts.AccountID,
	}, nil
}

func (s *Store) SaveTokens(ctx context.Context, accountDir string, tokens accountstore.TokenPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(accountDir, dirMode); err != nil {
		return fmt.Errorf("create account directory: %w", err)
	}

	access, err := s.box.Seal(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.box.Seal(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	idToken := ""
	if tokens.IDToken != "" {
		idToken, err = s.box.Seal(tokens.IDToken)
		if err != nil {
			return fmt.Errorf("encrypt id token: %w", err)
		}
	}

	ts := tokensSchema{
		AccessToken:  access,
		RefreshToken: refresh,
		IDToken:      idToken,
		AccountID:    tokens.AccountID,
	}

	return writeTOMLAtomic(filepath.Join(accountDir, tokensFileName), ts)
}

func (s *Store) RecordStatus(ctx context.Context, name string, patch accountstore.StatusPatch) error {
	if err := ctx.Err(); err != nil {
		return nil // best-effort: never fail a request over this
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.accountDir(name)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil
	}
	path := filepath.Join(dir, statusFileName)

	var st statusSchema
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &st)
	}

	if patch.LastAttemptAt != nil {
		st.LastAttemptAt = *patch.LastAttemptAt
	}
	if patch.LastSuccessAt != nil {
		st.LastSuccessAt = *patch.LastSuccessAt
	}
	if patch.LastError != nil {
		st.LastError = *patch.LastError
	}
	if patch.ConsecutiveFailures != nil {
		st.ConsecutiveFailures = *patch.ConsecutiveFailures
	}
	if patch.CooldownUntil != nil {
		st.CooldownUntil = *patch.CooldownUntil
	}

	return writeTOMLAtomic(path, st)
}

func (s *Store) readRegistry() (registryFileSchema, error) {
	data, err := os.ReadFile(s.registryPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return registryFileSchema{}, nil
		}
		return registryFileSchema{}, fmt.Errorf("read registry: %w", err)
	}
	var reg registryFileSchema
	if err := toml.Unmarshal(data, &reg); err != nil {
		return registryFileSchema{}, fmt.Errorf("decode registry: %w", err)
	}
	return reg, nil
}

// AddAccount registers a new account name (and optional proxy) in the
// registry file, creating its directory. It is not part of the
// accountstore.Store contract — it is the write side the (excluded) CLI
// surface would call; tests use it to seed fixtures.
func (s *Store) AddAccount(name string, makeDefault bool, proxy *proxySchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.readRegistry()
	if err != nil {
		return err
	}

	found := false
	for i := range reg.Accounts {
		if reg.Accounts[i].Name == name {
			reg.Accounts[i].Proxy = proxy
			found = true
			break
		}
	}
	if !found {
		reg.Accounts = append(reg.Accounts, accountEntrySchema{Name: name, Proxy: proxy})
	}
	if makeDefault || reg.Default == "" {
		reg.Default = name
	}

	if err := os.MkdirAll(s.accountDir(name), dirMode); err != nil {
		return fmt.Errorf("create account directory: %w", err)
	}

	return writeTOMLAtomic(s.registryPath(), reg)
}

func writeTOMLAtomic(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	cleanup = false
	return nil
}

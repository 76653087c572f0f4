// Package sqlitestore is a SQLite-backed implementation of
// accountstore.Store, an alternative to filestore for deployments that
// prefer a single database file over a directory tree.
//
// Grounded on the teacher's internal/store package: modernc.org/sqlite
// as the pure-Go driver, an embedded schema applied on open, and a
// single-connection pool (SQLite serializes writes regardless, and
// WAL mode keeps reads from blocking on them).
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/codexgw/gateway/internal/accountstore"
	"github.com/codexgw/gateway/internal/tokencrypto"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite Account Store adapter.
type Store struct {
	db  *sql.DB
	box *tokencrypto.Box
}

var _ accountstore.Store = (*Store)(nil)

// Open creates or attaches to the database at path and applies the schema.
func Open(path string, box *tokencrypto.Box) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, box: box}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadOrderedAccounts(ctx context.Context) ([]accountstore.AccountRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, account_dir, is_default, proxy_type, proxy_host, proxy_port, proxy_user, proxy_pass
		FROM accounts ORDER BY is_default DESC, ordinal ASC`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var refs []accountstore.AccountRef
	for rows.Next() {
		var ref accountstore.AccountRef
		var isDefault int
		if err := rows.Scan(&ref.Name, &ref.AccountDir, &isDefault, &ref.ProxyType, &ref.ProxyHost, &ref.ProxyPort, &ref.ProxyUser, &ref.ProxyPass); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		ref.IsDefault = isDefault != 0
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Store) LoadTokens(ctx context.Context, accountDir string) (*accountstore.TokenPair, error) {
	row := s.db.QueryRowContext(ctx, `SELECT access_token_enc, refresh_token_enc, id_token_enc, account_id
		FROM tokens WHERE account_dir = ?`, accountDir)

	var access, refresh, idToken, accountID string
	if err := row.Scan(&access, &refresh, &idToken, &accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tokens row: %w", err)
	}

	openedAccess, err := s.box.Open(access)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	openedRefresh, err := s.box.Open(refresh)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	openedID := idToken
	if openedID != "" {
		openedID, err = s.box.Open(openedID)
		if err != nil {
			return nil, fmt.Errorf("decrypt id token: %w", err)
		}
	}

	return &accountstore.TokenPair{
		AccessToken:  openedAccess,
		RefreshToken: openedRefresh,
		IDToken:      openedID,
		AccountID:    accountID,
	}, nil
}

func (s *Store) SaveTokens(ctx context.Context, accountDir string, tokens accountstore.TokenPair) error {
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

	_, err = s.db.ExecContext(ctx, `INSERT INTO tokens (account_dir, access_token_enc, refresh_token_enc, id_token_enc, account_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_dir) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			id_token_enc = excluded.id_token_enc,
			account_id = excluded.account_id`,
		accountDir, access, refresh, idToken, tokens.AccountID)
	if err != nil {
		return fmt.Errorf("upsert tokens: %w", err)
	}
	return nil
}

func (s *Store) RecordStatus(ctx context.Context, name string, patch accountstore.StatusPatch) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO account_status (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return nil // best-effort: never fail a request over this
	}

	if patch.LastAttemptAt != nil {
		_, _ = s.db.ExecContext(ctx, `UPDATE account_status SET last_attempt_at = ? WHERE name = ?`, *patch.LastAttemptAt, name)
	}
	if patch.LastSuccessAt != nil {
		_, _ = s.db.ExecContext(ctx, `UPDATE account_status SET last_success_at = ? WHERE name = ?`, *patch.LastSuccessAt, name)
	}
	if patch.LastError != nil {
		_, _ = s.db.ExecContext(ctx, `UPDATE account_status SET last_error = ? WHERE name = ?`, *patch.LastError, name)
	}
	if patch.ConsecutiveFailures != nil {
		_, _ = s.db.ExecContext(ctx, `UPDATE account_status SET consecutive_failures = ? WHERE name = ?`, *patch.ConsecutiveFailures, name)
	}
	if patch.CooldownUntil != nil {
		_, _ = s.db.ExecContext(ctx, `UPDATE account_status SET cooldown_until = ? WHERE name = ?`, *patch.CooldownUntil, name)
	}
	return nil
}

// AddAccount registers a new account row, the write side fixtures use to
// seed a database (there is no admin surface in scope).
func (s *Store) AddAccount(ctx context.Context, ref accountstore.AccountRef, ordinal int) error {
	isDefault := 0
	if ref.IsDefault {
		isDefault = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (name, account_dir, is_default, proxy_type, proxy_host, proxy_port, proxy_user, proxy_pass, ordinal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			account_dir = excluded.account_dir,
			is_default = excluded.is_default,
			proxy_type = excluded.proxy_type,
			proxy_host = excluded.proxy_host,
			proxy_port = excluded.proxy_port,
			proxy_user = excluded.proxy_user,
			proxy_pass = excluded.proxy_pass,
			ordinal = excluded.ordinal`,
		ref.Name, ref.AccountDir, isDefault, ref.ProxyType, ref.ProxyHost, ref.ProxyPort, ref.ProxyUser, ref.ProxyPass, ordinal)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

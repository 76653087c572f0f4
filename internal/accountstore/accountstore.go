// Package accountstore defines the contract the gateway's core consumes
// for account persistence (spec.md §6). The core never touches a
// filesystem or database directly — it only ever talks to a Store.
//
// Concrete adapters (filestore, sqlitestore) live in subpackages; which
// one is wired up at startup is a deployment choice, not a core concern.
package accountstore

import "context"

// TokenPair carries the OAuth token material persisted for one account.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	AccountID    string
}

// AccountRef is one entry in the ordered account listing.
type AccountRef struct {
	Name        string
	AccountDir  string
	IsDefault   bool
	ProxyType   string // "", "socks5", "http"
	ProxyHost   string
	ProxyPort   int
	ProxyUser   string
	ProxyPass   string
}

// StatusPatch is a best-effort status update; a Store may drop fields it
// doesn't track. Failures to record status must never fail a request.
type StatusPatch struct {
	LastAttemptAt  *int64 // unix millis
	LastSuccessAt  *int64
	LastError      *string
	ConsecutiveFailures *int
	CooldownUntil  *int64
}

// Store is the account-store contract the gateway core consumes.
// Implementations must be safe for concurrent use.
type Store interface {
	// LoadOrderedAccounts returns every registered account in the order the
	// pool should consider them, with the default account's IsDefault set.
	LoadOrderedAccounts(ctx context.Context) ([]AccountRef, error)

	// LoadTokens returns the persisted tokens for accountDir, or nil if
	// none are stored (the caller drops such accounts at load time).
	LoadTokens(ctx context.Context, accountDir string) (*TokenPair, error)

	// SaveTokens atomically overwrites the persisted tokens for accountDir.
	SaveTokens(ctx context.Context, accountDir string, tokens TokenPair) error

	// RecordStatus is a best-effort diagnostic write; implementations may
	// no-op. Errors are logged by the caller, never surfaced to a request.
	RecordStatus(ctx context.Context, name string, patch StatusPatch) error
}

// Package tokenclaims derives expiry, session, and identity claims from
// JWT-style OAuth access/id tokens. It never verifies a signature — the
// gateway holds no key for the identity provider — and it never fails
// loudly: malformed tokens simply yield unset fields.
package tokenclaims

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Details holds the claims a token can contribute to an account's routing
// headers. Every field is optional; absence is the normal case for at
// least some of them on any given token.
type Details struct {
	ExpiresAt        int64 // unix millis, 0 if unset
	SessionID        string
	ChatGPTAccountID string
	ChatGPTUserID    string
	UserID           string
	OrganizationID   string
}

// openAIAuthClaim mirrors the `https://api.openai.com/auth` JWT claim used
// by the Codex identity provider.
type openAIAuthClaim struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	ChatGPTUserID    string `json:"chatgpt_user_id"`
	UserID           string `json:"user_id"`
	Organizations    []struct {
		ID        string `json:"id"`
		IsDefault bool   `json:"is_default"`
	} `json:"organizations"`
}

type rawClaims struct {
	jwt.RegisteredClaims
	SessionID string           `json:"session_id"`
	Sid       string           `json:"sid"`
	AccountID string           `json:"account_id"`
	Auth      openAIAuthClaim  `json:"https://api.openai.com/auth"`
}

var unverifiedParser = jwt.NewParser()

// Derive parses access_token (required) and id_token (optional, may be
// empty) and merges whatever claims each contributes. The access token
// is the primary source; the id token supplements fields the access
// token's claims don't carry (Codex puts organization info on the id
// token more reliably than the access token).
func Derive(accessToken, idToken string) Details {
	var d Details

	// The id token is merged first so that any claim the access token
	// also carries overwrites it.
	if idToken != "" {
		if c, ok := parse(idToken); ok {
			mergeFrom(&d, c)
		}
	}
	if c, ok := parse(accessToken); ok {
		mergeFrom(&d, c)
	}
	return d
}

// Expiry returns the token's exp claim in unix millis, or 0 if unset/unparsable.
func Expiry(token string) int64 {
	c, ok := parse(token)
	if !ok {
		return 0
	}
	return expiresAtMillis(c)
}

// SessionID returns the token's session_id (falling back to sid), or "".
func SessionID(token string) string {
	c, ok := parse(token)
	if !ok {
		return ""
	}
	return sessionIDFrom(c)
}

// IsFresh reports whether expiresAt is unset or still more than bufferSeconds
// away from now.
func IsFresh(expiresAt int64, bufferSeconds int) bool {
	if expiresAt == 0 {
		return true
	}
	now := time.Now().UnixMilli()
	return expiresAt-now > int64(bufferSeconds)*1000
}

func parse(token string) (*rawClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := &rawClaims{}
	// ParseUnverified only splits/decodes; it never validates a signature,
	// which is exactly what we want for introspecting a third-party token.
	if _, _, err := unverifiedParser.ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

func mergeFrom(d *Details, c *rawClaims) {
	if exp := expiresAtMillis(c); exp != 0 {
		d.ExpiresAt = exp
	}
	if sid := sessionIDFrom(c); sid != "" {
		d.SessionID = sid
	}
	if c.Auth.ChatGPTAccountID != "" {
		d.ChatGPTAccountID = c.Auth.ChatGPTAccountID
	} else if c.AccountID != "" {
		d.ChatGPTAccountID = c.AccountID
	}
	if c.Auth.ChatGPTUserID != "" {
		d.ChatGPTUserID = c.Auth.ChatGPTUserID
	}
	if c.Auth.UserID != "" {
		d.UserID = c.Auth.UserID
	}
	if org := defaultOrganization(c.Auth); org != "" {
		d.OrganizationID = org
	}
}

func expiresAtMillis(c *rawClaims) int64 {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Unix() * 1000
}

func sessionIDFrom(c *rawClaims) string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.Sid
}

// defaultOrganization prefers the organization marked is_default=true,
// falling back to the first entry present.
func defaultOrganization(auth openAIAuthClaim) string {
	if len(auth.Organizations) == 0 {
		return ""
	}
	for _, org := range auth.Organizations {
		if org.IsDefault {
			return org.ID
		}
	}
	return auth.Organizations[0].ID
}

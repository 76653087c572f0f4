package tokenclaims

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func buildToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := map[string]string{"alg": "none", "typ": "JWT"}
	h, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	c, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(h) + "." + enc.EncodeToString(c) + "." + enc.EncodeToString([]byte("sig"))
}

func TestDeriveExpiryAndSession(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	token := buildToken(t, map[string]any{
		"exp":        exp,
		"session_id": "sess-123",
	})

	d := Derive(token, "")
	if d.ExpiresAt != exp*1000 {
		t.Fatalf("expected expires_at %d, got %d", exp*1000, d.ExpiresAt)
	}
	if d.SessionID != "sess-123" {
		t.Fatalf("expected session id sess-123, got %q", d.SessionID)
	}
}

func TestDeriveSessionIDFallsBackToSid(t *testing.T) {
	token := buildToken(t, map[string]any{"sid": "sid-abc"})
	d := Derive(token, "")
	if d.SessionID != "sid-abc" {
		t.Fatalf("expected sid fallback, got %q", d.SessionID)
	}
}

func TestDeriveOrganizationPrefersDefault(t *testing.T) {
	token := buildToken(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"organizations": []map[string]any{
				{"id": "org-1", "is_default": false},
				{"id": "org-2", "is_default": true},
			},
		},
	})
	d := Derive(token, "")
	if d.OrganizationID != "org-2" {
		t.Fatalf("expected default org org-2, got %q", d.OrganizationID)
	}
}

func TestDeriveOrganizationFallsBackToFirst(t *testing.T) {
	token := buildToken(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"organizations": []map[string]any{
				{"id": "org-1"},
				{"id": "org-2"},
			},
		},
	})
	d := Derive(token, "")
	if d.OrganizationID != "org-1" {
		t.Fatalf("expected first org org-1, got %q", d.OrganizationID)
	}
}

func TestDeriveMalformedTokenIsSilent(t *testing.T) {
	d := Derive("not-a-jwt", "")
	if d.ExpiresAt != 0 || d.SessionID != "" {
		t.Fatalf("expected empty details for malformed token, got %+v", d)
	}
}

func TestDeriveMergesIDTokenFields(t *testing.T) {
	access := buildToken(t, map[string]any{"sid": "from-access"})
	id := buildToken(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-9",
		},
	})
	d := Derive(access, id)
	if d.SessionID != "from-access" {
		t.Fatalf("expected session id from access token, got %q", d.SessionID)
	}
	if d.ChatGPTAccountID != "acct-9" {
		t.Fatalf("expected account id from id token, got %q", d.ChatGPTAccountID)
	}
}

func TestIsFresh(t *testing.T) {
	now := time.Now().UnixMilli()
	if !IsFresh(0, 90) {
		t.Fatalf("unset expiry should be fresh")
	}
	if !IsFresh(now+200_000, 90) {
		t.Fatalf("expiry far in the future should be fresh")
	}
	if IsFresh(now+1000, 90) {
		t.Fatalf("expiry within buffer should not be fresh")
	}
}

func TestExpiryAndSessionIDHelpers(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	token := buildToken(t, map[string]any{"exp": exp, "session_id": "sess-xyz"})
	if got := Expiry(token); got != exp*1000 {
		t.Fatalf("expected %d, got %d", exp*1000, got)
	}
	if got := SessionID(token); got != "sess-xyz" {
		t.Fatalf("expected sess-xyz, got %q", got)
	}
}

package router

import (
	"net/http"

	"github.com/codexgw/gateway/internal/pool"
)

// buildForwardHeaders copies inbound into a new header set fit to send
// upstream, per spec.md §4.5.1: host/content-length are always dropped;
// when overrideAuth is set, inbound auth is replaced with bearer and
// account-identifying headers are injected from the account's token
// claims, each only when the claim is present.
func buildForwardHeaders(inbound http.Header, overrideAuth bool, acct pool.AccountView, bearer string) http.Header {
	out := inbound.Clone()
	out.Del("Host")
	out.Del("Content-Length")

	if !overrideAuth {
		return out
	}

	out.Del("Authorization")
	out.Del("Cookie")
	out.Set("Authorization", "Bearer "+bearer)

	claims := acct.Tokens

	if claims.SessionID != "" {
		out.Set("openai-session", claims.SessionID)
		out.Set("x-openai-session", claims.SessionID)
	}

	accountID := claims.ChatGPTAccountID
	if accountID == "" {
		accountID = claims.AccountID
	}
	if accountID != "" {
		out.Set("openai-account-id", accountID)
		out.Set("x-openai-account-id", accountID)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.ChatGPTUserID
	}
	if userID != "" {
		out.Set("openai-user-id", userID)
		out.Set("x-openai-user-id", userID)
	}

	if claims.OrganizationID != "" {
		out.Set("openai-organization", claims.OrganizationID)
		out.Set("openai-organization-id", claims.OrganizationID)
	}

	return out
}

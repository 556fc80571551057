package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// validateGrantShape rejects malformed requests before any store access.
// Shape failures are always KindInvalidRequest; an unknown grant_type is
// KindUnsupportedGrantType.
func validateGrantShape(req *GrantRequest) error {
	if req == nil || req.GrantType == "" {
		return newGrantError(KindInvalidRequest, "grant_type is required")
	}

	switch req.GrantType {
	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return newGrantError(KindInvalidRequest, "refresh_token is required")
		}
	case GrantTypeClientCredentials:
		// client authentication is the whole request; nothing else required
	case GrantTypePassword:
		if req.Username == "" || req.Password == "" {
			return newGrantError(KindInvalidRequest, "username and password are required")
		}
	default:
		return newGrantError(KindUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", req.GrantType))
	}

	if req.ClientID == "" {
		return newGrantError(KindInvalidRequest, "client_id is required")
	}

	return nil
}

// authenticateClient resolves and authenticates the requesting client.
// Confidential clients must present a valid secret; public clients must not
// present one at all. A bcrypt comparison runs even for unknown clients so
// lookup failures are not distinguishable by timing.
func (e *Engine) authenticateClient(ctx context.Context, req *GrantRequest) (*storage.Client, error) {
	client, err := e.clients.GetClient(ctx, req.ClientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return nil, storeFailure("get client", err)
	}

	if client == nil || errors.Is(err, storage.ErrClientNotFound) {
		// Burn the same bcrypt cost as a real comparison before rejecting.
		_ = security.VerifySecret("", req.ClientSecret)
		e.Logger.Debug("client authentication failed", "reason", "unknown client",
			"client_id", safeTruncate(req.ClientID, 16))
		if e.Auditor != nil {
			e.Auditor.LogAuthFailure(req.ClientID, "unknown_client")
		}
		return nil, newGrantError(KindInvalidClient, "client authentication failed")
	}

	switch client.ClientType {
	case storage.ClientTypeConfidential:
		if err := security.VerifySecret(client.ClientSecretHash, req.ClientSecret); err != nil {
			e.Logger.Debug("client authentication failed", "reason", "secret mismatch",
				"client_id", client.ClientID)
			if e.Auditor != nil {
				e.Auditor.LogAuthFailure(client.ClientID, "invalid_client_secret")
			}
			return nil, newGrantError(KindInvalidClient, "client authentication failed")
		}
	case storage.ClientTypePublic:
		if req.ClientSecret != "" {
			// A public client presenting a secret is misconfigured at best
			if e.Auditor != nil {
				e.Auditor.LogAuthFailure(client.ClientID, "unexpected_client_secret")
			}
			return nil, newGrantError(KindInvalidClient, "public clients must not send a client secret")
		}
	default:
		e.Logger.Error("client has unknown type", "client_id", client.ClientID, "client_type", client.ClientType)
		return nil, newGrantError(KindInvalidClient, "client authentication failed")
	}

	return client, nil
}

// AuthenticateClient authenticates a client by its id and optional secret.
// It is the same check the token endpoint applies, exposed for callers that
// gate other operations on client identity, such as revocation.
func (e *Engine) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, newGrantError(KindInvalidRequest, "client_id is required")
	}
	return e.authenticateClient(ctx, &GrantRequest{ClientID: clientID, ClientSecret: clientSecret})
}

// validateGrantTypeEligibility checks that the client is registered for the
// grant type. Failures are KindUnauthorizedClient, distinct from both
// authentication failures and grant-state failures.
func (e *Engine) validateGrantTypeEligibility(client *storage.Client, grantType string) error {
	if !client.AllowsGrantType(grantType) {
		return newGrantError(KindUnauthorizedClient,
			fmt.Sprintf("client is not authorized for grant type %q", grantType))
	}
	if grantType == GrantTypeClientCredentials && client.ClientType != storage.ClientTypeConfidential {
		return newGrantError(KindUnauthorizedClient, "client credentials grant requires a confidential client")
	}
	return nil
}

// ParseScope splits a raw space-delimited scope parameter into normalized
// scope tokens: trimmed, empty entries dropped, duplicates removed.
func ParseScope(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.Fields(raw)
	seen := make(map[string]struct{}, len(fields))
	scope := make([]string, 0, len(fields))
	for _, tok := range fields {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		scope = append(scope, tok)
	}
	return scope
}

// ValidateScopeSubset enforces the subset contract: an empty request
// inherits the original scope, and anything else must be contained in it.
// The excess tokens are named in the error so a misconfigured client can
// correct itself; the set comparison is over normalized tokens.
func ValidateScopeSubset(requested, original []string) ([]string, error) {
	if len(requested) == 0 {
		return original, nil
	}
	if excess := scopeExcess(requested, original); len(excess) > 0 {
		return nil, newGrantError(KindInvalidScope,
			fmt.Sprintf("requested scopes exceed the granted scope: %s", strings.Join(excess, " ")))
	}
	return requested, nil
}

// scopeExcess returns the members of requested that are not in allowed,
// sorted for stable error messages.
func scopeExcess(requested, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}
	var excess []string
	for _, s := range requested {
		if _, ok := allowedSet[s]; !ok {
			excess = append(excess, s)
		}
	}
	sort.Strings(excess)
	return excess
}

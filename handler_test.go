package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-grants/engine"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
)

const (
	testClientID     = "web-app"
	testClientSecret = "correct-horse-battery-staple"
	testPrincipalID  = "user-1"
)

type handlerEnv struct {
	handler *Handler
	routes  http.Handler
	engine  *engine.Engine
	store   *memory.Store
	client  *storage.Client
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	store.SetLogger(testutil.DiscardLogger())
	t.Cleanup(store.Stop)

	client := testutil.NewConfidentialClient(t, testClientID, testClientSecret,
		[]string{engine.GrantTypeRefreshToken, engine.GrantTypeClientCredentials},
		[]string{"read", "write", "admin"})
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error: %v", err)
	}

	eng, err := engine.New(store, store, issuer.NewOpaque(time.Hour),
		&engine.Config{}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}

	h := NewHandler(eng, &Config{Issuer: "https://auth.example.com"}, testutil.DiscardLogger())
	return &handlerEnv{
		handler: h,
		routes:  h.Routes(),
		engine:  eng,
		store:   store,
		client:  client,
	}
}

// newFamily starts a token family directly through the engine, as a
// completed authorization grant would.
func (env *handlerEnv) newFamily(t *testing.T, scope []string) *engine.TokenResponse {
	t.Helper()
	resp, err := env.engine.NewFamily(context.Background(), env.client, testPrincipalID, scope)
	if err != nil {
		t.Fatalf("NewFamily() error: %v", err)
	}
	return resp
}

// postForm sends a form-encoded POST through the full middleware stack.
func (env *handlerEnv) postForm(t *testing.T, path string, form url.Values, basicAuth bool) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth {
		r.SetBasicAuth(testClientID, testClientSecret)
	}
	w := httptest.NewRecorder()
	env.routes.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v (body %q)", err, w.Body.String())
	}
	return resp
}

func TestServeTokenRefreshGrant(t *testing.T) {
	env := newHandlerEnv(t)
	first := env.newFamily(t, []string{"read", "write"})

	w := env.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}

	var resp TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding token response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("no access token in response")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.RefreshToken == "" || resp.RefreshToken == first.RefreshToken {
		t.Errorf("refresh_token = %q, want a rotated token", resp.RefreshToken)
	}
	if resp.Scope != "read write" {
		t.Errorf("scope = %q, want %q", resp.Scope, "read write")
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", resp.ExpiresIn)
	}

	// Token responses must never be cached and carry a request id.
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if w.Header().Get(security.RequestIDHeader) == "" {
		t.Error("response has no request id header")
	}
}

func TestServeTokenMethodNotAllowed(t *testing.T) {
	env := newHandlerEnv(t)
	r := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
	w := httptest.NewRecorder()
	env.routes.ServeHTTP(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestServeTokenClientAuthentication(t *testing.T) {
	env := newHandlerEnv(t)
	first := env.newFamily(t, []string{"read"})

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}

	t.Run("wrong secret", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.SetBasicAuth(testClientID, "wrong")
		w := httptest.NewRecorder()
		env.routes.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if resp := decodeError(t, w); resp.Error != ErrorCodeInvalidClient {
			t.Errorf("error = %q, want invalid_client", resp.Error)
		}
		challenge := w.Header().Get("WWW-Authenticate")
		if !strings.Contains(challenge, "Basic") || !strings.Contains(challenge, ErrorCodeInvalidClient) {
			t.Errorf("WWW-Authenticate = %q, want Basic challenge with error code", challenge)
		}
	})

	t.Run("basic auth overrides form credentials", func(t *testing.T) {
		withForm := url.Values{}
		for k, v := range form {
			withForm[k] = v
		}
		withForm.Set("client_id", testClientID)
		withForm.Set("client_secret", "wrong-in-form")

		w := env.postForm(t, "/oauth/token", withForm, true)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
		}
	})
}

func TestServeTokenErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		form       func(env *handlerEnv) url.Values
		wantStatus int
		wantError  string
	}{
		{
			name: "missing grant type",
			form: func(env *handlerEnv) url.Values {
				return url.Values{}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name: "unsupported grant type",
			form: func(env *handlerEnv) url.Values {
				return url.Values{"grant_type": {"authorization_code"}, "code": {"x"}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name: "unknown refresh token",
			form: func(env *handlerEnv) url.Values {
				return url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"no-such-token"}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name: "scope escalation",
			form: func(env *handlerEnv) url.Values {
				first := env.newFamily(t, []string{"read"})
				return url.Values{
					"grant_type":    {"refresh_token"},
					"refresh_token": {first.RefreshToken},
					"scope":         {"read admin"},
				}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHandlerEnv(t)
			w := env.postForm(t, "/oauth/token", tt.form(env), true)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

// A replayed refresh token must read exactly like an unknown one.
func TestServeTokenUniformInvalidGrant(t *testing.T) {
	env := newHandlerEnv(t)
	first := env.newFamily(t, []string{"read"})

	redeem := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}
	if w := env.postForm(t, "/oauth/token", redeem, true); w.Code != http.StatusOK {
		t.Fatalf("first redemption status = %d, want 200", w.Code)
	}

	replayed := decodeError(t, env.postForm(t, "/oauth/token", redeem, true))
	unknown := decodeError(t, env.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"no-such-token"},
	}, true))

	if replayed.Error != ErrorCodeInvalidGrant || unknown.Error != ErrorCodeInvalidGrant {
		t.Fatalf("errors = (%q, %q), want invalid_grant for both", replayed.Error, unknown.Error)
	}
	if replayed.ErrorDescription != unknown.ErrorDescription {
		t.Errorf("descriptions differ (%q vs %q); replay is distinguishable from unknown",
			replayed.ErrorDescription, unknown.ErrorDescription)
	}
}

func TestServeTokenRateLimit(t *testing.T) {
	env := newHandlerEnv(t)
	env.handler.RateLimiter = security.NewRateLimiter(1, 1, testutil.DiscardLogger())
	t.Cleanup(env.handler.RateLimiter.Stop)

	form := url.Values{"grant_type": {"client_credentials"}}
	if w := env.postForm(t, "/oauth/token", form, true); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}

	w := env.postForm(t, "/oauth/token", form, true)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if resp := decodeError(t, w); resp.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want rate_limit_exceeded", resp.Error)
	}
}

func TestServeRevoke(t *testing.T) {
	t.Run("revokes the token family", func(t *testing.T) {
		env := newHandlerEnv(t)
		first := env.newFamily(t, []string{"read"})

		w := env.postForm(t, "/oauth/revoke", url.Values{"token": {first.RefreshToken}}, true)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
		}

		// The revoked token can no longer be redeemed.
		redeem := env.postForm(t, "/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {first.RefreshToken},
		}, true)
		if redeem.Code != http.StatusBadRequest {
			t.Errorf("post-revocation redemption status = %d, want 400", redeem.Code)
		}
	})

	t.Run("unknown token still succeeds", func(t *testing.T) {
		env := newHandlerEnv(t)
		w := env.postForm(t, "/oauth/revoke", url.Values{"token": {"no-such-token"}}, true)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("missing token parameter", func(t *testing.T) {
		env := newHandlerEnv(t)
		w := env.postForm(t, "/oauth/revoke", url.Values{}, true)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		if resp := decodeError(t, w); resp.Error != ErrorCodeInvalidRequest {
			t.Errorf("error = %q, want invalid_request", resp.Error)
		}
	})

	t.Run("requires client authentication", func(t *testing.T) {
		env := newHandlerEnv(t)
		first := env.newFamily(t, []string{"read"})

		r := httptest.NewRequest(http.MethodPost, "/oauth/revoke",
			strings.NewReader(url.Values{"token": {first.RefreshToken}}.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.SetBasicAuth(testClientID, "wrong")
		w := httptest.NewRecorder()
		env.routes.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("foreign token succeeds without revoking", func(t *testing.T) {
		env := newHandlerEnv(t)
		first := env.newFamily(t, []string{"read"})

		other := testutil.NewConfidentialClient(t, "other-app", "other-secret",
			[]string{engine.GrantTypeRefreshToken}, []string{"read"})
		if err := env.store.SaveClient(context.Background(), other); err != nil {
			t.Fatalf("SaveClient() error: %v", err)
		}

		r := httptest.NewRequest(http.MethodPost, "/oauth/revoke",
			strings.NewReader(url.Values{"token": {first.RefreshToken}}.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.SetBasicAuth("other-app", "other-secret")
		w := httptest.NewRecorder()
		env.routes.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}

		// Still redeemable by its rightful holder.
		redeem := env.postForm(t, "/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {first.RefreshToken},
		}, true)
		if redeem.Code != http.StatusOK {
			t.Errorf("redemption after foreign revocation status = %d, want 200", redeem.Code)
		}
	})
}

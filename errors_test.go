package oauth

import (
	"errors"
	"net/http"
	"testing"

	"github.com/giantswarm/oauth-grants/engine"
)

func TestOAuthErrorError(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "refresh token is invalid or expired", http.StatusBadRequest)
	if got, want := err.Error(), "invalid_grant: refresh token is invalid or expired"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestFromGrantError(t *testing.T) {
	grantErr := func(kind engine.ErrorKind) error {
		return &engine.GrantError{Kind: kind, Description: "detail"}
	}

	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "invalid request",
			err:        grantErr(engine.KindInvalidRequest),
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid client maps to 401",
			err:        grantErr(engine.KindInvalidClient),
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid grant",
			err:        grantErr(engine.KindInvalidGrant),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid scope",
			err:        grantErr(engine.KindInvalidScope),
			wantCode:   ErrorCodeInvalidScope,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unauthorized client",
			err:        grantErr(engine.KindUnauthorizedClient),
			wantCode:   ErrorCodeUnauthorizedClient,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsupported grant type",
			err:        grantErr(engine.KindUnsupportedGrantType),
			wantCode:   ErrorCodeUnsupportedGrantType,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "server error maps to 500",
			err:        grantErr(engine.KindServerError),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "non-grant error stays generic",
			err:        errors.New("database on fire"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromGrantError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

// Internal failure detail must never reach the wire.
func TestFromGrantErrorHidesInternals(t *testing.T) {
	got := fromGrantError(errors.New("pq: connection refused to 10.0.0.5"))
	if got.Description != "internal error" {
		t.Errorf("Description = %q, want generic internal error", got.Description)
	}
}

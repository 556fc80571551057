package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if len(id) != 22 {
		t.Errorf("request id length = %d, want 22", len(id))
	}
	if !isValidRequestID(id) {
		t.Errorf("generated id %q does not validate", id)
	}
	if id == GenerateRequestID() {
		t.Error("consecutive request ids are identical")
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want req-123", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "alphanumeric", id: "abc123", want: true},
		{name: "with separators", id: "req_abc-123", want: true},
		{name: "empty", id: "", want: false},
		{name: "crlf injection", id: "abc\r\nSet-Cookie: x", want: false},
		{name: "whitespace", id: "abc 123", want: false},
		{name: "too long", id: strings.Repeat("a", 129), want: false},
		{name: "max length", id: strings.Repeat("a", 128), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.id); got != tt.want {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		upstreamID   string
		wantUpstream bool
	}{
		{name: "no upstream id generates one", upstreamID: "", wantUpstream: false},
		{name: "valid upstream id preserved", upstreamID: "alb-req-12345", wantUpstream: true},
		{name: "invalid upstream id replaced", upstreamID: "bad id\r\n", wantUpstream: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest("POST", "/oauth/token", nil)
			if tt.upstreamID != "" {
				r.Header.Set(RequestIDHeader, tt.upstreamID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			headerID := w.Header().Get(RequestIDHeader)
			if headerID == "" {
				t.Fatal("response has no request id header")
			}
			if headerID != ctxID {
				t.Errorf("header id %q != context id %q", headerID, ctxID)
			}
			if tt.wantUpstream && headerID != tt.upstreamID {
				t.Errorf("upstream id %q not preserved, got %q", tt.upstreamID, headerID)
			}
			if !tt.wantUpstream && headerID == tt.upstreamID {
				t.Errorf("unsafe upstream id %q was preserved", tt.upstreamID)
			}
			if !isValidRequestID(headerID) {
				t.Errorf("resulting id %q does not validate", headerID)
			}
		})
	}
}

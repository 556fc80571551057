package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://auth.example.com")

	want := map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Cache-Control":             "no-store, no-cache, must-revalidate, private",
		"Pragma":                    "no-cache",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("header %s = %q, want %q", header, got, value)
		}
	}

	// JSON-only endpoints render no HTML; the legacy XSS filter header has
	// no business here.
	if got := w.Header().Get("X-XSS-Protection"); got != "" {
		t.Errorf("X-XSS-Protection set to %q, want unset", got)
	}
}

func TestSetSecurityHeadersNoHSTSOverHTTP(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "http://localhost:8080")

	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS set for plain HTTP server URL: %q", got)
	}
	// The rest of the headers apply regardless of scheme.
	if got := w.Header().Get("Cache-Control"); got == "" {
		t.Error("Cache-Control missing for HTTP server URL")
	}
}

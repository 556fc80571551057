package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders applies the headers every token-endpoint response
// carries. The endpoints serve JSON to non-browser clients, so the policy
// is maximally strict: nothing may frame, embed, or load resources from a
// response, and nothing may cache one.
//
// HSTS is emitted only when issuerURL is https; over plain HTTP (local
// development) the header would be ignored anyway.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuerURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token responses are credentials. RFC 6749 requires no-store on any
	// response carrying one; Pragma covers HTTP/1.0 intermediaries.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

// Package testutil provides shared helpers for tests across the library.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// Clock is a controllable time source for deterministic tests. Install its
// Now method wherever the code under test accepts a clock override.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given time.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by the given duration.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to a specific time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// DiscardLogger returns a logger that drops all output. Tests asserting on
// log contents should build their own handler instead.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RandomString generates a cryptographically random URL-safe string.
func RandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n]
}

// MustHashSecret bcrypt-hashes a client secret, failing the test on error.
func MustHashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := security.HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret(%q) error: %v", secret, err)
	}
	return hash
}

// NewConfidentialClient builds a confidential client registration with the
// given plaintext secret hashed for storage.
func NewConfidentialClient(t *testing.T, clientID, secret string, grantTypes, scopes []string) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: MustHashSecret(t, secret),
		ClientType:       storage.ClientTypeConfidential,
		ClientName:       clientID,
		GrantTypes:       grantTypes,
		Scopes:           scopes,
		CreatedAt:        time.Now(),
	}
}

// NewPublicClient builds a public client registration. Public clients carry
// no secret.
func NewPublicClient(clientID string, grantTypes, scopes []string) *storage.Client {
	return &storage.Client{
		ClientID:   clientID,
		ClientType: storage.ClientTypePublic,
		ClientName: clientID,
		GrantTypes: grantTypes,
		Scopes:     scopes,
		CreatedAt:  time.Now(),
	}
}

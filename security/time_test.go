package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	grace := 5 * time.Second

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "zero expiry never expires", expiresAt: time.Time{}, want: false},
		{name: "well before expiry", expiresAt: now.Add(time.Hour), want: false},
		{name: "exactly at expiry", expiresAt: now, want: false},
		{name: "inside grace", expiresAt: now.Add(-3 * time.Second), want: false},
		{name: "at grace boundary", expiresAt: now.Add(-grace), want: false},
		{name: "past grace", expiresAt: now.Add(-grace - time.Second), want: true},
		{name: "long expired", expiresAt: now.Add(-time.Hour), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now, grace); got != tt.want {
				t.Errorf("IsExpired(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}

func TestIsExpiredNow(t *testing.T) {
	if IsExpiredNow(time.Now().Add(time.Hour)) {
		t.Error("future expiry reported as expired")
	}
	if !IsExpiredNow(time.Now().Add(-time.Hour)) {
		t.Error("past expiry not reported as expired")
	}
}

func TestExpiringSoon(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		threshold time.Duration
		want      bool
	}{
		{name: "zero expiry", expiresAt: time.Time{}, threshold: time.Minute, want: false},
		{name: "well outside threshold", expiresAt: now.Add(time.Hour), threshold: time.Minute, want: false},
		{name: "inside threshold", expiresAt: now.Add(30 * time.Second), threshold: time.Minute, want: true},
		{name: "already expired", expiresAt: now.Add(-time.Minute), threshold: time.Minute, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpiringSoon(tt.expiresAt, now, tt.threshold); got != tt.want {
				t.Errorf("ExpiringSoon(%v, %v) = %v, want %v", tt.expiresAt, tt.threshold, got, tt.want)
			}
		})
	}
}

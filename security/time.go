package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period applied to token
// expiry checks. It prevents false expiration errors caused by clock drift
// between the issuing and redeeming hosts; 5 seconds covers typical NTP
// drift while extending token lifetime only marginally.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether a token with the given expiry is expired at
// instant now, allowing the grace period beyond the nominal expiry.
// A zero expiresAt means no expiration.
func IsExpired(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsExpiredNow is IsExpired against the wall clock with the default grace.
func IsExpiredNow(expiresAt time.Time) bool {
	return IsExpired(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// ExpiringSoon reports whether the expiry falls within the given threshold
// from now. Used to decide when issuing a fresh credential is worthwhile.
func ExpiringSoon(expiresAt, now time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}

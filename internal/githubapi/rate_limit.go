package githubapi

import (
	"net/http"
	"strconv"
	"time"
)

// RateSnapshot is the quota state GitHub reported on one response.
type RateSnapshot struct {
	Limit      int
	Remaining  int
	Used       int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Present is false when the response carried no rate-limit headers,
	// which is the case for most GraphQL errors and for non-GitHub hosts.
	Present bool
	// Secondary marks abuse-detection throttling (429, or 403 with Retry-After).
	Secondary bool
}

// ReadRateSnapshot parses rate-limit headers from a response.
func ReadRateSnapshot(header http.Header, statusCode int) RateSnapshot {
	snapshot := RateSnapshot{}
	if raw := header.Get("X-RateLimit-Remaining"); raw != "" {
		snapshot.Present = true
		snapshot.Remaining = atoiOrZero(raw)
	}
	snapshot.Limit = atoiOrZero(header.Get("X-RateLimit-Limit"))
	snapshot.Used = atoiOrZero(header.Get("X-RateLimit-Used"))
	if reset := parseUnix(header.Get("X-RateLimit-Reset")); reset > 0 {
		snapshot.ResetAt = time.Unix(reset, 0).UTC()
	}
	if seconds := atoiOrZero(header.Get("Retry-After")); seconds > 0 {
		snapshot.RetryAfter = time.Duration(seconds) * time.Second
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		snapshot.Secondary = true
	case statusCode == http.StatusForbidden && snapshot.RetryAfter > 0:
		snapshot.Secondary = true
	}
	return snapshot
}

// PacingPolicy decides how long to hold outbound requests after a response.
type PacingPolicy struct {
	// MinRemaining is the quota floor below which requests pause until reset.
	MinRemaining int
	// ResetBuffer is added to the reset time to absorb clock skew.
	ResetBuffer time.Duration
	// SecondaryBackoff is the minimum pause after abuse throttling.
	SecondaryBackoff time.Duration
	// MaxPause caps any single pause; zero means uncapped.
	MaxPause time.Duration
	Now      func() time.Time
}

// Pause returns the pause to apply before the next request and the reason for it.
// A zero duration means requests may continue.
func (p PacingPolicy) Pause(snapshot RateSnapshot) (time.Duration, string) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if snapshot.Secondary {
		return p.capped(max(p.SecondaryBackoff, snapshot.RetryAfter)), "secondary_limit"
	}
	if !snapshot.Present || snapshot.Remaining >= p.MinRemaining {
		return 0, "within_budget"
	}
	if !snapshot.ResetAt.After(now) {
		return 0, "reset_elapsed"
	}
	return p.capped(snapshot.ResetAt.Sub(now) + p.ResetBuffer), "remaining_below_threshold"
}

func (p PacingPolicy) capped(d time.Duration) time.Duration {
	if p.MaxPause > 0 && d > p.MaxPause {
		return p.MaxPause
	}
	return d
}

func atoiOrZero(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func parseUnix(raw string) int64 {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

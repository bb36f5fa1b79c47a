// Package ratelimit tracks the throttling signals the Graph API sends back:
// the RateLimit-Limit, RateLimit-Remaining and RateLimit-Reset headers and
// 429 responses with their Retry-After delay.
//
// The tracker is observational. It records state for metrics, logs and other
// processes sharing a Redis store, but never delays a request itself; pacing
// after a 429 is the job of the retrying fetcher that received it.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyState = "graph:rate_limit:state"
)

// Thresholds on the share of quota left, in percent.
const (
	// UsageWarningPercent marks the state as under pressure.
	UsageWarningPercent = 80.0

	// UsageCriticalPercent marks the state as about to be throttled.
	UsageCriticalPercent = 95.0
)

// ThrottleState is the last known rate limit picture for the signed-in user.
type ThrottleState struct {
	// Limit is the quota of the current window (RateLimit-Limit), 0 if unknown.
	Limit int `json:"limit"`

	// Remaining is the quota left (RateLimit-Remaining), -1 if unknown.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets (now + RateLimit-Reset seconds).
	ResetAt time.Time `json:"reset_at"`

	// ThrottledUntil is the end of the latest Retry-After window.
	ThrottledUntil time.Time `json:"throttled_until"`

	// Throttles counts 429 responses seen.
	Throttles int64 `json:"throttles"`

	// LastStatus is the HTTP status of the latest observed response.
	LastStatus int `json:"last_status"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// newState returns the state assumed before any response was observed.
func newState() *ThrottleState {
	return &ThrottleState{Remaining: -1}
}

// IsStale returns true if the state is older than maxAge.
func (s *ThrottleState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsThrottled reports whether now falls inside the latest Retry-After window.
func (s *ThrottleState) IsThrottled(now time.Time) bool {
	return now.Before(s.ThrottledUntil)
}

// UsagePercent is the share of the window quota already used, 0 if unknown.
func (s *ThrottleState) UsagePercent() float64 {
	if s.Limit <= 0 || s.Remaining < 0 {
		return 0
	}
	used := s.Limit - s.Remaining
	if used < 0 {
		used = 0
	}
	return float64(used) / float64(s.Limit) * 100
}

// TimeUntilReset returns the duration until the window resets, never negative.
func (s *ThrottleState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryDelay is used when a 429 carries no usable Retry-After.
const DefaultRetryDelay = 2 * time.Second

// maxRetryAfterSeconds keeps absurd header values from overflowing a Duration.
const maxRetryAfterSeconds = 1 << 31

// RetryAfter returns the delay requested by the Retry-After header when it is
// a positive whole number of seconds. Anything else (absent, zero, negative,
// fractional, HTTP-date) yields fallback and false.
func RetryAfter(h http.Header, fallback time.Duration) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return fallback, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 || secs > maxRetryAfterSeconds {
		return fallback, false
	}
	return time.Duration(secs) * time.Second, true
}

// parseIntHeader reads an integer header, reporting whether it was present.
func parseIntHeader(h http.Header, key string) (int, bool, error) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, err
	}
	return v, true, nil
}

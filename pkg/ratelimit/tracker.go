package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	graphRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_rate_limit_remaining",
		Help: "Quota remaining in the current Graph rate limit window",
	})

	graphRateLimitUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_rate_limit_usage_percent",
		Help: "Share of the current Graph rate limit window already used",
	})

	graphThrottledResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_throttled_responses_total",
		Help: "Total number of 429 responses observed",
	})
)

// Tracker records throttling signals from Graph responses.
type Tracker struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. A nil store falls back to a MemoryStore.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current state, or the initial state if none was stored.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			t.logger.Debug().Msg("No throttle state stored, returning initial state")
			return newState(), nil
		}
		return nil, fmt.Errorf("load throttle state: %w", err)
	}
	return state, nil
}

// Observe updates the state from one response. Responses without rate limit
// headers that are not 429s leave the state untouched.
func (t *Tracker) Observe(ctx context.Context, status int, headers http.Header) error {
	if t == nil {
		return nil
	}

	limit, hasLimit, err := parseIntHeader(headers, "RateLimit-Limit")
	if err != nil {
		return fmt.Errorf("parse RateLimit-Limit header: %w", err)
	}
	remaining, hasRemaining, err := parseIntHeader(headers, "RateLimit-Remaining")
	if err != nil {
		return fmt.Errorf("parse RateLimit-Remaining header: %w", err)
	}
	reset, hasReset, err := parseIntHeader(headers, "RateLimit-Reset")
	if err != nil {
		return fmt.Errorf("parse RateLimit-Reset header: %w", err)
	}

	throttled := status == http.StatusTooManyRequests
	if !throttled && !hasLimit && !hasRemaining && !hasReset {
		return nil
	}

	now := t.now()
	delay, _ := RetryAfter(headers, DefaultRetryDelay)

	state, err := t.store.Update(ctx, func(state *ThrottleState) {
		state.LastStatus = status
		state.LastUpdate = now
		if hasLimit {
			state.Limit = limit
		}
		if hasRemaining {
			state.Remaining = remaining
		}
		if hasReset {
			state.ResetAt = now.Add(time.Duration(reset) * time.Second)
		}
		if throttled {
			state.Throttles++
			if until := now.Add(delay); until.After(state.ThrottledUntil) {
				state.ThrottledUntil = until
			}
		}
	})
	if err != nil {
		return fmt.Errorf("store throttle state: %w", err)
	}

	if hasRemaining {
		graphRateLimitRemaining.Set(float64(remaining))
	}
	if throttled {
		graphThrottledResponsesTotal.Inc()
	}
	usage := state.UsagePercent()
	graphRateLimitUsage.Set(usage)

	switch {
	case throttled:
		t.logger.Warn().
			Int64("throttles", state.Throttles).
			Time("throttled_until", state.ThrottledUntil).
			Msg("Graph throttled a request")
	case usage >= UsageCriticalPercent:
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Float64("usage_pct", usage).
			Msg("Graph rate limit nearly exhausted")
	case usage >= UsageWarningPercent:
		t.logger.Info().
			Int("remaining", state.Remaining).
			Float64("usage_pct", usage).
			Msg("Graph rate limit under pressure")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Graph rate limit state updated")
	}

	return nil
}

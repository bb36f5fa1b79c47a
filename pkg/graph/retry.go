package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/graph-mail-client/pkg/ratelimit"
)

// Prometheus metrics for retry operations.
var (
	graphRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_retries_total",
		Help: "Total number of resends after a 429 response",
	})

	graphRetryDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_retry_delay_seconds",
		Help:    "Delay waited before resending a throttled request",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	graphRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_retry_exhausted_total",
		Help: "Total number of fetches that ran out of retry budget",
	})
)

// RetryConfig holds the configuration of the throttling loop.
type RetryConfig struct {
	// MaxAttempts is the maximum number of sends (including the initial request).
	MaxAttempts int

	// DefaultDelay is waited when a 429 has no usable Retry-After.
	DefaultDelay time.Duration

	// MaxWait caps the cumulative wait of one fetch (0 = unlimited).
	MaxWait time.Duration

	// OnThrottle is called before every wait.
	OnThrottle func(id string, attempt int, delay time.Duration)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		DefaultDelay: ratelimit.DefaultRetryDelay,
	}
}

func (r RetryConfig) validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", r.MaxAttempts)
	}
	if r.DefaultDelay <= 0 {
		return fmt.Errorf("default_delay must be > 0 (got %s)", r.DefaultDelay)
	}
	if r.MaxWait < 0 {
		return fmt.Errorf("max_wait must be >= 0 (got %s)", r.MaxWait)
	}
	return nil
}

// fetchAttempt is the state of one GetMessage loop.
type fetchAttempt struct {
	id        string
	count     int
	waited    time.Duration
	nextDelay time.Duration
}

// GetMessage fetches the detail of one message. A 429 response is retried
// after the server-requested delay until the retry budget is spent; every
// other failure ends the fetch. Failures are *FetchError.
func (c *Client) GetMessage(ctx context.Context, id string) (*Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &FetchError{ID: id, Class: ErrorClassClient, Message: "empty message id"}
	}

	rawURL := c.baseURL + "/me/messages/" + url.PathEscape(id)
	attempt := &fetchAttempt{id: id}

	for {
		attempt.count++

		resp, err := c.send(ctx, endpointMessage, rawURL)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, attempt.cancelledError(cerr)
			}
			return nil, &FetchError{
				ID:       id,
				Class:    classifyError(err),
				Attempts: attempt.count,
				Message:  "request failed",
				Err:      err,
			}
		}

		switch resp.StatusCode {
		case http.StatusOK:
			msg, err := decodeMessage(resp.Body, id)
			resp.Body.Close()
			if err != nil {
				graphErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
				return nil, &FetchError{
					ID:         id,
					StatusCode: http.StatusOK,
					Class:      ErrorClassParse,
					Attempts:   attempt.count,
					Message:    "decode message",
					Err:        fmt.Errorf("%w: %v", ErrParse, err),
				}
			}
			if attempt.count > 1 {
				c.logger.Info().
					Str("message_id", id).
					Int("attempt", attempt.count).
					Dur("waited", attempt.waited).
					Msg("Request succeeded after retry")
			}
			return msg, nil

		case http.StatusTooManyRequests:
			attempt.nextDelay, _ = ratelimit.RetryAfter(resp.Header, c.retry.DefaultDelay)
			drain(resp)

			if err := c.checkBudget(attempt); err != nil {
				return nil, err
			}

			graphRetriesTotal.Inc()
			graphRetryDelaySeconds.Observe(attempt.nextDelay.Seconds())
			c.logger.Debug().
				Str("message_id", id).
				Int("attempt", attempt.count).
				Dur("delay", attempt.nextDelay).
				Msg("Throttled, retrying after delay")
			if c.retry.OnThrottle != nil {
				c.retry.OnThrottle(id, attempt.count, attempt.nextDelay)
			}

			// Wait with context cancellation support
			select {
			case <-ctx.Done():
				c.logger.Warn().
					Str("message_id", id).
					Int("attempt", attempt.count).
					Msg("Context cancelled during retry delay")
				return nil, attempt.cancelledError(ctx.Err())
			case <-time.After(attempt.nextDelay):
				attempt.waited += attempt.nextDelay
			}

		default:
			serr := c.statusError(endpointMessage, resp)
			resp.Body.Close()
			return nil, &FetchError{
				ID:         id,
				StatusCode: resp.StatusCode,
				Class:      classifyStatus(resp.StatusCode),
				Attempts:   attempt.count,
				Message:    http.StatusText(resp.StatusCode),
				Err:        serr,
			}
		}
	}
}

// checkBudget fails the fetch when another wait is not allowed.
func (c *Client) checkBudget(a *fetchAttempt) error {
	var reason string
	switch {
	case a.count >= c.retry.MaxAttempts:
		reason = fmt.Sprintf("after %d attempts", a.count)
	case c.retry.MaxWait > 0 && a.waited+a.nextDelay > c.retry.MaxWait:
		reason = fmt.Sprintf("waiting %s would exceed max wait %s", a.nextDelay, c.retry.MaxWait)
	default:
		return nil
	}

	graphRetryExhaustedTotal.Inc()
	c.logger.Warn().
		Str("message_id", a.id).
		Int("attempts", a.count).
		Dur("waited", a.waited).
		Msg("Retry attempts exhausted")

	return &FetchError{
		ID:         a.id,
		StatusCode: http.StatusTooManyRequests,
		Class:      ErrorClassRateLimit,
		Attempts:   a.count,
		Message:    "throttled",
		Err:        fmt.Errorf("%w %s", ErrRetryExhausted, reason),
	}
}

func (a *fetchAttempt) cancelledError(cause error) *FetchError {
	return &FetchError{
		ID:       a.id,
		Class:    ErrorClassNetwork,
		Attempts: a.count,
		Message:  "cancelled",
		Err:      fmt.Errorf("%w: %w", ErrContextCancelled, cause),
	}
}

// decodeMessage decodes a detail body. A missing id falls back to the
// requested one.
func decodeMessage(body io.Reader, requestedID string) (*Message, error) {
	var msg Message
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = requestedID
	}
	return &msg, nil
}

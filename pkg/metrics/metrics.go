// Package metrics exposes the Prometheus metrics of the Graph mail client.
// All metrics are defined in their respective packages (graph, fanout,
// ratelimit) and registered with the default registry through promauto.
//
// Request Metrics (pkg/graph):
//   - graph_requests_total{endpoint, status} (Counter): Requests by route template and HTTP status
//   - graph_request_duration_seconds{endpoint} (Histogram): Request duration by route template
//   - graph_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, parse, auth)
//
// Retry Metrics (pkg/graph):
//   - graph_retries_total (Counter): Resends after a 429
//   - graph_retry_delay_seconds (Histogram): Delay waited before a resend
//   - graph_retry_exhausted_total (Counter): Fetches that ran out of retry budget
//
// Throttle Metrics (pkg/ratelimit):
//   - graph_rate_limit_remaining (Gauge): Quota left in the current window, when Graph reports it
//   - graph_rate_limit_usage_percent (Gauge): Share of the window already used
//   - graph_throttled_responses_total (Counter): 429 responses observed
//
// Fan-out Metrics (pkg/fanout):
//   - graph_fanout_results_total{outcome} (Counter): succeeded, failed, not_started
//   - graph_fanout_inflight (Gauge): Fetches in flight
//
// Example Prometheus Queries:
//
//	# Throttle rate
//	rate(graph_throttled_responses_total[5m]) / rate(graph_requests_total[5m])
//
//	# P95 request latency
//	histogram_quantile(0.95, rate(graph_request_duration_seconds_bucket[5m]))
//
//	# Failed fetches
//	increase(graph_fanout_results_total{outcome="failed"}[1h])
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve listens on addr and serves Handler until ctx is done.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	return ServeListener(ctx, ln)
}

// ServeListener serves Handler on ln until ctx is done, then shuts down
// gracefully. It returns nil after a clean shutdown.
func ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

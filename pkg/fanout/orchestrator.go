package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/graph-mail-client/pkg/auth"
	"github.com/Sternrassler/graph-mail-client/pkg/graph"
)

// Prometheus metrics for fan-out runs.
var (
	graphFanoutResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_fanout_results_total",
		Help: "Total per-message fetch outcomes",
	}, []string{"outcome"})

	graphFanoutInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_fanout_inflight",
		Help: "Message fetches currently in flight",
	})
)

const (
	outcomeSucceeded  = "succeeded"
	outcomeFailed     = "failed"
	outcomeNotStarted = "not_started"
)

// ErrNotStarted marks ids that were never requested because the run was
// cancelled or aborted first.
var ErrNotStarted = errors.New("fetch not started")

// Fetcher fetches the detail of one message. *graph.Client implements it.
type Fetcher interface {
	GetMessage(ctx context.Context, id string) (*graph.Message, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id string) (*graph.Message, error)

// GetMessage calls f.
func (f FetcherFunc) GetMessage(ctx context.Context, id string) (*graph.Message, error) {
	return f(ctx, id)
}

// Observer is notified about every task. Calls arrive concurrently.
type Observer interface {
	// Started is called right before the request for id is issued.
	Started(id string)

	// Finished is called once per id with its outcome.
	Finished(result Result)
}

// ObserverFuncs builds an Observer from optional functions.
type ObserverFuncs struct {
	OnStarted  func(id string)
	OnFinished func(result Result)
}

// Started implements Observer.
func (o ObserverFuncs) Started(id string) {
	if o.OnStarted != nil {
		o.OnStarted(id)
	}
}

// Finished implements Observer.
func (o ObserverFuncs) Finished(result Result) {
	if o.OnFinished != nil {
		o.OnFinished(result)
	}
}

// Config holds orchestrator configuration.
type Config struct {
	// MaxConcurrency bounds parallel fetches (0 = one task per id at once).
	MaxConcurrency int

	// Timeout per message fetch, retries included (0 = none).
	Timeout time.Duration

	// Observer receives task events (optional).
	Observer Observer
}

// DefaultConfig returns an unbounded configuration without timeout.
func DefaultConfig() Config {
	return Config{}
}

// Result is the outcome of one id.
type Result struct {
	ID       string
	Message  *graph.Message
	Err      error
	Duration time.Duration
}

// OK reports whether the fetch succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Report aggregates one run.
type Report struct {
	// Results holds one entry per input id, in input order.
	Results   []Result
	Succeeded int
	Failed    int
	Duration  time.Duration

	// Cause is why the run stopped early, nil when it ran to completion.
	Cause error
}

// Err joins every failure, each prefixed with its id. It is nil when all
// fetches succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", res.ID, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Messages returns the fetched messages in input order.
func (r *Report) Messages() []*graph.Message {
	msgs := make([]*graph.Message, 0, r.Succeeded)
	for _, res := range r.Results {
		if res.Err == nil {
			msgs = append(msgs, res.Message)
		}
	}
	return msgs
}

// Orchestrator runs message fetches concurrently.
type Orchestrator struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates an orchestrator.
func New(fetcher Fetcher, config Config) (*Orchestrator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if config.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max_concurrency must be >= 0 (got %d)", config.MaxConcurrency)
	}
	if config.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", config.Timeout)
	}
	if config.Observer == nil {
		config.Observer = ObserverFuncs{}
	}

	return &Orchestrator{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "fanout").Logger(),
	}, nil
}

// FetchAll fetches every id and returns when all tasks have finished. It never
// fails as a whole; failures are reported per id.
func (o *Orchestrator) FetchAll(ctx context.Context, ids []string) *Report {
	start := time.Now()

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	o.logger.Info().
		Int("messages", len(ids)).
		Int("max_concurrency", o.config.MaxConcurrency).
		Msg("Starting concurrent message fetch")

	results := make([]Result, len(ids))

	var g errgroup.Group
	if o.config.MaxConcurrency > 0 {
		g.SetLimit(o.config.MaxConcurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			results[i] = o.fetchOne(ctx, abort, id)
			return nil
		})
	}
	g.Wait()

	report := &Report{Results: results, Duration: time.Since(start)}
	for _, res := range results {
		if res.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	if ctx.Err() != nil {
		report.Cause = context.Cause(ctx)
	}

	event := o.logger.Info()
	if report.Cause != nil {
		event = o.logger.Warn().AnErr("cause", report.Cause)
	}
	event.
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Fetch complete")

	return report
}

// fetchOne runs the task of one id.
func (o *Orchestrator) fetchOne(ctx context.Context, abort context.CancelCauseFunc, id string) Result {
	if ctx.Err() != nil {
		res := Result{ID: id, Err: fmt.Errorf("%w: %w", ErrNotStarted, context.Cause(ctx))}
		graphFanoutResultsTotal.WithLabelValues(outcomeNotStarted).Inc()
		o.config.Observer.Finished(res)
		return res
	}

	o.config.Observer.Started(id)
	graphFanoutInflight.Inc()
	start := time.Now()

	taskCtx := ctx
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	msg, err := o.fetcher.GetMessage(taskCtx, id)
	graphFanoutInflight.Dec()

	res := Result{ID: id, Message: msg, Err: err, Duration: time.Since(start)}
	if err != nil {
		graphFanoutResultsTotal.WithLabelValues(outcomeFailed).Inc()
		o.logger.Warn().
			Err(err).
			Str("message_id", id).
			Dur("duration", res.Duration).
			Msg("Message fetch failed")

		if errors.Is(err, auth.ErrAuth) {
			o.logger.Error().Str("message_id", id).Msg("Authentication failed, aborting remaining fetches")
			abort(fmt.Errorf("message %s: %w", id, err))
		}
	} else {
		graphFanoutResultsTotal.WithLabelValues(outcomeSucceeded).Inc()
	}

	o.config.Observer.Finished(res)
	return res
}

// Command graph-mail signs in to Microsoft Graph, lists the signed-in user's
// messages and fetches every message concurrently while honoring throttling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"

	"github.com/Sternrassler/graph-mail-client/pkg/auth"
	"github.com/Sternrassler/graph-mail-client/pkg/config"
	"github.com/Sternrassler/graph-mail-client/pkg/fanout"
	"github.com/Sternrassler/graph-mail-client/pkg/graph"
	"github.com/Sternrassler/graph-mail-client/pkg/logging"
	"github.com/Sternrassler/graph-mail-client/pkg/metrics"
	"github.com/Sternrassler/graph-mail-client/pkg/ratelimit"
)

// throttleStateTTL bounds how long shared throttle state outlives a run.
const throttleStateTTL = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{
		stdout:         os.Stdout,
		stderr:         os.Stderr,
		newCredentials: deviceCodeCredentials,
	}

	err := app.run(ctx, os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, pflag.ErrHelp):
	case errors.Is(err, config.ErrConfig):
		fmt.Fprintf(os.Stderr, "graph-mail: %v\n", err)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "graph-mail: %v\n", err)
		os.Exit(1)
	}
}

// app wires the components of one run. Status lines go to stdout, logs to
// stderr.
type app struct {
	stdout io.Writer
	stderr io.Writer

	newCredentials func(settings *config.Settings, out io.Writer) (auth.Provider, error)
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("graph-mail", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath, _ := fs.GetString("config")
	settings, err := config.Load(configPath, fs)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(settings.Log.Level),
		Pretty: settings.Log.Pretty,
		Output: a.stderr,
		RunID:  runID,
	})
	logger := logging.NewLogger("graph-mail")

	if settings.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, settings.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	tracker, closeStore, err := newTracker(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()

	if state, err := tracker.GetState(ctx); err == nil {
		warnIfThrottled(logger, state, time.Now())
	}

	credentials, err := a.newCredentials(settings, a.stdout)
	if err != nil {
		return err
	}

	out := &console{w: a.stdout}

	clientCfg := graph.DefaultConfig(credentials)
	clientCfg.BaseURL = settings.GraphBaseURL
	clientCfg.Scopes = settings.Scopes
	clientCfg.Timeout = settings.RequestTimeout
	clientCfg.RateLimit = settings.RateLimit
	clientCfg.Tracker = tracker
	clientCfg.Retry = graph.RetryConfig{
		MaxAttempts:  settings.MaxAttempts,
		DefaultDelay: settings.DefaultRetryDelay,
		MaxWait:      settings.MaxRetryWait,
		OnThrottle:   out.throttled,
	}

	client, err := graph.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create graph client: %w", err)
	}

	start := time.Now()

	user, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	out.printf("Hello, %s!\n", user.DisplayName)

	ids, err := client.ListMessageIDs(ctx, settings.PageSize)
	if err != nil {
		return err
	}
	out.printf("Found %d messages\n", len(ids))

	orch, err := fanout.New(client, fanout.Config{
		MaxConcurrency: settings.MaxConcurrency,
		Observer:       out,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	report := orch.FetchAll(ctx, ids)

	out.printf("Fetched %d of %d messages in %s\n",
		report.Succeeded, len(report.Results), time.Since(start).Round(time.Millisecond))

	if state, err := client.ThrottleState(ctx); err == nil {
		logThrottleSummary(logger, state, time.Now())
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d messages failed: %w", report.Failed, len(report.Results), report.Err())
	}
	return nil
}

// newTracker builds the throttle tracker, shared through Redis when a URL is
// configured.
func newTracker(ctx context.Context, settings *config.Settings) (*ratelimit.Tracker, func(), error) {
	logger := logging.NewLogger("ratelimit")
	if settings.RedisURL == "" {
		return ratelimit.NewTracker(ratelimit.NewMemoryStore(), logger), func() {}, nil
	}

	opts, err := redis.ParseURL(settings.RedisURL)
	if err != nil {
		return nil, nil, &config.ConfigError{Fields: []string{"redisUrl (redis_url)"}, Err: err}
	}
	redisClient := redis.NewClient(opts)

	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

	store := ratelimit.NewRedisStore(redisClient, throttleStateTTL)
	return ratelimit.NewTracker(store, logger), func() { redisClient.Close() }, nil
}

// warnIfThrottled reports a throttle window recorded by an earlier run that
// shares the store and has not ended yet.
func warnIfThrottled(logger zerolog.Logger, state *ratelimit.ThrottleState, now time.Time) {
	if state.IsStale(throttleStateTTL) || !state.IsThrottled(now) {
		return
	}
	logger.Warn().
		Time("throttled_until", state.ThrottledUntil).
		Dur("remaining", state.ThrottledUntil.Sub(now)).
		Msg("Graph throttled this client recently, expect retries")
}

// logThrottleSummary logs how the run was throttled, if at all.
func logThrottleSummary(logger zerolog.Logger, state *ratelimit.ThrottleState, now time.Time) {
	if state.Throttles == 0 {
		return
	}
	event := logger.Info().
		Int64("throttles", state.Throttles).
		Bool("still_throttled", state.IsThrottled(now)).
		Time("throttled_until", state.ThrottledUntil)
	if !state.ResetAt.IsZero() {
		event = event.Dur("until_reset", state.TimeUntilReset())
	}
	event.Msg("Run was throttled")
}

// deviceCodeCredentials signs in through the device code flow.
func deviceCodeCredentials(settings *config.Settings, out io.Writer) (auth.Provider, error) {
	provider, err := auth.NewDeviceCodeProvider(auth.DeviceCodeConfig{
		ClientID:     settings.ApplicationID,
		TenantID:     settings.TenantID,
		AuthorityURL: settings.AuthorityURL,
		Prompt: func(da *oauth2.DeviceAuthResponse) {
			fmt.Fprintf(out, "To sign in, open %s and enter the code %s\n", da.VerificationURI, da.UserCode)
		},
	})
	if err != nil {
		return nil, &config.ConfigError{Err: err}
	}
	return provider, nil
}

// console prints the human readable status lines. Fetch tasks report
// concurrently, so writes are serialized.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// Started implements fanout.Observer.
func (c *console) Started(id string) {
	c.printf("retrieving message %s\n", id)
}

// Finished implements fanout.Observer.
func (c *console) Finished(r fanout.Result) {
	if r.Err != nil {
		c.printf("message %s failed: %v\n", r.ID, r.Err)
		return
	}
	c.printf("message %s: %s\n", r.ID, r.Message.Subject)
}

func (c *console) throttled(id string, attempt int, delay time.Duration) {
	c.printf("message %s throttled, retrying in %s (attempt %d)\n", id, delay, attempt)
}

// Package graph provides the Microsoft Graph mail client: the message lister
// and the retrying detail fetcher.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/graph-mail-client/pkg/auth"
	"github.com/Sternrassler/graph-mail-client/pkg/ratelimit"
	"github.com/Sternrassler/graph-mail-client/pkg/transport"
)

// Prometheus metrics for Graph client operations.
var (
	graphRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_requests_total",
		Help: "Total Graph requests by endpoint and status",
	}, []string{"endpoint", "status"})

	graphRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_request_duration_seconds",
		Help:    "Graph request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	graphErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_errors_total",
		Help: "Total Graph errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// DefaultPageSize is the $top used by ListMessageIDs.
	DefaultPageSize = 100

	// Endpoint labels, used for metrics and logs.
	endpointMe       = "/me"
	endpointMessages = "/me/messages"
	endpointMessage  = "/me/messages/{id}"

	maxErrorBody = 64 << 10
)

// DefaultScopes are the delegated permissions the client needs.
var DefaultScopes = []string{"User.Read", "Mail.Read"}

// Client talks to the Graph mail endpoints of the signed-in user.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tracker    *ratelimit.Tracker
	retry      RetryConfig
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the Graph API, without trailing slash.
	BaseURL string

	// Credentials supplies bearer tokens (REQUIRED).
	Credentials auth.Provider

	// Scopes requested for every call.
	Scopes []string

	// Base is the underlying transport; nil uses http.DefaultTransport.
	Base http.RoundTripper

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// RateLimit paces outgoing requests (requests per second, 0 disables).
	RateLimit float64
	RateBurst int

	// Retry controls the throttling loop of GetMessage.
	Retry RetryConfig

	// Tracker records throttle signals; nil uses an in-memory tracker.
	Tracker *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(credentials auth.Provider) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Credentials: credentials,
		Scopes:      DefaultScopes,
		Timeout:     30 * time.Second,
		RateBurst:   1,
		Retry:       DefaultRetryConfig(),
	}
}

// New creates a new Graph client.
func New(cfg Config) (*Client, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credentials provider is required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %v)", cfg.RateLimit)
	}

	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	// Initialize logger
	logger := log.With().Str("component", "graph-client").Logger()

	tracker := cfg.Tracker
	if tracker == nil {
		tracker = ratelimit.NewTracker(nil, logger)
	}

	// Pacing wraps authentication so that a waiting request holds no token yet.
	bearer := transport.NewBearerTransport(cfg.Base, cfg.Credentials, cfg.Scopes)
	bearer.Host = u.Host
	rt := transport.NewPacedTransport(bearer, cfg.RateLimit, cfg.RateBurst)

	return &Client{
		httpClient: &http.Client{
			Transport: rt,
			Timeout:   cfg.Timeout,
		},
		baseURL: base,
		tracker: tracker,
		retry:   cfg.Retry,
		logger:  logger,
	}, nil
}

// Me returns the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	resp, err := c.send(ctx, endpointMe, c.baseURL+endpointMe)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(endpointMe, resp)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		graphErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		return nil, fmt.Errorf("%w: profile: %v", ErrParse, err)
	}
	return &user, nil
}

// ListMessageIDs returns the ids of the first page of the user's messages.
// It issues exactly one request. An empty or malformed body yields an empty
// slice; items without an id are skipped.
func (c *Client) ListMessageIDs(ctx context.Context, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	values, err := query.Values(listQuery{Select: "id", Top: pageSize})
	if err != nil {
		return nil, fmt.Errorf("encode list query: %w", err)
	}

	resp, err := c.send(ctx, endpointMessages, c.baseURL+endpointMessages+"?"+encodeQuery(values))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(endpointMessages, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list messages: read body: %w", err)
	}

	ids := []string{}
	if len(strings.TrimSpace(string(body))) == 0 {
		c.logger.Warn().Str("endpoint", endpointMessages).Msg("Empty message list body")
		return ids, nil
	}

	var page listPage
	if err := json.Unmarshal(body, &page); err != nil {
		graphErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpointMessages).Msg("Malformed message list body")
		return ids, nil
	}

	for _, item := range page.Value {
		if item.ID == "" {
			continue
		}
		ids = append(ids, item.ID)
	}

	c.logger.Debug().
		Int("count", len(ids)).
		Bool("more", page.NextLink != "").
		Msg("Listed messages")

	return ids, nil
}

// ThrottleState returns the throttle state seen so far.
func (c *Client) ThrottleState(ctx context.Context) (*ratelimit.ThrottleState, error) {
	return c.tracker.GetState(ctx)
}

// send performs one GET and records metrics and throttle signals. A non-nil
// response is returned for every status; the caller closes its body.
func (c *Client) send(ctx context.Context, endpoint, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	defer func() {
		graphRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		class := classifyError(err)
		graphErrorsTotal.WithLabelValues(string(class)).Inc()
		graphRequestsTotal.WithLabelValues(endpoint, string(class)+"_error").Inc()
		c.logger.Error().
			Err(err).
			Str("endpoint", endpoint).
			Str("error_class", string(class)).
			Msg("HTTP request failed")
		return nil, err
	}

	graphRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if class := classifyStatus(resp.StatusCode); class != "" {
		graphErrorsTotal.WithLabelValues(string(class)).Inc()
	}

	if err := c.tracker.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update throttle state from headers")
	}

	return resp, nil
}

// statusError builds a *StatusError from a failing response and drains it.
func (c *Client) statusError(endpoint string, resp *http.Response) *StatusError {
	serr := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		serr.Code = eb.Error.Code
		serr.Message = eb.Error.Message
	}

	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Str("code", serr.Code).
		Str("error_class", string(classifyStatus(resp.StatusCode))).
		Msg("Graph request error")

	return serr
}

// encodeQuery encodes values sorted by key like url.Values.Encode, but keeps
// the "$" of OData system query options literal: $select=id&$top=100.
func encodeQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		name := url.QueryEscape(k)
		if rest, ok := strings.CutPrefix(k, "$"); ok {
			name = "$" + url.QueryEscape(rest)
		}
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// drain discards the rest of a body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

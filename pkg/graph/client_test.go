package graph

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/graph-mail-client/internal/testutil"
	"github.com/Sternrassler/graph-mail-client/pkg/auth"
	"github.com/Sternrassler/graph-mail-client/pkg/ratelimit"
)

// newTestClient creates a client against mock with a static token.
func newTestClient(t *testing.T, mock *testutil.MockGraph, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(auth.NewStaticProvider("test-token", time.Now().Add(time.Hour)))
	cfg.BaseURL = mock.URL()
	cfg.Base = mock.Client().Transport
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func TestNew_Validation(t *testing.T) {
	provider := auth.NewStaticProvider("tok", time.Time{})

	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:     "nil credentials",
			mutate:   func(c *Config) { c.Credentials = nil },
			errorMsg: "credentials provider is required",
		},
		{
			name:     "relative base url",
			mutate:   func(c *Config) { c.BaseURL = "/v1.0" },
			errorMsg: `invalid base url "/v1.0"`,
		},
		{
			name:     "unsupported scheme",
			mutate:   func(c *Config) { c.BaseURL = "ftp://graph.example" },
			errorMsg: `invalid base url "ftp://graph.example"`,
		},
		{
			name:     "zero attempts",
			mutate:   func(c *Config) { c.Retry.MaxAttempts = 0 },
			errorMsg: "max_attempts must be >= 1 (got 0)",
		},
		{
			name:     "zero default delay",
			mutate:   func(c *Config) { c.Retry.DefaultDelay = 0 },
			errorMsg: "default_delay must be > 0 (got 0s)",
		},
		{
			name:     "negative max wait",
			mutate:   func(c *Config) { c.Retry.MaxWait = -time.Second },
			errorMsg: "max_wait must be >= 0 (got -1s)",
		},
		{
			name:     "negative rate limit",
			mutate:   func(c *Config) { c.RateLimit = -1 },
			errorMsg: "rate_limit must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(provider)
			tt.mutate(&cfg)

			client, err := New(cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if client == nil {
					t.Error("Expected client but got nil")
				}
				return
			}
			if err == nil {
				t.Fatal("Expected error but got nil")
			}
			if err.Error() != tt.errorMsg {
				t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
			}
		})
	}
}

func TestClient_Me(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetProfile("Ada Lovelace")

	client := newTestClient(t, mock, nil)

	user, err := client.Me(context.Background())
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	if user.DisplayName != "Ada Lovelace" {
		t.Errorf("DisplayName = %q, want %q", user.DisplayName, "Ada Lovelace")
	}
	if got := mock.GetLastAuthorization(); got != "Bearer test-token" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer test-token")
	}
}

func TestClient_Me_Unauthorized(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetResponse("/me", testutil.NewErrorResponse(http.StatusUnauthorized, "InvalidAuthenticationToken"))

	client := newTestClient(t, mock, nil)

	_, err := client.Me(context.Background())
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("Me() error = %v, want *StatusError", err)
	}
	if serr.StatusCode != http.StatusUnauthorized || serr.Code != "InvalidAuthenticationToken" {
		t.Errorf("StatusError = %+v", serr)
	}
}

func TestClient_ListMessageIDs(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetMessages("a", "b", "c")

	client := newTestClient(t, mock, nil)

	ids, err := client.ListMessageIDs(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListMessageIDs() error = %v", err)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("ids = %v, want [a b c]", ids)
	}

	q := mock.GetLastQuery()
	if q["$select"] != "id" {
		t.Errorf("$select = %q, want id", q["$select"])
	}
	if q["$top"] != "100" {
		t.Errorf("$top = %q, want 100", q["$top"])
	}
	if raw := mock.GetLastRawQuery(); raw != "$select=id&$top=100" {
		t.Errorf("raw query = %q, want $select=id&$top=100", raw)
	}
	if mock.GetPathCount("/me/messages") != 1 {
		t.Errorf("list requests = %d, want 1", mock.GetPathCount("/me/messages"))
	}
}

func TestClient_ListMessageIDs_Bodies(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{name: "empty body", body: "", want: []string{}},
		{name: "malformed body", body: "{not json", want: []string{}},
		{name: "no value", body: `{}`, want: []string{}},
		{name: "empty collection", body: `{"value":[]}`, want: []string{}},
		{name: "skips empty ids", body: `{"value":[{"id":"x"},{"id":""},{}]}`, want: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGraph()
			defer mock.Close()
			mock.SetResponse("/me/messages", testutil.NewJSONResponse(tt.body))

			client := newTestClient(t, mock, nil)

			ids, err := client.ListMessageIDs(context.Background(), 10)
			if err != nil {
				t.Fatalf("ListMessageIDs() error = %v", err)
			}
			if ids == nil {
				t.Fatal("ids must not be nil")
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestClient_ListMessageIDs_Errors(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		mock := testutil.NewMockGraph()
		defer mock.Close()
		mock.SetResponse("/me/messages", testutil.NewErrorResponse(http.StatusForbidden, "ErrorAccessDenied"))

		client := newTestClient(t, mock, nil)

		_, err := client.ListMessageIDs(context.Background(), 10)
		if !errors.Is(err, ErrStatus) {
			t.Fatalf("error = %v, want ErrStatus", err)
		}
		if mock.GetPathCount("/me/messages") != 1 {
			t.Errorf("list must not be retried")
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		mock := testutil.NewMockGraph()
		client := newTestClient(t, mock, nil)
		mock.Close()

		_, err := client.ListMessageIDs(context.Background(), 10)
		if err == nil {
			t.Fatal("expected error for closed server")
		}
		if errors.Is(err, ErrStatus) {
			t.Errorf("transport failure must not be a status error: %v", err)
		}
	})
}

func TestClient_ThrottleState(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetSequence(testutil.MessagePath("m1"),
		testutil.NewThrottledResponse(""),
		testutil.NewMessageResponse("m1", "Hello"),
	)

	tracker := ratelimit.NewTracker(ratelimit.NewMemoryStore(), zerolog.Nop())
	client := newTestClient(t, mock, func(c *Config) {
		c.Tracker = tracker
		c.Retry.DefaultDelay = 10 * time.Millisecond
	})

	if _, err := client.GetMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}

	state, err := client.ThrottleState(context.Background())
	if err != nil {
		t.Fatalf("ThrottleState() error = %v", err)
	}
	if state.Throttles != 1 {
		t.Errorf("Throttles = %d, want 1", state.Throttles)
	}
	// The success carried no rate limit headers, so the 429 stays the last
	// recorded status.
	if state.LastStatus != http.StatusTooManyRequests {
		t.Errorf("LastStatus = %d, want 429", state.LastStatus)
	}
}

func TestClient_Metrics(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetSequence(testutil.MessagePath("metric-1"),
		testutil.NewThrottledResponse(""),
		testutil.NewMessageResponse("metric-1", "Hello"),
	)

	client := newTestClient(t, mock, func(c *Config) {
		c.Retry.DefaultDelay = 10 * time.Millisecond
	})

	okBefore := promtest.ToFloat64(graphRequestsTotal.WithLabelValues(endpointMessage, "200"))
	throttledBefore := promtest.ToFloat64(graphRequestsTotal.WithLabelValues(endpointMessage, "429"))
	retriesBefore := promtest.ToFloat64(graphRetriesTotal)
	rateLimitBefore := promtest.ToFloat64(graphErrorsTotal.WithLabelValues(string(ErrorClassRateLimit)))

	if _, err := client.GetMessage(context.Background(), "metric-1"); err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}

	if got := promtest.ToFloat64(graphRequestsTotal.WithLabelValues(endpointMessage, "200")) - okBefore; got != 1 {
		t.Errorf("200 requests delta = %v, want 1", got)
	}
	if got := promtest.ToFloat64(graphRequestsTotal.WithLabelValues(endpointMessage, "429")) - throttledBefore; got != 1 {
		t.Errorf("429 requests delta = %v, want 1", got)
	}
	if got := promtest.ToFloat64(graphRetriesTotal) - retriesBefore; got != 1 {
		t.Errorf("retries delta = %v, want 1", got)
	}
	if got := promtest.ToFloat64(graphErrorsTotal.WithLabelValues(string(ErrorClassRateLimit))) - rateLimitBefore; got != 1 {
		t.Errorf("rate_limit errors delta = %v, want 1", got)
	}
}

func TestEncodeQuery(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
		want   string
	}{
		{
			name:   "odata options keep dollar",
			values: url.Values{"$top": {"5"}, "$select": {"id,subject"}},
			want:   "$select=id%2Csubject&$top=5",
		},
		{
			name:   "plain keys are escaped",
			values: url.Values{"a b": {"c&d"}},
			want:   "a+b=c%26d",
		},
		{
			name:   "empty",
			values: url.Values{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encodeQuery(tt.values); got != tt.want {
				t.Errorf("encodeQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

// invalidatingProvider counts Invalidate calls on top of a static token.
type invalidatingProvider struct {
	*auth.StaticProvider
	invalidations atomic.Int32
}

func (p *invalidatingProvider) Invalidate() {
	p.invalidations.Add(1)
}

func TestClient_UnauthorizedInvalidatesCredentials(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetResponse("/me", testutil.NewErrorResponse(http.StatusUnauthorized, "InvalidAuthenticationToken"))
	mock.SetMessages("a")

	provider := &invalidatingProvider{StaticProvider: auth.NewStaticProvider("revoked", time.Now().Add(time.Hour))}
	client := newTestClient(t, mock, func(c *Config) { c.Credentials = provider })

	if _, err := client.Me(context.Background()); !errors.Is(err, ErrStatus) {
		t.Fatalf("Me() error = %v, want ErrStatus", err)
	}
	if n := provider.invalidations.Load(); n != 1 {
		t.Errorf("invalidations = %d, want 1 after a 401", n)
	}

	if _, err := client.GetMessage(context.Background(), "a"); err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if n := provider.invalidations.Load(); n != 1 {
		t.Errorf("invalidations = %d, want 1 after a 200", n)
	}
}

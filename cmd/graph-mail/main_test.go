package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/graph-mail-client/internal/testutil"
	"github.com/Sternrassler/graph-mail-client/pkg/auth"
	"github.com/Sternrassler/graph-mail-client/pkg/config"
	"github.com/Sternrassler/graph-mail-client/pkg/fanout"
	"github.com/Sternrassler/graph-mail-client/pkg/graph"
	"github.com/Sternrassler/graph-mail-client/pkg/ratelimit"
)

// testApp returns an app that hands out provider and counts the calls.
func testApp(provider auth.Provider) (*app, *bytes.Buffer, *atomic.Int32) {
	stdout := &bytes.Buffer{}
	calls := &atomic.Int32{}
	return &app{
		stdout: stdout,
		stderr: io.Discard,
		newCredentials: func(*config.Settings, io.Writer) (auth.Provider, error) {
			calls.Add(1)
			return provider, nil
		},
	}, stdout, calls
}

func validToken() auth.Provider {
	return auth.NewStaticProvider("test-token", time.Now().Add(time.Hour))
}

func baseArgs(mock *testutil.MockGraph) []string {
	return []string{
		"--application-id=app-1",
		"--tenant-id=tenant-1",
		"--graph-base-url=" + mock.URL(),
		"--default-retry-delay=20ms",
		"--log-level=error",
	}
}

func TestRun_MissingSettings(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetProfile("Ada")

	a, _, calls := testApp(validToken())

	err := a.run(context.Background(), []string{"--graph-base-url=" + mock.URL()})
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("run() error = %v, want ErrConfig", err)
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.GetRequestCount())
	}
	if calls.Load() != 0 {
		t.Errorf("credential provider created %d times, want 0", calls.Load())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	a, _, _ := testApp(validToken())
	if err := a.run(context.Background(), []string{"--no-such-flag"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetProfile("Ada Lovelace")
	mock.SetMessages("a", "b", "c")
	mock.SetSequence(testutil.MessagePath("b"),
		testutil.NewThrottledResponse(""),
		testutil.NewMessageResponse("b", "Subject b"),
	)

	a, stdout, _ := testApp(validToken())

	if err := a.run(context.Background(), baseArgs(mock)); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	out := stdout.String()
	for _, want := range []string{
		"Hello, Ada Lovelace!",
		"Found 3 messages",
		"retrieving message a",
		"retrieving message b",
		"retrieving message c",
		"message a: Subject a",
		"message b: Subject b",
		"message c: Subject c",
		"message b throttled, retrying in 20ms (attempt 1)",
		"Fetched 3 of 3 messages in",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := mock.GetLastAuthorization(); got != "Bearer test-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestRun_PartialFailure(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetProfile("Ada")
	mock.SetMessages("a", "gone")
	mock.SetResponse(testutil.MessagePath("gone"), testutil.NewErrorResponse(http.StatusNotFound, "ErrorItemNotFound"))

	a, stdout, _ := testApp(validToken())

	err := a.run(context.Background(), baseArgs(mock))
	if err == nil {
		t.Fatal("run() should fail when a message fails")
	}
	if errors.Is(err, config.ErrConfig) {
		t.Errorf("error = %v, must not be a config error", err)
	}
	if !strings.Contains(err.Error(), "1 of 2 messages failed") || !strings.Contains(err.Error(), "message gone") {
		t.Errorf("error = %q", err.Error())
	}

	out := stdout.String()
	if !strings.Contains(out, "message a: Subject a") {
		t.Errorf("successful sibling missing from output:\n%s", out)
	}
	if !strings.Contains(out, "message gone failed") {
		t.Errorf("failure missing from output:\n%s", out)
	}
}

func TestRun_ListFailureAborts(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetProfile("Ada")
	mock.SetResponse("/me/messages", testutil.NewErrorResponse(http.StatusInternalServerError, "InternalServerError"))

	a, stdout, _ := testApp(validToken())

	err := a.run(context.Background(), baseArgs(mock))
	if !errors.Is(err, graph.ErrStatus) {
		t.Fatalf("run() error = %v, want ErrStatus", err)
	}
	if strings.Contains(stdout.String(), "retrieving message") {
		t.Errorf("no detail fetch may start after a list failure:\n%s", stdout.String())
	}
}

func TestRun_AuthFailure(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetProfile("Ada")
	mock.SetMessages("a")

	a, _, _ := testApp(auth.NewStaticProvider("expired", time.Now().Add(-time.Minute)))

	err := a.run(context.Background(), baseArgs(mock))
	if !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("run() error = %v, want ErrAuth", err)
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.GetRequestCount())
	}
}

func TestRun_InvalidRedisURL(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	a, _, _ := testApp(validToken())

	err := a.run(context.Background(), append(baseArgs(mock), "--redis-url=http://not-redis"))
	if !errors.Is(err, config.ErrConfig) {
		t.Errorf("run() error = %v, want ErrConfig", err)
	}
}

func TestConsole_Finished(t *testing.T) {
	buf := &bytes.Buffer{}
	c := &console{w: buf}

	c.Started("x")
	c.Finished(fanout.Result{ID: "x", Message: &graph.Message{ID: "x", Subject: "Hi"}})
	c.Finished(fanout.Result{ID: "y", Err: errors.New("boom")})

	want := "retrieving message x\nmessage x: Hi\nmessage y failed: boom\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

// debugLevel lowers the global zerolog level for one test.
func debugLevel(t *testing.T) {
	t.Helper()
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

func TestWarnIfThrottled(t *testing.T) {
	debugLevel(t)
	now := time.Now()

	tests := []struct {
		name  string
		state ratelimit.ThrottleState
		want  bool
	}{
		{
			name:  "inside recent window",
			state: ratelimit.ThrottleState{ThrottledUntil: now.Add(10 * time.Second), LastUpdate: now.Add(-time.Second)},
			want:  true,
		},
		{
			name:  "window over",
			state: ratelimit.ThrottleState{ThrottledUntil: now.Add(-time.Second), LastUpdate: now.Add(-5 * time.Second)},
		},
		{
			name:  "stale state",
			state: ratelimit.ThrottleState{ThrottledUntil: now.Add(10 * time.Second), LastUpdate: now.Add(-2 * throttleStateTTL)},
		},
		{
			name:  "never throttled",
			state: ratelimit.ThrottleState{Remaining: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			warnIfThrottled(zerolog.New(buf), &tt.state, now)
			if got := strings.Contains(buf.String(), "throttled this client recently"); got != tt.want {
				t.Errorf("warned = %v, want %v (log %q)", got, tt.want, buf.String())
			}
		})
	}
}

func TestLogThrottleSummary(t *testing.T) {
	debugLevel(t)
	now := time.Now()

	buf := &bytes.Buffer{}
	logThrottleSummary(zerolog.New(buf), &ratelimit.ThrottleState{Remaining: -1}, now)
	if buf.Len() != 0 {
		t.Errorf("unthrottled run logged %q", buf.String())
	}

	buf.Reset()
	logThrottleSummary(zerolog.New(buf), &ratelimit.ThrottleState{
		Throttles:      2,
		ThrottledUntil: now.Add(5 * time.Second),
		ResetAt:        now.Add(time.Minute),
	}, now)
	out := buf.String()
	for _, want := range []string{`"throttles":2`, `"still_throttled":true`, `"until_reset":`, "Run was throttled"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %s: %s", want, out)
		}
	}
}

func TestRun_ThrottleSummaryLogged(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetProfile("Ada")
	mock.SetMessages("a")
	mock.SetSequence(testutil.MessagePath("a"),
		testutil.NewThrottledResponse("1"),
		testutil.NewMessageResponse("a", "Subject a"),
	)

	a, _, _ := testApp(validToken())
	stderr := &bytes.Buffer{}
	a.stderr = stderr

	args := append(baseArgs(mock), "--log-level=info", "--log-pretty=false")
	if err := a.run(context.Background(), args); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(stderr.String(), `"throttles":1`) {
		t.Errorf("throttle summary missing from logs:\n%s", stderr.String())
	}
}

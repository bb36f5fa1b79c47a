// Package testutil provides testing utilities for the Graph mail client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock Graph response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGraph is a configurable mock Graph server for testing.
//
// Responses are registered per path. A path registered with SetSequence
// answers with the next response on every request and repeats the last one
// once the sequence is used up.
type MockGraph struct {
	server *httptest.Server

	mu        sync.RWMutex
	sequences map[string][]MockResponse
	served    map[string]int
	requests  map[string][]time.Time

	// Tracking
	RequestCount      int
	LastAuthorization string
	LastQuery         map[string]string
	LastRawQuery      string
}

// NewMockGraph creates a new mock Graph server.
func NewMockGraph() *MockGraph {
	mock := &MockGraph{
		sequences: make(map[string][]MockResponse),
		served:    make(map[string]int),
		requests:  make(map[string][]time.Time),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockGraph) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastAuthorization = r.Header.Get("Authorization")
	m.LastRawQuery = r.URL.RawQuery
	m.LastQuery = make(map[string]string)
	for k, v := range r.URL.Query() {
		m.LastQuery[k] = strings.Join(v, ",")
	}
	m.requests[r.URL.Path] = append(m.requests[r.URL.Path], time.Now())

	seq, exists := m.sequences[r.URL.Path]
	var resp MockResponse
	if exists && len(seq) > 0 {
		i := m.served[r.URL.Path]
		if i >= len(seq) {
			i = len(seq) - 1
		}
		resp = seq[i]
		m.served[r.URL.Path]++
	}
	m.mu.Unlock()

	if !exists {
		writeResponse(w, NewErrorResponse(http.StatusNotFound, "ResourceNotFound"))
		return
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL, usable as the Graph base URL.
func (m *MockGraph) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockGraph) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockGraph) Close() {
	m.server.Close()
}

// SetResponse configures a single response for a path.
func (m *MockGraph) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence configures successive responses for a path.
func (m *MockGraph) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = responses
	delete(m.served, path)
}

// SetProfile configures the /me endpoint.
func (m *MockGraph) SetProfile(displayName string) {
	body, _ := json.Marshal(map[string]string{
		"id":                "user-1",
		"displayName":       displayName,
		"userPrincipalName": "user@example.com",
	})
	m.SetResponse("/me", NewJSONResponse(string(body)))
}

// SetMessages configures the list endpoint with ids and a detail endpoint per
// id whose subject is "Subject <id>".
func (m *MockGraph) SetMessages(ids ...string) {
	m.SetResponse("/me/messages", NewListResponse(ids...))
	for _, id := range ids {
		m.SetResponse(MessagePath(id), NewMessageResponse(id, "Subject "+id))
	}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGraph) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockGraph) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests[path])
}

// GetRequestTimes returns the arrival times of requests to path.
func (m *MockGraph) GetRequestTimes(path string) []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Time(nil), m.requests[path]...)
}

// GetLastAuthorization returns the Authorization header of the last request.
func (m *MockGraph) GetLastAuthorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastAuthorization
}

// GetLastQuery returns the query parameters of the last request.
func (m *MockGraph) GetLastQuery() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery
}

// GetLastRawQuery returns the undecoded query string of the last request.
func (m *MockGraph) GetLastRawQuery() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRawQuery
}

// MessagePath returns the detail path of a message id.
func MessagePath(id string) string {
	return "/me/messages/" + id
}

// NewJSONResponse creates a 200 OK response with a JSON body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewListResponse creates a message list page containing ids.
func NewListResponse(ids ...string) MockResponse {
	items := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]string{"id": id})
	}
	body, _ := json.Marshal(map[string]any{"value": items})
	return NewJSONResponse(string(body))
}

// NewMessageResponse creates a message detail response.
func NewMessageResponse(id, subject string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"id":      id,
		"subject": subject,
		"isRead":  false,
	})
	return NewJSONResponse(string(body))
}

// NewThrottledResponse creates a 429 Too Many Requests response. An empty
// retryAfter omits the Retry-After header.
func NewThrottledResponse(retryAfter string) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, "TooManyRequests")
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewErrorResponse creates a Graph style error response.
func NewErrorResponse(status int, code string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error":{"code":%q,"message":"mock %d"}}`, code, status),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

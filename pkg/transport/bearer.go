// Package transport provides http.RoundTripper decorators used by the Graph
// client: bearer token injection and proactive request pacing.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/graph-mail-client/pkg/auth"
)

// ErrNoCredentials is returned when no credential provider is configured.
var ErrNoCredentials = errors.New("transport: no credential provider configured")

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// BearerTransport attaches "Authorization: Bearer <token>" to every request
// and otherwise delegates to Base unchanged. Any RoundTripper can be wrapped.
type BearerTransport struct {
	// Base is the wrapped transport. http.DefaultTransport when nil.
	Base http.RoundTripper

	// Credentials supplies tokens for Scopes.
	Credentials auth.Provider

	// Scopes requested for every token.
	Scopes []string

	// Host restricts token injection to requests for this host (host[:port]).
	// Requests elsewhere, such as redirect hops, are sent without a token.
	// Empty means every host.
	Host string
}

// NewBearerTransport wraps base with token injection.
func NewBearerTransport(base http.RoundTripper, credentials auth.Provider, scopes []string) *BearerTransport {
	return &BearerTransport{
		Base:        base,
		Credentials: credentials,
		Scopes:      append([]string(nil), scopes...),
	}
}

// RoundTrip implements http.RoundTripper. The request is never sent without a
// valid, unexpired token.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Host != "" && !strings.EqualFold(req.URL.Host, t.Host) {
		return t.send(req, req)
	}

	cred, err := t.credential(req)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := t.send(req, out)
	if err != nil {
		return nil, err
	}

	// A rejected token is dropped so the next request acquires a fresh one.
	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := t.Credentials.(auth.Invalidator); ok {
			inv.Invalidate()
		}
	}
	return resp, nil
}

func (t *BearerTransport) send(orig, out *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(out)
	if err != nil {
		return nil, &TransportError{Method: orig.Method, URL: orig.URL.Redacted(), Err: err}
	}
	return resp, nil
}

func (t *BearerTransport) credential(req *http.Request) (auth.Credential, error) {
	if t.Credentials == nil {
		return auth.Credential{}, ErrNoCredentials
	}
	cred, err := t.Credentials.Token(req.Context(), t.Scopes)
	if err != nil {
		return auth.Credential{}, err
	}
	if cred.Expired(time.Now(), 0) {
		return auth.Credential{}, &auth.AuthError{Op: "attach token", Err: errors.New("credential is expired")}
	}
	return cred, nil
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

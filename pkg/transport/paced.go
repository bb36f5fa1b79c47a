package transport

import (
	"net/http"

	"golang.org/x/time/rate"
)

// PacedTransport spaces outgoing requests with a token bucket so a client
// stays under a known quota before the server has to throttle it.
type PacedTransport struct {
	Base    http.RoundTripper
	Limiter *rate.Limiter
}

// NewPacedTransport wraps base with a limiter of rps requests per second.
// It returns base unchanged when rps <= 0.
func NewPacedTransport(base http.RoundTripper, rps float64, burst int) http.RoundTripper {
	if rps <= 0 {
		return base
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacedTransport{
		Base:    base,
		Limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// RoundTrip implements http.RoundTripper. Waiting honors the request context.
func (t *PacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(req.Context()); err != nil {
		closeBody(req)
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

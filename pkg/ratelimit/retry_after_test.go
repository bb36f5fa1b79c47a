package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestRetryAfter(t *testing.T) {
	fallback := DefaultRetryDelay

	tests := []struct {
		name   string
		header string
		want   time.Duration
		wantOK bool
	}{
		{name: "absent", header: "", want: fallback, wantOK: false},
		{name: "three seconds", header: "3", want: 3 * time.Second, wantOK: true},
		{name: "padded", header: " 7 ", want: 7 * time.Second, wantOK: true},
		{name: "zero", header: "0", want: fallback, wantOK: false},
		{name: "negative", header: "-5", want: fallback, wantOK: false},
		{name: "fractional", header: "1.5", want: fallback, wantOK: false},
		{name: "http date", header: "Wed, 21 Oct 2015 07:28:00 GMT", want: fallback, wantOK: false},
		{name: "overflow", header: "99999999999999999999", want: fallback, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Retry-After", tt.header)
			}
			got, ok := RetryAfter(h, fallback)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("RetryAfter(%q) = (%v, %v), want (%v, %v)", tt.header, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// Package auth acquires and caches bearer tokens for the Graph API.
//
// A Provider hands out Credentials for a scope set. DeviceCodeProvider tries
// silent acquisition first (cached token, then refresh-token grant) and falls
// back to the OAuth2 device code flow. StaticProvider serves a token obtained
// elsewhere.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrAuth matches every token acquisition failure.
var ErrAuth = errors.New("authentication failed")

// AuthError describes a failed token acquisition step.
type AuthError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s failed", e.Op)
	}
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is reports ErrAuth as a match so callers need not know the concrete type.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// Credential is a bearer token and the instant it stops being usable.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time

	refreshToken string
}

// Expired reports whether the credential is unusable at now, treating it as
// expired leeway before ExpiresAt. A zero ExpiresAt means no known expiry.
func (c Credential) Expired(now time.Time, leeway time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(c.ExpiresAt)
}

// Provider acquires credentials for a set of scopes.
// Implementations must be safe for concurrent use.
type Provider interface {
	Token(ctx context.Context, scopes []string) (Credential, error)
}

// Invalidator is implemented by providers that cache credentials and can be
// told that the server rejected them.
type Invalidator interface {
	Invalidate()
}

// StaticProvider always returns the same credential.
type StaticProvider struct {
	Credential Credential
}

// NewStaticProvider wraps an access token with an optional expiry.
func NewStaticProvider(accessToken string, expiresAt time.Time) *StaticProvider {
	return &StaticProvider{Credential: Credential{AccessToken: accessToken, ExpiresAt: expiresAt}}
}

// Token implements Provider.
func (p *StaticProvider) Token(_ context.Context, _ []string) (Credential, error) {
	if p.Credential.Expired(time.Now(), 0) {
		return Credential{}, &AuthError{Op: "static token", Err: errors.New("token is empty or expired")}
	}
	return p.Credential, nil
}

// scopeKey normalizes a scope list into a deterministic cache key.
func scopeKey(scopes []string) string {
	normalized := normalizeScopes(scopes)
	return strings.Join(normalized, " ")
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

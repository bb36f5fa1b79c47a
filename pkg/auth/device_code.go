package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// DefaultAuthorityURL is the Microsoft identity platform host.
	DefaultAuthorityURL = "https://login.microsoftonline.com"

	defaultRenewBefore = 2 * time.Minute
	defaultLifetime    = time.Hour
)

// DeviceCodeConfig configures a DeviceCodeProvider.
type DeviceCodeConfig struct {
	// ClientID is the application (client) id registered with the tenant.
	ClientID string

	// TenantID selects the authority path segment ("common", a GUID or a domain).
	TenantID string

	// AuthorityURL overrides DefaultAuthorityURL (tests, sovereign clouds).
	AuthorityURL string

	// RenewBefore treats a token as expired this long before its expiry.
	RenewBefore time.Duration

	// Prompt shows the device code instructions to the user.
	Prompt func(*oauth2.DeviceAuthResponse)

	// HTTPClient is used for calls to the token endpoints.
	HTTPClient *http.Client

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// DeviceCodeProvider acquires delegated tokens silently when it can and
// through the device code flow otherwise. Credentials are cached per scope set
// for the lifetime of the process only.
type DeviceCodeProvider struct {
	cfg      DeviceCodeConfig
	endpoint oauth2.Endpoint
	logger   zerolog.Logger

	mu    sync.Mutex
	cache map[string]Credential
}

// NewDeviceCodeProvider validates cfg and returns a provider.
func NewDeviceCodeProvider(cfg DeviceCodeConfig) (*DeviceCodeProvider, error) {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.TenantID = strings.TrimSpace(cfg.TenantID)
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if cfg.AuthorityURL == "" {
		cfg.AuthorityURL = DefaultAuthorityURL
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = defaultRenewBefore
	}
	if cfg.Prompt == nil {
		cfg.Prompt = func(da *oauth2.DeviceAuthResponse) {
			log.Info().
				Str("verification_uri", da.VerificationURI).
				Str("user_code", da.UserCode).
				Msg("Sign in to continue")
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	base := strings.TrimRight(cfg.AuthorityURL, "/") + "/" + cfg.TenantID + "/oauth2/v2.0"

	return &DeviceCodeProvider{
		cfg: cfg,
		endpoint: oauth2.Endpoint{
			AuthURL:       base + "/authorize",
			TokenURL:      base + "/token",
			DeviceAuthURL: base + "/devicecode",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		logger: log.With().Str("component", "auth").Logger(),
		cache:  make(map[string]Credential),
	}, nil
}

// Token returns a valid credential for scopes. A cached credential is reused
// until it is within RenewBefore of expiry; then the refresh token is tried,
// and only if that fails is the device code flow started.
func (p *DeviceCodeProvider) Token(ctx context.Context, scopes []string) (Credential, error) {
	key := scopeKey(scopes)

	p.mu.Lock()
	defer p.mu.Unlock()

	cached, ok := p.cache[key]
	if ok && !cached.Expired(p.cfg.Now(), p.cfg.RenewBefore) {
		return cached, nil
	}

	conf := p.oauthConfig(scopes)
	ctx = p.withHTTPClient(ctx)

	if ok && cached.refreshToken != "" {
		cred, err := p.refresh(ctx, conf, cached.refreshToken)
		if err == nil {
			p.cache[key] = cred
			return cred, nil
		}
		p.logger.Warn().Err(err).Msg("Silent token refresh failed, falling back to device code")
	}

	cred, err := p.deviceCode(ctx, conf)
	if err != nil {
		delete(p.cache, key)
		return Credential{}, err
	}
	p.cache[key] = cred
	return cred, nil
}

// Invalidate discards every cached access token and keeps the refresh
// tokens, so the next Token call refreshes silently before falling back to
// the device code flow. It implements Invalidator.
func (p *DeviceCodeProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cred := range p.cache {
		cred.AccessToken = ""
		p.cache[key] = cred
	}
	p.logger.Debug().Int("scope_sets", len(p.cache)).Msg("Cached access tokens invalidated")
}

func (p *DeviceCodeProvider) refresh(ctx context.Context, conf *oauth2.Config, refreshToken string) (Credential, error) {
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Credential{}, &AuthError{Op: "refresh token", Err: err}
	}
	p.logger.Debug().Time("expires_at", tok.Expiry).Msg("Token refreshed silently")
	return p.credentialFrom(tok), nil
}

func (p *DeviceCodeProvider) deviceCode(ctx context.Context, conf *oauth2.Config) (Credential, error) {
	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return Credential{}, &AuthError{Op: "device authorization", Err: err}
	}

	p.cfg.Prompt(da)

	tok, err := conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return Credential{}, &AuthError{Op: "device access token", Err: err}
	}
	if tok.AccessToken == "" {
		return Credential{}, &AuthError{Op: "device access token", Err: errors.New("empty access token")}
	}

	p.logger.Info().Time("expires_at", tok.Expiry).Msg("Token acquired via device code")
	return p.credentialFrom(tok), nil
}

func (p *DeviceCodeProvider) credentialFrom(tok *oauth2.Token) Credential {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		if exp, ok := expiryFromClaims(tok.AccessToken); ok {
			expiresAt = exp
		} else {
			expiresAt = p.cfg.Now().Add(defaultLifetime)
		}
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		ExpiresAt:    expiresAt,
		refreshToken: tok.RefreshToken,
	}
}

func (p *DeviceCodeProvider) oauthConfig(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: p.cfg.ClientID,
		Endpoint: p.endpoint,
		Scopes:   withOfflineAccess(normalizeScopes(scopes)),
	}
}

func (p *DeviceCodeProvider) withHTTPClient(ctx context.Context) context.Context {
	if p.cfg.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
}

// withOfflineAccess asks for a refresh token so later acquisitions stay silent.
func withOfflineAccess(scopes []string) []string {
	for _, s := range scopes {
		if s == "offline_access" {
			return scopes
		}
	}
	return append(scopes, "offline_access")
}

// expiryFromClaims reads the exp claim of a JWT access token without
// verifying its signature; the token is only ever presented, never trusted.
func expiryFromClaims(accessToken string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

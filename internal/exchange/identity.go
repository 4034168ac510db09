package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// fallbackTokenTTL applies when the identity server hands back a token
// whose expiry cannot be read.
const fallbackTokenTTL = 20 * time.Minute

// IdentityConfig carries the sign-in credentials for the exchange's
// identity server.
type IdentityConfig struct {
	BaseURL  string
	Email    string
	Password string
	ClientID string
}

// IdentityProvider signs in against the identity server and caches the
// access token until shortly before it expires. Invalidate drops the
// cached token so the next call signs in afresh.
type IdentityProvider struct {
	client *resty.Client
	cfg    IdentityConfig
	log    zerolog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewIdentityProvider(cfg IdentityConfig, timeout time.Duration, log zerolog.Logger) *IdentityProvider {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout)
	return &IdentityProvider{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "identity").Logger(),
	}
}

// Token returns a valid access token, signing in when the cache is empty
// or expired.
func (p *IdentityProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.expires) {
		return p.token, nil
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("client_id", p.cfg.ClientID).
		SetFormData(map[string]string{
			"email":    p.cfg.Email,
			"password": p.cfg.Password,
		}).
		SetResult(&body).
		Post("/signin")
	if err != nil {
		return "", fmt.Errorf("identity sign-in: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", fmt.Errorf("identity sign-in: %w", ErrUnauthorized)
	}
	if resp.IsError() {
		return "", fmt.Errorf("identity sign-in: status %d", resp.StatusCode())
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("identity sign-in: empty token")
	}

	p.token = body.AccessToken
	p.expires = tokenExpiry(body.AccessToken)
	p.log.Debug().Time("expires", p.expires).Msg("access token refreshed")
	return p.token, nil
}

// Invalidate forgets the cached token. Called when the exchange rejects a
// request as unauthorized, so a retry picks up fresh credentials.
func (p *IdentityProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expires = time.Time{}
	p.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is opaque to the bridge, only its lifetime matters. A margin keeps
// us from presenting a token that expires mid-request.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Now().Add(fallbackTokenTTL)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(fallbackTokenTTL)
	}
	return exp.Time.Add(-30 * time.Second)
}

// Package base carries the shared plumbing every vendor connector
// embeds: logger, HTTP client, rate limiter, and the authentication
// session.
package base

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inletio/inlet/pkg/auth"
	"github.com/inletio/inlet/pkg/clients"
	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/errors"
	"github.com/inletio/inlet/pkg/logger"
	"github.com/inletio/inlet/pkg/metrics"
	"github.com/inletio/inlet/pkg/ratelimit"
)

// Connector is the embeddable common layer. Vendor connectors embed
// it and call its helpers; it does not itself satisfy core.Connector.
type Connector struct {
	name    string
	creds   config.Credentials
	limiter *ratelimit.Limiter
	http    *clients.HTTPClient
	session *auth.Session
	logger  *zap.Logger
}

// authRateLimit spaces token endpoint calls. Grants carry their own
// small budget so a drained data budget cannot block token recovery.
var authRateLimit = config.RateLimitConfig{MinInterval: 250 * time.Millisecond}

// New builds the common layer. refresh may be nil for vendors whose
// tokens cannot be refreshed; initial seeds the session from any
// tokens already present in the credentials.
func New(name string, creds config.Credentials, rl config.RateLimitConfig, initial auth.TokenSet, refresh auth.RefreshFunc) *Connector {
	log := logger.Get().With(zap.String("connector", name))
	session := auth.NewSession(name, initial, refresh, log)
	session.SetLimiter(ratelimit.New(authRateLimit))
	return &Connector{
		name:    name,
		creds:   creds,
		limiter: ratelimit.New(rl),
		http:    clients.NewHTTPClient(nil, log),
		session: session,
		logger:  log,
	}
}

// Name returns the vendor identifier.
func (c *Connector) Name() string { return c.name }

// Logger returns the connector's scoped logger.
func (c *Connector) Logger() *zap.Logger { return c.logger }

// HTTP returns the shared HTTP client.
func (c *Connector) HTTP() *clients.HTTPClient { return c.http }

// Credentials returns the configured credential material.
func (c *Connector) Credentials() config.Credentials { return c.creds }

// Session returns the authentication session.
func (c *Connector) Session() *auth.Session { return c.session }

// State reports the authentication lifecycle state.
func (c *Connector) State() auth.ConnectionState { return c.session.State() }

// RateLimit blocks until the next vendor request may proceed and
// records the wait.
func (c *Connector) RateLimit(ctx context.Context) error {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	metrics.RateLimitWaits.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	return nil
}

// LimiterStats returns rate limiter counters.
func (c *Connector) LimiterStats() ratelimit.Stats { return c.limiter.GetStats() }

// AccessToken returns a fresh access token, refreshing if needed.
func (c *Connector) AccessToken(ctx context.Context) (auth.TokenSet, error) {
	return c.session.Token(ctx)
}

// AuthHeaders builds the bearer authorization header for the current
// token.
func (c *Connector) AuthHeaders(ctx context.Context) (map[string]string, error) {
	token, err := c.session.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token.AccessToken}, nil
}

// RefreshAccessToken forces a refresh through the session.
func (c *Connector) RefreshAccessToken(ctx context.Context) (auth.TokenSet, error) {
	return c.session.Refresh(ctx)
}

// AuthRetry runs op and, when the vendor rejects the credential
// mid-session, marks the token expired, refreshes, and retries op
// once. Connectors without a refresh token get the original rejection
// back unchanged.
func (c *Connector) AuthRetry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !errors.IsType(err, errors.ErrorTypeAuthentication) {
		return err
	}
	if c.session.Store().Get().RefreshToken == "" {
		return err
	}
	c.logger.Info("token rejected mid-session; refreshing", zap.Error(err))
	if _, rerr := c.session.Refresh(ctx); rerr != nil {
		return rerr
	}
	return op(ctx)
}

// ExchangeCodeForTokens is the default for vendors without an OAuth
// code flow; connectors that support one override it.
func (c *Connector) ExchangeCodeForTokens(_ context.Context, _ string) (auth.TokenSet, error) {
	return auth.TokenSet{}, errors.New(errors.ErrorTypeCapability,
		c.name+" does not support authorization-code exchange")
}

// Close releases the HTTP client's idle connections.
func (c *Connector) Close() error {
	c.http.Close()
	return nil
}

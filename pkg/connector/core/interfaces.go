package core

import (
	"context"

	"github.com/inletio/inlet/pkg/auth"
	"github.com/inletio/inlet/pkg/config"
)

// Connector is the uniform contract every vendor integration
// implements. Implementations are safe for sequential use; a caller
// needing concurrency creates one connector per goroutine since rate
// limit and auth state are per instance.
type Connector interface {
	// Name returns the vendor identifier, e.g. "salesforce".
	Name() string

	// Authenticate establishes a usable session from the configured
	// credentials. It must be called before any fetch operation.
	Authenticate(ctx context.Context) error

	// ValidateConnection probes the vendor with a cheap read to
	// confirm the session actually works.
	ValidateConnection(ctx context.Context) error

	// FetchData retrieves records for the selector, draining
	// pagination. Partial results ride in the result alongside any
	// errors.
	FetchData(ctx context.Context, sel config.Selector, params config.QueryParams) (*FetchResult, error)

	// FetchSchema retrieves the normalized schema for an object.
	FetchSchema(ctx context.Context, object string) (*SchemaResult, error)

	// ListObjects enumerates the fetchable objects this connection
	// can see.
	ListObjects(ctx context.Context) (*ObjectsResult, error)

	// ExchangeCodeForTokens completes an OAuth authorization-code
	// flow. Vendors without an OAuth app flow return a capability
	// error.
	ExchangeCodeForTokens(ctx context.Context, code string) (auth.TokenSet, error)

	// RefreshAccessToken forces a token refresh and returns the new
	// set. A rejected refresh leaves the connection in a terminal
	// state requiring operator re-authorization.
	RefreshAccessToken(ctx context.Context) (auth.TokenSet, error)

	// State reports the connection's authentication lifecycle state.
	State() auth.ConnectionState

	// Close releases transport resources.
	Close() error
}

// Factory builds a connector instance from credentials and a rate
// limit policy. Registered per vendor.
type Factory func(creds config.Credentials, rl config.RateLimitConfig) (Connector, error)

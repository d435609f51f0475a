// Package inlet is a multi-vendor SaaS connector hub. It exposes a
// uniform connector contract over Salesforce, HubSpot, Google Ads,
// Google Analytics 4, Google Sheets and the Meta Marketing API:
// authenticate, validate, fetch records, describe schemas, list
// objects.
//
// # Architecture
//
// Every vendor connector is built from the same parts:
//
//   - pkg/connector/core defines the Connector interface, the factory
//     type and the fail-soft result types. Fetches that die mid-stream
//     return the records already collected alongside the error.
//   - pkg/connector/base wires the shared scaffolding: a zap logger, a
//     context-aware rate limiter, a pooled HTTP client and an auth
//     session per connector instance.
//   - pkg/auth owns the token lifecycle. Tokens are versioned; refresh
//     is serialized per connection so concurrent callers collapse onto
//     a single grant, which is what keeps single-use refresh tokens
//     (HubSpot) from being spent twice. A rejected refresh is terminal
//     until the operator re-authorizes the connection.
//   - pkg/connector/registry maps vendor identifiers to factories.
//     Registries are constructed values, so tests can build isolated
//     ones with fake vendors.
//
// Records come back as flat maps stamped with _source_id, _object_type
// and _extracted_at, with vendor native types normalized through
// pkg/schema's five-value vocabulary.
//
// # Quick Start
//
//	reg := registry.New()
//	conn, err := reg.New("salesforce", creds, config.RateLimitConfig{})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	if err := conn.Authenticate(ctx); err != nil {
//	    return err
//	}
//	result, err := conn.FetchData(ctx, config.Object("Account"), config.QueryParams{Limit: 100})
//
// The inlet CLI (cmd/inlet) drives the same API from a YAML hub config
// that names connector instances and their credentials, with ${VAR}
// environment substitution for secrets.
package inlet

// Package config defines connector configuration types and YAML loading
// with environment variable substitution.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inletio/inlet/pkg/errors"
)

// Credentials holds vendor credential material keyed by field name,
// e.g. "access_token", "client_id", "refresh_token".
type Credentials map[string]string

// Get returns the value for key, or "" when absent.
func (c Credentials) Get(key string) string {
	return c[key]
}

// Has reports whether key is present and non-empty.
func (c Credentials) Has(key string) bool {
	return c[key] != ""
}

// Require returns the value for key or a config error naming the
// missing field.
func (c Credentials) Require(key string) (string, error) {
	v := c[key]
	if v == "" {
		return "", errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("missing required credential %q", key))
	}
	return v, nil
}

// Redacted returns a copy safe for logging: every value is replaced
// with a fixed mask so secrets never reach log output.
func (c Credentials) Redacted() map[string]string {
	out := make(map[string]string, len(c))
	for k := range c {
		out[k] = "***"
	}
	return out
}

// Clone returns a shallow copy of the credentials.
func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// RateLimitConfig controls request pacing for a connector instance.
// A zero MinInterval disables interval pacing; a zero RequestBudget
// disables window budgeting.
type RateLimitConfig struct {
	// MinInterval is the minimum spacing between consecutive requests.
	MinInterval time.Duration `yaml:"min_interval"`
	// RequestBudget caps requests per Window. Zero means unlimited.
	RequestBudget int `yaml:"request_budget"`
	// Window is the budget accounting period.
	Window time.Duration `yaml:"window"`
}

// UnmarshalYAML accepts Go duration strings ("100ms", "5s") for the
// interval fields, which yaml does not decode into time.Duration on
// its own.
func (r *RateLimitConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MinInterval   string `yaml:"min_interval"`
		RequestBudget int    `yaml:"request_budget"`
		Window        string `yaml:"window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parse := func(field, s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.New(errors.ErrorTypeConfig,
				fmt.Sprintf("invalid duration %q for %s", s, field))
		}
		return d, nil
	}

	var err error
	if r.MinInterval, err = parse("min_interval", raw.MinInterval); err != nil {
		return err
	}
	if r.Window, err = parse("window", raw.Window); err != nil {
		return err
	}
	r.RequestBudget = raw.RequestBudget
	return nil
}

// SelectorKind distinguishes how a Selector's value is interpreted.
type SelectorKind string

const (
	// SelectorQuery marks the value as a vendor query expression
	// (SOQL, GAQL, a CRM search body, a sheet range).
	SelectorQuery SelectorKind = "query"
	// SelectorObject marks the value as an object or report name to
	// be expanded into the vendor's native fetch call.
	SelectorObject SelectorKind = "object"
)

// Selector names what a fetch should retrieve. Kind is explicit so
// connectors never sniff the value text to guess intent.
type Selector struct {
	Kind  SelectorKind `yaml:"kind" json:"kind"`
	Value string       `yaml:"value" json:"value"`
}

// Query builds a query selector.
func Query(value string) Selector {
	return Selector{Kind: SelectorQuery, Value: value}
}

// Object builds an object selector.
func Object(name string) Selector {
	return Selector{Kind: SelectorObject, Value: name}
}

// Validate checks that the selector is well formed.
func (s Selector) Validate() error {
	switch s.Kind {
	case SelectorQuery, SelectorObject:
	default:
		return errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("unknown selector kind %q", s.Kind))
	}
	if strings.TrimSpace(s.Value) == "" {
		return errors.New(errors.ErrorTypeConfig, "empty selector value")
	}
	return nil
}

// QueryParams carries per-fetch tuning that rides alongside a Selector.
type QueryParams struct {
	// Limit caps the number of records per page where the vendor
	// supports it. Zero uses the vendor default.
	Limit int `yaml:"limit" json:"limit"`
	// MaxPages caps pagination depth. Zero uses the aggregator default.
	MaxPages int `yaml:"max_pages" json:"max_pages"`
	// DateRange selects a vendor-defined reporting period, e.g.
	// "LAST_30_DAYS". Only reporting connectors consult it.
	DateRange string `yaml:"date_range" json:"date_range"`
	// Fields restricts fetched fields where the vendor supports
	// projection. Empty fetches the vendor default set.
	Fields []string `yaml:"fields" json:"fields"`
	// Where filters records in the vendor's predicate syntax, e.g. a
	// SOQL or GAQL condition. Connectors without server-side
	// filtering ignore it.
	Where string `yaml:"where" json:"where"`
	// OrderBy sorts records in the vendor's ordering syntax.
	OrderBy string `yaml:"order_by" json:"order_by"`
	// Dimensions and Metrics select report columns for analytics
	// connectors. Empty uses the connector defaults.
	Dimensions []string `yaml:"dimensions" json:"dimensions"`
	Metrics    []string `yaml:"metrics" json:"metrics"`
	// IncludeHeaders treats the first row as column names for
	// tabular sources.
	IncludeHeaders bool `yaml:"include_headers" json:"include_headers"`
}

// ConnectorConfig is one connector entry in a hub configuration file.
type ConnectorConfig struct {
	// Vendor is the registry identifier, e.g. "salesforce".
	Vendor string `yaml:"vendor"`
	// Name optionally labels this instance; defaults to Vendor.
	Name        string          `yaml:"name"`
	Credentials Credentials     `yaml:"credentials"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// InstanceName returns the configured name, falling back to the vendor.
func (c ConnectorConfig) InstanceName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Vendor
}

// HubConfig is the root of a hub configuration file.
type HubConfig struct {
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// Connector returns the config entry for name (instance name or
// vendor), or a config error when absent.
func (h *HubConfig) Connector(name string) (*ConnectorConfig, error) {
	for i := range h.Connectors {
		if strings.EqualFold(h.Connectors[i].InstanceName(), name) {
			return &h.Connectors[i], nil
		}
	}
	return nil, errors.New(errors.ErrorTypeConfig,
		fmt.Sprintf("no connector named %q in configuration", name))
}

// Package registry maps vendor identifiers to connector factories.
// The vendor table is assembled at construction, so availability is a
// property of the registry value rather than package state.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/connector/core"
	"github.com/inletio/inlet/pkg/connector/vendors/ga4"
	"github.com/inletio/inlet/pkg/connector/vendors/googleads"
	"github.com/inletio/inlet/pkg/connector/vendors/hubspot"
	"github.com/inletio/inlet/pkg/connector/vendors/metaads"
	"github.com/inletio/inlet/pkg/connector/vendors/salesforce"
	"github.com/inletio/inlet/pkg/connector/vendors/sheets"
	"github.com/inletio/inlet/pkg/errors"
	"github.com/inletio/inlet/pkg/logger"
)

// Registry resolves vendor identifiers to factories. Lookup is
// case-insensitive. The zero value is unusable; construct with New
// or NewWithVendors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]core.Factory
	logger    *zap.Logger
}

// New returns a registry carrying the built-in vendor set.
func New() *Registry {
	return NewWithVendors(builtins())
}

// NewWithVendors returns a registry carrying exactly the given vendor
// table. Used by tests and by embedders that trim or extend the set.
func NewWithVendors(vendors map[string]core.Factory) *Registry {
	r := &Registry{
		factories: make(map[string]core.Factory, len(vendors)),
		logger:    logger.Get().With(zap.String("component", "registry")),
	}
	for id, factory := range vendors {
		r.factories[strings.ToLower(id)] = factory
	}
	return r
}

func builtins() map[string]core.Factory {
	return map[string]core.Factory{
		salesforce.VendorID: salesforce.New,
		hubspot.VendorID:    hubspot.New,
		googleads.VendorID:  googleads.New,
		ga4.VendorID:        ga4.New,
		sheets.VendorID:     sheets.New,
		metaads.VendorID:    metaads.New,
	}
}

// Register adds or replaces a vendor factory.
func (r *Registry) Register(vendorID string, factory core.Factory) error {
	if vendorID == "" {
		return errors.New(errors.ErrorTypeConfig, "empty vendor id")
	}
	if factory == nil {
		return errors.New(errors.ErrorTypeConfig, "nil factory for vendor "+vendorID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(vendorID)] = factory
	return nil
}

// Resolve returns the factory for a vendor id.
func (r *Registry) Resolve(vendorID string) (core.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.factories) == 0 {
		return nil, errors.New(errors.ErrorTypeRegistryUnavailable,
			"registry has no vendors registered")
	}

	factory, ok := r.factories[strings.ToLower(vendorID)]
	if !ok {
		return nil, errors.New(errors.ErrorTypeUnknownConnector,
			fmt.Sprintf("unknown connector vendor %q (available: %s)",
				vendorID, strings.Join(r.vendorsLocked(), ", ")))
	}
	return factory, nil
}

// Has reports whether a vendor id is registered.
func (r *Registry) Has(vendorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(vendorID)]
	return ok
}

// New builds a connector instance for a vendor.
func (r *Registry) New(vendorID string, creds config.Credentials, rl config.RateLimitConfig) (core.Connector, error) {
	factory, err := r.Resolve(vendorID)
	if err != nil {
		return nil, err
	}

	conn, err := factory(creds, rl)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig,
			fmt.Sprintf("failed to build %s connector", vendorID))
	}
	r.logger.Debug("connector created", zap.String("vendor", conn.Name()))
	return conn, nil
}

// Vendors lists registered vendor ids, sorted.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vendorsLocked()
}

func (r *Registry) vendorsLocked() []string {
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Package core defines the connector contract: the interface every
// vendor connector implements and the record and result types that
// flow through it.
package core

import (
	"time"

	"github.com/inletio/inlet/pkg/schema"
)

// Reserved metadata keys stamped onto fetched records. Vendor field
// names never start with an underscore, so these cannot collide.
const (
	MetaSourceID    = "_source_id"
	MetaObjectType  = "_object_type"
	MetaExtractedAt = "_extracted_at"
)

// Record is one fetched row, vendor envelope already stripped.
type Record map[string]interface{}

// SetMeta stamps the reserved provenance keys onto the record.
func (r Record) SetMeta(sourceID, objectType string, extractedAt time.Time) {
	r[MetaSourceID] = sourceID
	r[MetaObjectType] = objectType
	r[MetaExtractedAt] = extractedAt.UTC().Format(time.RFC3339)
}

// FetchResult carries records plus any per-page or per-object errors
// collected along the way. A fetch that hit errors after collecting
// records returns both, so callers can keep partial data.
type FetchResult struct {
	Records []Record `json:"records"`
	Errors  []error  `json:"-"`
}

// Partial reports whether the fetch completed with errors.
func (r *FetchResult) Partial() bool {
	return len(r.Errors) > 0
}

// Empty reports whether no records were fetched.
func (r *FetchResult) Empty() bool {
	return len(r.Records) == 0
}

// SchemaResult carries a normalized schema, or the errors that kept
// one from being built.
type SchemaResult struct {
	Schema *schema.Schema `json:"schema"`
	Errors []error        `json:"-"`
}

// ObjectInfo describes one fetchable object a vendor exposes, with
// its normalized field schema where discovery could resolve one.
type ObjectInfo struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	// Queryable reports whether the object supports data fetches.
	Queryable bool `json:"queryable"`
	// Fields is the object's normalized schema. Empty when the
	// vendor's per-object discovery failed; the failure is recorded
	// in the enclosing result's Errors.
	Fields []schema.Field `json:"fields,omitempty"`
}

// ObjectsResult carries the vendor's fetchable object list keyed by
// discovery order.
type ObjectsResult struct {
	Objects []ObjectInfo `json:"objects"`
	Errors  []error      `json:"-"`
}

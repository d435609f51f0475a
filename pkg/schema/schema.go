// Package schema defines the normalized field model every connector
// maps its vendor type system into.
package schema

import (
	"sort"
	"strings"
)

// Type is the closed vocabulary of normalized field types.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeDate    Type = "date"
	TypeBoolean Type = "boolean"
)

// Valid reports whether t is one of the normalized types.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeDate, TypeBoolean:
		return true
	}
	return false
}

// Field is one column of a normalized schema.
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
	// Nullable defaults to true; vendors rarely publish reliable
	// nullability and downstream loaders treat optional as the safe
	// assumption.
	Nullable bool `json:"nullable"`
	// Native preserves the vendor's own type name for debugging.
	Native string `json:"native,omitempty"`
	// Label is the vendor's human-readable field label when it
	// differs from Name.
	Label string `json:"label,omitempty"`
}

// Schema is a normalized object schema.
type Schema struct {
	Object string  `json:"object"`
	Fields []Field `json:"fields"`
}

// FieldNames returns the field names in schema order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Sort orders fields by name for stable output.
func (s *Schema) Sort() {
	sort.Slice(s.Fields, func(i, j int) bool {
		return s.Fields[i].Name < s.Fields[j].Name
	})
}

// Normalizer maps a vendor's native type names onto the normalized
// vocabulary. Lookups are case-insensitive; unmapped types fall back
// to string so a new vendor type never breaks a sync.
type Normalizer struct {
	typeMap map[string]Type
}

// NewNormalizer builds a Normalizer from a native-type mapping. Keys
// are lowercased on construction.
func NewNormalizer(typeMap map[string]Type) *Normalizer {
	m := make(map[string]Type, len(typeMap))
	for k, v := range typeMap {
		m[strings.ToLower(k)] = v
	}
	return &Normalizer{typeMap: m}
}

// NormalizeType maps a native type name to a normalized Type.
func (n *Normalizer) NormalizeType(native string) Type {
	if t, ok := n.typeMap[strings.ToLower(native)]; ok {
		return t
	}
	return TypeString
}

// Field builds a normalized Field from vendor metadata. Nullable
// defaults to true.
func (n *Normalizer) Field(name, native string) Field {
	return Field{
		Name:     name,
		Type:     n.NormalizeType(native),
		Nullable: true,
		Native:   native,
	}
}

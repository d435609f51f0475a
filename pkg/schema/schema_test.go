package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeString, TypeInteger, TypeNumber, TypeDate, TypeBoolean} {
		assert.True(t, typ.Valid(), "%s should be valid", typ)
	}
	assert.False(t, Type("varchar").Valid())
	assert.False(t, Type("").Valid())
}

func TestNormalizer(t *testing.T) {
	n := NewNormalizer(map[string]Type{
		"ID":       TypeString,
		"double":   TypeNumber,
		"datetime": TypeDate,
		"int":      TypeInteger,
	})

	t.Run("lookups are case-insensitive", func(t *testing.T) {
		assert.Equal(t, TypeString, n.NormalizeType("id"))
		assert.Equal(t, TypeNumber, n.NormalizeType("DOUBLE"))
		assert.Equal(t, TypeDate, n.NormalizeType("DateTime"))
	})

	t.Run("unknown types fall back to string", func(t *testing.T) {
		assert.Equal(t, TypeString, n.NormalizeType("geolocation"))
		assert.Equal(t, TypeString, n.NormalizeType(""))
	})

	t.Run("field defaults to nullable and keeps the native name", func(t *testing.T) {
		f := n.Field("Amount", "double")
		assert.Equal(t, "Amount", f.Name)
		assert.Equal(t, TypeNumber, f.Type)
		assert.True(t, f.Nullable)
		assert.Equal(t, "double", f.Native)
	})
}

func TestSchemaHelpers(t *testing.T) {
	s := &Schema{
		Object: "Account",
		Fields: []Field{
			{Name: "Name", Type: TypeString},
			{Name: "Id", Type: TypeString},
			{Name: "Amount", Type: TypeNumber},
		},
	}

	assert.Equal(t, []string{"Name", "Id", "Amount"}, s.FieldNames())

	s.Sort()
	assert.Equal(t, []string{"Amount", "Id", "Name"}, s.FieldNames())
}

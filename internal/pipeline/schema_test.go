package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"datapusher/internal/config"
)

func TestMapType(t *testing.T) {
	mapping := config.DefaultTypeMapping

	assert.Equal(t, "text", mapType("String", mapping))
	assert.Equal(t, "smartint", mapType("Integer", mapping))
	assert.Equal(t, "numeric", mapType("Float", mapping))
	assert.Equal(t, "timestamp", mapType("DateTime", mapping))
	assert.Equal(t, "date", mapType("Date", mapping))
	assert.Equal(t, "text", mapType("NULL", mapping))
	assert.Equal(t, "text", mapType("Something Else", mapping))
}

func TestRefineSmartint(t *testing.T) {
	tests := []struct {
		name string
		min  string
		max  string
		want string
	}{
		{"small ints", "0", "100", "integer"},
		{"int32 bounds", "-2147483648", "2147483647", "integer"},
		{"beyond int32", "0", "2147483648", "bigint"},
		{"negative beyond int32", "-2147483649", "0", "bigint"},
		{"int64 bounds", "-9223372036854775808", "9223372036854775807", "bigint"},
		{"beyond int64", "0", "9223372036854775808", "numeric"},
		{"unparsable", "", "", "numeric"},
		{"whitespace", " 1 ", " 9 ", "integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, refineSmartint(tt.min, tt.max))
		})
	}
}

func TestResolveType(t *testing.T) {
	mapping := config.DefaultTypeMapping
	stats := &FieldStats{InferredType: "Integer", Min: "1", Max: "10"}

	assert.Equal(t, "integer", resolveType(stats, mapping, ""))
	// A data-dictionary override beats the fresh inference.
	assert.Equal(t, "text", resolveType(stats, mapping, "text"))

	big := &FieldStats{InferredType: "Integer", Min: "1", Max: "99999999999"}
	assert.Equal(t, "bigint", resolveType(big, mapping, ""))
}

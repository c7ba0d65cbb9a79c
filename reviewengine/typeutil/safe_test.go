package typeutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeInt(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int
		wantOK bool
	}{
		{"int", 42, 42, true},
		{"int64", int64(7), 7, true},
		{"float64 from json", float64(3), 3, true},
		{"string", "5", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt(tt.value)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeStringSlice_FromJSON(t *testing.T) {
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"ids": ["a", "b"], "mixed": ["a", 1]}`), &decoded))

	ids, ok := SafeStringSlice(decoded["ids"])
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, ids)

	_, ok = SafeStringSlice(decoded["mixed"])
	assert.False(t, ok)
}

func TestSafeDefaults(t *testing.T) {
	assert.Equal(t, "fallback", SafeStringDefault(nil, "fallback"))
	assert.Equal(t, "value", SafeStringDefault("value", "fallback"))
	assert.Equal(t, 10, SafeIntDefault("bad", 10))
	assert.True(t, SafeBoolDefault(nil, true))
	assert.False(t, SafeBoolDefault(false, true))
	assert.Equal(t, 0.5, SafeFloat64Default(0.5, 1.0))
}

func TestSafeMapStringAny(t *testing.T) {
	m, ok := SafeMapStringAny(map[string]any{"k": "v"})
	assert.True(t, ok)
	assert.Equal(t, "v", m["k"])

	_, ok = SafeMapStringAny([]any{"not a map"})
	assert.False(t, ok)
}

func TestMustMapStringAny_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustMapStringAny("not a map", "test")
	})
}

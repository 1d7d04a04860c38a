package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamStore(t *testing.T) {
	p := NewParamStore(map[string]any{"gain": 1.5})

	v, ok := p.Get("gain")
	require.True(t, ok)
	assert.Equal(t, 1.5, v)

	_, ok = p.Get("missing")
	assert.False(t, ok)

	p.Set("offset", 2.0)
	snap := p.Snapshot()
	assert.Equal(t, map[string]any{"gain": 1.5, "offset": 2.0}, snap)

	// the snapshot is a copy
	snap["gain"] = 9.9
	v, _ = p.Get("gain")
	assert.Equal(t, 1.5, v)
}

func TestParamStoreHandlers(t *testing.T) {
	p := NewParamStore(map[string]any{"gain": 1.5})
	h := p.Handlers()

	v, err := h["get_parameter"](map[string]any{"key": "gain"})
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	_, err = h["get_parameter"](map[string]any{"key": "missing"})
	require.ErrorContains(t, err, "no parameter")

	_, err = h["get_parameter"](map[string]any{"key": 7})
	require.ErrorContains(t, err, "string key")

	_, err = h["set_parameter"](map[string]any{"key": "gain", "value": 2.5})
	require.NoError(t, err)
	v, _ = p.Get("gain")
	assert.Equal(t, 2.5, v)

	_, err = h["set_parameter"](map[string]any{"value": 1})
	require.ErrorContains(t, err, "string key")
}

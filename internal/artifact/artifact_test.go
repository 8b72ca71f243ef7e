package artifact

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Hash(json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Hash(json.RawMessage(`{ "a": 1, "b": 2 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Hash(json.RawMessage(`{"a":1,"b":3}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHashRejectsInvalidJSON(t *testing.T) {
	_, err := Hash(json.RawMessage(`{"a":`))
	assert.Error(t, err)
}

func TestMergeObjectsOneLevelDeep(t *testing.T) {
	base := json.RawMessage(`{"a":{"x":1},"b":[1,2]}`)
	patch := json.RawMessage(`{"a":{"y":2}}`)

	got, err := Merge(base, patch)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got, &doc))
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, doc["a"])
	assert.Equal(t, []any{float64(1), float64(2)}, doc["b"])
}

func TestMergeReplacesArraysAndScalars(t *testing.T) {
	base := json.RawMessage(`{"tags":["old"],"n":1,"keep":"me"}`)
	patch := json.RawMessage(`{"tags":["new","er"],"n":2}`)

	got, err := Merge(base, patch)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got, &doc))
	assert.Equal(t, []any{"new", "er"}, doc["tags"])
	assert.Equal(t, float64(2), doc["n"])
	assert.Equal(t, "me", doc["keep"])
}

func TestMergeCarriesUnknownKeys(t *testing.T) {
	base := json.RawMessage(`{"custom_field":{"nested":true}}`)
	patch := json.RawMessage(`{"title":"t"}`)

	got, err := Merge(base, patch)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got, &doc))
	assert.Equal(t, map[string]any{"nested": true}, doc["custom_field"])
	assert.Equal(t, "t", doc["title"])
}

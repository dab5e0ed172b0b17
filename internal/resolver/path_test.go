package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want []pathSegment
	}{
		{"name", []pathSegment{{Key: "name"}}},
		{"a.b.c", []pathSegment{{Key: "a"}, {Key: "b"}, {Key: "c"}}},
		{"items[0]", []pathSegment{{Key: "items"}, {Index: 0, IsIndex: true}}},
		{"items[2]._id", []pathSegment{{Key: "items"}, {Index: 2, IsIndex: true}, {Key: "_id"}}},
		{"m[0][1]", []pathSegment{{Key: "m"}, {Index: 0, IsIndex: true}, {Index: 1, IsIndex: true}}},
		{"[3]", []pathSegment{{Index: 3, IsIndex: true}}},
	}
	for _, tc := range tests {
		got, err := parsePath(tc.path)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}
}

func TestParsePath_Invalid(t *testing.T) {
	for _, path := range []string{"", "a..b", "items[", "items[x]", "items[-1]", "items[0]x"} {
		_, err := parsePath(path)
		assert.Error(t, err, path)
	}
}

func TestGetPath(t *testing.T) {
	root := map[string]any{
		"user": map[string]any{"name": "ada"},
		"items": []any{
			map[string]any{"_id": "first"},
			map[string]any{"_id": "second"},
		},
	}

	val, ok := getPath(root, "user.name")
	require.True(t, ok)
	assert.Equal(t, "ada", val)

	val, ok = getPath(root, "items[1]._id")
	require.True(t, ok)
	assert.Equal(t, "second", val)

	_, ok = getPath(root, "user.missing")
	assert.False(t, ok)

	_, ok = getPath(root, "items[9]._id")
	assert.False(t, ok)

	_, ok = getPath(root, "user.name.deeper")
	assert.False(t, ok)
}

func TestSetPath_AutoCreates(t *testing.T) {
	root, err := setPath(nil, "filters.ids[1]", "x")
	require.NoError(t, err)

	val, ok := getPath(root, "filters.ids[1]")
	require.True(t, ok)
	assert.Equal(t, "x", val)

	// The skipped slot was padded with nil.
	val, ok = getPath(root, "filters.ids[0]")
	require.True(t, ok)
	assert.Nil(t, val)
}

func TestSetPath_ExistingStructure(t *testing.T) {
	root := map[string]any{"query": "all", "filters": map[string]any{"limit": float64(10)}}

	got, err := setPath(root, "filters.offset", float64(5))
	require.NoError(t, err)

	val, ok := getPath(got, "filters.offset")
	require.True(t, ok)
	assert.Equal(t, float64(5), val)
	val, ok = getPath(got, "filters.limit")
	require.True(t, ok)
	assert.Equal(t, float64(10), val)
}

func TestSetPath_TypeMismatch(t *testing.T) {
	root := map[string]any{"name": "ada"}

	_, err := setPath(root, "name[0]", "x")
	assert.Error(t, err)

	_, err = setPath(root, "name.deeper", "x")
	assert.Error(t, err)
}

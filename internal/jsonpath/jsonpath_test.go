package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		segs, err := Parse("")
		require.NoError(t, err)
		assert.Nil(t, segs)
	})

	t.Run("dotted keys", func(t *testing.T) {
		segs, err := Parse(".users.active")
		require.NoError(t, err)
		assert.Equal(t, []Segment{
			{Type: SegmentKey, Key: "users"},
			{Type: SegmentKey, Key: "active"},
		}, segs)
	})

	t.Run("bare leading key", func(t *testing.T) {
		segs, err := Parse("users")
		require.NoError(t, err)
		assert.Equal(t, []Segment{{Type: SegmentKey, Key: "users"}}, segs)
	})

	t.Run("array index", func(t *testing.T) {
		segs, err := Parse("users[0].name")
		require.NoError(t, err)
		assert.Equal(t, []Segment{
			{Type: SegmentKey, Key: "users"},
			{Type: SegmentIndex, Index: 0},
			{Type: SegmentKey, Key: "name"},
		}, segs)
	})

	t.Run("bracketed quoted key", func(t *testing.T) {
		segs, err := Parse(`config["weird key"].value`)
		require.NoError(t, err)
		assert.Equal(t, []Segment{
			{Type: SegmentKey, Key: "config"},
			{Type: SegmentKey, Key: "weird key"},
			{Type: SegmentKey, Key: "value"},
		}, segs)
	})

	t.Run("invalid index", func(t *testing.T) {
		_, err := Parse("users[abc]")
		assert.Error(t, err)
	})

	t.Run("unterminated bracket", func(t *testing.T) {
		_, err := Parse("users[0")
		assert.Error(t, err)
	})
}

func TestGet(t *testing.T) {
	doc := map[string]any{
		"users": []any{
			map[string]any{"name": "alice"},
			map[string]any{"name": "bob"},
		},
		"weird key": "special",
	}

	t.Run("root", func(t *testing.T) {
		v, ok := Get(doc, nil)
		assert.True(t, ok)
		assert.Equal(t, doc, v)
	})

	t.Run("nested", func(t *testing.T) {
		segs, err := Parse("users[1].name")
		require.NoError(t, err)
		v, ok := Get(doc, segs)
		assert.True(t, ok)
		assert.Equal(t, "bob", v)
	})

	t.Run("quoted key", func(t *testing.T) {
		segs, err := Parse(`["weird key"]`)
		require.NoError(t, err)
		v, ok := Get(doc, segs)
		assert.True(t, ok)
		assert.Equal(t, "special", v)
	})

	t.Run("missing key", func(t *testing.T) {
		segs, err := Parse("missing")
		require.NoError(t, err)
		_, ok := Get(doc, segs)
		assert.False(t, ok)
	})

	t.Run("index out of range", func(t *testing.T) {
		segs, err := Parse("users[5]")
		require.NoError(t, err)
		_, ok := Get(doc, segs)
		assert.False(t, ok)
	})
}

func TestString(t *testing.T) {
	segs := []Segment{{Type: SegmentKey, Key: "users"}, {Type: SegmentIndex, Index: 2}, {Type: SegmentKey, Key: "weird key"}}
	assert.Equal(t, `.users[2]["weird key"]`, String(segs))
}

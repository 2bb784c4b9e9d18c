package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchScalars(t *testing.T) {
	assert.Empty(t, Match("abc", "abc", "body", AllowExtra))
	assert.Empty(t, Match(5, 5.0, "body", AllowExtra), "yaml int should match json float")
	assert.Empty(t, Match(true, true, "body", AllowExtra))

	errs := Match("abc", "def", "body", AllowExtra)
	require.Len(t, errs, 1)
	assert.Equal(t, "body", errs[0].Path)

	errs = Match("5", 5, "body", AllowExtra)
	assert.Len(t, errs, 1, "string should not match number")
}

func TestMatchMapAllowExtra(t *testing.T) {
	expected := map[string]any{"id": 1}
	actual := map[string]any{"id": 1.0, "name": "thing"}
	assert.Empty(t, Match(expected, actual, "body", AllowExtra))
}

func TestMatchMapExact(t *testing.T) {
	expected := map[string]any{"id": 1}
	actual := map[string]any{"id": 1.0, "name": "thing"}
	errs := Match(expected, actual, "body", Exact)
	require.Len(t, errs, 1)
	assert.Equal(t, "body.name", errs[0].Path)
	assert.Contains(t, errs[0].Message, "unexpected key")
}

func TestMatchMissingKey(t *testing.T) {
	expected := map[string]any{"id": 1, "name": "thing"}
	actual := map[string]any{"id": 1}
	errs := Match(expected, actual, "body", AllowExtra)
	require.Len(t, errs, 1)
	assert.Equal(t, "body.name", errs[0].Path)
	assert.Contains(t, errs[0].Message, "missing")
}

func TestMatchNested(t *testing.T) {
	expected := map[string]any{"user": map[string]any{"id": 1, "role": "admin"}}
	actual := map[string]any{"user": map[string]any{"id": 2.0, "role": "user"}}
	errs := Match(expected, actual, "body", AllowExtra)
	require.Len(t, errs, 2)
	paths := []string{errs[0].Path, errs[1].Path}
	assert.Contains(t, paths, "body.user.id")
	assert.Contains(t, paths, "body.user.role")
}

func TestMatchListOrdered(t *testing.T) {
	expected := []any{1, 2, 3}
	assert.Empty(t, Match(expected, []any{1.0, 2.0, 3.0}, "body", Exact))

	errs := Match(expected, []any{3.0, 2.0, 1.0}, "body", Exact)
	assert.NotEmpty(t, errs)

	errs = Match(expected, []any{1.0, 2.0}, "body", Exact)
	assert.NotEmpty(t, errs, "length mismatch must be reported")
}

func TestMatchListAnyOrder(t *testing.T) {
	expected := []any{1, 2, 3}
	assert.Empty(t, Match(expected, []any{3.0, 1.0, 2.0}, "body", AnyOrder))

	errs := Match(expected, []any{3.0, 1.0}, "body", AnyOrder)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "no list item matched")
}

func TestMatchTypeMismatch(t *testing.T) {
	errs := Match(map[string]any{"a": 1}, []any{1}, "body", AllowExtra)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "expected a mapping")

	errs = Match([]any{1}, map[string]any{"a": 1}, "body", AllowExtra)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "expected a list")
}

func TestMatchNeverStopsAtFirstError(t *testing.T) {
	expected := map[string]any{"a": 1, "b": 2, "c": 3}
	actual := map[string]any{"a": 9.0, "b": 9.0, "c": 9.0}
	errs := Match(expected, actual, "body", AllowExtra)
	assert.Len(t, errs, 3)
}

func TestMatchNilExpected(t *testing.T) {
	assert.Empty(t, Match(nil, nil, "body", AllowExtra))
	assert.Len(t, Match(nil, "something", "body", AllowExtra), 1)
}

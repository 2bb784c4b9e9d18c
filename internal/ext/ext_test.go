package ext

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register("make_token", func(args []any, kwargs map[string]any) (any, error) {
		return "token-" + kwargs["suffix"].(string), nil
	})

	value, err := reg.Resolve(&Reference{
		Function:    "make_token",
		ExtraKwargs: map[string]any{"suffix": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "token-abc", value)
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve(&Reference{Function: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistryResolvePrependsEngineArgs(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo_args", func(args []any, kwargs map[string]any) (any, error) {
		return args, nil
	})

	value, err := reg.Resolve(&Reference{Function: "echo_args", ExtraArgs: []any{"extra"}}, "engine")
	require.NoError(t, err)
	args := value.([]any)
	require.Len(t, args, 2)
	assert.Equal(t, "engine", args[0])
	assert.Equal(t, "extra", args[1])
}

func TestRegistryResolveWrapsError(t *testing.T) {
	reg := NewRegistry()
	sentinel := errors.New("boom")
	reg.Register("fail", func(args []any, kwargs map[string]any) (any, error) {
		return nil, sentinel
	})

	_, err := reg.Resolve(&Reference{Function: "fail"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestParseSpec(t *testing.T) {
	ref, err := ParseSpec(map[string]any{
		"function":     "f",
		"extra_args":   []any{1},
		"extra_kwargs": map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "f", ref.Function)
	assert.Equal(t, []any{1}, ref.ExtraArgs)
	assert.Equal(t, map[string]any{"k": "v"}, ref.ExtraKwargs)
}

func TestParseSpecMissingFunction(t *testing.T) {
	_, err := ParseSpec(map[string]any{"extra_args": []any{}})
	assert.Error(t, err)
}

func TestParseTagged(t *testing.T) {
	ref, tagged, err := ParseTagged(map[string]any{
		RefKey: map[string]any{"function": "f"},
	})
	require.NoError(t, err)
	assert.True(t, tagged)
	assert.Equal(t, "f", ref.Function)

	_, tagged, err = ParseTagged(map[string]any{"plain": "data"})
	require.NoError(t, err)
	assert.False(t, tagged)

	_, tagged, err = ParseTagged("scalar")
	require.NoError(t, err)
	assert.False(t, tagged)

	_, tagged, err = ParseTagged(map[string]any{RefKey: "not-a-map"})
	assert.True(t, tagged)
	assert.Error(t, err)
}

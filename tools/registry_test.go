package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(ctx context.Context, args json.RawMessage, tctx Context) (string, error) {
	return string(args), nil
}

// TestRegistry_RegisterAndGet tests basic registration round-trip.
func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("echo", echoTool, Metadata{})
	require.NoError(t, err)
	assert.True(t, r.Has("echo"))

	fn, meta, err := r.Get("echo")
	require.NoError(t, err)
	require.NotNil(t, fn)
	assert.Equal(t, "echo", meta.Schema.Name, "schema name defaults to register name")
	assert.NotZero(t, meta.Timeout, "timeout gets a default")
}

// TestRegistry_RegisterValidation tests rejected registrations.
func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(nil)

	assert.Error(t, r.Register("", echoTool, Metadata{}))
	assert.Error(t, r.Register("x", nil, Metadata{}))

	meta := Metadata{}
	meta.Schema.Name = "other"
	assert.Error(t, r.Register("x", echoTool, meta), "schema/register name mismatch")
}

// TestRegistry_ReRegisterOverwrites tests that duplicate names replace
// the previous definition instead of failing.
func TestRegistry_ReRegisterOverwrites(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("echo", func(context.Context, json.RawMessage, Context) (string, error) {
		return "v1", nil
	}, Metadata{}))
	require.NoError(t, r.Register("echo", func(context.Context, json.RawMessage, Context) (string, error) {
		return "v2", nil
	}, Metadata{}))

	fn, _, err := r.Get("echo")
	require.NoError(t, err)
	out, err := fn(context.Background(), nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

// TestRegistry_Unregister tests removal semantics.
func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("echo", echoTool, Metadata{}))

	require.NoError(t, r.Unregister("echo"))
	assert.False(t, r.Has("echo"))
	assert.Error(t, r.Unregister("echo"), "second removal fails")
}

// TestRegistry_SchemasPreservesOrderAndSkipsUnknown tests subset selection.
func TestRegistry_SchemasPreservesOrderAndSkipsUnknown(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, r.Register(name, echoTool, Metadata{}))
	}

	schemas := r.Schemas([]string{"gamma", "missing", "alpha"})
	require.Len(t, schemas, 2)
	assert.Equal(t, "gamma", schemas[0].Name)
	assert.Equal(t, "alpha", schemas[1].Name)

	assert.Empty(t, r.Schemas(nil))
}

// TestRegistry_RateLimit tests that the per-tool limiter kicks in.
func TestRegistry_RateLimit(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("slow", echoTool, Metadata{
		RateLimit: &RateLimit{PerSecond: 1, Burst: 2},
	}))

	assert.True(t, r.allow("slow"))
	assert.True(t, r.allow("slow"))
	assert.False(t, r.allow("slow"), "burst exhausted")

	// 无限流配置的工具永远放行
	require.NoError(t, r.Register("free", echoTool, Metadata{}))
	for i := 0; i < 10; i++ {
		assert.True(t, r.allow("free"))
	}
}

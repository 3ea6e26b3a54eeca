package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	tests := []struct {
		name string
		new  func(t *testing.T) Registry
	}{
		{
			name: "memory",
			new:  func(*testing.T) Registry { return NewMemoryRegistry() },
		},
		{
			name: "redis",
			new: func(t *testing.T) Registry {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisRegistry(client, "", 0)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.new(t)
			ctx := context.Background()

			_, err := r.Lookup(ctx, "bob")
			assert.ErrorIs(t, err, ErrNotBound)

			require.NoError(t, r.Bind(ctx, "bob", "sip:bob@example.com"))
			uri, err := r.Lookup(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, "sip:bob@example.com", uri)

			require.NoError(t, r.Bind(ctx, "bob", "sip:bob@10.0.0.2:5062"))
			uri, err = r.Lookup(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, "sip:bob@10.0.0.2:5062", uri)

			require.NoError(t, r.Unbind(ctx, "bob"))
			_, err = r.Lookup(ctx, "bob")
			assert.ErrorIs(t, err, ErrNotBound)
		})
	}
}

func TestRedisRegistry_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewRedisRegistry(client, "test:", time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Bind(ctx, "alice", "sip:alice@example.com"))
	assert.True(t, mr.Exists("test:alice"))
	assert.Equal(t, time.Minute, mr.TTL("test:alice"))

	mr.FastForward(2 * time.Minute)
	_, err := r.Lookup(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestEndpoint_SharedRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newEnv(t, "alice", "bob")
	shared := func(cfg *Config) { cfg.Registry = NewRedisRegistry(client, "", 0) }
	alice := env.endpoint(t, "alice", shared)
	bob := env.endpoint(t, "bob", shared, autoAnswer)
	ctx := testContext(t, 10*time.Second)
	require.NoError(t, bob.Register(ctx))

	uri, err := mr.Get("vphone:identity:bob")
	require.NoError(t, err)
	assert.Equal(t, bob.AOR().String(), uri)

	require.NoError(t, alice.Call(ctx, "bob"))
	require.Equal(t, WaitSuccess, alice.WaitCallState(ctx, StateInCall, 3*time.Second))
	require.NoError(t, alice.Hangup(ctx))
	require.Equal(t, WaitSuccess, bob.WaitForHangup(ctx, 2*time.Second))
}

package cache

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	want := []float32{1.5, -2, 0, 7e-8}
	got, err := decode(encode(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = decode([]byte{0, 1})
	assert.Error(t, err)
}

// TestRedisCache_Integration needs a Redis server; set OBDBOT_TEST_REDIS_ADDR
// to run it.
func TestRedisCache_Integration(t *testing.T) {
	addr := os.Getenv("OBDBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OBDBOT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	c, err := NewRedisCache(ctx, RedisConfig{Addr: addr, Prefix: "obdbot:test:"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, ok, err := c.GetVector(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PutVector(ctx, "k", []float32{0.5, 0.25}))
	got, ok, err := c.GetVector(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.25}, got)
}

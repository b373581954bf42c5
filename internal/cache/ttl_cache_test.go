package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_SetGet(t *testing.T) {
	c := NewTTLCache()
	ctx := context.Background()

	require.NoError(t, c.SetBytes(ctx, "k", []byte("value"), time.Minute))

	b, ok, err := c.GetBytes(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("value"), b)
}

func TestTTLCache_Miss(t *testing.T) {
	c := NewTTLCache()

	_, ok, err := c.GetBytes(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLCache_Expiry(t *testing.T) {
	c := NewTTLCache()
	ctx := context.Background()

	require.NoError(t, c.SetBytes(ctx, "k", []byte("value"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := c.GetBytes(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLCache_ZeroTTLNeverExpires(t *testing.T) {
	c := NewTTLCache()
	ctx := context.Background()

	require.NoError(t, c.SetBytes(ctx, "k", []byte("value"), 0))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.GetBytes(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTTLCache_Overwrite(t *testing.T) {
	c := NewTTLCache()
	ctx := context.Background()

	require.NoError(t, c.SetBytes(ctx, "k", []byte("one"), time.Minute))
	require.NoError(t, c.SetBytes(ctx, "k", []byte("two"), time.Minute))

	b, ok, err := c.GetBytes(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), b)
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	c := NewTTLCache()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			_ = c.SetBytes(ctx, "shared", []byte("v"), time.Minute)
		}
		close(done)
	}()
	for i := 0; i < 500; i++ {
		_, _, _ = c.GetBytes(ctx, "shared")
	}
	<-done
}

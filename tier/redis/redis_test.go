package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov/tier"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := New(context.Background(), Options{
		URL:       fmt.Sprintf("redis://%s", mr.Addr()),
		KeyPrefix: "memgov:",
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNew(t *testing.T) {
	t.Run("invalid url", func(t *testing.T) {
		_, err := New(context.Background(), Options{URL: "not-a-url"})
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := New(context.Background(), Options{
			URL:         fmt.Sprintf("redis://%s", addr),
			DialTimeout: 200 * time.Millisecond,
		})
		assert.Error(t, err)
	})
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := setupTestStore(t)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, tier.ErrNotFound)

	require.NoError(t, store.Put(ctx, "a", []byte{0x00, 0xff, 0x10}, 0))
	assert.True(t, mr.Exists("memgov:a"))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, got)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, tier.ErrNotFound)
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, mr := setupTestStore(t)

	require.NoError(t, store.Put(ctx, "ephemeral", []byte("x"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("memgov:ephemeral"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, tier.ErrNotFound)
}

func TestStore_PingAfterShutdown(t *testing.T) {
	ctx := context.Background()
	store, mr := setupTestStore(t)

	require.NoError(t, store.Ping(ctx))
	mr.Close()
	assert.Error(t, store.Ping(ctx))
}

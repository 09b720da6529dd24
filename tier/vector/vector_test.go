package vector

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov/tier"
)

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := New(Options{})
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, tier.ErrNotFound)

	require.NoError(t, store.Put(ctx, "a", []byte{0, 1, 2, 255}, 0))
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 255}, got)

	require.NoError(t, store.Put(ctx, "empty", nil, 0))
	got, err = store.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, tier.ErrNotFound)
	assert.Equal(t, 1, store.Len())
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, err := New(Options{})
	require.NoError(t, err)

	now := time.UnixMilli(1_000)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Second))
	_, err = store.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, tier.ErrNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestStore_Similar(t *testing.T) {
	ctx := context.Background()
	store, err := New(Options{})
	require.NoError(t, err)

	matches, err := store.Similar(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, store.PutEmbedding(ctx, "east", []byte("e"), []float32{1, 0}, 0))
	require.NoError(t, store.PutEmbedding(ctx, "north", []byte("n"), []float32{0, 1}, 0))
	require.NoError(t, store.PutEmbedding(ctx, "northeast", []byte("ne"), []float32{1, 1}, 0))

	matches, err = store.Similar(ctx, []float32{0.9, 0.1}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "east", matches[0].Key)
	assert.Equal(t, []byte("e"), matches[0].Value)
	assert.Equal(t, "northeast", matches[1].Key)
	assert.Equal(t, "north", matches[2].Key)
}

func TestByteHistogram(t *testing.T) {
	for _, v := range [][]byte{nil, []byte("hello"), make([]byte, 1000)} {
		emb := ByteHistogram(v)
		require.Len(t, emb, histogramBins+1)
		var norm float64
		for _, x := range emb {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	}
}

func TestStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(Options{Path: dir, Collection: "persisted"})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k", []byte("durable"), 0))
	require.NoError(t, store.Close())
	assert.Error(t, store.Ping(ctx))

	reopened, err := New(Options{Path: dir, Collection: "persisted"})
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

package som

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov/internal/pool"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, capacity int64) (*Cache, *pool.Registry, *pool.Pool, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	reg := pool.NewRegistry(pool.WithClock(clock.Now))
	p, err := reg.Register("cache", pool.KindCache, capacity, 1)
	require.NoError(t, err)

	c, err := NewCache(Config{Map: MapConfig{Width: 5, Height: 5, Seed: 1}, Pool: p, Now: clock.Now})
	require.NoError(t, err)
	return c, reg, p, clock
}

func TestCache_SetGet(t *testing.T) {
	c, _, p, _ := newTestCache(t, 1<<20)

	require.NoError(t, c.Set("a", []byte("hello"), SetOptions{}))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	e, ok := c.Entry("a")
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.AccessCount)
	assert.Equal(t, DefaultRelevance, e.Relevance)
	assert.GreaterOrEqual(t, e.PriorityScore, 0.0)
	assert.LessOrEqual(t, e.PriorityScore, 1.0)

	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
	assert.Equal(t, int64(5), p.Used())

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Zero(t, p.Used())
}

func TestCache_EvictsLowestPriorityFirst(t *testing.T) {
	c, _, _, _ := newTestCache(t, 1<<20)

	for i := 0; i < 10; i++ {
		rel := 0.05 + float64(i)*0.1
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), bytes.Repeat([]byte{byte(i)}, 100), SetOptions{Relevance: rel}))
	}

	type scored struct {
		key   string
		score float64
	}
	var all []scored
	for i := 0; i < 10; i++ {
		e, ok := c.Entry(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		all = append(all, scored{e.Key, e.PriorityScore})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })

	evicted := c.EvictBytes(250)
	require.Len(t, evicted, 3)
	for i, key := range evicted {
		assert.Equal(t, all[i].key, key)
	}
	for _, s := range all[3:] {
		_, ok := c.Entry(s.key)
		assert.True(t, ok)
	}

	assert.Len(t, c.EvictBytes(1<<30), 7)
	assert.Zero(t, c.Stats().Entries)
}

func TestCache_PoolPressureScenario(t *testing.T) {
	c, _, p, _ := newTestCache(t, 1_000_000)

	var events int
	c.onEvict = func(keys []string, _ int64) { events++ }

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("doc-%d", i), make([]byte, 150_000), SetOptions{}))
	}

	assert.GreaterOrEqual(t, events, 1)
	assert.LessOrEqual(t, p.Used(), int64(1_100_000))
	assert.Equal(t, p.Used(), int64(c.Stats().Entries)*150_000)
}

func TestCache_TTL(t *testing.T) {
	c, _, p, clock := newTestCache(t, 1<<20)

	require.NoError(t, c.Set("short", []byte("x"), SetOptions{TTL: time.Second}))
	require.NoError(t, c.Set("long", []byte("y"), SetOptions{}))

	clock.Advance(2 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok)
	assert.Equal(t, int64(1), p.Used())

	require.NoError(t, c.Set("short2", []byte("z"), SetOptions{TTL: time.Second}))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.PurgeExpired())
}

func TestCache_ForgetOnPoolEviction(t *testing.T) {
	c, reg, p, _ := newTestCache(t, 1<<20)
	reg.OnEvict(func(ev pool.Eviction) { c.Forget(ev.Keys) })

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), []byte("value"), SetOptions{}))
	}

	ev := p.Evict(0.5, "test")
	require.Len(t, ev.Keys, 2)
	assert.Equal(t, 2, c.Stats().Entries)
	for _, k := range ev.Keys {
		_, ok := c.Entry(k)
		assert.False(t, ok)
	}
}

func TestCache_MembersAndReorganize(t *testing.T) {
	c, _, _, _ := newTestCache(t, 1<<20)

	keys := []string{"contract-1", "contract-2", "invoice-1", "memo-77", "memo-78"}
	for _, k := range keys {
		require.NoError(t, c.Set(k, []byte(k), SetOptions{}))
	}

	var all []string
	for node := 0; node < c.Map().Nodes(); node++ {
		all = append(all, c.Members(node)...)
	}
	slices.Sort(all)
	assert.Equal(t, []string{"contract-1", "contract-2", "invoice-1", "memo-77", "memo-78"}, all)

	assert.Equal(t, len(keys), c.Reorganize())
	assert.Positive(t, c.Stats().Clusters)
}

func TestCache_TrainingToggle(t *testing.T) {
	c, _, _, _ := newTestCache(t, 1<<20)

	require.NoError(t, c.Set("a", []byte("1"), SetOptions{}))
	assert.Equal(t, int64(1), c.Map().Steps())

	c.SetTraining(false)
	require.NoError(t, c.Set("b", []byte("2"), SetOptions{}))
	_, _ = c.Get("a")
	assert.Equal(t, int64(1), c.Map().Steps())
}

func TestCache_TooLarge(t *testing.T) {
	c, _, p, _ := newTestCache(t, 50)
	for i := range 5 {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), make([]byte, 10), SetOptions{}))
	}

	err := c.Set("big", make([]byte, 1000), SetOptions{})
	assert.ErrorIs(t, err, pool.ErrPoolFull)

	assert.Equal(t, 5, c.Stats().Entries)
	assert.Equal(t, int64(50), p.Used())
	for i := range 5 {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.True(t, ok)
	}
	_, ok := c.Get("big")
	assert.False(t, ok)

	// Growing an existing key past the pool keeps its old value.
	err = c.Set("k0", make([]byte, 1000), SetOptions{})
	assert.ErrorIs(t, err, pool.ErrPoolFull)
	v, ok := c.Get("k0")
	require.True(t, ok)
	assert.Len(t, v, 10)
}

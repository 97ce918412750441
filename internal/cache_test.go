package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "search:title:dune:5", titleSearchKey("  Dune ", 5))
	assert.Equal(t, "search:isbn:9780441013593", isbnSearchKey("978-0-441-01359-3"))
	assert.Equal(t, "search:author:frank herbert:20:40", authorSearchKey("Frank Herbert", 20, 40))
	assert.Equal(t, "book:isbn:9780441013593", bookKey("978-0441013593"))
	assert.Equal(t, "enrichment:9780441013593", enrichmentKey("9780441013593"))
}

func TestComputeTTL(t *testing.T) {
	t.Parallel()

	base := 10 * time.Hour
	assert.Equal(t, 20*time.Hour, computeTTL(base, 0.8))
	assert.Equal(t, 20*time.Hour, computeTTL(base, 1.0))
	assert.Equal(t, 10*time.Hour, computeTTL(base, 0.5))
	assert.Equal(t, 10*time.Hour, computeTTL(base, 0.3))
	assert.Equal(t, 5*time.Hour, computeTTL(base, 0.29))
	assert.Equal(t, 5*time.Hour, computeTTL(base, 0))
}

func TestFuzz(t *testing.T) {
	t.Parallel()

	for range 100 {
		d := fuzz(time.Hour, 1.5)
		assert.GreaterOrEqual(t, d, time.Hour)
		assert.LessOrEqual(t, d, 90*time.Minute)
	}
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c := newMemoryCache()

	_, ok := c.Get(ctx, "nope")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	v, ttl, ok := c.GetWithTTL(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Greater(t, ttl, 50*time.Second)

	c.Set(ctx, "expired", []byte("v"), -time.Second)
	_, ok = c.Get(ctx, "expired")
	assert.False(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLayeredCachePromotes(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	edge := newMemoryCache()
	durable := newMemoryCache()
	metrics := newCacheMetrics(nil)
	layered := newLayeredCache(edge, durable, metrics)

	// Seed only the durable tier, as if the process restarted.
	durable.Set(ctx, "k", []byte("v"), time.Minute)

	v, ok := layered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	// The hit should now be served from the edge.
	v, ok = edge.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	assert.EqualValues(t, 1, metrics.hitGet("durable"))
	assert.EqualValues(t, 1, metrics.missGet("edge"))
}

func TestLayeredCacheWritesBothTiers(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	edge := newMemoryCache()
	durable := newMemoryCache()
	layered := newLayeredCache(edge, durable, newCacheMetrics(nil))

	layered.Set(ctx, "k", []byte("v"), time.Minute)

	_, ok := edge.Get(ctx, "k")
	assert.True(t, ok)
	_, ok = durable.Get(ctx, "k")
	assert.True(t, ok)
}

func TestUnifiedCacheRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	u := NewUnifiedCache(newMemoryCache(), nil)

	_, _, ok := u.Get(ctx, enrichmentKey("9780441013593"))
	assert.False(t, ok)

	u.Put(ctx, enrichmentKey("9780441013593"), []byte(`{"title":"Dune"}`), _enrichmentTTL, 0.9, "google-books")

	payload, meta, ok := u.Get(ctx, enrichmentKey("9780441013593"))
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Dune"}`, string(payload))
	assert.Equal(t, "google-books", meta.Source)
	assert.Less(t, meta.Age, time.Minute)
}

func TestUnifiedCacheCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	mem := newMemoryCache()
	metrics := newCacheMetrics(nil)
	u := NewUnifiedCache(mem, metrics)

	mem.Set(ctx, "k", []byte("not json"), time.Minute)

	_, _, ok := u.Get(ctx, "k")
	assert.False(t, ok)
	assert.EqualValues(t, 1, metrics.corruptGet())

	// The corrupt entry is evicted so a later write can replace it.
	_, ok = mem.Get(ctx, "k")
	assert.False(t, ok)
}

func TestUnifiedCacheInvalidateByPrefix(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	u := NewUnifiedCache(newMemoryCache(), nil)

	u.Put(ctx, titleSearchKey("dune", 5), []byte(`[]`), _titleTTL, 0.5, "")
	u.Put(ctx, bookKey("9780441013593"), []byte(`{}`), _isbnTTL, 0.5, "")

	require.NoError(t, u.InvalidateByPrefix(ctx, "search:title:"))

	_, _, ok := u.Get(ctx, titleSearchKey("dune", 5))
	assert.False(t, ok)
	_, _, ok = u.Get(ctx, bookKey("9780441013593"))
	assert.True(t, ok)
}

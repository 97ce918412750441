package internal

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Base TTLs per lookup class. Quality multipliers are applied on top.
var (
	_titleTTL      = 7 * 24 * time.Hour
	_isbnTTL       = 365 * 24 * time.Hour
	_authorTTL     = 7 * 24 * time.Hour
	_enrichmentTTL = 180 * 24 * time.Hour

	// _edgeTTLCap bounds how long the in-process tier holds anything.
	_edgeTTLCap = time.Hour

	// _missing is a sentinel value we cache for empty results so repeated
	// misses don't hammer providers.
	_missing = []byte{0}

	// _missingTTL is how long we'll wait before retrying an empty result.
	_missingTTL = 24 * time.Hour
)

// cache is a TTL'd key/value store. The request path only performs O(1)
// lookups against it.
type cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Delete(ctx context.Context, key string) error
}

// Deterministic key schema. Keys are shared between tiers.
func titleSearchKey(title string, max int) string {
	return fmt.Sprintf("search:title:%s:%d", strings.ToLower(strings.TrimSpace(title)), max)
}

func isbnSearchKey(isbn string) string {
	return "search:isbn:" + digits(isbn)
}

func authorSearchKey(name string, limit, offset int) string {
	return fmt.Sprintf("search:author:%s:%d:%d", strings.ToLower(strings.TrimSpace(name)), limit, offset)
}

func bookKey(isbn string) string {
	return "book:isbn:" + digits(isbn)
}

func enrichmentKey(isbn string) string {
	return "enrichment:" + digits(isbn)
}

func warmedAuthorKey(name string) string {
	return "warmed:author:" + strings.ToLower(strings.TrimSpace(name))
}

// computeTTL applies the quality bias to a base TTL: strong records stick
// around twice as long, weak ones half.
func computeTTL(base time.Duration, quality float64) time.Duration {
	switch {
	case quality >= 0.8:
		return 2 * base
	case quality < 0.3:
		return base / 2
	}
	return base
}

// fuzz scales the given duration into the range (d, d*f) so entries written
// together don't all expire together.
func fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}

// memoryCache is a mutex-guarded map cache used in tests and as a stand-in
// when no durable tier is configured.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]memoryEntry{}}
}

var _ cache[[]byte] = (*memoryCache)(nil)

func (m *memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := m.GetWithTTL(ctx, key)
	return v, ok
}

func (m *memoryCache) GetWithTTL(_ context.Context, key string) ([]byte, time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, 0, false
	}
	return e.value, time.Until(e.expires), true
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryCache) invalidatePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// edgeCache is the in-process tier: a bounded ristretto LRU behind gocache's
// TTL-aware wrapper.
type edgeCache struct {
	inner *gocache.Cache[[]byte]
}

var _ cache[[]byte] = (*edgeCache)(nil)

func newEdgeCache(maxBytes int64) (*edgeCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("building edge cache: %w", err)
	}
	return &edgeCache{inner: gocache.New[[]byte](ristretto_store.NewRistretto(rc))}, nil
}

func (e *edgeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (e *edgeCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	v, ttl, err := e.inner.GetWithTTL(ctx, key)
	if err != nil {
		return nil, 0, false
	}
	return v, ttl, true
}

func (e *edgeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl > _edgeTTLCap {
		ttl = _edgeTTLCap
	}
	_ = e.inner.Set(ctx, key, value,
		store.WithExpiration(ttl),
		store.WithCost(int64(len(value))),
	)
}

func (e *edgeCache) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

// pgCache is the durable tier: a single postgres table mapping keys to
// payloads with an expiry. Strictly consistent per key from the writer's
// perspective.
type pgCache struct {
	db *pgxpool.Pool
}

var _ cache[[]byte] = (*pgCache)(nil)

func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return db, nil
}

func newPGCache(ctx context.Context, db *pgxpool.Pool) (*pgCache, error) {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache (
			key     TEXT PRIMARY KEY,
			value   BYTEA NOT NULL,
			expires TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensuring cache table: %w", err)
	}
	return &pgCache{db: db}, nil
}

func (p *pgCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := p.GetWithTTL(ctx, key)
	return v, ok
}

func (p *pgCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	var value []byte
	var expires time.Time
	err := p.db.QueryRow(ctx,
		`SELECT value, expires FROM cache WHERE key = $1`, key,
	).Scan(&value, &expires)
	if err != nil {
		return nil, 0, false
	}
	ttl := time.Until(expires)
	if ttl <= 0 {
		return nil, 0, false
	}
	return value, ttl, true
}

func (p *pgCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_, err := p.db.Exec(ctx, `
		INSERT INTO cache (key, value, expires) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires = $3`,
		key, value, time.Now().Add(ttl),
	)
	if err != nil {
		Log(ctx).Warn("problem writing durable cache", "key", key, "err", err)
	}
}

func (p *pgCache) Delete(ctx context.Context, key string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
	return err
}

func (p *pgCache) invalidatePrefix(ctx context.Context, prefix string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM cache WHERE key LIKE $1 || '%'`, prefix)
	return err
}

// layeredCache consults the edge tier first and falls back to the durable
// tier, promoting durable hits into the edge.
type layeredCache struct {
	edge    cache[[]byte]
	durable cache[[]byte]
	metrics *cacheMetrics
}

var _ cache[[]byte] = (*layeredCache)(nil)

func newLayeredCache(edge, durable cache[[]byte], metrics *cacheMetrics) *layeredCache {
	return &layeredCache{edge: edge, durable: durable, metrics: metrics}
}

func (l *layeredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := l.GetWithTTL(ctx, key)
	return v, ok
}

func (l *layeredCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	if v, ttl, ok := l.edge.GetWithTTL(ctx, key); ok {
		l.metrics.hitInc("edge")
		return v, ttl, true
	}
	l.metrics.missInc("edge")

	v, ttl, ok := l.durable.GetWithTTL(ctx, key)
	if !ok {
		l.metrics.missInc("durable")
		return nil, 0, false
	}
	l.metrics.hitInc("durable")
	l.metrics.promoteInc()
	l.edge.Set(ctx, key, v, ttl)
	return v, ttl, true
}

func (l *layeredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	l.edge.Set(ctx, key, value, ttl)
	l.durable.Set(ctx, key, value, ttl)
}

func (l *layeredCache) Delete(ctx context.Context, key string) error {
	return errors.Join(
		l.edge.Delete(ctx, key),
		l.durable.Delete(ctx, key),
	)
}

// cacheEntry is the envelope persisted in both tiers.
type cacheEntry struct {
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
	TTL      int64     `json:"ttl_seconds"`
	Source   string    `json:"source_provider,omitempty"`
	Quality  float64   `json:"quality_score"`
}

// CacheMeta describes how a cached value was served.
type CacheMeta struct {
	Source string        `json:"source,omitempty"`
	Age    time.Duration `json:"age"`
}

// prefixInvalidator is implemented by tiers that can drop keys by prefix.
// Test-only; the edge tier can't enumerate and simply ages entries out.
type prefixInvalidator interface {
	invalidatePrefix(ctx context.Context, prefix string) error
}

// UnifiedCache presents the two tiers as one store of enveloped payloads.
type UnifiedCache struct {
	tiers   cache[[]byte]
	metrics *cacheMetrics
}

// NewUnifiedCache builds the unified view over an already-layered cache.
func NewUnifiedCache(tiers cache[[]byte], metrics *cacheMetrics) *UnifiedCache {
	if metrics == nil {
		metrics = newCacheMetrics(nil)
	}
	return &UnifiedCache{tiers: tiers, metrics: metrics}
}

// Get returns the payload stored under key, or false on miss. Corrupt
// entries are treated as misses and logged.
func (u *UnifiedCache) Get(ctx context.Context, key string) ([]byte, CacheMeta, bool) {
	raw, _, ok := u.tiers.GetWithTTL(ctx, key)
	if !ok {
		return nil, CacheMeta{}, false
	}

	var entry cacheEntry
	if err := sonic.ConfigStd.Unmarshal(raw, &entry); err != nil {
		u.metrics.corruptInc()
		Log(ctx).Warn("corrupt cache entry, treating as miss", "key", key, "err", err)
		_ = u.tiers.Delete(ctx, key)
		return nil, CacheMeta{}, false
	}

	return entry.Payload, CacheMeta{
		Source: entry.Source,
		Age:    time.Since(entry.StoredAt),
	}, true
}

// Put writes the payload to both tiers under the quality-biased TTL.
func (u *UnifiedCache) Put(ctx context.Context, key string, payload []byte, baseTTL time.Duration, quality float64, source string) {
	ttl := fuzz(computeTTL(baseTTL, quality), 1.2)

	entry := cacheEntry{
		Payload:  payload,
		StoredAt: time.Now().UTC(),
		TTL:      int64(ttl.Seconds()),
		Source:   source,
		Quality:  quality,
	}

	raw, err := sonic.ConfigStd.Marshal(entry)
	if err != nil {
		Log(ctx).Warn("problem marshaling cache entry", "key", key, "err", err)
		return
	}
	u.tiers.Set(ctx, key, raw, ttl)
}

// Delete removes the key from all tiers.
func (u *UnifiedCache) Delete(ctx context.Context, key string) error {
	return u.tiers.Delete(ctx, key)
}

// InvalidateByPrefix drops keys sharing a prefix. Test-only.
func (u *UnifiedCache) InvalidateByPrefix(ctx context.Context, prefix string) error {
	if pi, ok := u.tiers.(prefixInvalidator); ok {
		return pi.invalidatePrefix(ctx, prefix)
	}
	if lc, ok := u.tiers.(*layeredCache); ok {
		if pi, ok := lc.durable.(prefixInvalidator); ok {
			return pi.invalidatePrefix(ctx, prefix)
		}
	}
	return errors.New("cache does not support prefix invalidation")
}

package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryWarmQueue is an in-process WarmQueue for tests.
type memoryWarmQueue struct {
	mu   sync.Mutex
	msgs []string
	dead []string
}

var _ WarmQueue = (*memoryWarmQueue)(nil)

func (q *memoryWarmQueue) Pop(_ context.Context, max int, _ time.Duration) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil, nil
	}
	n := min(max, len(q.msgs))
	batch := q.msgs[:n]
	q.msgs = q.msgs[n:]
	return batch, nil
}

func (q *memoryWarmQueue) DeadLetter(_ context.Context, raw string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, raw)
	return nil
}

func (q *memoryWarmQueue) deadLetters() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.dead...)
}

func TestWarmerWarmsAuthor(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	provider := &scriptedProvider{name: "only", resp: duneResponse("only")}
	cache := NewUnifiedCache(newMemoryCache(), nil)
	engine := NewEngine(cache, provider)
	w := NewWarmer(&memoryWarmQueue{}, engine, cache)

	w.processMessage(ctx, `{"author":"Frank Herbert"}`)

	// The author search and the per-title search both hit the cache now.
	_, _, ok := cache.Get(ctx, warmedAuthorKey("Frank Herbert"))
	assert.True(t, ok)
	_, _, ok = cache.Get(ctx, authorSearchKey("Frank Herbert", _warmAuthorLimit, 0))
	assert.True(t, ok)
	_, _, ok = cache.Get(ctx, titleSearchKey("Dune", _warmTitleMax))
	assert.True(t, ok)
}

func TestWarmerSkipsProcessedAuthors(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	provider := &scriptedProvider{name: "only", resp: duneResponse("only")}
	cache := NewUnifiedCache(newMemoryCache(), nil)
	engine := NewEngine(cache, provider)
	w := NewWarmer(&memoryWarmQueue{}, engine, cache)

	cache.Put(ctx, warmedAuthorKey("Frank Herbert"), []byte("1"), _warmMarkerTTL, 0.5, "")

	w.processMessage(ctx, `{"author":"Frank Herbert"}`)
	assert.EqualValues(t, 0, provider.calls.Load())
}

func TestWarmerDeadLettersPoisonMessages(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	queue := &memoryWarmQueue{}
	cache := NewUnifiedCache(newMemoryCache(), nil)
	w := NewWarmer(queue, NewEngine(cache), cache)

	w.processMessage(ctx, `not json`)
	w.processMessage(ctx, `{"author":""}`)

	assert.Equal(t, []string{"not json", `{"author":""}`}, queue.deadLetters())
}

func TestWarmerRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	// Every call fails with a retryable upstream error.
	provider := &scriptedProvider{name: "down", err: statusErr(503)}
	queue := &memoryWarmQueue{}
	cache := NewUnifiedCache(newMemoryCache(), nil)
	engine := NewEngine(cache, provider)
	w := NewWarmer(queue, engine, cache)

	w.processMessage(ctx, `{"author":"Frank Herbert"}`)

	require.Len(t, queue.deadLetters(), 1)
	// Three attempts were made before giving up.
	assert.EqualValues(t, _warmAttempts, provider.calls.Load())
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	_warmBatchSize   = 10
	_warmBatchWait   = 30 * time.Second
	_warmConcurrency = 5
	_warmAttempts    = 3
	_warmMarkerTTL   = 90 * 24 * time.Hour
	_warmTitleMax    = 5
	_warmAuthorLimit = 20
)

// WarmMessage is one queued author-warming request.
type WarmMessage struct {
	Author string `json:"author"`
}

// WarmQueue is the message source for the warming consumer.
type WarmQueue interface {
	// Pop blocks up to wait for at least one message, then drains up to max.
	Pop(ctx context.Context, max int, wait time.Duration) ([]string, error)
	// DeadLetter routes a poison message aside for inspection.
	DeadLetter(ctx context.Context, raw string) error
}

// redisWarmQueue implements WarmQueue over two redis lists.
type redisWarmQueue struct {
	rdb    *redis.Client
	key    string
	dlqKey string
}

var _ WarmQueue = (*redisWarmQueue)(nil)

// NewRedisWarmQueue connects to redis and returns the queue.
func NewRedisWarmQueue(url, key string) (WarmQueue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &redisWarmQueue{
		rdb:    redis.NewClient(opt),
		key:    key,
		dlqKey: key + ":dead",
	}, nil
}

func (q *redisWarmQueue) Pop(ctx context.Context, max int, wait time.Duration) ([]string, error) {
	first, err := q.rdb.BLPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping from %s: %w", q.key, err)
	}

	// BLPop returns [key, value].
	batch := []string{first[1]}
	if max > 1 {
		rest, err := q.rdb.LPopCount(ctx, q.key, max-1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return batch, nil
		}
		batch = append(batch, rest...)
	}
	return batch, nil
}

func (q *redisWarmQueue) DeadLetter(ctx context.Context, raw string) error {
	return q.rdb.LPush(ctx, q.dlqKey, raw).Err()
}

// Warmer drains author-warming messages and pre-fills the cache so first
// user searches for popular authors hit warm keys.
type Warmer struct {
	queue  WarmQueue
	engine *Engine
	cache  *UnifiedCache
}

// NewWarmer builds a warming consumer.
func NewWarmer(queue WarmQueue, engine *Engine, cache *UnifiedCache) *Warmer {
	return &Warmer{queue: queue, engine: engine, cache: cache}
}

// Run consumes batches until the context is done.
func (w *Warmer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := w.queue.Pop(ctx, _warmBatchSize, _warmBatchWait)
		if err != nil {
			Log(ctx).Warn("problem popping warming batch", "err", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		w.processBatch(ctx, batch)
	}
}

// processBatch handles one drained batch with bounded concurrency.
func (w *Warmer) processBatch(ctx context.Context, batch []string) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(_warmConcurrency)

	for _, raw := range batch {
		group.Go(func() error {
			w.processMessage(ctx, raw)
			return nil
		})
	}
	_ = group.Wait()
}

// processMessage warms one author, retrying transient failures and routing
// exhausted messages to the dead letter list.
func (w *Warmer) processMessage(ctx context.Context, raw string) {
	var msg WarmMessage
	if err := sonic.ConfigStd.Unmarshal([]byte(raw), &msg); err != nil || msg.Author == "" {
		Log(ctx).Warn("unparseable warming message", "raw", raw, "err", err)
		w.deadLetter(ctx, raw)
		return
	}

	err := retry.Do(
		func() error { return w.warmAuthor(ctx, msg.Author) },
		retry.Attempts(_warmAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var pe *providerErr
			return errors.As(err, &pe) && pe.retryable()
		}),
	)
	if err != nil {
		Log(ctx).Warn("giving up on warming message", "author", msg.Author, "err", err)
		w.deadLetter(ctx, raw)
	}
}

// warmAuthor fills the author's search key and the title keys for each of
// their works. Individual title failures don't fail the message.
func (w *Warmer) warmAuthor(ctx context.Context, author string) error {
	if _, _, ok := w.cache.Get(ctx, warmedAuthorKey(author)); ok {
		Log(ctx).Debug("author already warmed", "author", author)
		return nil
	}

	resp, _, err := w.engine.SearchByAuthor(ctx, author, _warmAuthorLimit, 0)
	if err != nil {
		return fmt.Errorf("warming author %q: %w", author, err)
	}

	for _, work := range resp.Works {
		if _, _, err := w.engine.SearchByTitle(ctx, work.Title, _warmTitleMax); err != nil {
			Log(ctx).Debug("problem warming title", "title", work.Title, "err", err)
		}
	}

	w.cache.Put(ctx, warmedAuthorKey(author), []byte("1"), _warmMarkerTTL, 0.5, "")
	Log(ctx).Info("warmed author", "author", author, "works", len(resp.Works))
	return nil
}

func (w *Warmer) deadLetter(ctx context.Context, raw string) {
	if err := w.queue.DeadLetter(ctx, raw); err != nil {
		Log(ctx).Warn("problem dead-lettering message", "err", err)
	}
}

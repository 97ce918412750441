package internal

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// _defaultBatchConcurrency bounds in-flight operations per batch.
const _defaultBatchConcurrency = 10

// BatchResult holds one item's outcome at its original input index.
type BatchResult[T any] struct {
	Index int
	Value T
	Err   error
}

// BatchProgress is invoked after each completion. Calls are serialized, so
// callbacks may touch unguarded state.
type BatchProgress func(completed, total int, label string, hadError bool)

// RunBatch runs op over every input with at most c in flight. Results come
// back ordered by input index; individual failures land in the result slice
// and never fail the batch. The only batch-level error is context
// cancellation.
func RunBatch[In, Out any](
	ctx context.Context,
	inputs []In,
	c int,
	label func(In) string,
	op func(context.Context, In) (Out, error),
	progress BatchProgress,
) ([]BatchResult[Out], error) {
	if c <= 0 {
		c = _defaultBatchConcurrency
	}

	results := make([]BatchResult[Out], len(inputs))

	var mu sync.Mutex
	completed := 0

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c)

	for idx, input := range inputs {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			value, err := op(ctx, input)
			results[idx] = BatchResult[Out]{Index: idx, Value: value, Err: err}

			mu.Lock()
			defer mu.Unlock()
			completed++
			if progress != nil {
				progress(completed, len(inputs), label(input), err != nil)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatchOrdersResultsByInput(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	inputs := []int{5, 3, 1, 4, 2}

	results, err := RunBatch(ctx, inputs, 3,
		strconv.Itoa,
		func(_ context.Context, n int) (string, error) {
			return fmt.Sprintf("v%d", n), nil
		},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, results, len(inputs))

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("v%d", inputs[i]), r.Value)
		assert.NoError(t, r.Err)
	}
}

func TestRunBatchToleratesItemFailures(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	boom := errors.New("boom")

	results, err := RunBatch(ctx, []int{1, 2, 3}, 2,
		strconv.Itoa,
		func(_ context.Context, n int) (int, error) {
			if n == 2 {
				return 0, boom
			}
			return n * 10, nil
		},
		nil,
	)
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, 10, results[0].Value)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NoError(t, results[2].Err)
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	const limit = 4

	var inFlight, peak atomic.Int64
	var mu sync.Mutex

	inputs := make([]int, 50)

	_, err := RunBatch(ctx, inputs, limit,
		strconv.Itoa,
		func(_ context.Context, _ int) (struct{}, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)

			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			return struct{}{}, nil
		},
		nil,
	)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestRunBatchProgressCallback(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	var calls []int
	var labels []string

	_, err := RunBatch(ctx, []string{"a", "b", "c"}, 1,
		func(s string) string { return s },
		func(_ context.Context, s string) (string, error) {
			if s == "b" {
				return "", errors.New("nope")
			}
			return s, nil
		},
		func(completed, total int, label string, hadError bool) {
			calls = append(calls, completed)
			labels = append(labels, label)
			assert.Equal(t, 3, total)
			if label == "b" {
				assert.True(t, hadError)
			}
		},
	)
	require.NoError(t, err)

	// Serialized callbacks see completed counts 1..N in order.
	assert.Equal(t, []int{1, 2, 3}, calls)
	assert.Equal(t, []string{"a", "b", "c"}, labels)
}

func TestRunBatchCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := RunBatch(ctx, []int{1, 2, 3}, 2,
		strconv.Itoa,
		func(context.Context, int) (int, error) { return 0, nil },
		nil,
	)
	assert.ErrorIs(t, err, context.Canceled)
}

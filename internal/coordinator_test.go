package internal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records enqueued envelopes in order.
type fakeSink struct {
	mu     sync.Mutex
	envs   []Envelope
	closed bool
}

var _ broadcastSink = (*fakeSink)(nil)

func (s *fakeSink) enqueue(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return true
}

func (s *fakeSink) closeNormal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envs...)
}

func newTestCoordinator(t *testing.T, pipeline Pipeline, total int) (*Coordinator, *memoryJobStore) {
	t.Helper()
	store := NewMemoryJobStore()
	c := newCoordinator("job-1", store, CoordinatorConfig{}, nil)
	require.NoError(t, c.Init(t.Context(), pipeline, total))
	return c, store
}

func TestCoordinatorInitPersists(t *testing.T) {
	t.Parallel()

	c, store := newTestCoordinator(t, PipelineBatchEnrichment, 10)

	state, err := store.Load(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, state.Status)
	assert.Equal(t, PipelineBatchEnrichment, state.Pipeline)
	assert.Equal(t, 10, state.Total)
	assert.EqualValues(t, 0, state.Version)

	snap := c.Snapshot()
	assert.Equal(t, StatusInitializing, snap.Status)
}

func TestCoordinatorReadyHandshake(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineAIScan, 1)

	sink := &fakeSink{}
	replay := c.AttachSink(sink)
	assert.Empty(t, replay)

	done := make(chan error, 1)
	go func() { done <- c.WaitForReady(ctx, time.Second) }()

	c.ClientReady(ctx)

	require.NoError(t, <-done)
	assert.Equal(t, StatusReady, c.Snapshot().Status)

	envs := sink.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, EnvelopeReadyAck, envs[0].Type)
}

func TestCoordinatorDuplicateReadyIsIgnored(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineAIScan, 1)

	sink := &fakeSink{}
	c.AttachSink(sink)

	c.ClientReady(ctx)
	version := c.Snapshot().Version

	// A retransmitted ready signal must not re-ack or move the version.
	c.ClientReady(ctx)

	assert.Equal(t, version, c.Snapshot().Version)
	assert.Equal(t, StatusReady, c.Snapshot().Status)

	envs := sink.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, EnvelopeReadyAck, envs[0].Type)
}

func TestCoordinatorWaitForReadyTimesOut(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, PipelineAIScan, 1)
	err := c.WaitForReady(t.Context(), 10*time.Millisecond)
	assert.Error(t, err)
}

func TestCoordinatorProgressVersionsIncrease(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	// ai_scan publishes every update, so each push is observable.
	c, _ := newTestCoordinator(t, PipelineAIScan, 3)
	sink := &fakeSink{}
	c.AttachSink(sink)
	c.ClientReady(ctx)

	for i := 1; i <= 3; i++ {
		c.PushProgress(ctx, i, map[string]any{"stage": i})
	}
	c.Complete(ctx, map[string]any{"ok": true})

	envs := sink.envelopes()
	require.NotEmpty(t, envs)

	last := int64(-1)
	for _, env := range envs {
		assert.Greater(t, env.Version, last, "envelope versions must increase")
		last = env.Version
	}

	// Exactly one terminal envelope, and it is the last one.
	terminals := 0
	for _, env := range envs {
		if env.terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, EnvelopeComplete, envs[len(envs)-1].Type)
	assert.True(t, sink.closed)
}

func TestCoordinatorThrottlesBatchEnrichment(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineBatchEnrichment, 100)
	sink := &fakeSink{}
	c.AttachSink(sink)
	c.ClientReady(ctx)

	// Pin time so the 10s fallback never fires during the loop.
	now := time.Now()
	c.now = func() time.Time { return now }
	c.throttle.now = c.now

	before := len(sink.envelopes())
	for i := 1; i <= 20; i++ {
		c.PushProgress(ctx, i, nil)
	}

	progress := sink.envelopes()[before:]
	// The first update flushes immediately, then every 5th: 1, 6, 11, 16.
	assert.Len(t, progress, 4)
}

func TestCoordinatorFinalUpdateBypassesThrottle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineBatchEnrichment, 3)
	sink := &fakeSink{}
	c.AttachSink(sink)
	c.ClientReady(ctx)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.throttle.now = c.now

	before := len(sink.envelopes())
	c.PushProgress(ctx, 3, nil) // processed == total

	progress := sink.envelopes()[before:]
	require.Len(t, progress, 1)
	assert.Equal(t, EnvelopeProgress, progress[0].Type)
}

func TestCoordinatorTerminalIsImmutable(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineAIScan, 1)
	c.Complete(ctx, map[string]any{"n": 1})

	version := c.Snapshot().Version
	c.PushProgress(ctx, 1, nil)
	c.Fail(ctx, "too late")
	c.Cancel(ctx, "too late")

	snap := c.Snapshot()
	assert.Equal(t, StatusComplete, snap.Status)
	assert.Equal(t, version, snap.Version)
}

func TestCoordinatorCancel(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineBatchAIScan, 3)
	sink := &fakeSink{}
	c.AttachSink(sink)
	c.ClientReady(ctx)

	assert.False(t, c.IsCanceled())
	c.Cancel(ctx, "user requested")
	assert.True(t, c.IsCanceled())

	snap := c.Snapshot()
	assert.Equal(t, StatusCanceled, snap.Status)

	envs := sink.envelopes()
	assert.Equal(t, EnvelopeCanceled, envs[len(envs)-1].Type)

	// Idempotent.
	c.Cancel(ctx, "again")
	assert.Equal(t, snap.Version, c.Snapshot().Version)
}

func TestCoordinatorTokenLifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineBatchEnrichment, 1)

	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.SetAuthToken(ctx, "tok-1"))
	require.NoError(t, c.Authenticate("tok-1"))
	assert.Error(t, c.Authenticate("tok-2"))

	// Too early: 2h remain, window is 30m.
	_, _, err := c.RefreshAuthToken(ctx, "tok-1")
	var ae *apiErr
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "REFRESH_TOO_EARLY", ae.code)

	// 31 minutes before expiry: still too early.
	now = now.Add(2*time.Hour - 31*time.Minute)
	_, _, err = c.RefreshAuthToken(ctx, "tok-1")
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "REFRESH_TOO_EARLY", ae.code)

	// 29 minutes before expiry: allowed, but only with the current token.
	now = now.Add(2 * time.Minute)
	_, _, err = c.RefreshAuthToken(ctx, "bogus")
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "INVALID_TOKEN", ae.code)

	fresh, expires, err := c.RefreshAuthToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.NotEqual(t, "tok-1", fresh)
	assert.Equal(t, now.Add(2*time.Hour), expires)

	// The old token is consumed.
	assert.Error(t, c.Authenticate("tok-1"))
	require.NoError(t, c.Authenticate(fresh))

	// Past expiry every token is rejected.
	now = now.Add(3 * time.Hour)
	_, _, err = c.RefreshAuthToken(ctx, fresh)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "TOKEN_EXPIRED", ae.code)
}

func TestCoordinatorUpdatePhoto(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineBatchAIScan, 3)
	c.InitPhotos(ctx, 3)

	c.UpdatePhoto(ctx, 0, PhotoComplete, 4, "")
	c.UpdatePhoto(ctx, 1, PhotoError, 0, "blurry")
	c.UpdatePhoto(ctx, 2, PhotoComplete, 2, "")

	snap := c.Snapshot()
	require.Len(t, snap.Photos, 3)
	assert.Equal(t, PhotoComplete, snap.Photos[0].Status)
	assert.Equal(t, "blurry", snap.Photos[1].ErrorMessage)
	assert.Equal(t, 6, snap.TotalBooksFound)

	// Out of range indexes are ignored.
	c.UpdatePhoto(ctx, 9, PhotoComplete, 1, "")
	assert.Equal(t, 6, c.Snapshot().TotalBooksFound)
}

func TestCoordinatorUpdatePhotoAfterCancelIsNoop(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineBatchAIScan, 3)
	c.InitPhotos(ctx, 3)
	c.UpdatePhoto(ctx, 0, PhotoComplete, 4, "")

	c.Cancel(ctx, "client requested")
	frozen := c.Snapshot()

	// A photo landing after cancellation must not mutate terminal state.
	c.UpdatePhoto(ctx, 1, PhotoComplete, 7, "")

	snap := c.Snapshot()
	assert.Equal(t, frozen.Version, snap.Version)
	assert.Equal(t, PhotoQueued, snap.Photos[1].Status)
	assert.Equal(t, 4, snap.TotalBooksFound)
	assert.Equal(t, StatusCanceled, snap.Status)
}

func TestCoordinatorTerminalPersistRetries(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	store := NewMemoryJobStore()
	c := newCoordinator("job-1", store, CoordinatorConfig{}, nil)
	require.NoError(t, c.Init(ctx, PipelineAIScan, 1))

	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()

	c.Complete(ctx, map[string]any{"ok": true})

	state, err := store.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, state.Status)
}

func TestCoordinatorReplayAfterReattach(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, _ := newTestCoordinator(t, PipelineAIScan, 2)
	first := &fakeSink{}
	c.AttachSink(first)
	c.ClientReady(ctx)
	c.PushProgress(ctx, 1, map[string]any{"i": 1})

	// Client drops; progress continues unobserved.
	c.DetachSink(first)
	c.PushProgress(ctx, 2, map[string]any{"i": 2})
	c.Complete(ctx, map[string]any{"ok": true})

	second := &fakeSink{}
	replay := c.AttachSink(second)
	require.Len(t, replay, 2)
	assert.Equal(t, EnvelopeProgress, replay[0].Type)
	assert.Equal(t, EnvelopeComplete, replay[1].Type)
	assert.Greater(t, replay[1].Version, replay[0].Version)
}

func TestCoordinatorOnAlarmDeletesState(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	store := NewMemoryJobStore()
	cleaned := make(chan string, 1)
	c := newCoordinator("job-1", store, CoordinatorConfig{}, func(id string) { cleaned <- id })
	require.NoError(t, c.Init(ctx, PipelineAIScan, 1))
	c.Complete(ctx, nil)

	c.OnAlarm(ctx)

	_, err := store.Load(ctx, "job-1")
	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, "job-1", <-cleaned)
}

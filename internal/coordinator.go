package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

// Coordinator defaults; overridable through CoordinatorConfig.
const (
	_authTokenTTL      = 2 * time.Hour
	_authRefreshWindow = 30 * time.Minute
	_jobCleanupAfter   = 24 * time.Hour
	_persistTimeout    = 5 * time.Second
	_readyTimeout      = 30 * time.Second
)

// CoordinatorConfig carries the tunables shared by every coordinator.
type CoordinatorConfig struct {
	TokenTTL       time.Duration
	RefreshWindow  time.Duration
	CleanupAfter   time.Duration
	PersistTimeout time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.TokenTTL == 0 {
		c.TokenTTL = _authTokenTTL
	}
	if c.RefreshWindow == 0 {
		c.RefreshWindow = _authRefreshWindow
	}
	if c.CleanupAfter == 0 {
		c.CleanupAfter = _jobCleanupAfter
	}
	if c.PersistTimeout == 0 {
		c.PersistTimeout = _persistTimeout
	}
	return c
}

// broadcastSink is the attached client connection. Enqueue must preserve
// call order; the coordinator only ever calls it under its own lock.
type broadcastSink interface {
	enqueue(env Envelope) bool
	closeNormal()
}

// Coordinator is the single writer for one job. Every operation takes the
// coordinator's lock, so all observable changes for a job are totally
// ordered.
type Coordinator struct {
	mu sync.Mutex

	state    JobState
	store    JobStore
	throttle *broadcastThrottle
	cfg      CoordinatorConfig

	sink       broadcastSink
	readyCh    chan struct{}
	readyOnce  sync.Once
	refreshing bool

	lastProgress *Envelope
	terminalEnv  *Envelope

	cleanupTimer *time.Timer
	onCleanup    func(jobID string)

	now func() time.Time
}

func newCoordinator(jobID string, store JobStore, cfg CoordinatorConfig, onCleanup func(string)) *Coordinator {
	if onCleanup == nil {
		onCleanup = func(string) {}
	}
	return &Coordinator{
		state:     JobState{ID: jobID},
		store:     store,
		cfg:       cfg.withDefaults(),
		readyCh:   make(chan struct{}),
		onCleanup: onCleanup,
		now:       time.Now,
	}
}

// Init allocates the job record. Must be called exactly once, before any
// other operation.
func (c *Coordinator) Init(ctx context.Context, pipeline Pipeline, total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	c.state.Pipeline = pipeline
	c.state.Status = StatusInitializing
	c.state.Total = total
	c.state.CreatedAt = now
	c.state.UpdatedAt = now
	c.state.Version = 0
	c.throttle = newBroadcastThrottle(pipeline)

	if err := c.persist(ctx); err != nil {
		return fmt.Errorf("persisting new job: %w", err)
	}
	return nil
}

// SetAuthToken binds a fresh token to the job.
func (c *Coordinator) SetAuthToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Token = token
	c.state.TokenExpiresAt = c.now().Add(c.cfg.TokenTTL)
	c.bump()
	c.persistAdvisory(ctx)
	return nil
}

// Authenticate checks a presented token against the currently bound one.
func (c *Coordinator) Authenticate(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Token == "" || token != c.state.Token {
		return errAuth("INVALID_TOKEN", "token does not match this job")
	}
	if !c.now().Before(c.state.TokenExpiresAt) {
		return errAuth("TOKEN_EXPIRED", "token has expired")
	}
	return nil
}

// AttachSink wires the client connection and returns envelopes to replay:
// the latest progress and, if the job already finished, its terminal
// envelope.
func (c *Coordinator) AttachSink(sink broadcastSink) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sink != nil {
		c.sink.closeNormal()
	}
	c.sink = sink

	replay := []Envelope{}
	if c.lastProgress != nil {
		replay = append(replay, *c.lastProgress)
	}
	if c.terminalEnv != nil {
		replay = append(replay, *c.terminalEnv)
	}
	return replay
}

// DetachSink clears the connection if it is still the attached one.
func (c *Coordinator) DetachSink(sink broadcastSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == sink {
		c.sink = nil
	}
}

// ClientReady handles the client's ready signal: acks it and transitions
// initializing jobs to ready, releasing producers blocked in WaitForReady.
func (c *Coordinator) ClientReady(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.readyCh) })

	// A duplicate ready signal is a no-op; re-acking would replay an
	// envelope at an already-observed version.
	if c.state.Status != StatusInitializing {
		return
	}
	c.state.Status = StatusReady
	c.bump()
	c.persistAdvisory(ctx)
	c.broadcast(Envelope{Type: EnvelopeReadyAck})
}

// WaitForReady blocks the producer until the client has attached and acked,
// or the timeout elapses. Producers proceed on timeout so work is not lost
// when no client ever connects.
func (c *Coordinator) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = _readyTimeout
	}
	select {
	case <-c.readyCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no client ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushProgress records one observable update. Broadcast and persistence ride
// the per-pipeline throttle; a final update always goes out.
func (c *Coordinator) PushProgress(ctx context.Context, processed int, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status.terminal() {
		return
	}
	if c.state.Status == StatusReady || c.state.Status == StatusInitializing {
		c.state.Status = StatusProcessing
	}

	c.state.Processed = processed
	c.state.UpdatedAt = c.now().UTC()
	c.bump()

	final := c.state.Total > 0 && processed >= c.state.Total
	if !c.throttle.admit(final) {
		return
	}

	c.persistAdvisory(ctx)
	env := c.envelope(EnvelopeProgress, payload)
	c.lastProgress = &env
	c.send(env)
}

// Complete transitions the job to its successful terminal state.
func (c *Coordinator) Complete(ctx context.Context, payload any) {
	c.terminate(ctx, StatusComplete, EnvelopeComplete, payload)
}

// Fail transitions the job to its failed terminal state.
func (c *Coordinator) Fail(ctx context.Context, reason string) {
	c.terminate(ctx, StatusFailed, EnvelopeFailed, map[string]any{"error": reason})
}

// Cancel requests cooperative cancellation and moves the job to canceled.
// Idempotent; calling it on a terminal job is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state.Status.terminal() {
		c.mu.Unlock()
		return
	}
	c.state.CancelRequested = true
	c.mu.Unlock()

	c.terminate(ctx, StatusCanceled, EnvelopeCanceled, map[string]any{"reason": reason})
}

// IsCanceled is polled by pipelines between items.
func (c *Coordinator) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CancelRequested
}

// RefreshAuthToken swaps the token for a new one. Allowed only inside the
// refresh window, only with the currently bound token, and only one refresh
// at a time.
func (c *Coordinator) RefreshAuthToken(ctx context.Context, old string) (string, time.Time, error) {
	c.mu.Lock()

	if c.refreshing {
		c.mu.Unlock()
		return "", time.Time{}, errAuth("REFRESH_IN_PROGRESS", "another refresh is in flight")
	}
	if old != c.state.Token {
		c.mu.Unlock()
		return "", time.Time{}, errAuth("INVALID_TOKEN", "token does not match this job")
	}
	now := c.now()
	if !now.Before(c.state.TokenExpiresAt) {
		c.mu.Unlock()
		return "", time.Time{}, errAuth("TOKEN_EXPIRED", "token has expired")
	}
	if c.state.TokenExpiresAt.Sub(now) > c.cfg.RefreshWindow {
		c.mu.Unlock()
		return "", time.Time{}, errAuth("REFRESH_TOO_EARLY", "token is not yet refreshable")
	}

	token := uuid.NewString()
	expires := now.Add(c.cfg.TokenTTL)
	c.state.Token = token
	c.state.TokenExpiresAt = expires
	c.bump()
	c.refreshing = true
	c.mu.Unlock()

	// Persist outside the lock so a slow store doesn't stall broadcasts.
	err := c.persistWithRetry(ctx)

	c.mu.Lock()
	c.refreshing = false
	if err == nil {
		c.send(c.envelope(EnvelopeTokenRotated, map[string]any{
			"expires_at": expires.UTC(),
		}))
	}
	c.mu.Unlock()

	if err != nil {
		return "", time.Time{}, fmt.Errorf("persisting rotated token: %w", err)
	}
	return token, expires, nil
}

// SetTotal fixes the item count for jobs whose size is unknown at submit
// time (CSV imports learn it after the parse).
func (c *Coordinator) SetTotal(ctx context.Context, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status.terminal() {
		return
	}
	c.state.Total = total
	c.bump()
	c.persistAdvisory(ctx)
}

// Snapshot returns a point-in-time copy of the job for HTTP reads.
func (c *Coordinator) Snapshot() JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// StageInput stores raw input bytes (CSV uploads) for deferred processing.
func (c *Coordinator) StageInput(ctx context.Context, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.StagedInput = append([]byte(nil), raw...)
	c.bump()
	c.persistAdvisory(ctx)
}

// TakeStagedInput returns and clears the staged bytes.
func (c *Coordinator) TakeStagedInput() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := c.state.StagedInput
	c.state.StagedInput = nil
	return raw
}

// InitPhotos seeds the per-photo sub-entities for a batch scan.
func (c *Coordinator) InitPhotos(ctx context.Context, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Photos = make([]Photo, count)
	for i := range c.state.Photos {
		c.state.Photos[i] = Photo{Index: i, Status: PhotoQueued}
	}
	c.bump()
	c.persistAdvisory(ctx)
}

// UpdatePhoto mutates one photo's status and recomputes the running total of
// found books.
func (c *Coordinator) UpdatePhoto(ctx context.Context, index int, status PhotoStatus, booksFound int, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A photo finishing after the job went terminal must not reanimate it.
	if c.state.Status.terminal() {
		return
	}
	if index < 0 || index >= len(c.state.Photos) {
		Log(ctx).Warn("photo index out of range", "jobID", c.state.ID, "index", index)
		return
	}

	c.state.Photos[index].Status = status
	c.state.Photos[index].BooksFound = booksFound
	c.state.Photos[index].ErrorMessage = errMsg

	total := 0
	for _, p := range c.state.Photos {
		total += p.BooksFound
	}
	c.state.TotalBooksFound = total
	c.state.UpdatedAt = c.now().UTC()
	c.bump()
	c.persistAdvisory(ctx)
}

// OnAlarm runs the 24h post-terminal cleanup: the persisted record is
// deleted and the coordinator unregistered.
func (c *Coordinator) OnAlarm(ctx context.Context) {
	c.mu.Lock()
	jobID := c.state.ID
	sink := c.sink
	c.sink = nil
	c.mu.Unlock()

	if sink != nil {
		sink.closeNormal()
	}
	if err := c.store.Delete(ctx, jobID); err != nil {
		Log(ctx).Warn("problem deleting job state", "jobID", jobID, "err", err)
	}
	c.onCleanup(jobID)
}

// terminate performs a terminal transition. Terminal persistence is retried
// until it succeeds; the terminal envelope is always the last one sent.
func (c *Coordinator) terminate(ctx context.Context, status JobStatus, envType string, payload any) {
	c.mu.Lock()

	if c.state.Status.terminal() {
		c.mu.Unlock()
		return
	}

	c.state.Status = status
	c.state.Result = payload
	c.state.UpdatedAt = c.now().UTC()
	c.bump()
	env := c.envelope(envType, payload)
	c.terminalEnv = &env
	c.mu.Unlock()

	if err := c.persistWithRetry(ctx); err != nil {
		Log(ctx).Error("giving up persisting terminal state", "jobID", c.state.ID, "err", err)
	}

	c.mu.Lock()
	c.send(env)
	if c.sink != nil {
		c.sink.closeNormal()
		c.sink = nil
	}
	// Unblock any producer still waiting; the job is over.
	c.readyOnce.Do(func() { close(c.readyCh) })

	if c.cleanupTimer == nil {
		c.cleanupTimer = time.AfterFunc(c.cfg.CleanupAfter, func() {
			c.OnAlarm(withRequestID(context.Background(), c.state.ID))
		})
	}
	c.mu.Unlock()
}

// bump increments the version. Callers hold the lock.
func (c *Coordinator) bump() { c.state.Version++ }

// envelope builds a wire message stamped with the current version. Callers
// hold the lock.
func (c *Coordinator) envelope(envType string, payload any) Envelope {
	return Envelope{
		Type:      envType,
		JobID:     c.state.ID,
		Pipeline:  c.state.Pipeline,
		Version:   c.state.Version,
		Timestamp: c.now().UTC(),
		Payload:   payload,
	}
}

// broadcast sends a versionless control message. Callers hold the lock.
func (c *Coordinator) broadcast(env Envelope) {
	env.JobID = c.state.ID
	env.Pipeline = c.state.Pipeline
	env.Version = c.state.Version
	env.Timestamp = c.now().UTC()
	c.send(env)
}

// send enqueues to the attached sink, dropping the message when no client is
// connected. Callers hold the lock.
func (c *Coordinator) send(env Envelope) {
	if c.sink == nil {
		return
	}
	if !c.sink.enqueue(env) {
		c.sink = nil
	}
}

// persist writes state once with the persist deadline. Callers hold the
// lock.
func (c *Coordinator) persist(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PersistTimeout)
	defer cancel()
	snapshot := c.state.clone()
	return c.store.Save(pctx, &snapshot)
}

// persistAdvisory persists progress state: one retry, then log and move on.
// Callers hold the lock.
func (c *Coordinator) persistAdvisory(ctx context.Context) {
	if err := c.persist(ctx); err == nil {
		return
	}
	if err := c.persist(ctx); err != nil {
		Log(ctx).Warn("dropping advisory persist", "jobID", c.state.ID, "err", err)
	}
}

// persistWithRetry persists state with backoff until it succeeds. Used for
// terminal transitions, which must survive a restart. Callers must NOT hold
// the lock.
func (c *Coordinator) persistWithRetry(ctx context.Context) error {
	return retry.Do(
		func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.persist(ctx)
		},
		retry.Attempts(0), // unbounded
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(context.WithoutCancel(ctx)),
	)
}

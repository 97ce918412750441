package internal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry maps job ids to their live coordinators. Snapshots for jobs whose
// coordinator is gone (process restart) fall back to the store.
type Registry struct {
	store JobStore
	cfg   CoordinatorConfig

	mu           sync.Mutex
	coordinators map[string]*Coordinator
}

// NewRegistry builds an empty registry over a job store.
func NewRegistry(store JobStore, cfg CoordinatorConfig) *Registry {
	return &Registry{
		store:        store,
		cfg:          cfg,
		coordinators: map[string]*Coordinator{},
	}
}

// Reserve creates a coordinator for a new job and initializes it. The job id
// is generated here so callers can't collide.
func (r *Registry) Reserve(ctx context.Context, pipeline Pipeline, total int) (*Coordinator, string, error) {
	jobID := uuid.NewString()
	c := newCoordinator(jobID, r.store, r.cfg, r.remove)

	if err := c.Init(ctx, pipeline, total); err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	r.coordinators[jobID] = c
	r.mu.Unlock()
	return c, jobID, nil
}

// Get returns the live coordinator for a job, if any.
func (r *Registry) Get(jobID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coordinators[jobID]
	return c, ok
}

// Snapshot reads job state, preferring the live coordinator over the store.
func (r *Registry) Snapshot(ctx context.Context, jobID string) (JobState, error) {
	if c, ok := r.Get(jobID); ok {
		return c.Snapshot(), nil
	}
	state, err := r.store.Load(ctx, jobID)
	if err != nil {
		return JobState{}, errJobNotFound(jobID)
	}
	return state.clone(), nil
}

func (r *Registry) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.coordinators, jobID)
}

// Sweep drops coordinators for jobs abandoned before ever reaching a
// terminal state. Terminal jobs are removed by their own cleanup alarms;
// this catches producers that died mid-flight.
func (r *Registry) Sweep(ctx context.Context, idleAfter time.Duration) {
	cutoff := time.Now().Add(-idleAfter)

	r.mu.Lock()
	stale := []*Coordinator{}
	for _, c := range r.coordinators {
		snap := c.Snapshot()
		if !snap.Status.terminal() && snap.UpdatedAt.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		snap := c.Snapshot()
		Log(ctx).Info("sweeping abandoned job", "jobID", snap.ID, "status", snap.Status)
		c.Fail(ctx, "abandoned")
		c.OnAlarm(ctx)
	}
}

// Janitor runs Sweep periodically until the context is done.
func (r *Registry) Janitor(ctx context.Context, every, idleAfter time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, idleAfter)
		}
	}
}

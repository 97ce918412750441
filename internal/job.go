package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pipeline identifies which background flow owns a job.
type Pipeline string

const (
	PipelineBatchEnrichment Pipeline = "batch_enrichment"
	PipelineAIScan          Pipeline = "ai_scan"
	PipelineBatchAIScan     Pipeline = "batch_ai_scan"
	PipelineCSVImport       Pipeline = "csv_import"
)

// JobStatus is the job lifecycle state. Transitions form a DAG; terminal
// states are immutable except for cleanup.
type JobStatus string

const (
	StatusInitializing JobStatus = "initializing"
	StatusReady        JobStatus = "ready"
	StatusProcessing   JobStatus = "processing"
	StatusComplete     JobStatus = "complete"
	StatusFailed       JobStatus = "failed"
	StatusCanceled     JobStatus = "canceled"
)

func (s JobStatus) terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// PhotoStatus tracks one image inside a batch scan.
type PhotoStatus string

const (
	PhotoQueued     PhotoStatus = "queued"
	PhotoProcessing PhotoStatus = "processing"
	PhotoComplete   PhotoStatus = "complete"
	PhotoError      PhotoStatus = "error"
)

// Photo is the per-image sub-entity of a batch scan job.
type Photo struct {
	Index        int         `json:"index"`
	Status       PhotoStatus `json:"status"`
	BooksFound   int         `json:"books_found"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// JobState is the full persisted layout for one job. Copies of it are handed
// out as snapshots; the coordinator owns the only mutable instance.
type JobState struct {
	ID        string    `json:"id"`
	Pipeline  Pipeline  `json:"pipeline"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Result    any       `json:"result,omitempty"`
	Version   int64     `json:"version"`

	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`

	Photos          []Photo `json:"photos,omitempty"`
	TotalBooksFound int     `json:"total_books_found,omitempty"`
	CancelRequested bool    `json:"cancel_requested"`

	// StagedInput holds raw CSV bytes between upload and the deferred parse.
	StagedInput []byte `json:"staged_input,omitempty"`
}

// clone returns a deep-enough copy for snapshot readers. Result payloads are
// written once and never mutated, so sharing them is safe.
func (s *JobState) clone() JobState {
	out := *s
	out.Photos = append([]Photo(nil), s.Photos...)
	out.StagedInput = append([]byte(nil), s.StagedInput...)
	return out
}

// JobStore persists job state by id.
type JobStore interface {
	Save(ctx context.Context, state *JobState) error
	Load(ctx context.Context, jobID string) (*JobState, error)
	Delete(ctx context.Context, jobID string) error
}

// pgJobStore keeps jobs in a single postgres table as JSON blobs.
type pgJobStore struct {
	db *pgxpool.Pool
}

var _ JobStore = (*pgJobStore)(nil)

// NewPGJobStore ensures the jobs table exists and returns a store over it.
func NewPGJobStore(ctx context.Context, db *pgxpool.Pool) (JobStore, error) {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id      TEXT PRIMARY KEY,
			state   JSONB NOT NULL,
			updated TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensuring jobs table: %w", err)
	}
	return &pgJobStore{db: db}, nil
}

func (s *pgJobStore) Save(ctx context.Context, state *JobState) error {
	raw, err := sonic.ConfigStd.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", state.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO jobs (id, state, updated) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET state = $2, updated = $3`,
		state.ID, raw, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", state.ID, err)
	}
	return nil
}

func (s *pgJobStore) Load(ctx context.Context, jobID string) (*JobState, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, jobID).Scan(&raw)
	if err != nil {
		return nil, errNotFound
	}
	var state JobState
	if err := sonic.ConfigStd.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling job %s: %w", jobID, err)
	}
	return &state, nil
}

func (s *pgJobStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	return err
}

// memoryJobStore backs tests and keyless local runs.
type memoryJobStore struct {
	mu   sync.Mutex
	jobs map[string][]byte

	// failures, when positive, makes the next Save calls fail. Test hook.
	failures int
}

var _ JobStore = (*memoryJobStore)(nil)

func NewMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{jobs: map[string][]byte{}}
}

func (s *memoryJobStore) Save(_ context.Context, state *JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("injected save failure for %s", state.ID)
	}
	raw, err := sonic.ConfigStd.Marshal(state)
	if err != nil {
		return err
	}
	s.jobs[state.ID] = raw
	return nil
}

func (s *memoryJobStore) Load(_ context.Context, jobID string) (*JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.jobs[jobID]
	if !ok {
		return nil, errNotFound
	}
	var state JobState
	if err := sonic.ConfigStd.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *memoryJobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

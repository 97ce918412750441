package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pipeline input caps.
const (
	_maxBatchBooks  = 100
	_maxTitleLen    = 500
	_maxAuthorLen   = 300
	_maxISBNLen     = 17
	_maxImageBytes  = 5 << 20
	_maxCSVBytes    = 10 << 20
	_maxBatchPhotos = 5
)

// PipelineLimits carries the configurable input caps.
type PipelineLimits struct {
	MaxBatchBooks  int
	MaxImageBytes  int64
	MaxCSVBytes    int64
	MaxBatchPhotos int
	Concurrency    int
}

func (l PipelineLimits) withDefaults() PipelineLimits {
	if l.MaxBatchBooks == 0 {
		l.MaxBatchBooks = _maxBatchBooks
	}
	if l.MaxImageBytes == 0 {
		l.MaxImageBytes = _maxImageBytes
	}
	if l.MaxCSVBytes == 0 {
		l.MaxCSVBytes = _maxCSVBytes
	}
	if l.MaxBatchPhotos == 0 {
		l.MaxBatchPhotos = _maxBatchPhotos
	}
	if l.Concurrency == 0 {
		l.Concurrency = _defaultBatchConcurrency
	}
	return l
}

// JobTicket is the 202 response body for every pipeline submission.
type JobTicket struct {
	JobID      string `json:"jobId"`
	Token      string `json:"token"`
	TotalCount int    `json:"totalCount"`
}

// Pipelines wires the enrichment engine, job registry and vision client into
// the background flows.
type Pipelines struct {
	engine   *Engine
	registry *Registry
	vision   VisionClient
	limits   PipelineLimits

	readyTimeout time.Duration
}

// NewPipelines builds the pipeline layer.
func NewPipelines(engine *Engine, registry *Registry, vision VisionClient, limits PipelineLimits) *Pipelines {
	return &Pipelines{
		engine:       engine,
		registry:     registry,
		vision:       vision,
		limits:       limits.withDefaults(),
		readyTimeout: _readyTimeout,
	}
}

// start reserves a coordinator, binds a fresh auth token and returns the
// ticket handed back to the submitting client.
func (p *Pipelines) start(ctx context.Context, pipeline Pipeline, total int) (*Coordinator, JobTicket, error) {
	coordinator, jobID, err := p.registry.Reserve(ctx, pipeline, total)
	if err != nil {
		return nil, JobTicket{}, err
	}

	token := uuid.NewString()
	if err := coordinator.SetAuthToken(ctx, token); err != nil {
		return nil, JobTicket{}, err
	}

	return coordinator, JobTicket{JobID: jobID, Token: token, TotalCount: total}, nil
}

// run executes the background work for a job: wait for the client, do the
// work, and make sure a panic still produces a terminal state.
func (p *Pipelines) run(coordinator *Coordinator, jobID string, work func(ctx context.Context)) {
	go func() {
		ctx := withRequestID(context.Background(), jobID)

		defer func() {
			if r := recover(); r != nil {
				Log(ctx).Error("pipeline panicked", "jobID", jobID, "panic", r)
				coordinator.Fail(ctx, "internal")
			}
		}()

		if err := coordinator.WaitForReady(ctx, p.readyTimeout); err != nil {
			Log(ctx).Info("starting without an attached client", "jobID", jobID, "err", err)
		}
		work(ctx)
	}()
}

// enrichedBook is one batch-enrichment result entry, keeping input order.
type enrichedBook struct {
	Index  int             `json:"index"`
	Input  EnrichRequest   `json:"input"`
	Record *EnrichedRecord `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StartBatchEnrichment validates and launches a batch enrichment job.
func (p *Pipelines) StartBatchEnrichment(ctx context.Context, books []EnrichRequest) (JobTicket, error) {
	if len(books) == 0 {
		return JobTicket{}, errValidation("empty_batch", "at least one book is required")
	}
	if len(books) > p.limits.MaxBatchBooks {
		return JobTicket{}, errValidation("batch_too_large",
			fmt.Sprintf("at most %d books per batch", p.limits.MaxBatchBooks))
	}

	for i := range books {
		books[i].Title = strings.TrimSpace(books[i].Title)
		books[i].Author = strings.TrimSpace(books[i].Author)
		books[i].ISBN = strings.TrimSpace(books[i].ISBN)

		switch {
		case len(books[i].Title) > _maxTitleLen:
			return JobTicket{}, errValidation("field_too_long", fmt.Sprintf("books[%d].title exceeds %d characters", i, _maxTitleLen))
		case len(books[i].Author) > _maxAuthorLen:
			return JobTicket{}, errValidation("field_too_long", fmt.Sprintf("books[%d].author exceeds %d characters", i, _maxAuthorLen))
		case len(books[i].ISBN) > _maxISBNLen:
			return JobTicket{}, errValidation("field_too_long", fmt.Sprintf("books[%d].isbn exceeds %d characters", i, _maxISBNLen))
		case books[i].Title == "" && books[i].Author == "" && books[i].ISBN == "":
			return JobTicket{}, errValidation("empty_book", fmt.Sprintf("books[%d] has no fields", i))
		}
	}

	coordinator, ticket, err := p.start(ctx, PipelineBatchEnrichment, len(books))
	if err != nil {
		return JobTicket{}, err
	}

	p.run(coordinator, ticket.JobID, func(ctx context.Context) {
		p.runBatchEnrichment(ctx, coordinator, books)
	})
	return ticket, nil
}

func (p *Pipelines) runBatchEnrichment(ctx context.Context, coordinator *Coordinator, books []EnrichRequest) {
	start := time.Now()
	total := len(books)

	results, err := RunBatch(ctx, books, p.limits.Concurrency,
		EnrichRequest.label,
		func(ctx context.Context, req EnrichRequest) (*EnrichedRecord, error) {
			if coordinator.IsCanceled() {
				return nil, errCanceled
			}
			return p.engine.EnrichOne(ctx, req)
		},
		func(completed, total int, label string, hadError bool) {
			coordinator.PushProgress(ctx, completed, map[string]any{
				"message":   fmt.Sprintf("Enriching (%d/%d): %s", completed, total, label),
				"completed": completed,
				"total":     total,
				"had_error": hadError,
			})
		},
	)
	if err != nil {
		coordinator.Fail(ctx, "internal")
		return
	}
	if coordinator.IsCanceled() {
		return
	}

	enriched := make([]enrichedBook, len(results))
	success, failure := 0, 0
	for i, r := range results {
		entry := enrichedBook{Index: i, Input: books[i]}
		switch {
		case r.Err == nil:
			entry.Record = r.Value
			success++
		default:
			entry.Error = errLabel(r.Err)
			failure++
		}
		enriched[i] = entry
	}

	coordinator.Complete(ctx, map[string]any{
		"totalProcessed": total,
		"successCount":   success,
		"failureCount":   failure,
		"duration_ms":    time.Since(start).Milliseconds(),
		"enrichedBooks":  enriched,
	})
}

// errLabel turns an item failure into a stable client-visible string.
func errLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errNotFound):
		return "not_found"
	case errors.Is(err, errCanceled):
		return "canceled"
	}
	if ae, ok := asAPIErr(err); ok {
		return ae.code
	}
	var pe *providerErr
	if errors.As(err, &pe) {
		return pe.kind.String()
	}
	return "error"
}

package internal

import (
	"context"
	"fmt"
	"time"
)

// _csvParseDelay is how long staged bytes wait before the parse kicks off,
// giving the submitting handler time to return and the client time to attach.
const _csvParseDelay = 100 * time.Millisecond

// StartCSVImport stages the uploaded bytes and schedules the parse. Size
// checks happen in the handler before the bytes reach here.
func (p *Pipelines) StartCSVImport(ctx context.Context, raw []byte) (JobTicket, error) {
	if len(raw) == 0 {
		return JobTicket{}, errValidation("empty_file", "file body is required")
	}
	if int64(len(raw)) > p.limits.MaxCSVBytes {
		return JobTicket{}, errTooLarge("file_too_large",
			fmt.Sprintf("file exceeds %d bytes", p.limits.MaxCSVBytes))
	}

	coordinator, ticket, err := p.start(ctx, PipelineCSVImport, 0)
	if err != nil {
		return JobTicket{}, err
	}
	coordinator.StageInput(ctx, raw)

	p.run(coordinator, ticket.JobID, func(ctx context.Context) {
		time.Sleep(_csvParseDelay)
		p.runCSVImport(ctx, coordinator)
	})
	return ticket, nil
}

func (p *Pipelines) runCSVImport(ctx context.Context, coordinator *Coordinator) {
	raw := coordinator.TakeStagedInput()
	if len(raw) == 0 {
		coordinator.Fail(ctx, "missing_staged_input")
		return
	}

	rows, invalid, err := p.vision.ExtractCSVRows(ctx, raw)
	if err != nil {
		Log(ctx).Warn("extraction failed", "err", err)
		coordinator.Fail(ctx, "ai_unavailable")
		return
	}

	total := len(rows)
	coordinator.PushProgress(ctx, 0, map[string]any{
		"message":     fmt.Sprintf("Parsing row %d/%d", total, total),
		"validRows":   total,
		"invalidRows": len(invalid),
	})

	if coordinator.IsCanceled() {
		return
	}

	// De-duplicate by normalized ISBN up front; the engine's single-flight
	// coalesces what's left.
	seen := map[string]bool{}
	requests := make([]EnrichRequest, 0, total)
	for _, row := range rows {
		req := EnrichRequest{Title: row.Title, Author: row.Author, ISBN: row.ISBN}
		if canonical, ok := canonicalISBN(row.ISBN); ok {
			if seen[canonical] {
				continue
			}
			seen[canonical] = true
			req.ISBN = canonical
		}
		requests = append(requests, req)
	}
	coordinator.SetTotal(ctx, len(requests))

	results, err := RunBatch(ctx, requests, p.limits.Concurrency,
		EnrichRequest.label,
		func(ctx context.Context, req EnrichRequest) (*EnrichedRecord, error) {
			if coordinator.IsCanceled() {
				return nil, errCanceled
			}
			return p.engine.EnrichOne(ctx, req)
		},
		func(completed, total int, label string, hadError bool) {
			coordinator.PushProgress(ctx, completed, map[string]any{
				"message":   fmt.Sprintf("Enriching %d/%d", completed, total),
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

	enriched := []enrichedBook{}
	rowErrors := []string{}
	for i, r := range results {
		if r.Err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("%s: %s", requests[i].label(), errLabel(r.Err)))
			continue
		}
		enriched = append(enriched, enrichedBook{Index: i, Input: requests[i], Record: r.Value})
	}

	coordinator.Complete(ctx, map[string]any{
		"validRows":   total,
		"invalidRows": len(invalid),
		"errors":      append(invalid, rowErrors...),
		"enriched":    enriched,
	})
}

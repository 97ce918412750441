package internal

import (
	"context"
	"fmt"
)

// Progress anchors for the single-scan stages.
const (
	_scanQualityPct = 10
	_scanVisionPct  = 70
	_scanDonePct    = 100
)

// StartShelfScan validates and launches a single-image scan job. Size and
// content-type checks happen in the handler before the bytes reach here.
func (p *Pipelines) StartShelfScan(ctx context.Context, image []byte) (JobTicket, error) {
	if len(image) == 0 {
		return JobTicket{}, errValidation("empty_image", "image body is required")
	}
	if int64(len(image)) > p.limits.MaxImageBytes {
		return JobTicket{}, errTooLarge("image_too_large",
			fmt.Sprintf("image exceeds %d bytes", p.limits.MaxImageBytes))
	}

	coordinator, ticket, err := p.start(ctx, PipelineAIScan, _scanDonePct)
	if err != nil {
		return JobTicket{}, err
	}

	p.run(coordinator, ticket.JobID, func(ctx context.Context) {
		p.runShelfScan(ctx, coordinator, image)
	})
	return ticket, nil
}

func (p *Pipelines) runShelfScan(ctx context.Context, coordinator *Coordinator, image []byte) {
	if err := checkImageQuality(image); err != nil {
		Log(ctx).Info("image failed quality check", "err", err)
		coordinator.Fail(ctx, "low_image_quality")
		return
	}
	coordinator.PushProgress(ctx, _scanQualityPct, map[string]any{
		"stage": "quality_check", "progress": _scanQualityPct,
	})

	if coordinator.IsCanceled() {
		return
	}

	scan, err := p.vision.ScanShelf(ctx, image)
	if err != nil {
		Log(ctx).Warn("vision call failed", "err", err)
		coordinator.Fail(ctx, "ai_unavailable")
		return
	}
	coordinator.PushProgress(ctx, _scanVisionPct, map[string]any{
		"stage": "ai_vision", "progress": _scanVisionPct, "booksFound": len(scan.Books),
	})

	if coordinator.IsCanceled() {
		return
	}

	books := p.enrichScanned(ctx, coordinator, scan.Books)

	coordinator.PushProgress(ctx, _scanDonePct, map[string]any{
		"stage": "enrichment", "progress": _scanDonePct,
	})
	coordinator.Complete(ctx, map[string]any{
		"books": books,
		"metadata": map[string]any{
			"modelUsed":  scan.ModelUsed,
			"booksFound": len(scan.Books),
		},
	})
}

// enrichScanned resolves each spotted book, tolerating per-book failures.
func (p *Pipelines) enrichScanned(ctx context.Context, coordinator *Coordinator, scanned []ScannedBook) []enrichedBook {
	books := make([]enrichedBook, 0, len(scanned))
	for i, b := range scanned {
		if coordinator.IsCanceled() {
			break
		}

		req := EnrichRequest{Title: b.Title, Author: b.Author, ISBN: b.ISBN}
		entry := enrichedBook{Index: i, Input: req}

		record, err := p.engine.EnrichOne(ctx, req)
		if err != nil {
			entry.Error = errLabel(err)
		} else {
			entry.Record = record
		}
		books = append(books, entry)
	}
	return books
}

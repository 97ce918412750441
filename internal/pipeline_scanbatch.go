package internal

import (
	"context"
	"fmt"
)

// BatchImage is one photo in a multi-image scan submission.
type BatchImage struct {
	Index int    `json:"index"`
	Data  []byte `json:"data"`
}

// photoResult is the client-visible outcome for one photo.
type photoResult struct {
	Index        int         `json:"index"`
	Status       PhotoStatus `json:"status"`
	BooksFound   int         `json:"books_found"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// StartBatchShelfScan validates and launches a multi-image scan job. Photos
// are processed one at a time so a single job can't monopolize the vision
// model's rate limits.
func (p *Pipelines) StartBatchShelfScan(ctx context.Context, images []BatchImage) (JobTicket, error) {
	if len(images) == 0 {
		return JobTicket{}, errValidation("empty_batch", "at least one image is required")
	}
	if len(images) > p.limits.MaxBatchPhotos {
		return JobTicket{}, errValidation("too_many_photos",
			fmt.Sprintf("at most %d photos per batch", p.limits.MaxBatchPhotos))
	}
	for _, img := range images {
		if int64(len(img.Data)) > p.limits.MaxImageBytes {
			return JobTicket{}, errTooLarge("image_too_large",
				fmt.Sprintf("images[%d] exceeds %d bytes", img.Index, p.limits.MaxImageBytes))
		}
		if len(img.Data) == 0 {
			return JobTicket{}, errValidation("empty_image", fmt.Sprintf("images[%d] is empty", img.Index))
		}
	}

	coordinator, ticket, err := p.start(ctx, PipelineBatchAIScan, len(images))
	if err != nil {
		return JobTicket{}, err
	}
	coordinator.InitPhotos(ctx, len(images))

	p.run(coordinator, ticket.JobID, func(ctx context.Context) {
		p.runBatchShelfScan(ctx, coordinator, images)
	})
	return ticket, nil
}

func (p *Pipelines) runBatchShelfScan(ctx context.Context, coordinator *Coordinator, images []BatchImage) {
	allBooks := []enrichedBook{}
	results := make([]photoResult, len(images))

	for i, img := range images {
		// Cancellation is observed between photos; the current photo is
		// allowed to finish.
		if coordinator.IsCanceled() {
			p.fillQueued(results, i)
			return
		}

		coordinator.UpdatePhoto(ctx, i, PhotoProcessing, 0, "")

		books, errMsg := p.scanOnePhoto(ctx, coordinator, img.Data)
		if errMsg != "" {
			coordinator.UpdatePhoto(ctx, i, PhotoError, 0, errMsg)
			results[i] = photoResult{Index: i, Status: PhotoError, ErrorMessage: errMsg}
		} else {
			coordinator.UpdatePhoto(ctx, i, PhotoComplete, len(books), "")
			results[i] = photoResult{Index: i, Status: PhotoComplete, BooksFound: len(books)}
			allBooks = append(allBooks, books...)
		}

		coordinator.PushProgress(ctx, i+1, map[string]any{
			"message":    fmt.Sprintf("Processed photo %d/%d", i+1, len(images)),
			"photo":      results[i],
			"booksFound": coordinator.Snapshot().TotalBooksFound,
		})
	}

	if coordinator.IsCanceled() {
		return
	}

	coordinator.Complete(ctx, map[string]any{
		"total_books_found": coordinator.Snapshot().TotalBooksFound,
		"photoResults":      results,
		"books":             allBooks,
	})
}

// scanOnePhoto runs the three scan stages for one image, returning the
// enriched books or a stage error message.
func (p *Pipelines) scanOnePhoto(ctx context.Context, coordinator *Coordinator, image []byte) ([]enrichedBook, string) {
	if err := checkImageQuality(image); err != nil {
		return nil, "low_image_quality"
	}

	scan, err := p.vision.ScanShelf(ctx, image)
	if err != nil {
		Log(ctx).Warn("vision call failed", "err", err)
		return nil, "ai_unavailable"
	}

	return p.enrichScanned(ctx, coordinator, scan.Books), ""
}

// fillQueued marks never-started photos as queued in the result slice so a
// canceled job's snapshot reflects reality.
func (p *Pipelines) fillQueued(results []photoResult, from int) {
	for i := from; i < len(results); i++ {
		if results[i].Status == "" {
			results[i] = photoResult{Index: i, Status: PhotoQueued}
		}
	}
}

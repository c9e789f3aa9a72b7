package sync

import (
	"context"

	"github.com/attache-app/core/internal/api"
	"github.com/attache-app/core/internal/logging"
	"github.com/attache-app/core/internal/scheduling"
)

// attachmentConcurrency bounds how many attachment listings are fetched
// at once during a prefetch pass.
const attachmentConcurrency = 3

// AttachmentFetcher is the api surface the prefetcher needs.
type AttachmentFetcher interface {
	FetchAttachments(ctx context.Context, taskID int64) ([]api.Attachment, error)
}

// AttachmentPrefetcher warms the attachment listings for a set of tasks
// with bounded concurrency. Fetch failures are logged and skipped; a
// prefetch pass is best effort.
type AttachmentPrefetcher struct {
	client AttachmentFetcher
}

// NewAttachmentPrefetcher creates an AttachmentPrefetcher.
func NewAttachmentPrefetcher(client AttachmentFetcher) *AttachmentPrefetcher {
	return &AttachmentPrefetcher{client: client}
}

// Prefetch fetches the listings for every task ID, at most three at a
// time. onDone fires once when the whole pass has drained; it may be
// nil.
func (p *AttachmentPrefetcher) Prefetch(ctx context.Context, taskIDs []int64, onDone func()) {
	if len(taskIDs) == 0 {
		if onDone != nil {
			onDone()
		}
		return
	}

	enqueuer := scheduling.NewBatchEnqueuer(attachmentConcurrency)
	if onDone != nil {
		enqueuer.SetOnAllProcessed(onDone)
	}

	for _, taskID := range taskIDs {
		id := taskID
		enqueuer.Add(func(done func()) {
			defer done()
			if ctx.Err() != nil {
				return
			}
			if _, err := p.client.FetchAttachments(ctx, id); err != nil {
				logging.Warn("Attachment prefetch failed",
					map[string]interface{}{
						"task":  id,
						"error": err.Error(),
					})
			}
		})
	}
}

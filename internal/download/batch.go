package download

import (
	"context"

	"github.com/google/uuid"
	"github.com/maneesh/comicshelf/internal/logging"
)

// BatchResult lists the outcome of every item of a batch
type BatchResult struct {
	BatchID   string            `json:"batchId"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

// NewBatchID returns an id to subscribe to before starting a batch
func NewBatchID() string {
	return uuid.NewString()
}

// SubscribeBatch streams events of the batch with the given id until cancel is called
func (e *Engine) SubscribeBatch(batchID string) (<-chan BatchProgress, func()) {
	return e.batches.subscribe(batchID)
}

// DownloadBatch downloads the requests one at a time. A failed item is recorded and
// the batch moves on; cancelling ctx marks the remaining items failed.
func (e *Engine) DownloadBatch(ctx context.Context, batchID string, reqs []Request) *BatchResult {
	if batchID == "" {
		batchID = NewBatchID()
	}
	result := &BatchResult{BatchID: batchID, Succeeded: []string{}, Failed: map[string]string{}}
	total := len(reqs)

	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			for _, rest := range reqs[i:] {
				result.Failed[rest.ID] = err.Error()
			}
			break
		}

		e.batches.publish(batchID, BatchProgress{
			BatchID: batchID, Index: i, Total: total, CurrentID: req.ID,
			Completed: len(result.Succeeded), Failed: len(result.Failed),
		})

		if err := e.downloadForwarding(ctx, batchID, i, total, req, result); err != nil {
			result.Failed[req.ID] = err.Error()
			logging.Warnw("batch item failed", "batch_id", batchID, "download_id", req.ID, "error", err)
			continue
		}
		result.Succeeded = append(result.Succeeded, req.ID)
	}

	e.batches.publish(batchID, BatchProgress{
		BatchID: batchID, Index: total, Total: total,
		Completed: len(result.Succeeded), Failed: len(result.Failed), Done: true,
	})
	logging.Infow("batch finished", "batch_id", batchID, "succeeded", len(result.Succeeded), "failed", len(result.Failed))
	return result
}

// downloadForwarding runs one item while relaying its events onto the batch stream
func (e *Engine) downloadForwarding(ctx context.Context, batchID string, index, total int, req Request, result *BatchResult) error {
	events, cancel := e.Subscribe(req.ID)
	done := make(chan struct{})
	completed, failed := len(result.Succeeded), len(result.Failed)

	go func() {
		defer close(done)
		for ev := range events {
			ev := ev
			e.batches.publish(batchID, BatchProgress{
				BatchID: batchID, Index: index, Total: total, CurrentID: req.ID,
				Item: &ev, Completed: completed, Failed: failed,
			})
		}
	}()

	_, err := e.Download(ctx, req)
	cancel()
	<-done
	return err
}

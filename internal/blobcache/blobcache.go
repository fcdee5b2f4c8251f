// Package blobcache bounds the number of completed downloads kept in the store.
//
// Eviction is strictly by completion time: the oldest completed download goes first,
// regardless of when it was last read.
package blobcache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/metrics"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/storage"
)

// DefaultMaxCompleted is the number of completed downloads kept
const DefaultMaxCompleted = 10

// ErrConfirmationRequired guards ClearAll
var ErrConfirmationRequired = errors.New("clearing all downloads requires confirmation")

// Cache enforces the capacity policy over a download repository
type Cache struct {
	repo storage.DownloadRepository
}

// New returns a cache over repo
func New(repo storage.DownloadRepository) *Cache {
	return &Cache{repo: repo}
}

// EnforceLimit deletes the oldest completed downloads until at most maxCompleted remain.
// Ties on completion time are broken by id. It returns the evicted ids.
func (c *Cache) EnforceLimit(ctx context.Context, maxCompleted int) ([]string, error) {
	if maxCompleted < 0 {
		maxCompleted = 0
	}

	all, err := c.repo.ListDownloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	completed := make([]*models.DownloadRecord, 0, len(all))
	for _, rec := range all {
		if rec.IsCompleted() {
			completed = append(completed, rec)
		}
	}
	if len(completed) <= maxCompleted {
		return nil, nil
	}

	sort.SliceStable(completed, func(i, j int) bool {
		ti, tj := completedAt(completed[i]), completedAt(completed[j])
		if ti != tj {
			return ti < tj
		}
		return completed[i].ID < completed[j].ID
	})

	excess := completed[:len(completed)-maxCompleted]
	evicted := make([]string, 0, len(excess))
	for _, rec := range excess {
		if err := c.repo.DeleteDownload(ctx, rec.ID); err != nil {
			return evicted, fmt.Errorf("failed to evict %s: %w", rec.ID, err)
		}
		evicted = append(evicted, rec.ID)
		metrics.CacheEvictions.Inc()
		logging.Debugw("evicted download", "download_id", rec.ID, "completed_at_ms", completedAt(rec))
	}
	return evicted, nil
}

func completedAt(rec *models.DownloadRecord) int64 {
	if rec.DownloadedAtEpochMs == nil {
		return 0
	}
	return *rec.DownloadedAtEpochMs
}

// Get returns the blob of a completed download, or nil when absent or not completed
func (c *Cache) Get(ctx context.Context, id string) ([]byte, error) {
	rec, err := c.repo.GetDownload(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.IsCompleted() {
		return nil, nil
	}
	return rec.Blob, nil
}

// List returns the metadata of every download record, blobs omitted
func (c *Cache) List(ctx context.Context) ([]*models.DownloadRecord, error) {
	all, err := c.repo.ListDownloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	if all == nil {
		all = []*models.DownloadRecord{}
	}
	return all, nil
}

// Delete removes a download whatever its state. Deleting a missing id is not an error.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if err := c.repo.DeleteDownload(ctx, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// ClearAll deletes every download record. It refuses to run without confirm.
func (c *Cache) ClearAll(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrConfirmationRequired
	}

	all, err := c.repo.ListDownloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list downloads: %w", err)
	}
	for i, rec := range all {
		if err := c.repo.DeleteDownload(ctx, rec.ID); err != nil {
			return i, fmt.Errorf("failed to delete %s: %w", rec.ID, err)
		}
	}

	logging.Infow("cleared all downloads", "count", len(all))
	return len(all), nil
}

// Usage summarizes the completed downloads held
type Usage struct {
	Completed int    `json:"completed"`
	Bytes     int64  `json:"bytes"`
	Human     string `json:"human"`
}

// Usage counts completed downloads and their total size
func (c *Cache) Usage(ctx context.Context) (*Usage, error) {
	all, err := c.repo.ListDownloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	u := &Usage{}
	for _, rec := range all {
		if !rec.IsCompleted() {
			continue
		}
		u.Completed++
		if rec.FileSizeBytes != nil {
			u.Bytes += *rec.FileSizeBytes
		}
	}
	u.Human = humanize.Bytes(uint64(u.Bytes))
	return u, nil
}

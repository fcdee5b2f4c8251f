// Package progress tracks per-file reading state independently of the content tree.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/storage"
)

var (
	ErrInvalidStatus = errors.New("invalid read status")
	ErrInvalidPage   = errors.New("page numbers cannot be negative")
	ErrEmptyID       = errors.New("file id is required")
)

// Store upserts and queries progress records. Last writer wins.
type Store struct {
	repo storage.ProgressRepository
	now  func() time.Time
}

// NewStore returns a progress store backed by repo
func NewStore(repo storage.ProgressRepository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// MarkStatus upserts the full reading state of a file
func (s *Store) MarkStatus(ctx context.Context, id string, status models.ReadStatus, lastPage, totalPages int) (*models.ProgressRecord, error) {
	if err := validate(id, status, lastPage, totalPages); err != nil {
		return nil, err
	}

	rec := &models.ProgressRecord{
		ID:         id,
		Status:     status,
		LastPage:   lastPage,
		TotalPages: totalPages,
		UpdatedAt:  s.now(),
	}
	if err := s.repo.UpsertProgress(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save progress for %s: %w", id, err)
	}
	return rec, nil
}

// SetTotalPages records the page count, keeping status and last page of an existing record.
// A new record starts unread at page 0.
func (s *Store) SetTotalPages(ctx context.Context, id string, totalPages int) (*models.ProgressRecord, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if totalPages < 0 {
		return nil, ErrInvalidPage
	}

	rec, err := s.repo.GetProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress for %s: %w", id, err)
	}
	if rec == nil {
		rec = &models.ProgressRecord{ID: id, Status: models.StatusUnread}
	}
	rec.TotalPages = totalPages
	rec.UpdatedAt = s.now()

	if err := s.repo.UpsertProgress(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save progress for %s: %w", id, err)
	}
	return rec, nil
}

// AdvancePage moves the reading position. Reaching the last known page marks the file completed.
func (s *Store) AdvancePage(ctx context.Context, id string, page int) (*models.ProgressRecord, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if page < 0 {
		return nil, ErrInvalidPage
	}

	rec, err := s.repo.GetProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress for %s: %w", id, err)
	}

	total := 0
	if rec != nil {
		total = rec.TotalPages
	}

	status := models.StatusInProgress
	if total > 0 && page >= total-1 {
		status = models.StatusCompleted
	}
	return s.MarkStatus(ctx, id, status, page, total)
}

// Get returns nil when the file has no record
func (s *Store) Get(ctx context.Context, id string) (*models.ProgressRecord, error) {
	return s.repo.GetProgress(ctx, id)
}

// IsRead reports whether the file was opened at least once
func (s *Store) IsRead(ctx context.Context, id string) (bool, error) {
	rec, err := s.repo.GetProgress(ctx, id)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status.IsRead(), nil
}

// GetAll returns every record
func (s *Store) GetAll(ctx context.Context) ([]*models.ProgressRecord, error) {
	return s.repo.ListProgress(ctx)
}

// StatusMap returns the records keyed by file id, the shape tree.Annotate consumes
func (s *Store) StatusMap(ctx context.Context) (map[string]models.ProgressRecord, error) {
	all, err := s.repo.ListProgress(ctx)
	if err != nil {
		return nil, err
	}

	m := make(map[string]models.ProgressRecord, len(all))
	for _, rec := range all {
		m[rec.ID] = *rec
	}
	return m, nil
}

// Reset deletes the record of a file, returning it to unread
func (s *Store) Reset(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := s.repo.DeleteProgress(ctx, id); err != nil {
		return fmt.Errorf("failed to reset progress for %s: %w", id, err)
	}
	return nil
}

// BatchResult lists which ids of a bulk update succeeded and why the others failed
type BatchResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

// MarkMany sets status on every id, keeping pages of existing records.
// One failing id does not stop the rest.
func (s *Store) MarkMany(ctx context.Context, ids []string, status models.ReadStatus) (*BatchResult, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	result := &BatchResult{Succeeded: []string{}, Failed: map[string]string{}}
	for _, id := range ids {
		if err := s.markKeepingPages(ctx, id, status); err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result, nil
}

func (s *Store) markKeepingPages(ctx context.Context, id string, status models.ReadStatus) error {
	if id == "" {
		return ErrEmptyID
	}
	rec, err := s.repo.GetProgress(ctx, id)
	if err != nil {
		return err
	}
	lastPage, total := 0, 0
	if rec != nil {
		lastPage, total = rec.LastPage, rec.TotalPages
	}
	_, err = s.MarkStatus(ctx, id, status, lastPage, total)
	return err
}

func validate(id string, status models.ReadStatus, lastPage, totalPages int) error {
	if id == "" {
		return ErrEmptyID
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if lastPage < 0 || totalPages < 0 {
		return ErrInvalidPage
	}
	return nil
}

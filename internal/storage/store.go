package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maneesh/comicshelf/internal/models"
)

// ErrStoreUnavailable is returned by every accessor before Init or after Close
var ErrStoreUnavailable = errors.New("storage unavailable")

// SnapshotRepository holds the single locally persisted content tree
type SnapshotRepository interface {
	// ReplaceSnapshot clears the previous snapshot and writes the new one atomically
	ReplaceSnapshot(ctx context.Context, snap *models.Snapshot) error
	// LoadSnapshot returns nil when nothing has been saved yet
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// ProgressRepository persists reading progress keyed by file id
type ProgressRepository interface {
	UpsertProgress(ctx context.Context, rec *models.ProgressRecord) error
	GetProgress(ctx context.Context, id string) (*models.ProgressRecord, error)
	ListProgress(ctx context.Context) ([]*models.ProgressRecord, error)
	DeleteProgress(ctx context.Context, id string) error
}

// PointerRepository stores the last-read and last-folder pointers
type PointerRepository interface {
	SetPointer(ctx context.Context, p *models.Pointer) error
	GetPointer(ctx context.Context, kind models.PointerKind) (*models.Pointer, error)
}

// DownloadRepository persists download records and their blob payloads
type DownloadRepository interface {
	// SaveDownload upserts the record. The blob is stored only for completed records.
	SaveDownload(ctx context.Context, rec *models.DownloadRecord) error
	// GetDownload returns nil when absent. Blob is loaded only when withBlob is set.
	GetDownload(ctx context.Context, id string, withBlob bool) (*models.DownloadRecord, error)
	// ListDownloads returns metadata for every record, without blobs
	ListDownloads(ctx context.Context) ([]*models.DownloadRecord, error)
	DeleteDownload(ctx context.Context, id string) error
}

// Backend is a concrete persistence implementation behind the Store
type Backend interface {
	SnapshotRepository
	ProgressRepository
	PointerRepository
	DownloadRepository

	Open(ctx context.Context) error
	Close() error
	Name() string
}

// Store is the explicit handle every component receives. It guards the backend
// so that calls outside the Init/Close window fail fast.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	ready   bool
}

// NewStore wraps a backend; call Init before use
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Init opens the backend. Calling it on an initialized store is a no-op.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}
	if err := s.backend.Open(ctx); err != nil {
		return fmt.Errorf("failed to open %s storage: %w", s.backend.Name(), err)
	}
	s.ready = true
	return nil
}

// Close releases the backend. Later calls return ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil
	}
	s.ready = false
	return s.backend.Close()
}

// Ready reports whether the store is between Init and Close
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Backend returns the backend name
func (s *Store) Backend() string {
	return s.backend.Name()
}

func (s *Store) acquire() (Backend, func(), error) {
	s.mu.RLock()
	if !s.ready {
		s.mu.RUnlock()
		return nil, nil, ErrStoreUnavailable
	}
	return s.backend, s.mu.RUnlock, nil
}

func (s *Store) ReplaceSnapshot(ctx context.Context, snap *models.Snapshot) error {
	b, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	return b.ReplaceSnapshot(ctx, snap)
}

func (s *Store) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	b, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return b.LoadSnapshot(ctx)
}

func (s *Store) UpsertProgress(ctx context.Context, rec *models.ProgressRecord) error {
	b, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	return b.UpsertProgress(ctx, rec)
}

func (s *Store) GetProgress(ctx context.Context, id string) (*models.ProgressRecord, error) {
	b, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return b.GetProgress(ctx, id)
}

func (s *Store) ListProgress(ctx context.Context) ([]*models.ProgressRecord, error) {
	b, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return b.ListProgress(ctx)
}

func (s *Store) DeleteProgress(ctx context.Context, id string) error {
	b, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	return b.DeleteProgress(ctx, id)
}

func (s *Store) SetPointer(ctx context.Context, p *models.Pointer) error {
	b, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	return b.SetPointer(ctx, p)
}

func (s *Store) GetPointer(ctx context.Context, kind models.PointerKind) (*models.Pointer, error) {
	b, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return b.GetPointer(ctx, kind)
}

func (s *Store) SaveDownload(ctx context.Context, rec *models.DownloadRecord) error {
	b, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	return b.SaveDownload(ctx, rec)
}

func (s *Store) GetDownload(ctx context.Context, id string, withBlob bool) (*models.DownloadRecord, error) {
	b, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return b.GetDownload(ctx, id, withBlob)
}

func (s *Store) ListDownloads(ctx context.Context) ([]*models.DownloadRecord, error) {
	b, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return b.ListDownloads(ctx)
}

func (s *Store) DeleteDownload(ctx context.Context, id string) error {
	b, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	return b.DeleteDownload(ctx, id)
}

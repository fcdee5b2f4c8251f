package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/comicshelf/internal/models"
)

// MemoryBackend keeps every table in process memory. Values are copied on the
// way in and out so callers never share records with the store.
type MemoryBackend struct {
	mu        sync.RWMutex
	snapshot  []byte
	savedAt   time.Time
	progress  map[string]models.ProgressRecord
	pointers  map[models.PointerKind]models.Pointer
	downloads map[string]*models.DownloadRecord
}

// NewMemoryBackend returns an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		progress:  make(map[string]models.ProgressRecord),
		pointers:  make(map[models.PointerKind]models.Pointer),
		downloads: make(map[string]*models.DownloadRecord),
	}
}

func (m *MemoryBackend) Open(ctx context.Context) error { return nil }
func (m *MemoryBackend) Close() error                   { return nil }
func (m *MemoryBackend) Name() string                   { return "memory" }

// ReplaceSnapshot stores the tree serialized, which also gives readers a fresh copy on every load
func (m *MemoryBackend) ReplaceSnapshot(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = data
	m.savedAt = snap.SavedAt
	return nil
}

func (m *MemoryBackend) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snapshot == nil {
		return nil, nil
	}
	var nodes []*models.ContentNode
	if err := json.Unmarshal(m.snapshot, &nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &models.Snapshot{Nodes: nodes, SavedAt: m.savedAt}, nil
}

func (m *MemoryBackend) UpsertProgress(ctx context.Context, rec *models.ProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[rec.ID] = *rec
	return nil
}

func (m *MemoryBackend) GetProgress(ctx context.Context, id string) (*models.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.progress[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryBackend) ListProgress(ctx context.Context) ([]*models.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ProgressRecord, 0, len(m.progress))
	for _, rec := range m.progress {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) DeleteProgress(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, id)
	return nil
}

func (m *MemoryBackend) SetPointer(ctx context.Context, p *models.Pointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pointers[p.Kind] = *p
	return nil
}

func (m *MemoryBackend) GetPointer(ctx context.Context, kind models.PointerKind) (*models.Pointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pointers[kind]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryBackend) SaveDownload(ctx context.Context, rec *models.DownloadRecord) error {
	cp := rec.Metadata()
	if rec.IsCompleted() {
		cp.Blob = append([]byte(nil), rec.Blob...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[rec.ID] = cp
	return nil
}

func (m *MemoryBackend) GetDownload(ctx context.Context, id string, withBlob bool) (*models.DownloadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.downloads[id]
	if !ok {
		return nil, nil
	}
	cp := rec.Metadata()
	if withBlob && rec.Blob != nil {
		cp.Blob = append([]byte(nil), rec.Blob...)
	}
	return cp, nil
}

func (m *MemoryBackend) ListDownloads(ctx context.Context) ([]*models.DownloadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.DownloadRecord, 0, len(m.downloads))
	for _, rec := range m.downloads {
		out = append(out, rec.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) DeleteDownload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.downloads, id)
	return nil
}

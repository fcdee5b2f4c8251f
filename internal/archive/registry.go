package archive

import (
	"sync"

	"github.com/google/uuid"
	"github.com/maneesh/comicshelf/internal/metrics"
)

// Resource is a displayable handle to one page held in memory
type Resource struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Index       int    `json:"index"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Registry holds page images until they are released
type Registry struct {
	mu    sync.RWMutex
	pages map[string]Page
}

func NewRegistry() *Registry {
	return &Registry{pages: make(map[string]Page)}
}

// Register stores the pages and returns one resource per page, in order
func (r *Registry) Register(pages []Page) []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Resource, 0, len(pages))
	for _, p := range pages {
		id := uuid.NewString()
		r.pages[id] = p
		out = append(out, Resource{
			ID:          id,
			URL:         "/resources/" + id,
			Index:       p.Index,
			Name:        p.Name,
			ContentType: p.ContentType,
			Width:       p.Width,
			Height:      p.Height,
		})
	}
	metrics.LivePageResources.Set(float64(len(r.pages)))
	return out
}

// Open returns the bytes and content type of a live resource
func (r *Registry) Open(id string) ([]byte, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pages[id]
	if !ok {
		return nil, "", false
	}
	return p.Data, p.ContentType, true
}

// Release frees a resource. Releasing an unknown or released id does nothing.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pages[id]; !ok {
		return false
	}
	delete(r.pages, id)
	metrics.LivePageResources.Set(float64(len(r.pages)))
	return true
}

// ReleaseAll frees every listed resource and returns how many were live
func (r *Registry) ReleaseAll(ids []string) int {
	n := 0
	for _, id := range ids {
		if r.Release(id) {
			n++
		}
	}
	return n
}

// Live counts resources not yet released
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pages)
}

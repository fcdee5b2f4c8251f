package download

import (
	"sync"

	"github.com/maneesh/comicshelf/internal/models"
)

// subscriberBuffer is how many undelivered events a subscriber may lag behind
const subscriberBuffer = 16

// Progress is one event of a single download
type Progress struct {
	ID            string                `json:"id"`
	Status        models.DownloadStatus `json:"status"`
	BytesReceived int64                 `json:"bytesReceived"`
	TotalBytes    *int64                `json:"totalBytes,omitempty"`
	Percent       *int                  `json:"percent,omitempty"`
	Strategy      string                `json:"strategy,omitempty"`
	Done          bool                  `json:"done"`
	Err           string                `json:"error,omitempty"`
}

// final reports whether the event must reach every subscriber
func (p Progress) final() bool { return p.Done }

// BatchProgress is one event of a sequential batch
type BatchProgress struct {
	BatchID   string    `json:"batchId"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	CurrentID string    `json:"currentId,omitempty"`
	Item      *Progress `json:"item,omitempty"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Done      bool      `json:"done"`
}

func (p BatchProgress) final() bool { return p.Done }

type event interface {
	final() bool
}

// hub fans events out to per-key subscribers without ever blocking the publisher.
// A full subscriber loses intermediate events; final events displace the oldest queued one.
type hub[T event] struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan T
}

func newHub[T event]() *hub[T] {
	return &hub[T]{subs: make(map[string]map[int]chan T)}
}

func (h *hub[T]) subscribe(key string) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	id := h.next
	h.next++
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan T)
	}
	h.subs[key][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[key], id)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (h *hub[T]) publish(key string, ev T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[key] {
		select {
		case ch <- ev:
			continue
		default:
		}
		if !ev.final() {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub[T]) subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

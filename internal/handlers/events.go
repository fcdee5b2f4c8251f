package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/maneesh/comicshelf/internal/download"
	"github.com/maneesh/comicshelf/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the reader UI is served from another origin during development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHandler streams download progress over websockets
type EventsHandler struct {
	engine *download.Engine
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(engine *download.Engine) *EventsHandler {
	return &EventsHandler{engine: engine}
}

// Download handles GET /downloads/{id}/events. The stream ends after the final event.
func (eh *EventsHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	// subscribe before upgrading so no event between the two is lost
	events, cancel := eh.engine.Subscribe(id)
	defer cancel()

	// a download that already finished gets its stored outcome as the only event
	settled, err := eh.engine.Settled(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "download_id", id, "error", err)
		return
	}
	defer conn.Close()

	if settled != nil {
		replay := make(chan download.Progress, 1)
		replay <- *settled
		events = replay
	}
	stream(conn, events, func(ev download.Progress) bool { return ev.Done })
}

// Batch handles GET /batches/{batchId}/events
func (eh *EventsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batchId"]

	events, cancel := eh.engine.SubscribeBatch(batchID)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "batch_id", batchID, "error", err)
		return
	}
	defer conn.Close()

	stream(conn, events, func(ev download.BatchProgress) bool { return ev.Done })
}

// stream writes events as JSON frames until last reports true, the client goes away
// or the subscription closes
func stream[T any](conn *websocket.Conn, events <-chan T, last func(T) bool) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logging.Debugw("websocket write failed", "error", err)
				return
			}
			if last(ev) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}

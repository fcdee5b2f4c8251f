package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Readiness reports whether the local store is open
type Readiness interface {
	Ready() bool
	Backend() string
}

type healthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// NewRouter mounts every route. Ids are matched on the encoded path so that
// node ids containing slashes travel as one escaped segment.
func NewRouter(read *ReadHandler, write *WriteHandler, events *EventsHandler, store Readiness) *mux.Router {
	router := mux.NewRouter().UseEncodedPath()

	// Health check and metrics (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !store.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "offline", Backend: store.Backend()})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Backend: store.Backend()})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	traced := func(method, path string, h http.HandlerFunc) {
		router.Handle(path, otelhttp.NewHandler(h, method+" "+path)).Methods(method)
	}

	traced("GET", "/tree", read.Tree)
	traced("GET", "/folders/{id}", read.Folder)
	traced("POST", "/sync", write.Sync)

	traced("GET", "/progress", read.ListProgress)
	traced("POST", "/progress/batch", write.MarkMany)
	traced("GET", "/progress/{id}", read.GetProgress)
	traced("PUT", "/progress/{id}", write.PutProgress)
	traced("DELETE", "/progress/{id}", write.DeleteProgress)
	traced("PUT", "/progress/{id}/total", write.PutTotalPages)
	traced("POST", "/progress/{id}/page", write.RecordPage)

	traced("GET", "/pointers/{kind}", read.GetPointer)
	traced("PUT", "/pointers/{kind}", write.PutPointer)

	traced("GET", "/downloads", read.ListDownloads)
	traced("DELETE", "/downloads", write.ClearDownloads)
	traced("POST", "/downloads/batch", write.DownloadBatch)
	traced("POST", "/downloads/{id}", write.StartDownload)
	traced("GET", "/downloads/{id}", read.GetDownload)
	traced("DELETE", "/downloads/{id}", write.DeleteDownload)
	traced("POST", "/downloads/{id}/preload", write.Preload)

	// websocket streams stay untraced
	router.HandleFunc("/downloads/{id}/events", events.Download).Methods("GET")
	router.HandleFunc("/batches/{batchId}/events", events.Batch).Methods("GET")

	traced("POST", "/files/{id}/open", write.OpenFile)
	traced("POST", "/resources/release", write.ReleaseResources)
	traced("GET", "/resources/{rid}", read.Resource)
	traced("DELETE", "/resources/{rid}", write.ReleaseResource)

	return router
}

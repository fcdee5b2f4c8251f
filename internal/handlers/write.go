package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/maneesh/comicshelf/internal/archive"
	"github.com/maneesh/comicshelf/internal/blobcache"
	"github.com/maneesh/comicshelf/internal/download"
	"github.com/maneesh/comicshelf/internal/library"
	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/progress"
	"github.com/maneesh/comicshelf/internal/remote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("comicshelf-handlers")

// WriteHandler handles the requests that change local state
type WriteHandler struct {
	library   *library.Library
	syncer    *remote.Syncer
	progress  *progress.Store
	engine    *download.Engine
	cache     *blobcache.Cache
	resources *archive.Registry

	// background batches
	wg sync.WaitGroup
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(
	lib *library.Library,
	syncer *remote.Syncer,
	prog *progress.Store,
	engine *download.Engine,
	cache *blobcache.Cache,
	resources *archive.Registry,
) *WriteHandler {
	return &WriteHandler{
		library:   lib,
		syncer:    syncer,
		progress:  prog,
		engine:    engine,
		cache:     cache,
		resources: resources,
	}
}

// Wait blocks until background batches have finished
func (wh *WriteHandler) Wait() {
	wh.wg.Wait()
}

// Sync handles POST /sync
func (wh *WriteHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sync_content",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	result, err := wh.syncer.Sync(ctx)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("source", string(result.Source)),
		attribute.Bool("from_cache", result.FromCache),
	)
	writeJSON(w, http.StatusOK, result)
}

type progressRequest struct {
	Status     models.ReadStatus `json:"status"`
	LastPage   int               `json:"lastPage"`
	TotalPages int               `json:"totalPages"`
}

// PutProgress handles PUT /progress/{id}
func (wh *WriteHandler) PutProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := wh.progress.MarkStatus(r.Context(), id, req.Status, req.LastPage, req.TotalPages)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type pageRequest struct {
	Page *int `json:"page"`
}

// RecordPage handles POST /progress/{id}/page
func (wh *WriteHandler) RecordPage(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req pageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Page == nil {
		writeError(w, r, fmt.Errorf("%w: page is required", errBadRequest))
		return
	}

	rec, err := wh.library.RecordPage(r.Context(), id, *req.Page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type totalRequest struct {
	TotalPages *int `json:"totalPages"`
}

// PutTotalPages handles PUT /progress/{id}/total
func (wh *WriteHandler) PutTotalPages(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req totalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TotalPages == nil {
		writeError(w, r, fmt.Errorf("%w: totalPages is required", errBadRequest))
		return
	}

	rec, err := wh.progress.SetTotalPages(r.Context(), id, *req.TotalPages)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteProgress handles DELETE /progress/{id}
func (wh *WriteHandler) DeleteProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := wh.progress.Reset(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markManyRequest struct {
	IDs    []string          `json:"ids"`
	Status models.ReadStatus `json:"status"`
}

// MarkMany handles POST /progress/batch
func (wh *WriteHandler) MarkMany(w http.ResponseWriter, r *http.Request) {
	var req markManyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, fmt.Errorf("%w: ids are required", errBadRequest))
		return
	}

	result, err := wh.progress.MarkMany(r.Context(), req.IDs, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pointerRequest struct {
	Value string `json:"value"`
}

// PutPointer handles PUT /pointers/{kind}
func (wh *WriteHandler) PutPointer(w http.ResponseWriter, r *http.Request) {
	kind := models.PointerKind(mux.Vars(r)["kind"])
	var req pointerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var err error
	switch kind {
	case models.PointerLastRead:
		err = wh.library.SetLastRead(r.Context(), req.Value)
	case models.PointerLastFolder:
		err = wh.library.SetLastFolder(r.Context(), req.Value)
	default:
		err = fmt.Errorf("%w: unknown pointer %q", errBadRequest, kind)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pointerResponse{Kind: kind, Value: req.Value})
}

type downloadRequest struct {
	URL string `json:"url"`
}

// resolve builds a download request, taking the url from the local tree when the body has none
func (wh *WriteHandler) resolve(ctx context.Context, id, url string) (download.Request, error) {
	if url != "" {
		return download.Request{ID: id, URL: url}, nil
	}
	node, err := wh.library.File(ctx, id)
	if err != nil {
		return download.Request{}, err
	}
	return download.Request{ID: id, URL: node.RemoteLink}, nil
}

// StartDownload handles POST /downloads/{id}. It returns once the download completed or failed.
func (wh *WriteHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "start_download",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body downloadRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := wh.resolve(ctx, id, body.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("download_id", id))

	rec, err := wh.engine.Download(ctx, req)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Metadata())
}

type preloadResponse struct {
	ID      string `json:"id"`
	Started bool   `json:"started"`
}

// Preload handles POST /downloads/{id}/preload
func (wh *WriteHandler) Preload(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body downloadRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := wh.resolve(r.Context(), id, body.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	started := wh.engine.Preload(context.WithoutCancel(r.Context()), req)
	writeJSON(w, http.StatusAccepted, preloadResponse{ID: id, Started: started})
}

// DeleteDownload handles DELETE /downloads/{id}
func (wh *WriteHandler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := wh.cache.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clearResponse struct {
	Deleted int `json:"deleted"`
}

// ClearDownloads handles DELETE /downloads?confirm=true
func (wh *WriteHandler) ClearDownloads(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	n, err := wh.cache.ClearAll(r.Context(), confirm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Deleted: n})
}

type batchItem struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

type batchRequest struct {
	BatchID string      `json:"batchId"`
	Items   []batchItem `json:"items"`
	// Wait runs the batch inside the request instead of in the background
	Wait bool `json:"wait"`
}

type batchAccepted struct {
	BatchID string `json:"batchId"`
	Total   int    `json:"total"`
}

// DownloadBatch handles POST /downloads/batch. Items download one at a time; progress
// is streamed on /batches/{batchId}/events.
func (wh *WriteHandler) DownloadBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if len(body.Items) == 0 {
		writeError(w, r, fmt.Errorf("%w: items are required", errBadRequest))
		return
	}

	reqs := make([]download.Request, 0, len(body.Items))
	for _, item := range body.Items {
		req, err := wh.resolve(r.Context(), item.ID, item.URL)
		if err != nil {
			writeError(w, r, fmt.Errorf("item %s: %w", item.ID, err))
			return
		}
		reqs = append(reqs, req)
	}

	batchID := body.BatchID
	if batchID == "" {
		batchID = download.NewBatchID()
	}

	if body.Wait {
		writeJSON(w, http.StatusOK, wh.engine.DownloadBatch(r.Context(), batchID, reqs))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	wh.wg.Add(1)
	go func() {
		defer wh.wg.Done()
		wh.engine.DownloadBatch(ctx, batchID, reqs)
	}()
	logging.Infow("batch accepted", "batch_id", batchID, "items", len(reqs))
	writeJSON(w, http.StatusAccepted, batchAccepted{BatchID: batchID, Total: len(reqs)})
}

// OpenFile handles POST /files/{id}/open
func (wh *WriteHandler) OpenFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	reading, err := wh.library.OpenFile(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// ReleaseResource handles DELETE /resources/{rid}
func (wh *WriteHandler) ReleaseResource(w http.ResponseWriter, r *http.Request) {
	wh.resources.Release(mux.Vars(r)["rid"])
	w.WriteHeader(http.StatusNoContent)
}

type releaseRequest struct {
	IDs []string `json:"ids"`
}

type releaseResponse struct {
	Released int `json:"released"`
}

// ReleaseResources handles POST /resources/release
func (wh *WriteHandler) ReleaseResources(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: wh.library.ClosePages(req.IDs)})
}

package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/comicshelf/internal/archive"
	"github.com/maneesh/comicshelf/internal/blobcache"
	"github.com/maneesh/comicshelf/internal/download"
	"github.com/maneesh/comicshelf/internal/library"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/progress"
	"github.com/maneesh/comicshelf/internal/tree"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadHandler serves the read-only views of the library
type ReadHandler struct {
	library   *library.Library
	progress  *progress.Store
	engine    *download.Engine
	cache     *blobcache.Cache
	resources *archive.Registry
}

// NewReadHandler creates a new read handler
func NewReadHandler(
	lib *library.Library,
	prog *progress.Store,
	engine *download.Engine,
	cache *blobcache.Cache,
	resources *archive.Registry,
) *ReadHandler {
	return &ReadHandler{
		library:   lib,
		progress:  prog,
		engine:    engine,
		cache:     cache,
		resources: resources,
	}
}

type treeResponse struct {
	Nodes   []*models.ContentNode `json:"nodes"`
	Summary tree.Summary          `json:"summary"`
}

// Tree handles GET /tree
func (rh *ReadHandler) Tree(w http.ResponseWriter, r *http.Request) {
	nodes, err := rh.library.Tree(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, treeResponse{Nodes: nodes, Summary: tree.Summarize(nodes)})
}

// Folder handles GET /folders/{id}?sort=name|size|extension&dir=asc|desc
func (rh *ReadHandler) Folder(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, dir, err := tree.ParseSort(r.URL.Query().Get("sort"), r.URL.Query().Get("dir"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := rh.library.Folder(r.Context(), id, key, dir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListProgress handles GET /progress
func (rh *ReadHandler) ListProgress(w http.ResponseWriter, r *http.Request) {
	records, err := rh.progress.GetAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*models.ProgressRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetProgress handles GET /progress/{id}
func (rh *ReadHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := rh.progress.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type pointerResponse struct {
	Kind  models.PointerKind `json:"kind"`
	Value string             `json:"value"`
}

// GetPointer handles GET /pointers/{kind}
func (rh *ReadHandler) GetPointer(w http.ResponseWriter, r *http.Request) {
	kind := models.PointerKind(mux.Vars(r)["kind"])

	var (
		value string
		err   error
	)
	switch kind {
	case models.PointerLastRead:
		value, err = rh.library.LastRead(r.Context())
	case models.PointerLastFolder:
		value, err = rh.library.LastFolder(r.Context())
	default:
		err = fmt.Errorf("%w: unknown pointer %q", errBadRequest, kind)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if value == "" {
		writeError(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pointerResponse{Kind: kind, Value: value})
}

type downloadStatus struct {
	*models.DownloadRecord
	InFlight bool `json:"inFlight"`
}

type downloadsResponse struct {
	Downloads []*models.DownloadRecord `json:"downloads"`
	Usage     *blobcache.Usage         `json:"usage"`
}

// ListDownloads handles GET /downloads
func (rh *ReadHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	records, err := rh.cache.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	usage, err := rh.cache.Usage(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadsResponse{Downloads: records, Usage: usage})
}

// GetDownload handles GET /downloads/{id}
func (rh *ReadHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := rh.engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, downloadStatus{DownloadRecord: rec, InFlight: rh.engine.InFlight(id)})
}

// Resource handles GET /resources/{rid}
func (rh *ReadHandler) Resource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, span := tracer.Start(ctx, "serve_resource",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	rid := mux.Vars(r)["rid"]
	span.SetAttributes(attribute.String("resource_id", rid))

	data, contentType, ok := rh.resources.Open(rid)
	if !ok {
		writeError(w, r, errNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
}

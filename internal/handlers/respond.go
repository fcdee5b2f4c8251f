package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/maneesh/comicshelf/internal/blobcache"
	"github.com/maneesh/comicshelf/internal/download"
	"github.com/maneesh/comicshelf/internal/library"
	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/progress"
	"github.com/maneesh/comicshelf/internal/remote"
	"github.com/maneesh/comicshelf/internal/storage"
	"github.com/maneesh/comicshelf/internal/tree"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

var (
	errNotFound   = errors.New("not found")
	errBadRequest = errors.New("bad request")
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto a status code and a user-facing message
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "offline"
	case errors.Is(err, errNotFound), errors.Is(err, library.ErrNotFound), errors.Is(err, download.ErrRemoteNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, download.ErrTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, blobcache.ErrConfirmationRequired):
		return http.StatusPreconditionFailed, err.Error()
	case errors.Is(err, errBadRequest),
		errors.Is(err, download.ErrInvalidRequest),
		errors.Is(err, progress.ErrInvalidStatus),
		errors.Is(err, progress.ErrInvalidPage),
		errors.Is(err, progress.ErrEmptyID),
		errors.Is(err, library.ErrNotAFile),
		errors.Is(err, library.ErrNotFolder),
		errors.Is(err, tree.ErrInvalidSort):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, remote.ErrNoContent),
		errors.Is(err, download.ErrAllStrategiesFailed),
		errors.Is(err, download.ErrTransient):
		return http.StatusBadGateway, "failed to load"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.Error("request failed", err, "method", r.Method, "path", r.URL.Path, "status", code)
	} else {
		logging.Debugw("request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warnw("failed to encode response", "error", err)
	}
}

// decodeJSON reads an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// pathVar returns an unescaped route variable. Node ids contain slashes, so
// the router matches on the encoded path and ids arrive as single segments.
func pathVar(r *http.Request, name string) (string, error) {
	raw := mux.Vars(r)[name]
	v, err := url.PathUnescape(raw)
	if err != nil || v == "" {
		return "", fmt.Errorf("%w: missing or malformed %s", errBadRequest, name)
	}
	return v, nil
}

// Package library runs the reader's control flow: find a file in the local tree,
// make sure its archive is downloaded, extract the pages and track where the user is.
package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/comicshelf/internal/archive"
	"github.com/maneesh/comicshelf/internal/download"
	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/progress"
	"github.com/maneesh/comicshelf/internal/storage"
	"github.com/maneesh/comicshelf/internal/tree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("comicshelf-library")

var (
	ErrNotFound  = errors.New("not found")
	ErrNotAFile  = errors.New("node is a folder")
	ErrNotFolder = errors.New("node is not a folder")
)

// TreeSource returns the annotated local tree, nil when never synced
type TreeSource interface {
	LocalTree(ctx context.Context) ([]*models.ContentNode, error)
}

// Downloader fetches archives into the local store
type Downloader interface {
	Download(ctx context.Context, req download.Request) (*models.DownloadRecord, error)
	Preload(ctx context.Context, req download.Request) bool
}

// PageExtractor turns an archive into ordered pages
type PageExtractor interface {
	ExtractPages(ctx context.Context, blob []byte) ([]archive.Page, error)
}

// Options tunes the library
type Options struct {
	PreloadNext bool
}

// Library is the entry point of the reading flow
type Library struct {
	opts      Options
	tree      TreeSource
	downloads Downloader
	extractor PageExtractor
	resources *archive.Registry
	progress  *progress.Store
	pointers  storage.PointerRepository
	now       func() time.Time
}

// New wires the library
func New(opts Options, src TreeSource, dl Downloader, ex PageExtractor, reg *archive.Registry,
	prog *progress.Store, pointers storage.PointerRepository) *Library {
	return &Library{
		opts:      opts,
		tree:      src,
		downloads: dl,
		extractor: ex,
		resources: reg,
		progress:  prog,
		pointers:  pointers,
		now:       time.Now,
	}
}

// Reading is an opened file ready for display
type Reading struct {
	Node     *models.ContentNode    `json:"node"`
	Pages    []archive.Resource     `json:"pages"`
	Record   *models.DownloadRecord `json:"download"`
	Progress *models.ProgressRecord `json:"progress"`
	// Warning is set when the archive held no displayable pages
	Warning   string `json:"warning,omitempty"`
	Preloaded string `json:"preloaded,omitempty"`
}

// ResourceIDs lists the page resource ids of the reading
func (r *Reading) ResourceIDs() []string {
	ids := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		ids = append(ids, p.ID)
	}
	return ids
}

// Tree returns the local tree annotated with reading state
func (l *Library) Tree(ctx context.Context) ([]*models.ContentNode, error) {
	nodes, err := l.tree.LocalTree(ctx)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		return []*models.ContentNode{}, nil
	}
	return nodes, nil
}

// FolderView is one folder's sorted children with the path leading to it
type FolderView struct {
	Folder     *models.ContentNode   `json:"folder"`
	Children   []*models.ContentNode `json:"children"`
	Breadcrumb []*models.ContentNode `json:"breadcrumb"`
	Summary    tree.Summary          `json:"summary"`
}

// Folder returns the sorted children of folder id
func (l *Library) Folder(ctx context.Context, id string, key tree.SortKey, dir tree.Direction) (*FolderView, error) {
	nodes, err := l.Tree(ctx)
	if err != nil {
		return nil, err
	}

	folder, ok := tree.FindByID(nodes, id)
	if !ok {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	if !folder.IsFolder() {
		return nil, fmt.Errorf("%w: %s", ErrNotFolder, id)
	}
	path, _ := tree.BuildPathTo(nodes, id)

	children := tree.SortChildren(folder, key, dir)
	for i, c := range children {
		cp := *c
		cp.Children = nil
		children[i] = &cp
	}
	crumbs := make([]*models.ContentNode, 0, len(path))
	for _, p := range path {
		crumbs = append(crumbs, &models.ContentNode{ID: p.ID, Name: p.Name, Kind: p.Kind})
	}

	return &FolderView{
		Folder:     &models.ContentNode{ID: folder.ID, Name: folder.Name, Kind: folder.Kind},
		Children:   children,
		Breadcrumb: crumbs,
		Summary:    tree.Summarize(folder.Children),
	}, nil
}

// OpenFile downloads and extracts the file, records the page count and the last-read
// pointer, and starts preloading the following file of the same folder.
func (l *Library) OpenFile(ctx context.Context, id string) (*Reading, error) {
	ctx, span := tracer.Start(ctx, "library.open_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	nodes, err := l.Tree(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	node, err := findFile(nodes, id)
	if err != nil {
		return nil, err
	}

	rec, err := l.downloads.Download(ctx, download.Request{ID: node.ID, URL: node.RemoteLink})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	reading := &Reading{Node: node, Record: rec.Metadata(), Pages: []archive.Resource{}}

	pages, err := l.extractor.ExtractPages(ctx, rec.Blob)
	switch {
	case errors.Is(err, archive.ErrNoPages), errors.Is(err, archive.ErrMalformedArchive):
		logging.Warnw("archive has no displayable pages", "file_id", id, "error", err)
		reading.Warning = err.Error()
	case err != nil:
		span.RecordError(err)
		return nil, err
	default:
		reading.Pages = l.resources.Register(pages)
	}

	prog, err := l.recordOpen(ctx, id, len(pages))
	if err != nil {
		l.resources.ReleaseAll(reading.ResourceIDs())
		span.RecordError(err)
		return nil, err
	}
	reading.Progress = prog

	if l.opts.PreloadNext {
		if next, ok := tree.NextFile(nodes, id); ok {
			if l.downloads.Preload(ctx, download.Request{ID: next.ID, URL: next.RemoteLink}) {
				reading.Preloaded = next.ID
			}
		}
	}

	span.SetAttributes(attribute.Int("pages", len(reading.Pages)))
	logging.Infow("file opened", "file_id", id, "pages", len(reading.Pages), "preloaded", reading.Preloaded)
	return reading, nil
}

// recordOpen stores the page count, marks an unread file in progress and moves the last-read pointer
func (l *Library) recordOpen(ctx context.Context, id string, pages int) (*models.ProgressRecord, error) {
	prog, err := l.progress.SetTotalPages(ctx, id, pages)
	if err != nil {
		return nil, err
	}
	if prog.Status == models.StatusUnread {
		prog, err = l.progress.MarkStatus(ctx, id, models.StatusInProgress, prog.LastPage, prog.TotalPages)
		if err != nil {
			return nil, err
		}
	}

	if err := l.setPointer(ctx, models.PointerLastRead, id); err != nil {
		return nil, err
	}
	return prog, nil
}

// File returns the file node id of the local tree
func (l *Library) File(ctx context.Context, id string) (*models.ContentNode, error) {
	nodes, err := l.Tree(ctx)
	if err != nil {
		return nil, err
	}
	return findFile(nodes, id)
}

func findFile(nodes []*models.ContentNode, id string) (*models.ContentNode, error) {
	node, ok := tree.FindByID(nodes, id)
	if !ok {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	if !node.IsFile() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, id)
	}
	return node, nil
}

// ClosePages releases the page resources of a closed reading
func (l *Library) ClosePages(ids []string) int {
	return l.resources.ReleaseAll(ids)
}

// RecordPage moves the reading position of id
func (l *Library) RecordPage(ctx context.Context, id string, page int) (*models.ProgressRecord, error) {
	return l.progress.AdvancePage(ctx, id, page)
}

// SetLastRead moves the last-read pointer without opening the file
func (l *Library) SetLastRead(ctx context.Context, id string) error {
	return l.setPointer(ctx, models.PointerLastRead, id)
}

// SetLastFolder remembers the folder the user last browsed
func (l *Library) SetLastFolder(ctx context.Context, id string) error {
	return l.setPointer(ctx, models.PointerLastFolder, id)
}

// LastRead returns the last opened file id, empty when none
func (l *Library) LastRead(ctx context.Context) (string, error) {
	return l.pointer(ctx, models.PointerLastRead)
}

// LastFolder returns the last browsed folder id, empty when none
func (l *Library) LastFolder(ctx context.Context) (string, error) {
	return l.pointer(ctx, models.PointerLastFolder)
}

func (l *Library) setPointer(ctx context.Context, kind models.PointerKind, value string) error {
	if value == "" {
		return progress.ErrEmptyID
	}
	p := &models.Pointer{Kind: kind, Value: value, UpdatedAt: l.now()}
	if err := l.pointers.SetPointer(ctx, p); err != nil {
		return fmt.Errorf("failed to set %s: %w", kind, err)
	}
	return nil
}

func (l *Library) pointer(ctx context.Context, kind models.PointerKind) (string, error) {
	p, err := l.pointers.GetPointer(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", kind, err)
	}
	if p == nil {
		return "", nil
	}
	return p.Value, nil
}

// Package remote fetches the content tree from the origin and keeps the local snapshot current.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/metrics"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/storage"
	"github.com/maneesh/comicshelf/internal/tree"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("comicshelf-remote")

// ErrNoContent is returned when the origin is unreachable and nothing was synced before
var ErrNoContent = errors.New("remote content unavailable and no local snapshot")

// Source says where the nodes of a sync came from
type Source string

const (
	SourceManifest Source = "manifest"
	SourceListing  Source = "listing"
	SourceCache    Source = "cache"
)

// maxListingBytes bounds a single autoindex page
const maxListingBytes = 8 << 20

// ProgressSource supplies the local reading state overlaid on fetched trees
type ProgressSource interface {
	StatusMap(ctx context.Context) (map[string]models.ProgressRecord, error)
}

// Options configures a Syncer
type Options struct {
	Origin       string
	ManifestPath string
	BatchSize    int
	Client       *http.Client
	// FolderConcurrency bounds parallel folder listing requests
	FolderConcurrency int
}

// Syncer pulls the remote tree and persists it as the local snapshot
type Syncer struct {
	opts      Options
	client    *http.Client
	snapshots storage.SnapshotRepository
	progress  ProgressSource
	now       func() time.Time
}

// SyncResult is the annotated tree after a sync
type SyncResult struct {
	Nodes     []*models.ContentNode `json:"nodes"`
	FromCache bool                  `json:"fromCache"`
	Source    Source                `json:"source"`
}

// NewSyncer returns a Syncer; a nil client gets a traced client with a 30s timeout
func NewSyncer(opts Options, snapshots storage.SnapshotRepository, progress ProgressSource) *Syncer {
	opts.Origin = strings.TrimRight(opts.Origin, "/")
	if opts.ManifestPath == "" {
		opts.ManifestPath = "contents.json"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FolderConcurrency <= 0 {
		opts.FolderConcurrency = 4
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Syncer{
		opts:      opts,
		client:    client,
		snapshots: snapshots,
		progress:  progress,
		now:       time.Now,
	}
}

// FetchRemoteTree returns the origin's tree without touching local state
func (s *Syncer) FetchRemoteTree(ctx context.Context) ([]*models.ContentNode, error) {
	nodes, _, err := s.fetch(ctx)
	return nodes, err
}

// Sync fetches the remote tree, overlays local progress and replaces the snapshot.
// When the origin cannot be reached the last snapshot is served instead.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	ctx, span := tracer.Start(ctx, "remote.sync",
		trace.WithAttributes(
			attribute.String("origin", s.opts.Origin),
		),
	)
	defer span.End()

	nodes, source, fetchErr := s.fetch(ctx)
	if fetchErr != nil {
		logging.Warnw("remote fetch failed, falling back to local snapshot", "origin", s.opts.Origin, "error", fetchErr)

		local, err := s.LocalTree(ctx)
		if err != nil {
			span.RecordError(err)
			metrics.SyncsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("failed to load local snapshot after fetch error %v: %w", fetchErr, err)
		}
		if local == nil {
			span.RecordError(fetchErr)
			metrics.SyncsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%w: %v", ErrNoContent, fetchErr)
		}

		metrics.SyncsTotal.WithLabelValues(string(SourceCache)).Inc()
		span.SetAttributes(attribute.String("source", string(SourceCache)))
		return &SyncResult{Nodes: local, FromCache: true, Source: SourceCache}, nil
	}

	statuses, err := s.progress.StatusMap(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	annotated := tree.Annotate(nodes, statuses)

	if err := s.snapshots.ReplaceSnapshot(ctx, &models.Snapshot{Nodes: annotated, SavedAt: s.now()}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	metrics.SyncsTotal.WithLabelValues(string(source)).Inc()
	span.SetAttributes(
		attribute.String("source", string(source)),
		attribute.Int("files", len(tree.Files(annotated))),
	)
	logging.Infow("content synced", "source", source, "top_level", len(annotated))
	return &SyncResult{Nodes: annotated, Source: source}, nil
}

// LocalTree returns the persisted snapshot annotated with current progress, or nil when never synced
func (s *Syncer) LocalTree(ctx context.Context) ([]*models.ContentNode, error) {
	snap, err := s.snapshots.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	statuses, err := s.progress.StatusMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return tree.Annotate(snap.Nodes, statuses), nil
}

// fetch tries the manifest first and scrapes the listing when it is missing or malformed
func (s *Syncer) fetch(ctx context.Context) ([]*models.ContentNode, Source, error) {
	nodes, manifestErr := s.fetchManifest(ctx)
	if manifestErr == nil {
		return nodes, SourceManifest, nil
	}
	logging.Debugw("manifest unavailable, scraping listing", "error", manifestErr)

	nodes, listingErr := s.scrape(ctx)
	if listingErr != nil {
		return nil, "", fmt.Errorf("manifest: %v; listing: %w", manifestErr, listingErr)
	}
	return nodes, SourceListing, nil
}

func (s *Syncer) fetchManifest(ctx context.Context) ([]*models.ContentNode, error) {
	body, err := s.get(ctx, s.opts.Origin+"/"+strings.TrimPrefix(s.opts.ManifestPath, "/"))
	if err != nil {
		return nil, err
	}
	return ParseManifest(body, s.opts.Origin)
}

func (s *Syncer) scrape(ctx context.Context) ([]*models.ContentNode, error) {
	ctx, span := tracer.Start(ctx, "remote.scrape")
	defer span.End()

	body, err := s.get(ctx, s.opts.Origin+"/")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	folders, files, err := parseListing(bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse root listing: %w", err)
	}

	sortEntries(folders)
	sortEntries(files)

	// each slot is filled by its own goroutine; nil marks a folder that failed
	built := make([]*models.ContentNode, len(folders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FolderConcurrency)
	for i, f := range folders {
		i, f := i, f
		g.Go(func() error {
			node, err := s.scrapeFolder(gctx, f)
			if err != nil {
				logging.Warnw("skipping folder", "folder", f.Name, "error", err)
				return nil
			}
			built[i] = node
			return nil
		})
	}
	_ = g.Wait()

	nodes := make([]*models.ContentNode, 0, len(folders)+len(files))
	for _, n := range built {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	for _, f := range files {
		nodes = append(nodes, s.fileNode(nil, f))
	}

	span.SetAttributes(
		attribute.Int("folders", len(folders)),
		attribute.Int("folders_ok", len(nodes)-len(files)),
	)
	return nodes, nil
}

func (s *Syncer) scrapeFolder(ctx context.Context, folder listingEntry) (*models.ContentNode, error) {
	body, err := s.get(ctx, s.opts.Origin+"/"+folder.Href)
	if err != nil {
		return nil, err
	}
	_, entries, err := parseListing(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}
	sortEntries(entries)

	id := folder.Name + "/"
	node := &models.ContentNode{ID: id, Name: folder.Name, Kind: models.KindFolder, Children: []*models.ContentNode{}}

	files := make([]*models.ContentNode, 0, len(entries))
	for _, e := range entries {
		files = append(files, s.fileNode(&folder, e))
	}

	spans := Batch(len(files), s.opts.BatchSize)
	if len(spans) <= 1 {
		node.Children = files
		return node, nil
	}
	for _, sp := range spans {
		node.Children = append(node.Children, &models.ContentNode{
			ID:       fmt.Sprintf("%s%d-%d/", id, sp.Start+1, sp.End+1),
			Name:     sp.Label(),
			Kind:     models.KindFolder,
			Children: files[sp.Start : sp.End+1],
		})
	}
	return node, nil
}

// fileNode builds a file whose id is the decoded path relative to the origin
func (s *Syncer) fileNode(folder *listingEntry, e listingEntry) *models.ContentNode {
	id, link := e.Name, s.opts.Origin+"/"+e.Href
	if folder != nil {
		id = folder.Name + "/" + e.Name
		link = s.opts.Origin + "/" + folder.Href + e.Href
	}
	return &models.ContentNode{
		ID:         id,
		Name:       e.Name,
		Kind:       models.KindFile,
		Extension:  extensionOf(e.Name),
		RemoteLink: link,
	}
}

func (s *Syncer) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return body, nil
}

func sortEntries(entries []listingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return tree.NaturalLess(entries[i].Name, entries[j].Name)
	})
}

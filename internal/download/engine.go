// Package download moves remote comic files into the local store.
//
// A download runs through an ordered list of transfer strategies. Each strategy is
// retried with exponential backoff on transient errors; permanent errors move on to
// the next strategy. The whole download is bounded by a single timeout.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/maneesh/comicshelf/internal/chunker"
	"github.com/maneesh/comicshelf/internal/config"
	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/metrics"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("comicshelf-download")

// persistEveryPercent is the progress step between intermediate record writes
const persistEveryPercent = 5

// Request names what to download
type Request struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Evictor trims the completed downloads after each success
type Evictor interface {
	EnforceLimit(ctx context.Context, maxCompleted int) ([]string, error)
}

// Options tunes the engine
type Options struct {
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	CacheLimit    int
	Strategies    []Strategy
	Client        *http.Client
}

// OptionsFromConfig maps the service configuration onto engine options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:     cfg.DownloadTimeout,
		MaxAttempts: cfg.DownloadMaxAttempts,
		CacheLimit:  cfg.CacheMaxCompleted,
		Strategies:  DefaultStrategies(cfg.GetStreamChunkBytes(), cfg.GetChunkSizeBytes()),
	}
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 90 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	if o.CacheLimit <= 0 {
		o.CacheLimit = 10
	}
	if len(o.Strategies) == 0 {
		o.Strategies = DefaultStrategies(64*1024, 5*1024*1024)
	}
	if o.Client == nil {
		o.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
}

// Engine runs downloads. Transfers for the same id are deduplicated; distinct ids run independently.
type Engine struct {
	opts   Options
	repo   storage.DownloadRepository
	cache  Evictor
	client *http.Client

	group    singleflight.Group
	inflight sync.Map
	progress *hub[Progress]
	batches  *hub[BatchProgress]
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewEngine builds an engine persisting to repo and trimming through cache
func NewEngine(opts Options, repo storage.DownloadRepository, cache Evictor) *Engine {
	opts.setDefaults()
	return &Engine{
		opts:     opts,
		repo:     repo,
		cache:    cache,
		client:   opts.Client,
		progress: newHub[Progress](),
		batches:  newHub[BatchProgress](),
		now:      time.Now,
	}
}

// Subscribe streams progress events of id until cancel is called
func (e *Engine) Subscribe(id string) (<-chan Progress, func()) {
	return e.progress.subscribe(id)
}

// InFlight reports whether a transfer for id is running
func (e *Engine) InFlight(id string) bool {
	_, ok := e.inflight.Load(id)
	return ok
}

// Status returns the stored record of id without its blob, or nil
func (e *Engine) Status(ctx context.Context, id string) (*models.DownloadRecord, error) {
	return e.repo.GetDownload(ctx, id, false)
}

// Settled returns the final event of id when its stored record has finished and no
// transfer for it is running, or nil otherwise
func (e *Engine) Settled(ctx context.Context, id string) (*Progress, error) {
	if e.InFlight(id) {
		return nil, nil
	}
	rec, err := e.repo.GetDownload(ctx, id, false)
	if err != nil || rec == nil || !rec.Status.IsFinished() {
		return nil, err
	}

	ev := &Progress{ID: id, Status: rec.Status, Done: true}
	if rec.Status == models.DownloadCompleted {
		pct := 100
		ev.Percent = &pct
		if rec.FileSizeBytes != nil {
			ev.BytesReceived = *rec.FileSizeBytes
			ev.TotalBytes = rec.FileSizeBytes
		}
	}
	if rec.ErrorMessage != nil {
		ev.Err = *rec.ErrorMessage
	}
	return ev, nil
}

// Wait blocks until detached preloads have finished
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Download returns the completed record of req.ID, fetching it when needed.
// A completed record is returned without network access. A caller arriving while
// the same id is in flight waits for that transfer instead of starting another.
func (e *Engine) Download(ctx context.Context, req Request) (*models.DownloadRecord, error) {
	if req.ID == "" || req.URL == "" {
		return nil, ErrInvalidRequest
	}

	if rec, ok, err := e.cached(ctx, req.ID); err != nil || ok {
		return rec, err
	}

	// The transfer outlives any single caller; only the engine timeout bounds it.
	detached := context.WithoutCancel(ctx)
	ch := e.group.DoChan(req.ID, func() (interface{}, error) {
		return e.transfer(detached, req)
	})

	select {
	case res := <-ch:
		rec, _ := res.Val.(*models.DownloadRecord)
		if res.Shared {
			logging.Debugw("joined in-flight download", "download_id", req.ID)
		}
		return rec, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached returns the stored completed record when its blob is intact
func (e *Engine) cached(ctx context.Context, id string) (*models.DownloadRecord, bool, error) {
	rec, err := e.repo.GetDownload(ctx, id, true)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load download %s: %w", id, err)
	}
	if rec == nil || !rec.IsCompleted() || len(rec.Blob) == 0 {
		return nil, false, nil
	}
	if rec.Checksum != "" && !chunker.VerifyChunkHash(rec.Blob, rec.Checksum) {
		logging.Warnw("stored blob failed checksum, downloading again", "download_id", id)
		return nil, false, nil
	}

	metrics.DownloadsTotal.WithLabelValues("cached").Inc()
	return rec, true, nil
}

func (e *Engine) transfer(ctx context.Context, req Request) (*models.DownloadRecord, error) {
	ctx, span := tracer.Start(ctx, "download.transfer",
		trace.WithAttributes(
			attribute.String("download_id", req.ID),
			attribute.String("url", req.URL),
		),
	)
	defer span.End()

	// a previous flight may have completed between the caller's check and ours
	if rec, ok, err := e.cached(ctx, req.ID); err != nil || ok {
		return rec, err
	}

	e.inflight.Store(req.ID, struct{}{})
	defer e.inflight.Delete(req.ID)

	started := e.now()
	rec := models.NewDownloadRecord(req.ID, req.URL, uuid.NewString(), started)
	if err := e.repo.SaveDownload(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record download start: %w", err)
	}
	e.progress.publish(req.ID, Progress{ID: req.ID, Status: rec.Status})

	tctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	meta, err := e.probe(tctx, req.URL)
	if err != nil {
		logging.Debugw("metadata probe failed, continuing without size", "download_id", req.ID, "error", err)
	}
	rec.ContentType = meta.ContentType
	rec.FileName = meta.FileName

	t := &Transfer{URL: req.URL, Meta: meta, client: e.client}
	tracker := &progressTracker{engine: e, ctx: ctx, rec: rec, transfer: t}

	blob, strategy, err := e.runStrategies(tctx, t, tracker)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			err = timeoutError(e.opts.Timeout)
		}
		span.RecordError(err)
		return e.fail(ctx, rec, err)
	}

	if rec.ContentType == "" || rec.ContentType == "application/octet-stream" {
		rec.ContentType = mimetype.Detect(blob).String()
	}
	if err := rec.Complete(blob, chunker.ComputeHash(blob), e.now()); err != nil {
		span.RecordError(err)
		return e.fail(ctx, rec, err)
	}
	if err := e.repo.SaveDownload(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store download %s: %w", req.ID, err)
	}

	size := int64(len(blob))
	pct := 100
	e.progress.publish(req.ID, Progress{
		ID: req.ID, Status: rec.Status, BytesReceived: size, TotalBytes: &size,
		Percent: &pct, Strategy: strategy, Done: true,
	})

	metrics.DownloadsTotal.WithLabelValues("completed").Inc()
	metrics.DownloadBytes.WithLabelValues(strategy).Add(float64(size))
	metrics.DownloadDuration.Observe(e.now().Sub(started).Seconds())
	span.SetAttributes(
		attribute.String("strategy", strategy),
		attribute.Int64("size_bytes", size),
		attribute.Bool("download_success", true),
	)
	logging.Infow("download completed",
		"download_id", req.ID,
		"strategy", strategy,
		"size", humanize.Bytes(uint64(size)),
		"elapsed", e.now().Sub(started).String(),
	)

	if evicted, err := e.cache.EnforceLimit(ctx, e.opts.CacheLimit); err != nil {
		logging.Error("cache limit enforcement failed", err, "download_id", req.ID)
	} else if len(evicted) > 0 {
		logging.Infow("evicted old downloads", "evicted", evicted)
	}
	return rec, nil
}

// fail records the error on the record and notifies subscribers
func (e *Engine) fail(ctx context.Context, rec *models.DownloadRecord, cause error) (*models.DownloadRecord, error) {
	if err := rec.Fail(cause.Error(), e.now()); err != nil {
		return nil, fmt.Errorf("%w (while recording failure: %v)", cause, err)
	}
	if err := e.repo.SaveDownload(ctx, rec); err != nil {
		logging.Error("failed to record download failure", err, "download_id", rec.ID)
	}

	e.progress.publish(rec.ID, Progress{ID: rec.ID, Status: rec.Status, Done: true, Err: cause.Error()})

	outcome := "failed"
	switch {
	case errors.Is(cause, ErrTimeout):
		outcome = "timeout"
	case errors.Is(cause, ErrRemoteNotFound):
		outcome = "not_found"
	}
	metrics.DownloadsTotal.WithLabelValues(outcome).Inc()
	logging.Warnw("download failed", "download_id", rec.ID, "error", cause)
	return rec, cause
}

// runStrategies walks the strategy list until one produces the blob
func (e *Engine) runStrategies(ctx context.Context, t *Transfer, tracker *progressTracker) ([]byte, string, error) {
	var lastErr error
	for _, s := range e.opts.Strategies {
		tracker.strategy = s.Name()
		t.report = tracker.update

		blob, err := e.retry(ctx, s, t)
		if err == nil {
			return blob, s.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if isNotFound(err) {
			return nil, "", fmt.Errorf("%w: %w", ErrRemoteNotFound, err)
		}
		if errors.Is(err, ErrStrategyUnsupported) {
			logging.Debugw("strategy unsupported", "strategy", s.Name(), "reason", err)
			if lastErr == nil {
				lastErr = err
			}
			continue
		}

		logging.Warnw("strategy failed, trying next", "strategy", s.Name(), "url", t.URL, "error", err)
		lastErr = err
	}

	if lastErr == nil {
		return nil, "", ErrAllStrategiesFailed
	}
	return nil, "", fmt.Errorf("%w: %w", ErrAllStrategiesFailed, lastErr)
}

// retry runs one strategy with exponential backoff on transient errors
func (e *Engine) retry(ctx context.Context, s Strategy, t *Transfer) ([]byte, error) {
	var blob []byte
	attempt := 0

	op := func() error {
		attempt++
		data, err := s.Fetch(ctx, t)
		if err == nil {
			blob = data
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt < e.opts.MaxAttempts {
			metrics.DownloadRetries.WithLabelValues(s.Name()).Inc()
			logging.Debugw("transient download error, retrying",
				"strategy", s.Name(), "attempt", attempt, "url", t.URL, "error", err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryInterval
	b.MaxInterval = 10 * e.opts.RetryInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return blob, nil
}

// progressTracker publishes byte counts and persists the percentage in coarse steps
type progressTracker struct {
	engine        *Engine
	ctx           context.Context
	rec           *models.DownloadRecord
	transfer      *Transfer
	strategy      string
	lastPersisted int
}

func (p *progressTracker) update(received int64) {
	ev := Progress{
		ID:            p.rec.ID,
		Status:        p.rec.Status,
		BytesReceived: received,
		Strategy:      p.strategy,
	}

	if size := p.transfer.Meta.Size; size != nil && *size > 0 {
		total := *size
		pct := int(received * 100 / total)
		pct = max(0, min(pct, 99))
		ev.TotalBytes = &total
		ev.Percent = &pct

		if pct >= p.lastPersisted+persistEveryPercent {
			p.lastPersisted = pct
			p.rec.Progress = pct
			p.rec.UpdatedAt = p.engine.now()
			if err := p.engine.repo.SaveDownload(p.ctx, p.rec); err != nil {
				logging.Warnw("failed to persist download progress", "download_id", p.rec.ID, "error", err)
			}
		}
	}

	p.engine.progress.publish(p.rec.ID, ev)
}

// Preload starts a detached download of a likely-next file. Failures are logged, never returned.
// It reports whether a transfer was started.
func (e *Engine) Preload(ctx context.Context, req Request) bool {
	if req.ID == "" || req.URL == "" || e.InFlight(req.ID) {
		return false
	}
	rec, err := e.repo.GetDownload(ctx, req.ID, false)
	if err != nil || (rec != nil && rec.IsCompleted()) {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Download(context.WithoutCancel(ctx), req); err != nil {
			logging.Warnw("preload failed", "download_id", req.ID, "error", err)
		}
	}()
	return true
}

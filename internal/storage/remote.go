package storage

import (
	"context"
	"fmt"

	"github.com/maneesh/comicshelf/internal/config"
	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/models"
)

// RemoteBackend keeps the tables in TiDB, payloads in MinIO and hot metadata in Redis.
// Redis is cache-aside: reads fall through to TiDB on a miss, writes invalidate.
type RemoteBackend struct {
	cfg *config.Config

	tidb  *TiDBClient
	minio *MinioClient
	redis *RedisClient
}

// NewRemoteBackend returns a backend that connects on Open
func NewRemoteBackend(cfg *config.Config) *RemoteBackend {
	return &RemoteBackend{cfg: cfg}
}

// NewBackend picks the backend named by the configuration
func NewBackend(cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return NewMemoryBackend(), nil
	case config.BackendRemote:
		return NewRemoteBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func (r *RemoteBackend) Name() string { return "remote" }

// Open connects to all three services and applies the schema
func (r *RemoteBackend) Open(ctx context.Context) error {
	tidb, err := NewTiDBClient(ctx, r.cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to initialize TiDB: %w", err)
	}
	if err := tidb.Migrate(ctx); err != nil {
		tidb.Close()
		return err
	}
	logging.Infow("connected to TiDB", "host", r.cfg.TiDBHost, "database", r.cfg.TiDBDatabase)

	mc, err := NewMinioClient(ctx,
		r.cfg.MinIOEndpoint,
		r.cfg.MinIOAccessKey,
		r.cfg.MinIOSecretKey,
		r.cfg.MinIOBucketName,
		r.cfg.MinIOUseSSL,
	)
	if err != nil {
		tidb.Close()
		return fmt.Errorf("failed to initialize MinIO: %w", err)
	}
	logging.Infow("connected to MinIO", "endpoint", r.cfg.MinIOEndpoint, "bucket", r.cfg.MinIOBucketName)

	rc, err := NewRedisClient(ctx, r.cfg.GetRedisAddr(), r.cfg.RedisPassword, r.cfg.RedisDB, r.cfg.RedisTTL)
	if err != nil {
		tidb.Close()
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	logging.Infow("connected to Redis", "addr", r.cfg.GetRedisAddr())

	r.tidb, r.minio, r.redis = tidb, mc, rc
	return nil
}

// Close closes TiDB and Redis; the MinIO client holds no connection of its own
func (r *RemoteBackend) Close() error {
	var firstErr error
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if r.tidb != nil {
		if err := r.tidb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *RemoteBackend) ReplaceSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if err := r.tidb.ReplaceSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := r.redis.InvalidateSnapshot(ctx); err != nil {
		logging.Warnw("failed to invalidate snapshot cache", "error", err)
	}
	return nil
}

func (r *RemoteBackend) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	cached, err := r.redis.GetSnapshot(ctx)
	if err != nil {
		logging.Warnw("snapshot cache read failed", "error", err)
	} else if cached != nil {
		return cached, nil
	}

	snap, err := r.tidb.LoadSnapshot(ctx)
	if err != nil || snap == nil {
		return snap, err
	}
	if err := r.redis.SetSnapshot(ctx, snap); err != nil {
		logging.Warnw("failed to cache snapshot", "error", err)
	}
	return snap, nil
}

func (r *RemoteBackend) UpsertProgress(ctx context.Context, rec *models.ProgressRecord) error {
	return r.tidb.UpsertProgress(ctx, rec)
}

func (r *RemoteBackend) GetProgress(ctx context.Context, id string) (*models.ProgressRecord, error) {
	return r.tidb.GetProgress(ctx, id)
}

func (r *RemoteBackend) ListProgress(ctx context.Context) ([]*models.ProgressRecord, error) {
	return r.tidb.ListProgress(ctx)
}

func (r *RemoteBackend) DeleteProgress(ctx context.Context, id string) error {
	return r.tidb.DeleteProgress(ctx, id)
}

func (r *RemoteBackend) SetPointer(ctx context.Context, p *models.Pointer) error {
	return r.tidb.SetPointer(ctx, p)
}

func (r *RemoteBackend) GetPointer(ctx context.Context, kind models.PointerKind) (*models.Pointer, error) {
	return r.tidb.GetPointer(ctx, kind)
}

// SaveDownload uploads the payload of a completed record before writing its row,
// so a row never points at a missing object.
func (r *RemoteBackend) SaveDownload(ctx context.Context, rec *models.DownloadRecord) error {
	var blobKey string
	if rec.IsCompleted() && len(rec.Blob) > 0 {
		blobKey = BlobKey(rec.ID)
		if err := r.minio.PutBlob(ctx, blobKey, rec.Blob, rec.ContentType); err != nil {
			return err
		}
	}

	if err := r.tidb.SaveDownload(ctx, rec, blobKey); err != nil {
		return err
	}
	if err := r.redis.InvalidateDownload(ctx, rec.ID); err != nil {
		logging.Warnw("failed to invalidate download cache", "download_id", rec.ID, "error", err)
	}
	return nil
}

func (r *RemoteBackend) GetDownload(ctx context.Context, id string, withBlob bool) (*models.DownloadRecord, error) {
	rec, blobKey, err := r.redis.GetDownloadMetadata(ctx, id)
	if err != nil {
		logging.Warnw("download cache read failed", "download_id", id, "error", err)
	}

	if rec == nil {
		rec, blobKey, err = r.tidb.GetDownload(ctx, id)
		if err != nil || rec == nil {
			return nil, err
		}
		if err := r.redis.SetDownloadMetadata(ctx, rec, blobKey); err != nil {
			logging.Warnw("failed to cache download metadata", "download_id", id, "error", err)
		}
	}

	if withBlob && blobKey != "" {
		blob, err := r.minio.GetBlob(ctx, blobKey)
		if err != nil {
			return nil, err
		}
		rec.Blob = blob
	}
	return rec, nil
}

func (r *RemoteBackend) ListDownloads(ctx context.Context) ([]*models.DownloadRecord, error) {
	return r.tidb.ListDownloads(ctx)
}

// DeleteDownload removes row, payload and cache entry
func (r *RemoteBackend) DeleteDownload(ctx context.Context, id string) error {
	if err := r.tidb.DeleteDownload(ctx, id); err != nil {
		return err
	}
	if err := r.minio.DeleteBlob(ctx, BlobKey(id)); err != nil {
		logging.Warnw("failed to delete download blob", "download_id", id, "error", err)
	}
	if err := r.redis.InvalidateDownload(ctx, id); err != nil {
		logging.Warnw("failed to invalidate download cache", "download_id", id, "error", err)
	}
	return nil
}

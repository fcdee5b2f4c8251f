package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maneesh/comicshelf/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCacheTTL is used when no TTL is configured
	DefaultCacheTTL = 5 * time.Minute

	snapshotCacheKey = "snapshot"
)

func downloadCacheKey(id string) string {
	return fmt.Sprintf("download:%s", id)
}

// RedisClient wraps Redis operations with tracing
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisClient{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// getJSON loads key into dest. It reports false on a cache miss.
func (rc *RedisClient) getJSON(ctx context.Context, spanName, key string, dest any) (bool, error) {
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("cache_key", key),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, key).Result()

	if err == redis.Nil {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return false, nil
	} else if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return true, nil
}

func (rc *RedisClient) setJSON(ctx context.Context, spanName, key string, value any) error {
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("cache_key", key),
		),
	)
	defer span.End()

	data, err := json.Marshal(value)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := rc.client.Set(ctx, key, data, rc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_set_success", true),
		attribute.Int64("ttl_seconds", int64(rc.ttl.Seconds())),
	)
	return nil
}

func (rc *RedisClient) invalidate(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate",
		trace.WithAttributes(
			attribute.String("cache_key", key),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_invalidate_success", true))
	return nil
}

// cachedDownload is the cached form of a download row, including where its blob lives
type cachedDownload struct {
	Record  *models.DownloadRecord `json:"record"`
	BlobKey string                 `json:"blobKey,omitempty"`
}

// GetDownloadMetadata returns cached download metadata, or nil on a miss
func (rc *RedisClient) GetDownloadMetadata(ctx context.Context, id string) (*models.DownloadRecord, string, error) {
	var cached cachedDownload
	hit, err := rc.getJSON(ctx, "redis.get_download_metadata", downloadCacheKey(id), &cached)
	if err != nil || !hit {
		return nil, "", err
	}
	return cached.Record, cached.BlobKey, nil
}

// SetDownloadMetadata caches download metadata; the blob itself is never cached
func (rc *RedisClient) SetDownloadMetadata(ctx context.Context, rec *models.DownloadRecord, blobKey string) error {
	return rc.setJSON(ctx, "redis.set_download_metadata", downloadCacheKey(rec.ID),
		cachedDownload{Record: rec.Metadata(), BlobKey: blobKey})
}

// InvalidateDownload removes cached download metadata
func (rc *RedisClient) InvalidateDownload(ctx context.Context, id string) error {
	return rc.invalidate(ctx, downloadCacheKey(id))
}

// GetSnapshot returns the cached snapshot, or nil on a miss
func (rc *RedisClient) GetSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	hit, err := rc.getJSON(ctx, "redis.get_snapshot", snapshotCacheKey, &snap)
	if err != nil || !hit {
		return nil, err
	}
	return &snap, nil
}

// SetSnapshot caches the snapshot
func (rc *RedisClient) SetSnapshot(ctx context.Context, snap *models.Snapshot) error {
	return rc.setJSON(ctx, "redis.set_snapshot", snapshotCacheKey, snap)
}

// InvalidateSnapshot removes the cached snapshot
func (rc *RedisClient) InvalidateSnapshot(ctx context.Context) error {
	return rc.invalidate(ctx, snapshotCacheKey)
}

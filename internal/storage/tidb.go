package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/comicshelf/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// snapshotRowID is the primary key of the only row in content_snapshot
const snapshotRowID = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS content_snapshot (
		id TINYINT PRIMARY KEY,
		nodes LONGTEXT NOT NULL,
		saved_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS progress (
		id VARCHAR(768) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		last_page INT NOT NULL DEFAULT 0,
		total_pages INT NOT NULL DEFAULT 0,
		updated_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pointers (
		kind VARCHAR(32) PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		id VARCHAR(768) PRIMARY KEY,
		source_url TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		progress INT NOT NULL DEFAULT 0,
		downloaded_at BIGINT NULL,
		error_message TEXT NULL,
		file_size BIGINT NULL,
		content_type VARCHAR(255) NOT NULL DEFAULT '',
		file_name VARCHAR(512) NOT NULL DEFAULT '',
		checksum CHAR(64) NOT NULL DEFAULT '',
		attempt_id CHAR(36) NOT NULL,
		blob_key VARCHAR(1024) NULL,
		started_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		INDEX idx_downloads_status_completed (status, downloaded_at)
	)`,
}

// TiDBClient wraps TiDB operations with tracing
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(ctx context.Context, dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &TiDBClient{db: db}, nil
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// Migrate creates the tables if they do not exist yet
func (tc *TiDBClient) Migrate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tidb.migrate")
	defer span.End()

	for _, stmt := range schema {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	span.SetAttributes(attribute.Int("statements", len(schema)))
	return nil
}

// ReplaceSnapshot clears and rewrites the snapshot row inside one transaction
func (tc *TiDBClient) ReplaceSnapshot(ctx context.Context, snap *models.Snapshot) error {
	ctx, span := tracer.Start(ctx, "tidb.replace_snapshot",
		trace.WithAttributes(
			attribute.Int("top_level_nodes", len(snap.Nodes)),
		),
	)
	defer span.End()

	data, err := json.Marshal(snap.Nodes)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM content_snapshot`); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO content_snapshot (id, nodes, saved_at) VALUES (?, ?, ?)`,
		snapshotRowID, string(data), snap.SavedAt,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	span.SetAttributes(
		attribute.Int("snapshot_bytes", len(data)),
		attribute.Bool("replace_success", true),
	)
	return nil
}

// LoadSnapshot returns the stored tree, or nil when none has been saved
func (tc *TiDBClient) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "tidb.load_snapshot")
	defer span.End()

	var (
		data    string
		savedAt time.Time
	)
	err := tc.db.QueryRowContext(ctx,
		`SELECT nodes, saved_at FROM content_snapshot WHERE id = ?`, snapshotRowID,
	).Scan(&data, &savedAt)

	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	var nodes []*models.ContentNode
	if err := json.Unmarshal([]byte(data), &nodes); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &models.Snapshot{Nodes: nodes, SavedAt: savedAt}, nil
}

// UpsertProgress inserts or overwrites a progress row
func (tc *TiDBClient) UpsertProgress(ctx context.Context, rec *models.ProgressRecord) error {
	ctx, span := tracer.Start(ctx, "tidb.upsert_progress",
		trace.WithAttributes(
			attribute.String("file_id", rec.ID),
			attribute.String("status", string(rec.Status)),
			attribute.Int("last_page", rec.LastPage),
		),
	)
	defer span.End()

	query := `INSERT INTO progress (id, status, last_page, total_pages, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  status = VALUES(status), last_page = VALUES(last_page),
			  total_pages = VALUES(total_pages), updated_at = VALUES(updated_at)`

	_, err := tc.db.ExecContext(ctx, query, rec.ID, rec.Status, rec.LastPage, rec.TotalPages, rec.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert progress: %w", err)
	}

	span.SetAttributes(attribute.Bool("upsert_success", true))
	return nil
}

// GetProgress returns nil when the file has no progress row
func (tc *TiDBClient) GetProgress(ctx context.Context, id string) (*models.ProgressRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_progress",
		trace.WithAttributes(
			attribute.String("file_id", id),
		),
	)
	defer span.End()

	var rec models.ProgressRecord
	err := tc.db.QueryRowContext(ctx,
		`SELECT id, status, last_page, total_pages, updated_at FROM progress WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Status, &rec.LastPage, &rec.TotalPages, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &rec, nil
}

// ListProgress returns every progress row ordered by id
func (tc *TiDBClient) ListProgress(ctx context.Context) ([]*models.ProgressRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_progress")
	defer span.End()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT id, status, last_page, total_pages, updated_at FROM progress ORDER BY id ASC`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer rows.Close()

	var records []*models.ProgressRecord
	for rows.Next() {
		var rec models.ProgressRecord
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.LastPage, &rec.TotalPages, &rec.UpdatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating progress: %w", err)
	}

	span.SetAttributes(
		attribute.Int("record_count", len(records)),
		attribute.Bool("query_success", true),
	)
	return records, nil
}

// DeleteProgress removes a progress row; deleting a missing row is not an error
func (tc *TiDBClient) DeleteProgress(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_progress",
		trace.WithAttributes(
			attribute.String("file_id", id),
		),
	)
	defer span.End()

	if _, err := tc.db.ExecContext(ctx, `DELETE FROM progress WHERE id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	return nil
}

// SetPointer overwrites the pointer row for its kind
func (tc *TiDBClient) SetPointer(ctx context.Context, p *models.Pointer) error {
	ctx, span := tracer.Start(ctx, "tidb.set_pointer",
		trace.WithAttributes(
			attribute.String("kind", string(p.Kind)),
		),
	)
	defer span.End()

	query := `INSERT INTO pointers (kind, value, updated_at) VALUES (?, ?, ?)
			  ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`

	if _, err := tc.db.ExecContext(ctx, query, p.Kind, p.Value, p.UpdatedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set pointer: %w", err)
	}
	return nil
}

// GetPointer returns nil when the pointer was never set
func (tc *TiDBClient) GetPointer(ctx context.Context, kind models.PointerKind) (*models.Pointer, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_pointer",
		trace.WithAttributes(
			attribute.String("kind", string(kind)),
		),
	)
	defer span.End()

	var p models.Pointer
	err := tc.db.QueryRowContext(ctx,
		`SELECT kind, value, updated_at FROM pointers WHERE kind = ?`, kind,
	).Scan(&p.Kind, &p.Value, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query pointer: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &p, nil
}

// SaveDownload upserts download metadata. blobKey is the object key of a stored payload, or empty.
func (tc *TiDBClient) SaveDownload(ctx context.Context, rec *models.DownloadRecord, blobKey string) error {
	ctx, span := tracer.Start(ctx, "tidb.save_download",
		trace.WithAttributes(
			attribute.String("download_id", rec.ID),
			attribute.String("status", string(rec.Status)),
			attribute.Int("progress", rec.Progress),
		),
	)
	defer span.End()

	query := `INSERT INTO downloads (id, source_url, status, progress, downloaded_at, error_message,
			  file_size, content_type, file_name, checksum, attempt_id, blob_key, started_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  source_url = VALUES(source_url), status = VALUES(status), progress = VALUES(progress),
			  downloaded_at = VALUES(downloaded_at), error_message = VALUES(error_message),
			  file_size = VALUES(file_size), content_type = VALUES(content_type),
			  file_name = VALUES(file_name), checksum = VALUES(checksum), attempt_id = VALUES(attempt_id),
			  blob_key = VALUES(blob_key), started_at = VALUES(started_at), updated_at = VALUES(updated_at)`

	_, err := tc.db.ExecContext(ctx, query,
		rec.ID, rec.SourceURL, rec.Status, rec.Progress,
		nullInt64(rec.DownloadedAtEpochMs), nullString(rec.ErrorMessage), nullInt64(rec.FileSizeBytes),
		rec.ContentType, rec.FileName, rec.Checksum, rec.AttemptID,
		sql.NullString{String: blobKey, Valid: blobKey != ""},
		rec.StartedAt, rec.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save download: %w", err)
	}

	span.SetAttributes(attribute.Bool("save_success", true))
	return nil
}

const downloadColumns = `id, source_url, status, progress, downloaded_at, error_message, file_size,
	content_type, file_name, checksum, attempt_id, blob_key, started_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*models.DownloadRecord, string, error) {
	var (
		rec          models.DownloadRecord
		downloadedAt sql.NullInt64
		errorMessage sql.NullString
		fileSize     sql.NullInt64
		blobKey      sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.SourceURL, &rec.Status, &rec.Progress,
		&downloadedAt, &errorMessage, &fileSize,
		&rec.ContentType, &rec.FileName, &rec.Checksum, &rec.AttemptID,
		&blobKey, &rec.StartedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, "", err
	}
	if downloadedAt.Valid {
		rec.DownloadedAtEpochMs = &downloadedAt.Int64
	}
	if errorMessage.Valid {
		rec.ErrorMessage = &errorMessage.String
	}
	if fileSize.Valid {
		rec.FileSizeBytes = &fileSize.Int64
	}
	return &rec, blobKey.String, nil
}

// GetDownload returns the metadata row and its blob key, or nil when absent
func (tc *TiDBClient) GetDownload(ctx context.Context, id string) (*models.DownloadRecord, string, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_download",
		trace.WithAttributes(
			attribute.String("download_id", id),
		),
	)
	defer span.End()

	row := tc.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	rec, blobKey, err := scanDownload(row)

	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, "", nil
	} else if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("failed to query download: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return rec, blobKey, nil
}

// ListDownloads returns metadata for every download ordered by id
func (tc *TiDBClient) ListDownloads(ctx context.Context) ([]*models.DownloadRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_downloads")
	defer span.End()

	rows, err := tc.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY id ASC`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var records []*models.DownloadRecord
	for rows.Next() {
		rec, _, err := scanDownload(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating downloads: %w", err)
	}

	span.SetAttributes(
		attribute.Int("download_count", len(records)),
		attribute.Bool("query_success", true),
	)
	return records, nil
}

// DeleteDownload removes a download row; deleting a missing row is not an error
func (tc *TiDBClient) DeleteDownload(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_download",
		trace.WithAttributes(
			attribute.String("download_id", id),
		),
	)
	defer span.End()

	if _, err := tc.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete download: %w", err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

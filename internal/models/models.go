package models

import (
	"errors"
	"fmt"
	"time"
)

// NodeKind distinguishes folders from files in the content tree
type NodeKind string

const (
	KindFolder NodeKind = "folder"
	KindFile   NodeKind = "file"
)

// ReadStatus is the per-file reading state
type ReadStatus string

const (
	StatusUnread     ReadStatus = "unread"
	StatusInProgress ReadStatus = "in_progress"
	StatusCompleted  ReadStatus = "completed"
)

// Valid reports whether the status is one of the known values
func (s ReadStatus) Valid() bool {
	return s == StatusUnread || s == StatusInProgress || s == StatusCompleted
}

// IsRead returns true once the user has opened the file at least once
func (s ReadStatus) IsRead() bool {
	return s == StatusInProgress || s == StatusCompleted
}

// ContentNode is a folder or file of the content tree. Folders own their children.
type ContentNode struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     NodeKind       `json:"type"`
	Children []*ContentNode `json:"children,omitempty"`

	// File-only fields
	SizeBytes  int64      `json:"size,omitempty"`
	Extension  string     `json:"extension,omitempty"`
	RemoteLink string     `json:"link,omitempty"`
	ReadStatus ReadStatus `json:"readStatus,omitempty"`
	LastPage   int        `json:"lastPage"`
	TotalPages int        `json:"totalPages"`
}

// IsFolder reports whether the node is a folder
func (n *ContentNode) IsFolder() bool {
	return n.Kind == KindFolder
}

// IsFile reports whether the node is a file
func (n *ContentNode) IsFile() bool {
	return n.Kind == KindFile
}

// ProgressRecord holds the reading position of one file
type ProgressRecord struct {
	ID         string     `json:"id"`
	Status     ReadStatus `json:"status"`
	LastPage   int        `json:"lastPage"`
	TotalPages int        `json:"totalPages"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// DownloadStatus is the state of a download record
type DownloadStatus string

const (
	DownloadNotStarted DownloadStatus = "not_started"
	DownloadInProgress DownloadStatus = "in_progress"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// IsFinished returns true for terminal states
func (s DownloadStatus) IsFinished() bool {
	return s == DownloadCompleted || s == DownloadFailed
}

var (
	ErrAlreadyCompleted       = errors.New("download already completed")
	ErrInvalidStateTransition = errors.New("invalid download state transition")
	ErrEmptyBlob              = errors.New("download blob cannot be empty")
)

// DownloadRecord tracks one downloaded resource. Blob is only populated on completion.
type DownloadRecord struct {
	ID                  string         `json:"id"`
	SourceURL           string         `json:"sourceUrl"`
	Status              DownloadStatus `json:"status"`
	Progress            int            `json:"progress"`
	DownloadedAtEpochMs *int64         `json:"downloadedAt,omitempty"`
	ErrorMessage        *string        `json:"errorMessage,omitempty"`
	FileSizeBytes       *int64         `json:"fileSize,omitempty"`
	ContentType         string         `json:"contentType,omitempty"`
	FileName            string         `json:"fileName,omitempty"`
	Checksum            string         `json:"checksum,omitempty"`
	AttemptID           string         `json:"attemptId"`
	StartedAt           time.Time      `json:"startedAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
	Blob                []byte         `json:"-"`
}

// NewDownloadRecord returns a record in the in_progress state with progress 0
func NewDownloadRecord(id, sourceURL, attemptID string, now time.Time) *DownloadRecord {
	return &DownloadRecord{
		ID:        id,
		SourceURL: sourceURL,
		Status:    DownloadInProgress,
		AttemptID: attemptID,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Complete moves an in-progress record to completed and attaches the blob
func (d *DownloadRecord) Complete(blob []byte, checksum string, now time.Time) error {
	if d.Status != DownloadInProgress {
		return fmt.Errorf("%w: cannot complete download in status %s", ErrInvalidStateTransition, d.Status)
	}
	if len(blob) == 0 {
		return ErrEmptyBlob
	}

	size := int64(len(blob))
	at := now.UnixMilli()
	d.Status = DownloadCompleted
	d.Progress = 100
	d.Blob = blob
	d.Checksum = checksum
	d.FileSizeBytes = &size
	d.DownloadedAtEpochMs = &at
	d.ErrorMessage = nil
	d.UpdatedAt = now
	return nil
}

// Fail marks an in-progress record as failed
func (d *DownloadRecord) Fail(message string, now time.Time) error {
	if d.Status == DownloadCompleted {
		return ErrAlreadyCompleted
	}
	if d.Status != DownloadInProgress {
		return fmt.Errorf("%w: cannot fail download in status %s", ErrInvalidStateTransition, d.Status)
	}

	d.Status = DownloadFailed
	d.ErrorMessage = &message
	d.Blob = nil
	d.UpdatedAt = now
	return nil
}

// IsCompleted reports whether the record holds a usable blob
func (d *DownloadRecord) IsCompleted() bool {
	return d.Status == DownloadCompleted
}

// Metadata returns a copy of the record without the blob payload
func (d *DownloadRecord) Metadata() *DownloadRecord {
	cp := *d
	cp.Blob = nil
	return &cp
}

// PointerKind names one of the singleton "last" pointers
type PointerKind string

const (
	PointerLastRead   PointerKind = "last_read"
	PointerLastFolder PointerKind = "last_folder"
)

// Valid reports whether the kind is known
func (k PointerKind) Valid() bool {
	return k == PointerLastRead || k == PointerLastFolder
}

// Pointer is a single-valued record that is overwritten on every update
type Pointer struct {
	Kind      PointerKind `json:"kind"`
	Value     string      `json:"value"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Snapshot is the locally persisted copy of the content tree
type Snapshot struct {
	Nodes   []*ContentNode `json:"nodes"`
	SavedAt time.Time      `json:"savedAt"`
}

package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStatus_IsRead(t *testing.T) {
	tests := []struct {
		status   ReadStatus
		valid    bool
		expected bool
	}{
		{StatusUnread, true, false},
		{StatusInProgress, true, true},
		{StatusCompleted, true, true},
		{ReadStatus("skipped"), false, false},
	}

	for _, test := range tests {
		assert.Equal(t, test.valid, test.status.Valid(), "Valid(%s)", test.status)
		assert.Equal(t, test.expected, test.status.IsRead(), "IsRead(%s)", test.status)
	}
}

func TestDownloadRecord_Lifecycle(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rec := NewDownloadRecord("vol-1", "http://origin/vol-1.cbz", "attempt-1", now)

	assert.Equal(t, DownloadInProgress, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Nil(t, rec.Blob)

	require.NoError(t, rec.Complete([]byte("PK"), "abc", now.Add(time.Second)))
	assert.Equal(t, DownloadCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.DownloadedAtEpochMs)
	assert.Equal(t, now.Add(time.Second).UnixMilli(), *rec.DownloadedAtEpochMs)
	require.NotNil(t, rec.FileSizeBytes)
	assert.Equal(t, int64(2), *rec.FileSizeBytes)

	err := rec.Fail("late failure", now)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	err = rec.Complete([]byte("x"), "", now)
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))
}

func TestDownloadRecord_FailClearsBlob(t *testing.T) {
	rec := NewDownloadRecord("vol-2", "http://origin/vol-2.cbz", "attempt-2", time.Now())
	rec.Blob = []byte("partial")

	require.NoError(t, rec.Fail("connection reset", time.Now()))
	assert.Equal(t, DownloadFailed, rec.Status)
	assert.Nil(t, rec.Blob)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "connection reset", *rec.ErrorMessage)
	assert.True(t, rec.Status.IsFinished())
}

func TestDownloadRecord_CompleteRejectsEmptyBlob(t *testing.T) {
	rec := NewDownloadRecord("vol-3", "http://origin/vol-3.cbz", "attempt-3", time.Now())
	assert.ErrorIs(t, rec.Complete(nil, "", time.Now()), ErrEmptyBlob)
	assert.Equal(t, DownloadInProgress, rec.Status)
}

func TestDownloadRecord_Metadata(t *testing.T) {
	rec := &DownloadRecord{ID: "a", Blob: []byte("data")}
	meta := rec.Metadata()

	assert.Nil(t, meta.Blob)
	assert.Equal(t, "a", meta.ID)
	assert.NotNil(t, rec.Blob, "original record must keep its blob")
}

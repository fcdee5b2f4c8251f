package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/maneesh/comicshelf/internal/config"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs live TiDB, MinIO and Redis; set COMICSHELF_INTEGRATION=1 to enable.
func TestRemoteBackend_Integration(t *testing.T) {
	if os.Getenv("COMICSHELF_INTEGRATION") == "" {
		t.Skip("COMICSHELF_INTEGRATION not set")
	}

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	ctx := context.Background()
	s := NewStore(NewRemoteBackend(cfg))
	require.NoError(t, s.Init(ctx))
	defer s.Close()

	id := "integration/" + time.Now().Format("150405.000") + ".cbz"
	rec := models.NewDownloadRecord(id, "http://origin/"+id, "attempt", time.Now())
	require.NoError(t, s.SaveDownload(ctx, rec))
	require.NoError(t, rec.Complete([]byte("zip bytes"), "sum", time.Now()))
	require.NoError(t, s.SaveDownload(ctx, rec))

	got, err := s.GetDownload(ctx, id, true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("zip bytes"), got.Blob)

	// second read is served from the metadata cache
	got, err = s.GetDownload(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadCompleted, got.Status)

	require.NoError(t, s.DeleteDownload(ctx, id))
	got, err = s.GetDownload(ctx, id, true)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.UpsertProgress(ctx, &models.ProgressRecord{
		ID: id, Status: models.StatusInProgress, LastPage: 5, TotalPages: 20, UpdatedAt: time.Now(),
	}))
	p, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, p.LastPage)
	require.NoError(t, s.DeleteProgress(ctx, id))
}

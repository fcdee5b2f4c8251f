package library

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/maneesh/comicshelf/internal/archive"
	"github.com/maneesh/comicshelf/internal/download"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/progress"
	"github.com/maneesh/comicshelf/internal/storage"
	"github.com/maneesh/comicshelf/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTree struct {
	nodes []*models.ContentNode
	prog  *progress.Store
}

func (s *staticTree) LocalTree(ctx context.Context) ([]*models.ContentNode, error) {
	if s.nodes == nil {
		return nil, nil
	}
	statuses, err := s.prog.StatusMap(ctx)
	if err != nil {
		return nil, err
	}
	return tree.Annotate(s.nodes, statuses), nil
}

type fakeDownloader struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	err       error
	preloaded []string
}

func (f *fakeDownloader) Download(ctx context.Context, req download.Request) (*models.DownloadRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec := models.NewDownloadRecord(req.ID, req.URL, "attempt", time.Now())
	if err := rec.Complete(f.blobs[req.ID], "", time.Now()); err != nil {
		return nil, err
	}
	return rec, nil
}

func (f *fakeDownloader) Preload(ctx context.Context, req download.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preloaded = append(f.preloaded, req.ID)
	return true
}

func comicZip(t *testing.T, pages int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i < pages; i++ {
		w, err := zw.Create(string(rune('a'+i)) + ".png")
		require.NoError(t, err)
		require.NoError(t, png.Encode(w, image.NewGray(image.Rect(0, 0, 3, 4))))
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func file(id, name string) *models.ContentNode {
	return &models.ContentNode{ID: id, Name: name, Kind: models.KindFile, RemoteLink: "http://origin/" + id}
}

type fixture struct {
	lib   *Library
	dl    *fakeDownloader
	prog  *progress.Store
	reg   *archive.Registry
	store *storage.Store
}

func newFixture(t *testing.T, preload bool) *fixture {
	t.Helper()
	st := storage.NewStore(storage.NewMemoryBackend())
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	prog := progress.NewStore(st)
	nodes := []*models.ContentNode{
		{ID: "series/", Name: "series", Kind: models.KindFolder, Children: []*models.ContentNode{
			file("series/issue10.cbz", "issue10.cbz"),
			file("series/issue2.cbz", "issue2.cbz"),
			file("series/issue1.cbz", "issue1.cbz"),
			{ID: "series/extras/", Name: "extras", Kind: models.KindFolder, Children: []*models.ContentNode{
				file("series/extras/sketch.cbz", "sketch.cbz"),
			}},
		}},
		file("oneshot.cbz", "oneshot.cbz"),
	}

	dl := &fakeDownloader{blobs: map[string][]byte{
		"series/issue1.cbz": comicZip(t, 3),
		"oneshot.cbz":       []byte("not an archive"),
	}}
	reg := archive.NewRegistry()
	lib := New(Options{PreloadNext: preload}, &staticTree{nodes: nodes, prog: prog}, dl, archive.NewExtractor(), reg, prog, st)
	return &fixture{lib: lib, dl: dl, prog: prog, reg: reg, store: st}
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	reading, err := f.lib.OpenFile(ctx, "series/issue1.cbz")
	require.NoError(t, err)

	require.Len(t, reading.Pages, 3)
	assert.Equal(t, "a.png", reading.Pages[0].Name)
	assert.Equal(t, 3, reading.Pages[0].Width)
	assert.Equal(t, 3, f.reg.Live())
	assert.Nil(t, reading.Record.Blob)
	assert.Empty(t, reading.Warning)

	require.NotNil(t, reading.Progress)
	assert.Equal(t, models.StatusInProgress, reading.Progress.Status)
	assert.Equal(t, 3, reading.Progress.TotalPages)

	last, err := f.lib.LastRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "series/issue1.cbz", last)

	assert.Equal(t, "series/issue2.cbz", reading.Preloaded)
	assert.Equal(t, []string{"series/issue2.cbz"}, f.dl.preloaded)

	assert.Equal(t, 3, f.lib.ClosePages(reading.ResourceIDs()))
	assert.Zero(t, f.reg.Live())
}

func TestOpenFile_KeepsExistingProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.prog.MarkStatus(ctx, "series/issue1.cbz", models.StatusCompleted, 2, 3)
	require.NoError(t, err)

	reading, err := f.lib.OpenFile(ctx, "series/issue1.cbz")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, reading.Progress.Status)
	assert.Equal(t, 2, reading.Progress.LastPage)
	assert.Empty(t, f.dl.preloaded)
}

func TestOpenFile_UnreadableArchive(t *testing.T) {
	f := newFixture(t, true)

	reading, err := f.lib.OpenFile(context.Background(), "oneshot.cbz")
	require.NoError(t, err)
	assert.Empty(t, reading.Pages)
	assert.NotEmpty(t, reading.Warning)
	assert.Empty(t, reading.Preloaded, "no file follows at the top level")
}

func TestOpenFile_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.lib.OpenFile(ctx, "missing.cbz")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.lib.OpenFile(ctx, "series/")
	assert.ErrorIs(t, err, ErrNotAFile)

	f.dl.err = download.ErrTimeout
	_, err = f.lib.OpenFile(ctx, "series/issue1.cbz")
	assert.ErrorIs(t, err, download.ErrTimeout)
}

func TestRecordPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.lib.OpenFile(ctx, "series/issue1.cbz")
	require.NoError(t, err)

	rec, err := f.lib.RecordPage(ctx, "series/issue1.cbz", 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, rec.Status)

	rec, err = f.lib.RecordPage(ctx, "series/issue1.cbz", 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)

	nodes, err := f.lib.Tree(ctx)
	require.NoError(t, err)
	n, ok := tree.FindByID(nodes, "series/issue1.cbz")
	require.True(t, ok)
	assert.Equal(t, 2, n.LastPage)
	assert.Equal(t, models.StatusCompleted, n.ReadStatus)
}

func TestFolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	view, err := f.lib.Folder(ctx, "series/extras/", tree.SortByName, tree.Ascending)
	require.NoError(t, err)
	require.Len(t, view.Breadcrumb, 1)
	assert.Equal(t, "series/", view.Breadcrumb[0].ID)
	assert.Equal(t, 1, view.Summary.Total)

	view, err = f.lib.Folder(ctx, "series/", tree.SortByName, tree.Ascending)
	require.NoError(t, err)
	assert.Empty(t, view.Breadcrumb)

	names := make([]string, 0, len(view.Children))
	for _, c := range view.Children {
		names = append(names, c.Name)
		assert.Nil(t, c.Children)
	}
	assert.Equal(t, []string{"extras", "issue1.cbz", "issue2.cbz", "issue10.cbz"}, names)

	_, err = f.lib.Folder(ctx, "oneshot.cbz", tree.SortByName, tree.Ascending)
	assert.ErrorIs(t, err, ErrNotFolder)
	_, err = f.lib.Folder(ctx, "nope/", tree.SortByName, tree.Ascending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPointers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	folder, err := f.lib.LastFolder(ctx)
	require.NoError(t, err)
	assert.Empty(t, folder)

	require.NoError(t, f.lib.SetLastFolder(ctx, "series/"))
	require.NoError(t, f.lib.SetLastFolder(ctx, "series/extras/"))

	folder, err = f.lib.LastFolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "series/extras/", folder)

	assert.Error(t, f.lib.SetLastFolder(ctx, ""))
}

func TestTree_NeverSynced(t *testing.T) {
	st := storage.NewStore(storage.NewMemoryBackend())
	require.NoError(t, st.Init(context.Background()))
	prog := progress.NewStore(st)
	lib := New(Options{}, &staticTree{prog: prog}, &fakeDownloader{}, archive.NewExtractor(), archive.NewRegistry(), prog, st)

	nodes, err := lib.Tree(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

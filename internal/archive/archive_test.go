package archive

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type entry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if e.data != nil {
			_, err = w.Write(e.data)
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractPages(t *testing.T) {
	blob := buildZip(t,
		entry{"p10.png", pngBytes(t, 10, 20)},
		entry{"p02.png", pngBytes(t, 2, 3)},
		entry{"chapter/", nil},
		entry{"p01.png", pngBytes(t, 4, 5)},
		entry{"__MACOSX/._p01.png", []byte("resource fork")},
		entry{".cover.png", pngBytes(t, 1, 1)},
		entry{"notes.txt", []byte("hello")},
		entry{"broken.jpg", []byte("not really a jpeg")},
	)

	pages, err := NewExtractor().ExtractPages(context.Background(), blob)
	require.NoError(t, err)
	require.Len(t, pages, 3)

	assert.Equal(t, "p01.png", pages[0].Name)
	assert.Equal(t, "p02.png", pages[1].Name)
	assert.Equal(t, "p10.png", pages[2].Name)

	for i, p := range pages {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, "image/png", p.ContentType)
		assert.NotEmpty(t, p.Data)
	}
	assert.Equal(t, 4, pages[0].Width)
	assert.Equal(t, 5, pages[0].Height)
	assert.Equal(t, 10, pages[2].Width)
	assert.Equal(t, 20, pages[2].Height)
}

func TestExtractPages_Malformed(t *testing.T) {
	pages, err := NewExtractor().ExtractPages(context.Background(), []byte("definitely not a zip"))
	assert.ErrorIs(t, err, ErrMalformedArchive)
	assert.NotNil(t, pages)
	assert.Empty(t, pages)
}

func TestExtractPages_NoImages(t *testing.T) {
	blob := buildZip(t, entry{"readme.txt", []byte("no pictures here")})

	pages, err := NewExtractor().ExtractPages(context.Background(), blob)
	assert.ErrorIs(t, err, ErrNoPages)
	assert.Empty(t, pages)
}

func TestExtractPages_Cancelled(t *testing.T) {
	blob := buildZip(t, entry{"p1.png", pngBytes(t, 1, 1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExtractor().ExtractPages(ctx, blob)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsPageEntry(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"page.jpg", true},
		{"PAGE.JPEG", true},
		{"sub/dir/page.webp", true},
		{"a.gif", true},
		{"dir/", false},
		{"__MACOSX/page.jpg", false},
		{"sub/.thumb.png", false},
		{"ComicInfo.xml", false},
		{"page.bmp", false},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, IsPageEntry(test.name), test.name)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	res := r.Register([]Page{
		{Index: 0, Name: "a.png", ContentType: "image/png", Data: []byte("a")},
		{Index: 1, Name: "b.png", ContentType: "image/png", Data: []byte("b")},
	})
	require.Len(t, res, 2)
	assert.Equal(t, 2, r.Live())
	assert.NotEqual(t, res[0].ID, res[1].ID)
	assert.Equal(t, "/resources/"+res[0].ID, res[0].URL)
	assert.Equal(t, 1, res[1].Index)

	data, ct, ok := r.Open(res[1].ID)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), data)
	assert.Equal(t, "image/png", ct)

	assert.True(t, r.Release(res[0].ID))
	assert.False(t, r.Release(res[0].ID))
	_, _, ok = r.Open(res[0].ID)
	assert.False(t, ok)

	assert.Equal(t, 1, r.ReleaseAll([]string{res[0].ID, res[1].ID, "unknown"}))
	assert.Zero(t, r.Live())
}

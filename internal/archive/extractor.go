// Package archive turns a downloaded comic archive into ordered page images.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
	"github.com/maneesh/comicshelf/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "golang.org/x/image/webp"
)

var tracer = otel.Tracer("comicshelf-archive")

var (
	ErrMalformedArchive = errors.New("archive is malformed")
	ErrNoPages          = errors.New("archive contains no images")
)

// maxPageBytes bounds a single decompressed entry
const maxPageBytes = 64 << 20

var pageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Page is one decoded image of an archive, in reading order
type Page struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Data        []byte `json:"-"`
}

// IsPageEntry reports whether an archive entry name looks like a page image
func IsPageEntry(name string) bool {
	if strings.HasSuffix(name, "/") || strings.HasPrefix(name, "__MACOSX/") {
		return false
	}
	base := path.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return pageExtensions[strings.ToLower(path.Ext(base))]
}

// Extractor decodes zip based comic archives (cbz, zip)
type Extractor struct{}

// NewExtractor returns an extractor
func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractPages returns the image entries of blob ordered by entry name. Entries that
// do not decode as images are skipped. Both error results come with an empty slice.
func (x *Extractor) ExtractPages(ctx context.Context, blob []byte) ([]Page, error) {
	ctx, span := tracer.Start(ctx, "archive.extract",
		trace.WithAttributes(attribute.Int("blob_size", len(blob))),
	)
	defer span.End()

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		span.RecordError(err)
		return []Page{}, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
	}

	entries := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !IsPageEntry(f.Name) {
			continue
		}
		entries = append(entries, f)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	pages := make([]Page, 0, len(entries))
	for _, f := range entries {
		if err := ctx.Err(); err != nil {
			return []Page{}, err
		}

		page, err := decodeEntry(f)
		if err != nil {
			logging.Debugw("skipping archive entry", "entry", f.Name, "error", err)
			continue
		}
		page.Index = len(pages)
		pages = append(pages, *page)
	}

	span.SetAttributes(attribute.Int("pages", len(pages)))
	if len(pages) == 0 {
		return []Page{}, ErrNoPages
	}
	return pages, nil
}

func decodeEntry(f *zip.File) (*Page, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxPageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	if len(data) > maxPageBytes {
		return nil, fmt.Errorf("entry larger than %d bytes", maxPageBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image header: %w", err)
	}

	contentType := mimetype.Detect(data).String()
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/" + format
	}

	return &Page{
		Name:        f.Name,
		ContentType: contentType,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Data:        data,
	}, nil
}

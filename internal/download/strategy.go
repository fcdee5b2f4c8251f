package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/maneesh/comicshelf/internal/chunker"
)

// Strategy is one way of moving the bytes of a resource. The engine tries
// strategies in order; ErrStrategyUnsupported skips to the next one.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, t *Transfer) ([]byte, error)
}

// Transfer is the state shared by the strategies of one download
type Transfer struct {
	URL    string
	Meta   *Metadata
	client *http.Client
	report func(received int64)
}

func (t *Transfer) progress(received int64) {
	if t.report != nil {
		t.report(received)
	}
}

// get issues a GET and turns any non-2xx answer into a StatusError
func (t *Transfer) get(ctx context.Context, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{URL: t.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// checkLength fails a body whose length disagrees with the response headers or
// with the size reported by the probe. Chunked bodies carry no length of their own.
func checkLength(got int64, resp *http.Response, meta *Metadata) error {
	if resp.ContentLength > 0 && got != resp.ContentLength {
		return fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, got, resp.ContentLength)
	}
	if meta.Size != nil && *meta.Size > 0 && got != *meta.Size {
		return fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, got, *meta.Size)
	}
	return nil
}

// DefaultStrategies returns stream, buffered and ranged transfers in that order
func DefaultStrategies(streamChunk int, rangeChunk int64) []Strategy {
	return []Strategy{
		&StreamStrategy{ChunkSize: streamChunk},
		&BufferedStrategy{},
		&RangeStrategy{ChunkSize: rangeChunk},
	}
}

// StreamStrategy reads the body incrementally and reports after every piece
type StreamStrategy struct {
	ChunkSize int
}

func (s *StreamStrategy) Name() string { return "stream" }

func (s *StreamStrategy) Fetch(ctx context.Context, t *Transfer) ([]byte, error) {
	resp, err := t.get(ctx, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if t.Meta.Size == nil && resp.ContentLength > 0 {
		size := resp.ContentLength
		t.Meta.Size = &size
	}

	c := chunker.NewChunker(int64(s.ChunkSize))
	chunks, total, err := c.ChunkStream(resp.Body, func(_ *chunker.ChunkData, soFar int64) error {
		t.progress(soFar)
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: stream interrupted after %d bytes: %w", ErrTransient, total, err)
	}
	if err := checkLength(total, resp, t.Meta); err != nil {
		return nil, err
	}

	return chunker.ReassembleChunks(chunker.Flatten(chunks)), nil
}

// BufferedStrategy reads the whole body in one go and reports once at the end
type BufferedStrategy struct{}

func (s *BufferedStrategy) Name() string { return "buffered" }

func (s *BufferedStrategy) Fetch(ctx context.Context, t *Transfer) ([]byte, error) {
	resp, err := t.get(ctx, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if err := checkLength(int64(len(data)), resp, t.Meta); err != nil {
		return nil, err
	}

	t.progress(int64(len(data)))
	return data, nil
}

// RangeStrategy downloads sequential byte ranges. It needs a known size and
// an origin that advertised range support.
type RangeStrategy struct {
	ChunkSize int64
}

func (s *RangeStrategy) Name() string { return "ranged" }

func (s *RangeStrategy) Fetch(ctx context.Context, t *Transfer) ([]byte, error) {
	if t.Meta.Size == nil || *t.Meta.Size <= 0 {
		return nil, fmt.Errorf("%w: size unknown", ErrStrategyUnsupported)
	}
	if !t.Meta.AcceptRanges {
		return nil, fmt.Errorf("%w: origin does not accept ranges", ErrStrategyUnsupported)
	}

	ranges := chunker.NewChunker(s.ChunkSize).Plan(*t.Meta.Size)
	parts := make([][]byte, 0, len(ranges))
	var received int64

	for _, r := range ranges {
		data, err := s.fetchRange(ctx, t, r)
		if err != nil {
			return nil, err
		}
		parts = append(parts, data)
		received += int64(len(data))
		t.progress(received)
	}

	return chunker.ReassembleChunks(parts), nil
}

func (s *RangeStrategy) fetchRange(ctx context.Context, t *Transfer, r chunker.Range) ([]byte, error) {
	resp, err := t.get(ctx, r.Header())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("%w: range %s answered %d", ErrStrategyUnsupported, r.Header(), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.Len()+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if int64(len(data)) != r.Len() {
		return nil, fmt.Errorf("%w: range %d returned %d of %d bytes", io.ErrUnexpectedEOF, r.Index, len(data), r.Len())
	}
	return data, nil
}

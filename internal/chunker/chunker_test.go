package chunker

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkStream(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghij"), 25) // 250 bytes
	c := NewChunker(100)

	var seen []int64
	chunks, total, err := c.ChunkStream(bytes.NewReader(data), func(chunk *ChunkData, soFar int64) error {
		seen = append(seen, soFar)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(250), total)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(50), chunks[2].Size)
	assert.Equal(t, 2, chunks[2].OrderIndex)
	assert.Equal(t, []int64{100, 200, 250}, seen)
	assert.Equal(t, data, ReassembleChunks(Flatten(chunks)))
}

func TestChunkStream_Empty(t *testing.T) {
	chunks, total, err := NewChunker(10).ChunkStream(bytes.NewReader(nil), nil)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, chunks)
}

func TestChunkStream_CallbackStops(t *testing.T) {
	stop := errors.New("stop")
	_, total, err := NewChunker(4).ChunkStream(bytes.NewReader([]byte("0123456789")), func(*ChunkData, int64) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int64(4), total)
}

// brokenReader yields data and then fails the way a cut HTTP body does
type brokenReader struct {
	data []byte
	err  error
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func TestChunkStream_ReaderFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unexpected eof", io.ErrUnexpectedEOF},
		{"other error", errors.New("connection reset")},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := &brokenReader{data: []byte("0123456789"), err: test.err}
			chunks, total, err := NewChunker(4).ChunkStream(r, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, test.err)
			assert.Nil(t, chunks)
			assert.Equal(t, int64(10), total)
		})
	}
}

func TestChunkStream_ShortReads(t *testing.T) {
	data := []byte("0123456789")
	chunks, total, err := NewChunker(4).ChunkStream(iotest.OneByteReader(bytes.NewReader(data)), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(4), chunks[0].Size)
	assert.Equal(t, data, ReassembleChunks(Flatten(chunks)))
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		total    int64
		size     int64
		expected []Range
	}{
		{"empty", 0, 5, nil},
		{"smaller than one chunk", 3, 5, []Range{{0, 0, 2}}},
		{"exact multiple", 10, 5, []Range{{0, 0, 4}, {1, 5, 9}}},
		{"remainder", 11, 5, []Range{{0, 0, 4}, {1, 5, 9}, {2, 10, 10}}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ranges := NewChunker(test.size).Plan(test.total)
			assert.Equal(t, test.expected, ranges)

			var covered int64
			for _, r := range ranges {
				covered += r.Len()
			}
			assert.Equal(t, test.total, covered)
		})
	}
}

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=5242880-10485759", Range{Start: 5 << 20, End: 10<<20 - 1}.Header())
}

func TestComputeHash(t *testing.T) {
	h := ComputeHash([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h)
	assert.True(t, VerifyChunkHash([]byte("hello"), h))
	assert.False(t, VerifyChunkHash([]byte("hello!"), h))
}

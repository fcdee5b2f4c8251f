package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ChunkData is one piece read from a stream
type ChunkData struct {
	Data       []byte
	OrderIndex int
	Size       int64
}

// Chunker splits transfers into fixed-size pieces
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured piece size
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// ChunkStream reads from a reader piece by piece, calling onChunk after each one.
// It returns the pieces in order and the total bytes read. Only io.EOF from the
// reader ends the stream; any other read error, io.ErrUnexpectedEOF included, is
// returned. An error from onChunk stops the read.
func (c *Chunker) ChunkStream(reader io.Reader, onChunk func(chunk *ChunkData, totalSoFar int64) error) ([]*ChunkData, int64, error) {
	var chunks []*ChunkData
	var totalSize int64
	orderIndex := 0

	for {
		buffer := make([]byte, c.chunkSize)
		n, err := fill(reader, buffer)

		if n > 0 {
			chunk := &ChunkData{
				Data:       buffer[:n],
				OrderIndex: orderIndex,
				Size:       int64(n),
			}

			chunks = append(chunks, chunk)
			totalSize += int64(n)
			orderIndex++

			if onChunk != nil {
				if cbErr := onChunk(chunk, totalSize); cbErr != nil {
					return nil, totalSize, cbErr
				}
			}
		}

		if err == io.EOF {
			break
		} else if err != nil {
			return nil, totalSize, fmt.Errorf("error reading chunk: %w", err)
		}
	}

	return chunks, totalSize, nil
}

// fill reads into buf until it is full or the reader fails. Unlike io.ReadFull it
// passes the reader's error through unchanged, so a clean io.EOF after a short
// final piece stays distinguishable from a broken stream.
func fill(reader io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := reader.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Range is an inclusive byte range of a ranged transfer
type Range struct {
	Index int
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Header formats the range for an HTTP Range request
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Plan splits total bytes into consecutive ranges of at most chunkSize bytes
func (c *Chunker) Plan(total int64) []Range {
	if total <= 0 {
		return nil
	}

	ranges := make([]Range, 0, (total+c.chunkSize-1)/c.chunkSize)
	for start, i := int64(0), 0; start < total; start, i = start+c.chunkSize, i+1 {
		end := min(start+c.chunkSize, total) - 1
		ranges = append(ranges, Range{Index: i, Start: start, End: end})
	}
	return ranges
}

// Flatten returns the data of each piece in order, ready for ReassembleChunks
func Flatten(chunks []*ChunkData) [][]byte {
	out := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Data)
	}
	return out
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ReassembleChunks combines chunks in order
func ReassembleChunks(chunks [][]byte) []byte {
	totalSize := 0
	for _, chunk := range chunks {
		totalSize += len(chunk)
	}

	result := make([]byte, 0, totalSize)
	for _, chunk := range chunks {
		result = append(result, chunk...)
	}

	return result
}

// VerifyChunkHash verifies that data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	actualHash := ComputeHash(data)
	return actualHash == expectedHash
}

package remote

import "fmt"

// DefaultBatchSize is the number of files per folder page
const DefaultBatchSize = 40

// Span is an inclusive index range of one batch
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of items in the span
func (s Span) Len() int {
	return s.End - s.Start + 1
}

// Label names the span with 1-based positions, e.g. "41–80"
func (s Span) Label() string {
	return fmt.Sprintf("%d–%d", s.Start+1, s.End+1)
}

// Batch splits n items into spans of size. A trailing remainder of one or two
// items is folded into the previous span instead of forming its own.
func Batch(n, size int) []Span {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultBatchSize
	}

	var spans []Span
	for start := 0; start < n; start += size {
		spans = append(spans, Span{Start: start, End: min(start+size, n) - 1})
	}

	if len(spans) > 1 && spans[len(spans)-1].Len() <= 2 {
		last := spans[len(spans)-1]
		spans = spans[:len(spans)-1]
		spans[len(spans)-1].End = last.End
	}
	return spans
}

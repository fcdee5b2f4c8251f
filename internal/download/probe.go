package download

import (
	"context"
	"mime"
	"net/http"
	"regexp"
	"strings"
)

// Metadata is what a HEAD probe learned about a resource. Size is nil when unknown.
type Metadata struct {
	Size         *int64
	ContentType  string
	FileName     string
	AcceptRanges bool
}

var filenamePattern = regexp.MustCompile(`(?i)filename\*?=([^;]+)`)

// probe issues a HEAD request. Any failure yields empty metadata and the error for logging.
func (e *Engine) probe(ctx context.Context, url string) (*Metadata, error) {
	meta := &Metadata{}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return meta, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return meta, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return meta, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength > 0 {
		size := resp.ContentLength
		meta.Size = &size
	}
	meta.ContentType = resp.Header.Get("Content-Type")
	meta.FileName = parseFileName(resp.Header.Get("Content-Disposition"))
	meta.AcceptRanges = strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
	return meta, nil
}

// parseFileName extracts filename= from a Content-Disposition header, quotes stripped
func parseFileName(disposition string) string {
	if disposition == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := params["filename"]; name != "" {
			return strings.Trim(name, `"'`)
		}
	}

	m := filenamePattern.FindStringSubmatch(disposition)
	if m == nil {
		return ""
	}
	name := strings.TrimSpace(m[1])
	if i := strings.Index(name, "''"); i >= 0 {
		name = name[i+2:]
	}
	return strings.Trim(name, `"'`)
}

package remote

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// allowedExtensions are the file types picked up from directory listings
var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
	"cbz":  true,
	"cbr":  true,
	"zip":  true,
}

// IsAllowedFile reports whether a listing entry is a comic, image or archive
func IsAllowedFile(name string) bool {
	return allowedExtensions[extensionOf(name)]
}

type listingEntry struct {
	Href string // as it appears in the listing, still escaped
	Name string // decoded
}

// parseListing extracts folder and file links from an nginx autoindex page
func parseListing(r io.Reader) (folders, files []listingEntry, err error) {
	z := html.NewTokenizer(r)
	seen := make(map[string]bool)

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return folders, files, nil
			}
			return nil, nil, z.Err()

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			href := hrefOf(z)
			if href == "" || seen[href] || !isRelativeEntry(href) {
				continue
			}
			seen[href] = true

			decoded, err := url.PathUnescape(strings.TrimSuffix(href, "/"))
			if err != nil {
				continue
			}

			if strings.HasSuffix(href, "/") {
				folders = append(folders, listingEntry{Href: href, Name: decoded})
			} else if IsAllowedFile(decoded) {
				files = append(files, listingEntry{Href: href, Name: decoded})
			}
		}
	}
}

func hrefOf(z *html.Tokenizer) string {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "href" {
			return string(val)
		}
		if !more {
			return ""
		}
	}
}

// isRelativeEntry skips parent links, absolute links, sort/query links and anchors
func isRelativeEntry(href string) bool {
	switch {
	case href == "../", href == "./", href == "/":
		return false
	case strings.HasPrefix(href, "/"), strings.HasPrefix(href, "?"), strings.HasPrefix(href, "#"):
		return false
	case strings.Contains(href, "://"):
		return false
	case strings.Count(strings.TrimSuffix(href, "/"), "/") > 0:
		return false
	}
	return true
}

package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/tree"
)

// ErrManifestFormat is returned when contents.json matches none of the accepted shapes
var ErrManifestFormat = errors.New("unrecognized manifest format")

// ParseManifest accepts a bare array of top-level nodes, a single root folder
// object, or an object wrapping a "content" array.
func ParseManifest(data []byte, origin string) ([]*models.ContentNode, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrManifestFormat)
	}

	var nodes []*models.ContentNode
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &nodes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestFormat, err)
		}
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestFormat, err)
		}
		if content, ok := probe["content"]; ok {
			if err := json.Unmarshal(content, &nodes); err != nil {
				return nil, fmt.Errorf("%w: content is not an array: %v", ErrManifestFormat, err)
			}
			break
		}

		var root models.ContentNode
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestFormat, err)
		}
		if _, hasChildren := probe["children"]; root.Kind != models.KindFolder && !hasChildren {
			return nil, fmt.Errorf("%w: object is neither a folder nor a content wrapper", ErrManifestFormat)
		}
		root.Kind = models.KindFolder
		nodes = []*models.ContentNode{&root}
	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrManifestFormat)
	}

	if err := normalize(nodes, "", origin); err != nil {
		return nil, err
	}
	if err := tree.ValidateIDs(nodes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestFormat, err)
	}
	return nodes, nil
}

// normalize fills ids, kinds, extensions and absolute links the manifest left out
func normalize(nodes []*models.ContentNode, parent, origin string) error {
	for _, n := range nodes {
		if n == nil {
			return fmt.Errorf("%w: null node", ErrManifestFormat)
		}
		if n.Name == "" && n.ID == "" {
			return fmt.Errorf("%w: node without name or id", ErrManifestFormat)
		}

		switch {
		case n.Kind == "" && n.Children != nil:
			n.Kind = models.KindFolder
		case n.Kind == "":
			n.Kind = models.KindFile
		case n.Kind != models.KindFolder && n.Kind != models.KindFile:
			return fmt.Errorf("%w: unknown node type %q", ErrManifestFormat, n.Kind)
		}

		if n.Name == "" {
			n.Name = path.Base(strings.TrimSuffix(n.ID, "/"))
		}

		if n.IsFolder() {
			if n.ID == "" {
				n.ID = parent + n.Name + "/"
			}
			if n.Children == nil {
				n.Children = []*models.ContentNode{}
			}
			if err := normalize(n.Children, n.ID, origin); err != nil {
				return err
			}
			continue
		}

		if n.ID == "" {
			n.ID = parent + n.Name
		}
		if n.Extension == "" {
			n.Extension = extensionOf(n.Name)
		}
		n.RemoteLink = resolveLink(origin, n.RemoteLink, n.ID)
		n.ReadStatus = ""
		n.LastPage = 0
		n.TotalPages = 0
	}
	return nil
}

// resolveLink makes a file link absolute, defaulting to the id path under origin
func resolveLink(origin, link, id string) string {
	if link == "" {
		return origin + "/" + escapePath(id)
	}
	if u, err := url.Parse(link); err == nil && u.IsAbs() {
		return link
	}
	return origin + "/" + strings.TrimPrefix(link, "/")
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

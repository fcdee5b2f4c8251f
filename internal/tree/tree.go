// Package tree implements lookups, annotation and ordering over the folder/file content tree.
//
// Functions never mutate their input: Annotate and Clone rebuild nodes, so a tree handed to one
// consumer is never changed underneath another.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/maneesh/comicshelf/internal/models"
)

// ErrInvalidSort is returned by ParseSort for unknown keys or directions
var ErrInvalidSort = errors.New("invalid sort")

// SortKey selects the field SortChildren orders by
type SortKey string

const (
	SortByName      SortKey = "name"
	SortBySize      SortKey = "size"
	SortByExtension SortKey = "extension"
)

// Direction is ascending or descending
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// ParseSort validates user-supplied sort parameters, defaulting to name ascending
func ParseSort(key, dir string) (SortKey, Direction, error) {
	k := SortKey(strings.ToLower(key))
	d := Direction(strings.ToLower(dir))
	if k == "" {
		k = SortByName
	}
	if d == "" {
		d = Ascending
	}
	if k != SortByName && k != SortBySize && k != SortByExtension {
		return "", "", fmt.Errorf("%w: unknown key %q", ErrInvalidSort, key)
	}
	if d != Ascending && d != Descending {
		return "", "", fmt.Errorf("%w: unknown direction %q", ErrInvalidSort, dir)
	}
	return k, d, nil
}

// FindByID searches depth-first, visiting folders before files at each level
func FindByID(nodes []*models.ContentNode, id string) (*models.ContentNode, bool) {
	for _, n := range foldersFirst(nodes) {
		if n.ID == id {
			return n, true
		}
		if n.IsFolder() {
			if found, ok := FindByID(n.Children, id); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// BuildPathTo returns the ancestor folders of id from the top level down to the containing folder.
// A top-level node has an empty path.
func BuildPathTo(nodes []*models.ContentNode, id string) ([]*models.ContentNode, bool) {
	for _, n := range foldersFirst(nodes) {
		if n.ID == id {
			return []*models.ContentNode{}, true
		}
		if n.IsFolder() {
			if rest, ok := BuildPathTo(n.Children, id); ok {
				return append([]*models.ContentNode{n}, rest...), true
			}
		}
	}
	return nil, false
}

// Annotate returns a copy of the tree with every file's reading state taken from progress.
// Files without a record default to unread at page 0 of 0.
func Annotate(nodes []*models.ContentNode, progress map[string]models.ProgressRecord) []*models.ContentNode {
	out := make([]*models.ContentNode, 0, len(nodes))
	for _, n := range nodes {
		cp := shallowCopy(n)
		if n.IsFolder() {
			cp.Children = Annotate(n.Children, progress)
		} else {
			applyProgress(cp, progress[n.ID])
		}
		out = append(out, cp)
	}
	return out
}

func applyProgress(n *models.ContentNode, rec models.ProgressRecord) {
	if rec.ID == "" || !rec.Status.Valid() {
		n.ReadStatus = models.StatusUnread
		n.LastPage = 0
		n.TotalPages = 0
		return
	}
	n.ReadStatus = rec.Status
	n.TotalPages = max(rec.TotalPages, 0)
	n.LastPage = max(rec.LastPage, 0)
	if n.TotalPages > 0 && n.LastPage > n.TotalPages {
		n.LastPage = n.TotalPages
	}
}

// Clone deep-copies a tree
func Clone(nodes []*models.ContentNode) []*models.ContentNode {
	if nodes == nil {
		return nil
	}
	out := make([]*models.ContentNode, 0, len(nodes))
	for _, n := range nodes {
		cp := shallowCopy(n)
		if n.IsFolder() {
			cp.Children = Clone(n.Children)
		}
		out = append(out, cp)
	}
	return out
}

func shallowCopy(n *models.ContentNode) *models.ContentNode {
	cp := *n
	cp.Children = nil
	return &cp
}

// SortChildren returns the folder's children ordered by key. Folders always precede files,
// whatever the direction; ties fall back to natural name order.
func SortChildren(folder *models.ContentNode, key SortKey, dir Direction) []*models.ContentNode {
	if folder == nil {
		return nil
	}
	return SortNodes(folder.Children, key, dir)
}

// SortNodes orders a sibling list the same way SortChildren does
func SortNodes(nodes []*models.ContentNode, key SortKey, dir Direction) []*models.ContentNode {
	out := make([]*models.ContentNode, len(nodes))
	copy(out, nodes)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}

		c := compareBy(a, b, key)
		if dir == Descending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return NaturalLess(a.Name, b.Name)
	})
	return out
}

func compareBy(a, b *models.ContentNode, key SortKey) int {
	switch key {
	case SortBySize:
		switch {
		case a.SizeBytes < b.SizeBytes:
			return -1
		case a.SizeBytes > b.SizeBytes:
			return 1
		}
		return 0
	case SortByExtension:
		return strings.Compare(strings.ToLower(a.Extension), strings.ToLower(b.Extension))
	default:
		return NaturalCompare(a.Name, b.Name)
	}
}

// foldersFirst keeps the relative order of siblings while moving folders ahead of files
func foldersFirst(nodes []*models.ContentNode) []*models.ContentNode {
	out := make([]*models.ContentNode, 0, len(nodes))
	for _, n := range nodes {
		if n.IsFolder() {
			out = append(out, n)
		}
	}
	for _, n := range nodes {
		if !n.IsFolder() {
			out = append(out, n)
		}
	}
	return out
}

// Walk visits every node depth-first in stored order. Returning false stops the walk.
func Walk(nodes []*models.ContentNode, fn func(n *models.ContentNode, depth int) bool) {
	walk(nodes, 0, fn)
}

func walk(nodes []*models.ContentNode, depth int, fn func(n *models.ContentNode, depth int) bool) bool {
	for _, n := range nodes {
		if !fn(n, depth) {
			return false
		}
		if n.IsFolder() && !walk(n.Children, depth+1, fn) {
			return false
		}
	}
	return true
}

// Files returns every file node in walk order
func Files(nodes []*models.ContentNode) []*models.ContentNode {
	var files []*models.ContentNode
	Walk(nodes, func(n *models.ContentNode, _ int) bool {
		if n.IsFile() {
			files = append(files, n)
		}
		return true
	})
	return files
}

// NextFile returns the file that follows id in natural order within the same folder
func NextFile(nodes []*models.ContentNode, id string) (*models.ContentNode, bool) {
	siblings := nodes
	path, ok := BuildPathTo(nodes, id)
	if !ok {
		return nil, false
	}
	if len(path) > 0 {
		siblings = path[len(path)-1].Children
	}

	ordered := SortNodes(siblings, SortByName, Ascending)
	for i, n := range ordered {
		if n.ID != id {
			continue
		}
		for _, next := range ordered[i+1:] {
			if next.IsFile() {
				return next, true
			}
		}
		return nil, false
	}
	return nil, false
}

// Summary counts the files below a node and how many of them have been opened
type Summary struct {
	Total     int `json:"total"`
	Read      int `json:"read"`
	Completed int `json:"completed"`
}

// Summarize walks an annotated subtree and tallies read states
func Summarize(nodes []*models.ContentNode) Summary {
	var s Summary
	for _, f := range Files(nodes) {
		s.Total++
		if f.ReadStatus.IsRead() {
			s.Read++
		}
		if f.ReadStatus == models.StatusCompleted {
			s.Completed++
		}
	}
	return s
}

// ValidateIDs reports the first id that occurs more than once
func ValidateIDs(nodes []*models.ContentNode) error {
	seen := make(map[string]struct{})
	var dup string
	Walk(nodes, func(n *models.ContentNode, _ int) bool {
		if _, ok := seen[n.ID]; ok {
			dup = n.ID
			return false
		}
		seen[n.ID] = struct{}{}
		return true
	})
	if dup != "" {
		return fmt.Errorf("duplicate node id %q", dup)
	}
	return nil
}

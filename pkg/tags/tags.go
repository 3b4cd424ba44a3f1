// Package tags models the per-tenant tag tree used for cost attribution.
// The tree is held as an index-based arena (a flat slice of records plus a
// parent index) rather than pointer-linked nodes; the materialized path is
// derived from the parent chain at write time so the two can never disagree.
package tags

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// MaxDepth caps the ancestor walk. A well-formed tree never gets close; the
// cap is the cycle defense for corrupt parent pointers.
const MaxDepth = 32

var (
	// ErrDepthExceeded is returned when an ancestor walk exceeds MaxDepth.
	ErrDepthExceeded = errors.New("tags: ancestor walk exceeded max depth")
	// ErrUnknownTag is returned when an id is not present in the arena.
	ErrUnknownTag = errors.New("tags: unknown tag")
)

// Tag is one node of a tenant's tag tree.
type Tag struct {
	ID          int64  `json:"id"`
	TenantID    int64  `json:"tenant_id"`
	Name        string `json:"name"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	Path        string `json:"path"`
	IsActive    bool   `json:"is_active"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// collator folds case, diacritics and width, approximating base-sensitivity
// comparison. Sibling names must be unique under this folding.
var collator = collate.New(language.Und, collate.Loose)

// NamesEqual reports whether two tag names collide under base-sensitivity
// folding ("Backend" vs "backend" vs "bäckend" all collide).
func NamesEqual(a, b string) bool {
	return collator.CompareString(a, b) == 0
}

// Arena is the in-memory index of one tenant's tags. It is immutable after
// construction; the resolver caches whole arenas per tenant.
type Arena struct {
	tags []Tag
	byID map[int64]int
}

// NewArena indexes the given records.
func NewArena(list []Tag) *Arena {
	a := &Arena{
		tags: list,
		byID: make(map[int64]int, len(list)),
	}
	for i, t := range list {
		a.byID[t.ID] = i
	}
	return a
}

// Len returns the number of tags in the arena.
func (a *Arena) Len() int { return len(a.tags) }

// All returns the underlying records.
func (a *Arena) All() []Tag { return a.tags }

// Get returns the tag with the given id.
func (a *Arena) Get(id int64) (Tag, bool) {
	i, ok := a.byID[id]
	if !ok {
		return Tag{}, false
	}
	return a.tags[i], true
}

// Resolve maps an X-Tag header value to a tag: exact path match first, then
// folded name match. Inactive tags do not resolve.
func (a *Arena) Resolve(ref string) (Tag, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Tag{}, false
	}
	for _, t := range a.tags {
		if t.IsActive && t.Path == ref {
			return t, true
		}
	}
	for _, t := range a.tags {
		if t.IsActive && NamesEqual(t.Name, ref) {
			return t, true
		}
	}
	return Tag{}, false
}

// Ancestors walks parent pointers from id up to the root, excluding id
// itself, nearest ancestor first. The walk terminates on the root, on a
// missing parent, or with ErrDepthExceeded after MaxDepth steps.
func (a *Arena) Ancestors(id int64) ([]Tag, error) {
	start, ok := a.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, id)
	}
	var out []Tag
	cur := start
	for depth := 0; cur.ParentID != nil; depth++ {
		if depth >= MaxDepth {
			return nil, ErrDepthExceeded
		}
		parent, ok := a.Get(*cur.ParentID)
		if !ok {
			// Dangling parent pointer: treat the walk as complete.
			return out, nil
		}
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}

// DerivePath rebuilds the slash-joined root-to-leaf path for id from the
// parent chain. Admin writes persist this value; reads trust the stored path.
func (a *Arena) DerivePath(id int64) (string, error) {
	t, ok := a.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownTag, id)
	}
	ancestors, err := a.Ancestors(id)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		parts = append(parts, ancestors[i].Name)
	}
	parts = append(parts, t.Name)
	return strings.Join(parts, "/"), nil
}

// SiblingConflict reports whether name collides with an existing child of
// parentID (nil for root level) under folded comparison. excludeID skips the
// record being renamed.
func (a *Arena) SiblingConflict(parentID *int64, name string, excludeID int64) bool {
	for _, t := range a.tags {
		if t.ID == excludeID {
			continue
		}
		if !sameParent(t.ParentID, parentID) {
			continue
		}
		if NamesEqual(t.Name, name) {
			return true
		}
	}
	return false
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

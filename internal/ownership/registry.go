// Package ownership tracks which story holds which file paths. The registry is
// folded from ownership_claim and ownership_release events.
package ownership

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// ConflictError reports paths already held by another story.
type ConflictError struct {
	StoryID string
	Holder  string
	Paths   []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("story %s conflicts with %s on %s", e.StoryID, e.Holder, strings.Join(e.Paths, ","))
}

type Registry struct {
	owners map[string]string   // path -> story
	claims map[string][]string // story -> paths
}

func New() *Registry {
	return &Registry{owners: map[string]string{}, claims: map[string][]string{}}
}

// Normalize cleans a path and anchors it at the repository root.
func Normalize(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	return path.Clean("/" + p)
}

// NormalizeAll cleans, dedupes and sorts a path set.
func NormalizeAll(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := Normalize(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Check returns the first conflict a claim would hit without recording it.
// Conflicts are grouped by holder; the holder with the lowest id is reported.
func (r *Registry) Check(storyID string, paths []string) *ConflictError {
	byHolder := map[string][]string{}
	for _, p := range NormalizeAll(paths) {
		holder, ok := r.owners[p]
		if ok && holder != storyID {
			byHolder[holder] = append(byHolder[holder], p)
		}
	}
	if len(byHolder) == 0 {
		return nil
	}
	holders := make([]string, 0, len(byHolder))
	for h := range byHolder {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	return &ConflictError{StoryID: storyID, Holder: holders[0], Paths: byHolder[holders[0]]}
}

// Claim records paths for storyID or returns a conflict leaving the registry unchanged.
func (r *Registry) Claim(storyID string, paths []string) error {
	if conflict := r.Check(storyID, paths); conflict != nil {
		return conflict
	}
	norm := NormalizeAll(paths)
	for _, p := range norm {
		r.owners[p] = storyID
	}
	r.claims[storyID] = mergePaths(r.claims[storyID], norm)
	return nil
}

// Release drops every path held by storyID.
func (r *Registry) Release(storyID string) {
	for _, p := range r.claims[storyID] {
		if r.owners[p] == storyID {
			delete(r.owners, p)
		}
	}
	delete(r.claims, storyID)
}

// Holder returns the story holding p.
func (r *Registry) Holder(p string) (string, bool) {
	h, ok := r.owners[Normalize(p)]
	return h, ok
}

// Held returns the paths held by storyID.
func (r *Registry) Held(storyID string) []string {
	return append([]string(nil), r.claims[storyID]...)
}

// Snapshot returns path -> holder.
func (r *Registry) Snapshot() map[string]string {
	out := make(map[string]string, len(r.owners))
	for p, h := range r.owners {
		out[p] = h
	}
	return out
}

func (r *Registry) Clone() *Registry {
	c := New()
	for p, h := range r.owners {
		c.owners[p] = h
	}
	for s, ps := range r.claims {
		c.claims[s] = append([]string(nil), ps...)
	}
	return c
}

func mergePaths(a, b []string) []string {
	return NormalizeAll(append(append([]string(nil), a...), b...))
}

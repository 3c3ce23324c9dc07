// Package spatial holds the two-level store of known areas and the spaces
// inside them, together with the signature document format and its
// on-disk mirror.
package spatial

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roomfi/roomfi/pkg/signal"
)

// Name limits.
const (
	MaxComponentLen = 64
	MinAreaDepth    = 4 // country/region/city/building
	MaxAreaDepth    = 5 // plus floor
)

var (
	// ErrInvalidName is returned for malformed area or space names.
	ErrInvalidName = errors.New("spatial: invalid name")
	// ErrNoAreaName is returned for documents that do not name their area.
	ErrNoAreaName = errors.New("spatial: document has no area name")
)

// SpaceDesc is an immutable set of signal models bound to one named space.
type SpaceDesc struct {
	Name string
	Tags []string
	MACs map[string]struct{}
	Sigs map[string]*signal.Sig
}

// NewSpaceDesc builds a space from static signal models.
func NewSpaceDesc(name string, sigs map[string]*signal.Sig, tags []string) *SpaceDesc {
	macs := make(map[string]struct{}, len(sigs))
	for mac := range sigs {
		macs[mac] = struct{}{}
	}
	return &SpaceDesc{
		Name: name,
		Tags: tags,
		MACs: macs,
		Sigs: sigs,
	}
}

// AreaDesc is one area (a building or floor) and its spaces.
type AreaDesc struct {
	Name    string
	Version int
	MACs    map[string]struct{}
	Spaces  map[string]*SpaceDesc

	// LastAccess is refreshed whenever the area passes the coarse filter.
	LastAccess time.Time
	// LastModified is the server's modification time of the document.
	LastModified time.Time
	// LastUpdate is when the area was last checked against the server.
	LastUpdate time.Time
	// Touched areas are re-fetched on the next refresh pass and never evicted.
	Touched bool
}

// NewAreaDesc returns an empty area.
func NewAreaDesc(name string) *AreaDesc {
	return &AreaDesc{
		Name:   name,
		MACs:   make(map[string]struct{}),
		Spaces: make(map[string]*SpaceDesc),
	}
}

// PutSpace adds or replaces a space.
func (a *AreaDesc) PutSpace(sp *SpaceDesc) {
	a.Spaces[sp.Name] = sp
	a.rebuildMACs()
}

// RemoveSpace deletes a space and reports whether it existed.
func (a *AreaDesc) RemoveSpace(name string) bool {
	if _, ok := a.Spaces[name]; !ok {
		return false
	}
	delete(a.Spaces, name)
	a.rebuildMACs()
	return true
}

func (a *AreaDesc) rebuildMACs() {
	a.MACs = make(map[string]struct{})
	for _, sp := range a.Spaces {
		for mac := range sp.MACs {
			a.MACs[mac] = struct{}{}
		}
	}
}

// SpaceNames returns the space names in sorted order.
func (a *AreaDesc) SpaceNames() []string {
	names := make([]string, 0, len(a.Spaces))
	for n := range a.Spaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateAreaName checks a country/region/city/building[/floor] name.
func ValidateAreaName(name string) error {
	parts := strings.Split(name, "/")
	if len(parts) < MinAreaDepth || len(parts) > MaxAreaDepth {
		return fmt.Errorf("%w: area %q needs %d to %d components", ErrInvalidName, name, MinAreaDepth, MaxAreaDepth)
	}
	for _, p := range parts {
		if err := validateComponent(p); err != nil {
			return fmt.Errorf("area %q: %w", name, err)
		}
	}
	return nil
}

func validateComponent(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty component", ErrInvalidName)
	case len(p) > MaxComponentLen:
		return fmt.Errorf("%w: component longer than %d bytes", ErrInvalidName, MaxComponentLen)
	case p == "." || p == "..":
		return fmt.Errorf("%w: component %q", ErrInvalidName, p)
	case strings.ContainsAny(p, "\\\x00"):
		return fmt.Errorf("%w: component %q contains a reserved character", ErrInvalidName, p)
	}
	return nil
}

// SplitSpaceName splits a fully qualified space name into the space name
// relative to areaName. The full name must start with areaName.
func SplitSpaceName(areaName, fullName string) (string, error) {
	if err := ValidateAreaName(areaName); err != nil {
		return "", err
	}
	prefix := areaName + "/"
	if !strings.HasPrefix(fullName, prefix) {
		return "", fmt.Errorf("%w: space %q is not inside area %q", ErrInvalidName, fullName, areaName)
	}
	rel := strings.TrimPrefix(fullName, prefix)
	if strings.Contains(rel, "/") {
		return "", fmt.Errorf("%w: space %q nests below its area", ErrInvalidName, fullName)
	}
	if err := validateComponent(rel); err != nil {
		return "", fmt.Errorf("space %q: %w", fullName, err)
	}
	return rel, nil
}

// Index maps area names to their descriptions. A nil entry marks an area
// that is known to exist but has not been fetched yet.
type Index struct {
	areas map[string]*AreaDesc
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{areas: make(map[string]*AreaDesc)}
}

// Len returns the number of known areas, fetched or not.
func (ix *Index) Len() int {
	return len(ix.areas)
}

// Names returns every known area name, sorted.
func (ix *Index) Names() []string {
	names := make([]string, 0, len(ix.areas))
	for n := range ix.areas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the area description and whether the name is known at all.
func (ix *Index) Get(name string) (*AreaDesc, bool) {
	a, ok := ix.areas[name]
	return a, ok
}

// Loaded returns the fetched areas.
func (ix *Index) Loaded() []*AreaDesc {
	out := make([]*AreaDesc, 0, len(ix.areas))
	for _, a := range ix.areas {
		if a != nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddPlaceholder records an area as known without data. It reports whether
// the name was new.
func (ix *Index) AddPlaceholder(name string) bool {
	if _, ok := ix.areas[name]; ok {
		return false
	}
	ix.areas[name] = nil
	return true
}

// Touch marks an area for a prompt refresh, creating a placeholder when unknown.
func (ix *Index) Touch(name string) {
	a, ok := ix.areas[name]
	if !ok || a == nil {
		ix.areas[name] = nil
		return
	}
	a.Touched = true
}

// Put stores a fetched area.
func (ix *Index) Put(a *AreaDesc) {
	ix.areas[a.Name] = a
}

// Remove forgets an area and reports whether it was known.
func (ix *Index) Remove(name string) bool {
	if _, ok := ix.areas[name]; !ok {
		return false
	}
	delete(ix.areas, name)
	return true
}

// EvictIfStale drops fetched areas not accessed within idle that are not
// touched, and returns their names.
func (ix *Index) EvictIfStale(now time.Time, idle time.Duration) []string {
	cutoff := now.Add(-idle)
	var evicted []string
	for name, a := range ix.areas {
		if a == nil || a.Touched {
			continue
		}
		if a.LastAccess.Before(cutoff) {
			delete(ix.areas, name)
			evicted = append(evicted, name)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// SpaceCount returns the number of spaces across all fetched areas.
func (ix *Index) SpaceCount() int {
	n := 0
	for _, a := range ix.areas {
		if a != nil {
			n += len(a.Spaces)
		}
	}
	return n
}

// Package circuit models a racing circuit as an ordered set of oriented
// boundary segments, and a registry that looks circuits up by code or by
// which one's bounding box contains a given fix.
package circuit

import (
	"fmt"
	"strings"
	"time"

	"github.com/lapviz/laptimer/geo"
)

// Type distinguishes circuits where the last segment closes the lap
// (Closed) from those where it is a separate finish-line reference
// (Open).
type Type int

const (
	Closed Type = iota
	Open
)

func (t Type) String() string {
	if t == Open {
		return "Open"
	}
	return "Closed"
}

// Segment is a Circuit's oriented boundary with its position in the
// total order around the track. Crossing it from its "B side" to its
// "C side" (the isosceles-triangle convention) is the valid direction.
type Segment struct {
	Number   int
	Boundary geo.Segment
}

// Circuit is a named, oriented sequence of boundary segments plus the
// per-circuit detection tuning that the lap-timer core consults.
type Circuit struct {
	Code                 string
	Name                 string
	Type                 Type
	UseDirection         bool
	BoundingBox          geo.Segment
	Segments             []Segment
	SectorTimeoutSeconds uint32
}

// New validates and constructs a Circuit. Segment numbers must form a
// permutation of 1..N in insertion order.
func New(code, name string, typ Type, useDirection bool, boundingBox geo.Segment, segments []Segment, sectorTimeoutSeconds uint32) (*Circuit, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("circuit: at least one segment is required")
	}
	seen := make(map[int]bool, len(segments))
	for i, s := range segments {
		want := i + 1
		if s.Number != want {
			return nil, fmt.Errorf("circuit: segment numbers must be 1..N in insertion order, got %d at position %d", s.Number, i)
		}
		if seen[s.Number] {
			return nil, fmt.Errorf("circuit: duplicate segment number %d", s.Number)
		}
		seen[s.Number] = true
	}
	return &Circuit{
		Code:                 code,
		Name:                 name,
		Type:                 typ,
		UseDirection:         useDirection,
		BoundingBox:          boundingBox,
		Segments:             segments,
		SectorTimeoutSeconds: sectorTimeoutSeconds,
	}, nil
}

// SectorCount returns N, the number of boundary segments.
func (c *Circuit) SectorCount() int {
	return len(c.Segments)
}

// Registry holds an in-memory collection of circuits indexed by code
// with case-insensitive comparison. It is intentionally static: the
// catalogue content itself is out of scope (see spec's external
// collaborators), only the lookup/detection contract is implemented
// here.
type Registry struct {
	byCode []*Circuit // insertion order; last write with a given code wins lookups
	index  map[string]int
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Add inserts or replaces a circuit by its case-folded code. The most
// recent insertion for a given code wins GetByCode lookups, but prior
// entries remain in Detect's iteration order at their original
// position (observable insertion order).
func (r *Registry) Add(c *Circuit) {
	key := strings.ToLower(strings.TrimSpace(c.Code))
	r.byCode = append(r.byCode, c)
	r.index[key] = len(r.byCode) - 1
}

// GetByCode performs a case-insensitive lookup. An empty or
// whitespace-only code returns (nil, false).
func (r *Registry) GetByCode(code string) (*Circuit, bool) {
	key := strings.ToLower(strings.TrimSpace(code))
	if key == "" {
		return nil, false
	}
	idx, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.byCode[idx], true
}

// Detect returns the first circuit, in insertion order, whose bounding
// box contains fix. It returns (nil, false) when fix is nil or no
// circuit's bounding box contains it.
func (r *Registry) Detect(fix *geo.Fix) (*Circuit, bool) {
	if fix == nil {
		return nil, false
	}
	for _, c := range r.byCode {
		if c.BoundingBox.ContainsBox(fix.Point) {
			return c, true
		}
	}
	return nil, false
}

// SyncProgress reports the progress of a Sync call.
type SyncProgress struct {
	Progress float64
}

// Sync is a no-op for the static registry: it always reports complete
// immediately. Real catalogue refresh against a remote source is out of
// scope for the core.
func (r *Registry) Sync(lat, lon, radiusKm float64, onProgress func(SyncProgress)) {
	if onProgress != nil {
		onProgress(SyncProgress{Progress: 1.0})
	}
}

// updatedAt is a fixed timestamp the registry reports for compatibility
// with callers that expect a "last updated" marker from a dynamic
// catalogue.
var updatedAt = time.Unix(0, 0).UTC()

// Updated returns a fixed timestamp for compatibility with callers that
// expect a "last refreshed" marker from a dynamic catalogue.
func (r *Registry) Updated() time.Time {
	return updatedAt
}

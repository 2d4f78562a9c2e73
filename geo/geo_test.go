package geo

import (
	"math"
	"testing"
	"time"
)

func TestDistanceZeroForCoincidentPoints(t *testing.T) {
	p := NewGeoPoint(50.1, 4.8, 0)
	if d := p.Distance(p, Kilometers); d != 0 {
		t.Fatalf("distance to self = %v, want 0", d)
	}
}

func TestDistanceUnits(t *testing.T) {
	// Roughly 111 km per degree of latitude near the equator.
	a := NewGeoPoint(0, 0, 0)
	b := NewGeoPoint(1, 0, 0)
	km := a.Distance(b, Kilometers)
	if math.Abs(km-111.19) > 0.5 {
		t.Fatalf("distance in km = %v, want ~111.19", km)
	}
	miles := a.Distance(b, Miles)
	if math.Abs(miles-km*0.621371192) > 1e-9 {
		t.Fatalf("miles conversion mismatch: %v vs %v", miles, km*0.621371192)
	}
	nm := a.Distance(b, NauticalMiles)
	if math.Abs(nm-km*0.539956803) > 1e-9 {
		t.Fatalf("nautical mile conversion mismatch: %v vs %v", nm, km*0.539956803)
	}
}

func TestSegmentContainsBox(t *testing.T) {
	s := NewSegment(NewGeoPoint(0.01, -0.01, 0), NewGeoPoint(-0.01, 0.01, 0))
	if !s.ContainsBox(NewGeoPoint(0, 0, 0)) {
		t.Fatal("expected (0,0) inside bounding box")
	}
	if s.ContainsBox(NewGeoPoint(1, 1, 0)) {
		t.Fatal("expected (1,1) outside bounding box")
	}
}

func TestCenterFactorEquidistantPointIsOne(t *testing.T) {
	s := NewSegment(NewGeoPoint(0.005, 0, 0), NewGeoPoint(-0.005, 0, 0))
	mid := NewGeoPoint(0, 0, 0)
	f := s.CenterFactor(mid)
	if math.Abs(f-1) > 1e-9 {
		// midpoint is equidistant from both ends, so |dStart-dEnd|=0 -> factor=1
		t.Fatalf("center factor at midpoint = %v, want 1", f)
	}
}

func TestCenterFactorClampedRange(t *testing.T) {
	s := NewSegment(NewGeoPoint(0.005, 0, 0), NewGeoPoint(-0.005, 0, 0))
	for _, p := range []GeoPoint{
		NewGeoPoint(0.005, 0, 0),
		NewGeoPoint(-0.005, 0, 0),
		NewGeoPoint(10, 10, 0),
	} {
		f := s.CenterFactor(p)
		if f < 0 || f > 1 {
			t.Fatalf("center factor %v out of [0,1] for point %+v", f, p)
		}
	}
}

func TestCenterFactorZeroWhenBothDistancesZero(t *testing.T) {
	s := NewSegment(NewGeoPoint(1, 1, 0), NewGeoPoint(1, 1, 0))
	if f := s.CenterFactor(NewGeoPoint(1, 1, 0)); f != 0 {
		t.Fatalf("center factor = %v, want 0 when both distances are zero", f)
	}
}

func TestProjectionFactorClamped(t *testing.T) {
	s := NewSegment(NewGeoPoint(0, 0, 0), NewGeoPoint(1, 0, 0))
	if f := s.ProjectionFactor(NewGeoPoint(2, 0, 0)); f != 1 {
		t.Fatalf("projection factor past End = %v, want 1", f)
	}
	if f := s.ProjectionFactor(NewGeoPoint(-1, 0, 0)); f != 0 {
		t.Fatalf("projection factor before Start = %v, want 0", f)
	}
	if f := s.ProjectionFactor(NewGeoPoint(0.25, 0, 0)); math.Abs(f-0.25) > 1e-9 {
		t.Fatalf("projection factor at 0.25 = %v, want 0.25", f)
	}
}

func TestLengthMeters(t *testing.T) {
	s := NewSegment(NewGeoPoint(0, 0, 0), NewGeoPoint(0, 0, 0))
	if l := s.LengthMeters(); l != 0 {
		t.Fatalf("zero-length segment = %v, want 0", l)
	}
}

// TestIntersectAnyImpliesDirectedVariant is testable property 9: for any
// L, Q with den != 0, L.Intersect(Q, Any) returns a point iff
// L.Intersect(Q, TowardApex) or L.Intersect(Q, AwayFromApex) does.
func TestIntersectAnyImpliesDirectedVariant(t *testing.T) {
	boundary := NewSegment(NewGeoPoint(0.005, 0, 0), NewGeoPoint(-0.005, 0, 0))
	trajectories := []Segment{
		NewSegment(NewGeoPoint(0, -0.001, 0), NewGeoPoint(0, 0.001, 0)),
		NewSegment(NewGeoPoint(0, 0.001, 0), NewGeoPoint(0, -0.001, 0)),
		NewSegment(NewGeoPoint(1, 1, 0), NewGeoPoint(2, 2, 0)),
		NewSegment(NewGeoPoint(0.002, -0.0005, 0), NewGeoPoint(0.002, 0.0005, 0)),
	}
	for i, traj := range trajectories {
		_, any := boundary.Intersect(traj, Any)
		_, toward := boundary.Intersect(traj, TowardApex)
		_, away := boundary.Intersect(traj, AwayFromApex)
		if any != (toward || away) {
			t.Fatalf("case %d: Any=%v, TowardApex=%v, AwayFromApex=%v — Any must equal TowardApex||AwayFromApex", i, any, toward, away)
		}
	}
}

// TestIntersectDirectionFilterAcceptsOppositeSides checks that
// TowardApex and AwayFromApex gate on opposite physical crossing sides,
// not just that Any is their union (TestIntersectAnyImpliesDirectedVariant
// above would still pass if both filters gated the same side). A
// trajectory crossing south-to-north (increasing longitude) and its
// reverse, north-to-south, must be accepted by exactly one filter each.
func TestIntersectDirectionFilterAcceptsOppositeSides(t *testing.T) {
	boundary := NewSegment(NewGeoPoint(0.005, 0, 0), NewGeoPoint(-0.005, 0, 0))
	southToNorth := NewSegment(NewGeoPoint(0, -0.001, 0), NewGeoPoint(0, 0.001, 0))
	northToSouth := NewSegment(NewGeoPoint(0, 0.001, 0), NewGeoPoint(0, -0.001, 0))

	if _, ok := boundary.Intersect(southToNorth, TowardApex); ok {
		t.Fatal("south-to-north crossing must be rejected by TowardApex")
	}
	if _, ok := boundary.Intersect(southToNorth, AwayFromApex); !ok {
		t.Fatal("south-to-north crossing must be accepted by AwayFromApex")
	}

	if _, ok := boundary.Intersect(northToSouth, TowardApex); !ok {
		t.Fatal("north-to-south crossing must be accepted by TowardApex")
	}
	if _, ok := boundary.Intersect(northToSouth, AwayFromApex); ok {
		t.Fatal("north-to-south crossing must be rejected by AwayFromApex")
	}
}

func TestIntersectCrossingSegment(t *testing.T) {
	boundary := NewSegment(NewGeoPoint(0.005, 0, 0), NewGeoPoint(-0.005, 0, 0))
	traj := NewSegment(NewGeoPoint(0, -0.001, 0), NewGeoPoint(0, 0.001, 0))
	_, ok := boundary.Intersect(traj, Any)
	if !ok {
		t.Fatal("expected trajectory crossing the boundary to intersect under Any filter")
	}
}

func TestIntersectParallelIsNoIntersection(t *testing.T) {
	boundary := NewSegment(NewGeoPoint(0, 0, 0), NewGeoPoint(1, 0, 0))
	parallel := NewSegment(NewGeoPoint(0, 1, 0), NewGeoPoint(1, 1, 0))
	if _, ok := boundary.Intersect(parallel, Any); ok {
		t.Fatal("parallel segments must not intersect")
	}
}

func TestFixConstruction(t *testing.T) {
	ts := time.Unix(0, 0).UTC()
	f := NewFix(NewGeoPoint(1, 2, 3), ts)
	if f.Point.Lat != 1 || f.Point.Lon != 2 {
		t.Fatalf("unexpected fix point: %+v", f.Point)
	}
	if !f.Timestamp.Equal(ts) {
		t.Fatalf("unexpected fix timestamp: %v", f.Timestamp)
	}
}

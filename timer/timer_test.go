package timer

import (
	"testing"
	"time"

	"github.com/lapviz/laptimer/circuit"
	"github.com/lapviz/laptimer/geo"
	"github.com/lapviz/laptimer/internal/config"
	"github.com/lapviz/laptimer/internal/timeutil"
	"github.com/lapviz/laptimer/session"
)

func baseTime() time.Time {
	return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
}

func singleSegmentCircuit(t *testing.T, sectorTimeout uint32) *circuit.Circuit {
	t.Helper()
	boundary := geo.NewSegment(geo.NewGeoPoint(0.005, 0, 0), geo.NewGeoPoint(-0.005, 0, 0))
	box := geo.NewSegment(geo.NewGeoPoint(0.01, -0.01, 0), geo.NewGeoPoint(-0.01, 0.01, 0))
	c, err := circuit.New("LOOP1", "Single Segment Loop", circuit.Closed, false, box,
		[]circuit.Segment{{Number: 1, Boundary: boundary}}, sectorTimeout)
	if err != nil {
		t.Fatalf("circuit.New: %v", err)
	}
	return c
}

func newAutoTimer(t *testing.T, minBetween time.Duration) (*Timer, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(baseTime())
	auto := true
	minStr := minBetween.String()
	cfg := &config.TimerConfig{AutoStartDetection: &auto, MinimumTimeBetweenEvents: &minStr}
	tm := New(cfg, clock)
	return tm, clock
}

// TestFirstCrossingEmitsSectorThenLap is E2E-1: a single-segment circuit
// whose boundary is straddled by a two-fix trajectory must emit a
// Sector event (sector=1, time=0) followed immediately by a Lap event
// (sector=0, time=0, lap_number=0).
func TestFirstCrossingEmitsSectorThenLap(t *testing.T) {
	c := singleSegmentCircuit(t, 0)
	tm, _ := newAutoTimer(t, 5*time.Second)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}

	t0 := baseTime()
	var events []*session.Event
	tm.OnSessionEvent = func(e *session.Event) { events = append(events, e) }

	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), t0.Add(10*time.Second)), "")

	if len(events) != 2 {
		t.Fatalf("expected 2 events from the first crossing, got %d: %+v", len(events), events)
	}
	sector, lap := events[0], events[1]
	if sector.Type != session.Sector || sector.Sector != 1 || sector.Time != 0 {
		t.Fatalf("unexpected sector event: %+v", sector)
	}
	if lap.Type != session.Lap || lap.Sector != 0 || lap.Time != 0 || lap.LapNumber != 0 {
		t.Fatalf("unexpected lap event: %+v", lap)
	}
}

// TestCooldownSuppressesEventsWithinWindow covers the second half of
// E2E-1: a crossing at exactly the cooldown boundary produces no new
// events. TestSectorTimeoutOverridesConfiguredCooldown covers a crossing
// beyond a shorter sector timeout.
func TestCooldownSuppressesEventsWithinWindow(t *testing.T) {
	c := singleSegmentCircuit(t, 0)
	tm, _ := newAutoTimer(t, 5*time.Second)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}

	t0 := baseTime()
	var events []*session.Event
	tm.OnSessionEvent = func(e *session.Event) { events = append(events, e) }

	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), t0.Add(10*time.Second)), "")
	if len(events) != 2 {
		t.Fatalf("setup: expected 2 events, got %d", len(events))
	}
	firstCrossing := events[0].Timestamp

	// Cross again at exactly the 5s cooldown boundary: no new events.
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), firstCrossing.Add(2*time.Second)), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), firstCrossing.Add(5*time.Second)), "")
	if len(events) != 2 {
		t.Fatalf("expected cooldown to suppress the second crossing, got %d events: %+v", len(events), events)
	}
}

func TestSectorTimeoutOverridesConfiguredCooldown(t *testing.T) {
	c := singleSegmentCircuit(t, 1)
	tm, _ := newAutoTimer(t, 5*time.Second)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}

	t0 := baseTime()
	var events []*session.Event
	tm.OnSessionEvent = func(e *session.Event) { events = append(events, e) }

	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), t0.Add(10*time.Second)), "")
	if len(events) != 2 {
		t.Fatalf("setup: expected 2 events, got %d", len(events))
	}
	firstCrossing := events[0].Timestamp

	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), firstCrossing.Add(3*time.Second)), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), firstCrossing.Add(4*time.Second)), "")
	if len(events) != 4 {
		t.Fatalf("expected the 1s sector timeout to allow a new crossing, got %d events: %+v", len(events), events)
	}
}

func TestSecondLapReferencesFirstLapTimestamp(t *testing.T) {
	c := singleSegmentCircuit(t, 1)
	tm, _ := newAutoTimer(t, 0)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}

	t0 := baseTime()
	var laps []*session.Event
	tm.OnSessionEvent = func(e *session.Event) {
		if e.Type == session.Lap {
			laps = append(laps, e)
		}
	}

	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), t0.Add(10*time.Second)), "")
	// Stays on the positive side: no crossing, just slides the ring.
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.002, 0), t0.Add(20*time.Second)), "")
	// Crosses back over the boundary: the second lap.
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0.Add(50*time.Second)), "")

	if len(laps) != 2 {
		t.Fatalf("expected 2 laps, got %d: %+v", len(laps), laps)
	}
	if laps[0].LapNumber != 0 || laps[1].LapNumber != 1 {
		t.Fatalf("unexpected lap numbers: %+v, %+v", laps[0], laps[1])
	}
	want := laps[1].Timestamp.Sub(laps[0].Timestamp)
	if laps[1].Time != want {
		t.Fatalf("second lap time = %v, want %v (measured from prior lap)", laps[1].Time, want)
	}
}

func TestSessionAutoCreatedOnFirstEventWhenAutoStartEnabled(t *testing.T) {
	c := singleSegmentCircuit(t, 0)
	tm, _ := newAutoTimer(t, 5*time.Second)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}
	if tm.Session() != nil {
		t.Fatal("expected no session before the first fix")
	}
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), baseTime()), "")
	if tm.Session() == nil {
		t.Fatal("expected auto-start to create a session on the first fix")
	}
}

func TestAddGeolocationDropsZeroTimestamp(t *testing.T) {
	c := singleSegmentCircuit(t, 0)
	tm, _ := newAutoTimer(t, 5*time.Second)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}
	tm.AddGeolocation(geo.Fix{Point: geo.NewGeoPoint(0, -0.001, 0)}, "")
	if tm.Session() != nil {
		t.Fatal("a fix with a zero timestamp must be dropped before session auto-start")
	}
}

func TestAddGeolocationWithoutCircuitIsNoOp(t *testing.T) {
	tm, _ := newAutoTimer(t, 5*time.Second)
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), baseTime()), "")
	if tm.State() != Idle {
		t.Fatalf("state = %v, want Idle", tm.State())
	}
}

func TestStopDetectionPausesProcessing(t *testing.T) {
	c := singleSegmentCircuit(t, 0)
	tm, _ := newAutoTimer(t, 5*time.Second)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}
	if err := tm.CreateSession(); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	tm.StopDetection()
	if tm.State() != Paused {
		t.Fatalf("state = %v, want Paused", tm.State())
	}

	t0 := baseTime()
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), t0.Add(10*time.Second)), "")
	if len(tm.Session().Events) != 0 {
		t.Fatalf("expected no events while paused, got %d", len(tm.Session().Events))
	}

	tm.StartDetection()
	if tm.State() != Running {
		t.Fatalf("state = %v, want Running", tm.State())
	}
}

func TestIdleSessionClosesAfterTimeout(t *testing.T) {
	c := singleSegmentCircuit(t, 0)
	sessionTimeout := "10s"
	auto := true
	minBetween := "0s"
	cfg := &config.TimerConfig{AutoStartDetection: &auto, SessionTimeout: &sessionTimeout, MinimumTimeBetweenEvents: &minBetween}
	tm := New(cfg, timeutil.NewMockClock(baseTime()))
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}

	var lifecycle []LifecycleEvent
	tm.OnLifecycle = func(ev LifecycleEvent, s *session.DeviceSession) { lifecycle = append(lifecycle, ev) }

	t0 := baseTime()
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), t0.Add(10*time.Second)), "")

	// A fix arriving long after the session timeout, staying on the
	// same side of the boundary (no new crossing), should trigger the
	// idle-close check against the last registered event's timestamp.
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.002, 0), t0.Add(200*time.Second)), "")

	if tm.Session() != nil {
		t.Fatal("expected the idle session to have closed")
	}
	found := false
	for _, ev := range lifecycle {
		if ev == SessionEnded {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a SessionEnded lifecycle notification")
	}
}

// fourSegmentDirectedCircuit builds a closed, direction-filtered circuit
// standing in for a Mariembourg-style multi-sector track (the real fixture
// is not available to this repository, see DESIGN.md): four boundaries at
// decreasing longitude, each oriented so a decreasing-longitude crossing is
// the valid (TowardApex) direction and an increasing-longitude return leg
// is filtered out, with a 1-second sector timeout.
func fourSegmentDirectedCircuit(t *testing.T) (*circuit.Circuit, []float64) {
	t.Helper()
	lons := []float64{0.024, 0.016, 0.008, 0.0}
	segs := make([]circuit.Segment, len(lons))
	for i, lon := range lons {
		segs[i] = circuit.Segment{
			Number:   i + 1,
			Boundary: geo.NewSegment(geo.NewGeoPoint(0.005, lon, 0), geo.NewGeoPoint(-0.005, lon, 0)),
		}
	}
	box := geo.NewSegment(geo.NewGeoPoint(0.01, -0.01, 0), geo.NewGeoPoint(-0.01, 0.03, 0))
	c, err := circuit.New("LOOP4D", "Four Segment Directed Loop", circuit.Closed, true, box, segs, 1)
	if err != nil {
		t.Fatalf("circuit.New: %v", err)
	}
	return c, lons
}

// TestMultiLapDirectedCircuitSequence stands in for E2E-2/E2E-3 (see
// DESIGN.md for why the literal Mariembourg fixtures aren't reproduced): a
// four-segment, direction-filtered, 1s-sector-timeout circuit driven
// through two full laps plus the initial partial-lap crossing of segment 1,
// with a wrong-direction return leg between laps that TowardApex must
// reject. It is exactly the shape of fixture that would have caught the
// den sign/filter mismatch geo.Intersect's direction filter once had.
func TestMultiLapDirectedCircuitSequence(t *testing.T) {
	c, lons := fourSegmentDirectedCircuit(t)
	tm, _ := newAutoTimer(t, 0)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}

	var events []*session.Event
	tm.OnSessionEvent = func(e *session.Event) { events = append(events, e) }

	t0 := baseTime()
	add := func(lon float64, offsetSeconds int) {
		tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, lon, 0), t0.Add(time.Duration(offsetSeconds)*time.Second)), "")
	}

	// Segment crossing order: 1,2,3,4,1,2,3,4,1 — segment 1 is shared
	// between consecutive laps (crossing it both closes sector 4 of the
	// lap in progress and opens the next), so 9 crossings span an initial
	// partial lap plus two full laps, not four per lap. Between a
	// segment-4 crossing and the next segment-1 crossing the fix jumps
	// back up in longitude — the wrong direction for TowardApex — and must
	// not register a crossing despite passing back over every boundary's
	// longitude.
	segmentOrder := []int{0, 1, 2, 3, 0, 1, 2, 3, 0}
	offset := 0
	for _, idx := range segmentOrder {
		lon := lons[idx]
		add(lon+0.001, offset)
		offset += 2
		add(lon-0.001, offset)
		offset += 2
	}

	var laps []*session.Event
	sectorCount := 0
	segmentOneCrossings := 0
	for _, e := range events {
		if e.Type == session.Lap {
			laps = append(laps, e)
			continue
		}
		sectorCount++
		if e.Sector == 4 {
			segmentOneCrossings++
		}
	}

	if segmentOneCrossings != 3 {
		t.Fatalf("expected every segment-1 crossing to complete sector 4 (the wraparound sector), got %d such events: %+v", segmentOneCrossings, events)
	}
	if sectorCount != 9 {
		t.Fatalf("expected 9 sector events (segment order 1,2,3,4,1,2,3,4,1), got %d: %+v", sectorCount, events)
	}
	if len(laps) != 3 {
		t.Fatalf("expected 3 lap completions (1 partial + 2 full laps), got %d: %+v", len(laps), laps)
	}
	if laps[0].LapNumber != 0 || laps[0].Time != 0 {
		t.Fatalf("unexpected first (partial) lap: %+v", laps[0])
	}
	for i, lap := range laps[1:] {
		if lap.LapNumber != uint32(i+1) {
			t.Fatalf("lap %d: LapNumber = %d, want %d", i, lap.LapNumber, i+1)
		}
		if lap.Time != 16*time.Second {
			t.Fatalf("lap %d: Time = %v, want 16s (segment-1 crossings are 16s apart by construction)", i, lap.Time)
		}
	}
}

func TestDirectionFilterRejectsWrongWaySegmentCrossing(t *testing.T) {
	c, lons := fourSegmentDirectedCircuit(t)
	tm, _ := newAutoTimer(t, 0)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}

	var events []*session.Event
	tm.OnSessionEvent = func(e *session.Event) { events = append(events, e) }

	t0 := baseTime()
	// Cross segment 1 in the wrong (increasing-longitude) direction: this
	// must never register, even though an Any-filtered circuit would
	// accept it from either side.
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, lons[0]-0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, lons[0]+0.001, 0), t0.Add(2*time.Second)), "")

	if len(events) != 0 {
		t.Fatalf("expected the wrong-direction crossing to be rejected by TowardApex, got %d events: %+v", len(events), events)
	}
}

func TestListenerPanicDoesNotAbortPipeline(t *testing.T) {
	c := singleSegmentCircuit(t, 0)
	tm, _ := newAutoTimer(t, 5*time.Second)
	if err := tm.SetCircuit(c); err != nil {
		t.Fatalf("SetCircuit: %v", err)
	}
	calls := 0
	tm.OnSessionEvent = func(e *session.Event) {
		calls++
		panic("listener failure")
	}

	t0 := baseTime()
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, -0.001, 0), t0), "")
	tm.AddGeolocation(geo.NewFix(geo.NewGeoPoint(0, 0.001, 0), t0.Add(10*time.Second)), "")

	if calls != 2 {
		t.Fatalf("expected both events to still be delivered despite panics, got %d calls", calls)
	}
	if tm.Session() == nil || len(tm.Session().Events) != 2 {
		t.Fatal("expected both events to remain appended despite the listener panicking")
	}
}

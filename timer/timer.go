// Package timer implements the lap-timer core: given a configured
// circuit and a per-device stream of GPS fixes, it emits well-ordered
// sector and lap events honoring direction, cooldowns, and idle
// session lifecycle.
package timer

import (
	"fmt"
	"time"

	"github.com/lapviz/laptimer/circuit"
	"github.com/lapviz/laptimer/geo"
	"github.com/lapviz/laptimer/internal/config"
	"github.com/lapviz/laptimer/internal/monitoring"
	"github.com/lapviz/laptimer/internal/timeutil"
	"github.com/lapviz/laptimer/session"
)

// State is the timer's lifecycle state.
type State int

const (
	Idle State = iota
	Armed
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Armed:
		return "Armed"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	default:
		return "Idle"
	}
}

// minRingCapacity is the floor below which the recent-fix ring is never
// shrunk, since at least two fixes are required to form a trajectory.
const minRingCapacity = 2

// LifecycleEvent names a session lifecycle notification.
type LifecycleEvent string

const (
	SessionStarted LifecycleEvent = "session_started"
	SessionEnded   LifecycleEvent = "session_ended"
	SessionPaused  LifecycleEvent = "session_paused"
)

// Timer is the lap-timer core's single-producer state machine. All
// mutating methods are expected to be called from one logical producer
// (the fix source); Timer performs no internal locking, matching the
// concurrency model in which the lap-timer never suspends and is
// driven synchronously by AddGeolocation calls.
type Timer struct {
	clock  timeutil.Clock
	config *config.TimerConfig

	circuit *circuit.Circuit
	session *session.DeviceSession

	ring   []geo.Fix
	paused bool
	state  State

	// OnSessionEvent, when set, is invoked for every registered
	// SessionEvent. OnLifecycle, when set, is invoked for session
	// lifecycle transitions. Both are called defensively: a panicking
	// listener is recovered and logged, never aborting the pipeline.
	OnSessionEvent func(e *session.Event)
	OnLifecycle    func(event LifecycleEvent, s *session.DeviceSession)
}

// New constructs a Timer. cfg defaults to config.EmptyTimerConfig() and
// clock to timeutil.RealClock{} when nil.
func New(cfg *config.TimerConfig, clock timeutil.Clock) *Timer {
	if cfg == nil {
		cfg = config.EmptyTimerConfig()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Timer{clock: clock, config: cfg, state: Idle}
}

// State returns the timer's current lifecycle state.
func (t *Timer) State() State {
	return t.state
}

// Session returns the active DeviceSession, or nil if there is none.
func (t *Timer) Session() *session.DeviceSession {
	return t.session
}

// SetCircuit replaces the active circuit, closing any active session.
// c must not be nil.
func (t *Timer) SetCircuit(c *circuit.Circuit) error {
	if c == nil {
		return fmt.Errorf("timer: circuit must not be nil")
	}
	if t.session != nil {
		t.closeSessionLocked()
	}
	t.circuit = c
	t.ring = nil
	t.state = Armed
	return nil
}

// CreateSession requires a circuit to already be set; it creates a
// fresh DeviceSession, marks it active, unpauses detection, and emits
// SessionStarted.
func (t *Timer) CreateSession() error {
	if t.circuit == nil {
		return fmt.Errorf("timer: cannot create a session without a circuit")
	}
	if t.session != nil {
		t.closeSessionLocked()
	}
	s := session.New(t.config.GetDeviceID(), t.config.GetUserID(), t.circuit.Code, t.clock.Now())
	s.MaxTelemetryRetention = t.config.GetMaxTelemetryDataRetention()
	t.session = s
	t.ring = nil
	t.paused = false
	t.state = Running
	t.notifyLifecycle(SessionStarted, s)
	return nil
}

// CloseSession returns and clears the active session, clearing the fix
// ring, and emits SessionEnded. It returns nil if there was no active
// session.
func (t *Timer) CloseSession() *session.DeviceSession {
	if t.session == nil {
		return nil
	}
	return t.closeSessionLocked()
}

func (t *Timer) closeSessionLocked() *session.DeviceSession {
	s := t.session
	s.Close(t.clock.Now())
	t.session = nil
	t.ring = nil
	if t.circuit != nil {
		t.state = Armed
	} else {
		t.state = Idle
	}
	t.notifyLifecycle(SessionEnded, s)
	return s
}

// StartDetection unpauses fix processing.
func (t *Timer) StartDetection() {
	t.paused = false
	if t.session != nil {
		t.state = Running
	}
}

// StopDetection pauses fix processing; it emits SessionPaused if a
// session is active.
func (t *Timer) StopDetection() {
	t.paused = true
	if t.session != nil {
		t.state = Paused
		t.notifyLifecycle(SessionPaused, t.session)
	}
}

// AddGeolocation is the hot path: it feeds one fix through the
// detection algorithm. A fix with a zero timestamp, or a call made
// without a circuit set, is dropped silently. deviceID overrides the
// configured device id for this fix's events when non-empty.
func (t *Timer) AddGeolocation(fix geo.Fix, deviceID string) {
	if fix.Timestamp.IsZero() || t.circuit == nil {
		return
	}
	if t.paused {
		return
	}
	if t.config.GetAutoStartDetection() && t.session == nil {
		if err := t.CreateSession(); err != nil {
			monitoring.Logf("timer: auto-start create session failed: %v", err)
			return
		}
	}

	maxRetention := t.config.GetMaxTelemetryDataRetention()
	if maxRetention < minRingCapacity {
		maxRetention = minRingCapacity
	}
	t.ring = append(t.ring, fix)
	if len(t.ring) > maxRetention {
		t.ring = t.ring[len(t.ring)-maxRetention:]
	}
	if t.session != nil {
		t.session.AppendTelemetry(fix)
	}

	if len(t.ring) < 2 {
		return
	}
	prev := t.ring[len(t.ring)-2]
	curr := t.ring[len(t.ring)-1]

	if t.session != nil {
		if last := t.session.LastEvent(); last != nil {
			window := t.cooldownWindow()
			if !curr.Timestamp.After(last.Timestamp.Add(window)) {
				t.session.LastPosition = &curr
				t.session.LastPositionTimestamp = curr.Timestamp
				return
			}
		}
	}

	trajectory := geo.NewSegment(prev.Point, curr.Point)
	n := t.circuit.SectorCount()
	filter := geo.Any
	if t.circuit.UseDirection {
		filter = geo.TowardApex
	}

	effectiveDeviceID := deviceID
	if effectiveDeviceID == "" {
		effectiveDeviceID = t.config.GetDeviceID()
	}

	for _, seg := range t.circuit.Segments {
		hit, ok := seg.Boundary.Intersect(trajectory, filter)
		if !ok {
			continue
		}
		factor := trajectory.CenterFactor(hit)
		dt := curr.Timestamp.Sub(prev.Timestamp)
		adjusted := prev.Timestamp.Add(time.Duration(float64(dt) * factor))

		completed := seg.Number - 1
		if seg.Number == 1 {
			completed = n
		}

		prevCopy, currCopy := prev, curr
		evt := &session.Event{
			Timestamp:   adjusted,
			Type:        session.Sector,
			Sector:      uint32(completed),
			FirstPoint:  &prevCopy,
			SecondPoint: &currCopy,
			Factor:      factor,
			UserID:      t.config.GetUserID(),
			DeviceID:    effectiveDeviceID,
		}
		t.register(evt, n)
	}

	if t.config.GetTrackPosition() {
		prevCopy, currCopy := prev, curr
		pos := &session.Event{
			Timestamp:   curr.Timestamp,
			Type:        session.Position,
			FirstPoint:  &prevCopy,
			SecondPoint: &currCopy,
			UserID:      t.config.GetUserID(),
			DeviceID:    effectiveDeviceID,
		}
		t.register(pos, n)
	}

	if t.session != nil {
		if last := t.session.LastEvent(); last != nil && last.Timestamp.Add(t.config.GetSessionTimeout()).Before(curr.Timestamp) {
			t.closeSessionLocked()
		}
	}
}

// cooldownWindow computes the global cooldown per §4.E: the circuit's
// sector timeout when configured, else the timer's configured minimum
// time between events, truncated to whole seconds.
func (t *Timer) cooldownWindow() time.Duration {
	if t.circuit.SectorTimeoutSeconds > 0 {
		return time.Duration(t.circuit.SectorTimeoutSeconds) * time.Second
	}
	return t.config.GetMinimumTimeBetweenEvents().Truncate(time.Second)
}

// register appends e to the active session (creating one if needed),
// stamps derived fields, and — when e completes a lap — synthesizes and
// appends the corresponding Lap event.
func (t *Timer) register(e *session.Event, sectorCount int) {
	if t.session == nil {
		if err := t.CreateSession(); err != nil {
			monitoring.Logf("timer: register could not create session: %v", err)
			return
		}
	}
	s := t.session

	lastLap := s.LastLap()
	lapNumber := uint32(0)
	if lastLap != nil {
		lapNumber = lastLap.LapNumber + 1
	}
	e.LapNumber = lapNumber

	if last := s.LastEvent(); last != nil {
		e.Time = e.Timestamp.Sub(last.Timestamp)
	} else {
		e.Time = 0
	}

	e.CircuitCode = t.circuit.Code
	e.SessionID = s.ID

	if e.Type == session.Sector {
		e.IsPersonalBest = s.IsPersonalBestSector(e)
	}

	s.Append(e)
	t.safeNotifySessionEvent(e)

	if e.Type == session.Sector && lapCompletes(t.circuit.Type, int(e.Sector), sectorCount) {
		reference := lapReferenceTimestamp(s, t.circuit.Type, sectorCount, e)
		lap := &session.Event{
			Timestamp:   e.Timestamp,
			Type:        session.Lap,
			LapNumber:   lapNumber,
			Sector:      0,
			Time:        e.Timestamp.Sub(reference),
			FirstPoint:  e.FirstPoint,
			SecondPoint: e.SecondPoint,
			Factor:      e.Factor,
			DeviceID:    e.DeviceID,
			UserID:      e.UserID,
			CircuitCode: e.CircuitCode,
			SessionID:   e.SessionID,
		}
		if lap.Time != 0 {
			lap.IsPersonalBest = s.IsPersonalBestLap(lap)
		}
		s.Append(lap)
		t.safeNotifySessionEvent(lap)
	}

	s.LastPositionTimestamp = e.Timestamp
}

// lapCompletes reports whether a Sector event with the given sector
// number completes a lap, per circuit type: Closed completes on the
// last segment (sector == N); Open completes one segment earlier.
func lapCompletes(typ circuit.Type, sector, n int) bool {
	if typ == circuit.Open {
		return sector == n-1
	}
	return sector == n
}

// lapReferenceTimestamp returns the timestamp the completed lap's time
// is measured from: for a Closed circuit, the previous lap's timestamp
// (zero duration on the first lap); for an Open circuit, the timestamp
// of the most recent prior event whose Sector == N, falling back to the
// completing event's own timestamp when none exists.
func lapReferenceTimestamp(s *session.DeviceSession, typ circuit.Type, n int, completing *session.Event) time.Time {
	if typ == circuit.Closed {
		if last := s.LastLap(); last != nil {
			return last.Timestamp
		}
		return completing.Timestamp
	}
	var best *session.Event
	for _, e := range s.Events {
		if e.IsDeleted() || e.Type != session.Sector || int(e.Sector) != n {
			continue
		}
		if best == nil || e.Timestamp.After(best.Timestamp) {
			best = e
		}
	}
	if best != nil {
		return best.Timestamp
	}
	return completing.Timestamp
}

func (t *Timer) notifyLifecycle(event LifecycleEvent, s *session.DeviceSession) {
	if t.OnLifecycle == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("timer: lifecycle listener panicked: %v", r)
		}
	}()
	t.OnLifecycle(event, s)
}

func (t *Timer) safeNotifySessionEvent(e *session.Event) {
	if t.OnSessionEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("timer: session event listener panicked: %v", r)
		}
	}()
	t.OnSessionEvent(e)
}

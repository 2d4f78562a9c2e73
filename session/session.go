// Package session models a single device's event log for one circuit
// session: the append-only stream of SessionEvents the lap-timer core
// produces, plus the incremental and derived aggregates (bests,
// rolling, theoretical) that the live-timing board and CLI reporters
// consume.
package session

import (
	"fmt"
	"time"

	"github.com/lapviz/laptimer/geo"
)

// EventType classifies a SessionEvent.
type EventType int

const (
	Lap EventType = iota
	Sector
	Position
	Start
	Other
)

func (t EventType) String() string {
	switch t {
	case Lap:
		return "Lap"
	case Sector:
		return "Sector"
	case Position:
		return "Position"
	case Start:
		return "Start"
	default:
		return "Other"
	}
}

// Event is one entry in a DeviceSession's append-only log. Sector is 0
// for Lap/Position/Start events. Time is a delta: for Sector events,
// since the previous event; for Lap events, per the lap-completion rule
// in the lap-timer core. Deletion is a soft mark, never a removal.
//
// IsPersonalBest and IsBestOverall are deliberately distinct (see
// design notes): the lap-timer core, owning only one device's session,
// can establish IsPersonalBest; only the live-timing board, which sees
// every device, may set IsBestOverall.
type Event struct {
	Timestamp time.Time
	Type      EventType
	LapNumber uint32
	Sector    uint32
	Time      time.Duration

	FirstPoint  *geo.Fix
	SecondPoint *geo.Fix
	Factor      float64

	DeviceID    string
	UserID      string
	SessionID   string
	CircuitCode string

	IsBestOverall  bool
	IsPersonalBest bool

	Deleted *time.Time

	DataMin float64
	DataMax float64
}

// IsDeleted reports whether the event has been soft-deleted.
func (e *Event) IsDeleted() bool {
	return e != nil && e.Deleted != nil
}

// MarkDeleted soft-deletes the event at the given instant, idempotently.
func (e *Event) MarkDeleted(at time.Time) {
	if e.Deleted == nil {
		t := at
		e.Deleted = &t
	}
}

// DeviceSession is one device's append-only event log for a single
// circuit session, plus the telemetry fixes seen during it.
type DeviceSession struct {
	ID          string
	DeviceID    string
	UserID      string
	CircuitCode string

	CreatedAt time.Time
	ClosedAt  *time.Time

	Events []*Event

	MaxTelemetryRetention int
	TelemetryChannels     []string
	TelemetryData         []geo.Fix

	// LastPosition and LastPositionTimestamp track the most recently
	// seen fix independent of event registration, used by the lap-timer
	// core both when a fix arrives inside the cooldown window (no event
	// is created) and after an event is registered.
	LastPosition          *geo.Fix
	LastPositionTimestamp time.Time

	telemetryChannelSeen map[string]bool
}

// New creates a fresh DeviceSession. The identifier is derived from
// createdAt, matching the source's timestamp-derived session id scheme.
func New(deviceID, userID, circuitCode string, createdAt time.Time) *DeviceSession {
	return &DeviceSession{
		ID:                   fmt.Sprintf("%s-%d", deviceID, createdAt.UnixNano()),
		DeviceID:             deviceID,
		UserID:               userID,
		CircuitCode:          circuitCode,
		CreatedAt:            createdAt,
		telemetryChannelSeen: make(map[string]bool),
	}
}

// Close marks the session closed at the given instant, idempotently.
func (s *DeviceSession) Close(at time.Time) {
	if s.ClosedAt == nil {
		t := at
		s.ClosedAt = &t
	}
}

// IsClosed reports whether Close has been called.
func (s *DeviceSession) IsClosed() bool {
	return s.ClosedAt != nil
}

// Append adds an event to the log. Callers are expected to have already
// stamped CircuitCode/SessionID/DeviceID and computed LapNumber/Time per
// the lap-timer core's registration rules; Append itself performs no
// further derivation.
func (s *DeviceSession) Append(e *Event) {
	s.Events = append(s.Events, e)
}

// AppendTelemetry records a telemetry fix, evicting the oldest sample
// when MaxTelemetryRetention is exceeded, and remembers any new channel
// names encountered (in first-seen order).
func (s *DeviceSession) AppendTelemetry(f geo.Fix) {
	s.TelemetryData = append(s.TelemetryData, f)
	if s.MaxTelemetryRetention > 0 && len(s.TelemetryData) > s.MaxTelemetryRetention {
		s.TelemetryData = s.TelemetryData[len(s.TelemetryData)-s.MaxTelemetryRetention:]
	}
	if s.telemetryChannelSeen == nil {
		s.telemetryChannelSeen = make(map[string]bool)
	}
	for _, c := range f.Channels {
		if !s.telemetryChannelSeen[c.Name] {
			s.telemetryChannelSeen[c.Name] = true
			s.TelemetryChannels = append(s.TelemetryChannels, c.Name)
		}
	}
}

// LastEvent returns the non-deleted event with the greatest timestamp,
// or nil if there is none.
func (s *DeviceSession) LastEvent() *Event {
	var best *Event
	for _, e := range s.Events {
		if e.IsDeleted() {
			continue
		}
		if best == nil || e.Timestamp.After(best.Timestamp) {
			best = e
		}
	}
	return best
}

// LastLap returns the non-deleted Lap event with the greatest
// timestamp, or nil if there is none.
func (s *DeviceSession) LastLap() *Event {
	var best *Event
	for _, e := range s.Events {
		if e.IsDeleted() || e.Type != Lap {
			continue
		}
		if best == nil || e.Timestamp.After(best.Timestamp) {
			best = e
		}
	}
	return best
}

// LastSector returns the non-deleted Sector event with positive time
// within the greatest lap number seen, selecting the greatest sector
// number among those.
func (s *DeviceSession) LastSector() *Event {
	var maxLap int64 = -1
	for _, e := range s.Events {
		if e.IsDeleted() || e.Type != Sector || e.Time <= 0 {
			continue
		}
		if int64(e.LapNumber) > maxLap {
			maxLap = int64(e.LapNumber)
		}
	}
	if maxLap < 0 {
		return nil
	}
	var best *Event
	for _, e := range s.Events {
		if e.IsDeleted() || e.Type != Sector || e.Time <= 0 {
			continue
		}
		if int64(e.LapNumber) != maxLap {
			continue
		}
		if best == nil || e.Sector > best.Sector {
			best = e
		}
	}
	return best
}

// BestLap returns the non-deleted Lap event with minimum time among
// laps with LapNumber > 0, or nil.
func (s *DeviceSession) BestLap() *Event {
	var best *Event
	for _, e := range s.Events {
		if e.IsDeleted() || e.Type != Lap || e.LapNumber == 0 {
			continue
		}
		if best == nil || e.Time < best.Time {
			best = e
		}
	}
	return best
}

// BestSectors returns, for each sector number, the non-deleted Sector
// event with minimum time.
func (s *DeviceSession) BestSectors() map[uint32]*Event {
	best := make(map[uint32]*Event)
	for _, e := range s.Events {
		if e.IsDeleted() || e.Type != Sector {
			continue
		}
		cur, ok := best[e.Sector]
		if !ok || e.Time < cur.Time {
			best[e.Sector] = e
		}
	}
	return best
}

// IsPersonalBestLap reports whether e would be (or is) this device's
// personal best lap: no current best, the current best is deleted, or
// the current best's time is >= e's time.
func (s *DeviceSession) IsPersonalBestLap(e *Event) bool {
	best := s.BestLap()
	return best == nil || best.Deleted != nil || best.Time >= e.Time
}

// IsPersonalBestSector reports whether e would be (or is) this
// device's personal best for its sector, by the same rule as
// IsPersonalBestLap.
func (s *DeviceSession) IsPersonalBestSector(e *Event) bool {
	best := s.BestSectors()[e.Sector]
	return best == nil || best.Deleted != nil || best.Time >= e.Time
}

// Theoretical returns the sum of each sector's personal-best time,
// independently optimized across the whole session.
func (s *DeviceSession) Theoretical() time.Duration {
	var total time.Duration
	for _, e := range s.BestSectors() {
		total += e.Time
	}
	return total
}

// Rolling returns the minimum sum of N consecutive sector times in
// timestamp order, where N is the greatest sector number observed.
// Per the design notes, the window slides over sector events in raw
// timestamp order regardless of sector number — this is the intended
// "rolling of any N consecutive sectors" semantics, not a per-lap
// rolling average.
func (s *DeviceSession) Rolling() time.Duration {
	var sectors []*Event
	var maxSector uint32
	for _, e := range s.Events {
		if e.IsDeleted() || e.Type != Sector || e.Time <= 0 {
			continue
		}
		sectors = append(sectors, e)
		if e.Sector > maxSector {
			maxSector = e.Sector
		}
	}
	n := int(maxSector)
	if n == 0 || len(sectors) < n {
		return 0
	}
	sortByTimestamp(sectors)

	var windowSum time.Duration
	for i := 0; i < n; i++ {
		windowSum += sectors[i].Time
	}
	best := windowSum
	for i := n; i < len(sectors); i++ {
		windowSum += sectors[i].Time - sectors[i-n].Time
		if windowSum < best {
			best = windowSum
		}
	}
	return best
}

func sortByTimestamp(events []*Event) {
	// Simple stable insertion sort: session event counts are bounded by
	// a single session's lap count, never large enough to need sort.Slice
	// overhead, and insertion sort keeps the stability guarantee explicit.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.Before(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// MaxSpeed returns the maximum telemetry speed recorded, or 0 if none
// of the retained fixes carry a speed value.
func (s *DeviceSession) MaxSpeed() float64 {
	var max float64
	for _, f := range s.TelemetryData {
		if f.Speed != nil && *f.Speed > max {
			max = *f.Speed
		}
	}
	return max
}

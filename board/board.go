// Package board implements the live-timing board core: it consumes
// per-device event batches from an arbitrary number of producers,
// maintains personal and overall bests incrementally, and produces
// sortable ranking snapshots with gap/interval/change semantics.
//
// All mutating entry points acquire a single board-level mutex and
// complete without suspension, matching the coarse-lock concurrency
// model in the design notes: per-device fine-grained locks are a
// premature optimization given that every operation here is bounded by
// the size of one batch or one session's event count.
package board

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lapviz/laptimer/internal/monitoring"
	"github.com/lapviz/laptimer/internal/timeutil"
	"github.com/lapviz/laptimer/session"
)

// EventView is the board's own copy of a device event, referencing its
// owning device by a stable id rather than a pointer — per the design
// notes, this keeps the board's event graph acyclic and trivially
// serializable.
type EventView struct {
	ID       string
	DeviceID string
	Type     session.EventType
	Time     time.Duration
	Timestamp time.Time
	Lap      uint32
	Sector   uint32
	Deleted  *time.Time

	// WasPersonalBest and WasBestOverall are stamped by UpdateStatistics
	// at the moment of (re)computation; they are not live-derived on
	// read, matching the source semantics of flags captured when an
	// event was last evaluated.
	WasPersonalBest bool
	WasBestOverall  bool
}

// IsDeleted reports whether the event has been soft-deleted.
func (e *EventView) IsDeleted() bool { return e != nil && e.Deleted != nil }

// DeviceInfo is the board's display metadata for one device.
type DeviceInfo struct {
	DisplayName string
	Category    string
	Deleted     *time.Time
}

// DeviceView is one device's event log and derived bests as seen by the
// board.
type DeviceView struct {
	ID   string
	Info DeviceInfo

	Events    []*EventView
	eventByID map[string]*EventView

	BestLap     *EventView
	BestSectors map[uint32]*EventView
	LastEvent   *EventView
	LastLap     *EventView
}

// IsDeleted reports whether the device has been soft-deleted.
func (d *DeviceView) IsDeleted() bool { return d != nil && d.Info.Deleted != nil }

// RawEvent is one event as carried in an inbound DeviceEventBatch: a
// stable id, its type/lap/sector/time/timestamp, and an optional
// deletion marker.
type RawEvent struct {
	ID        string
	Type      session.EventType
	LapNumber uint32
	Sector    uint32
	Time      time.Duration
	Timestamp time.Time
	Deleted   *time.Time
}

// DeviceEventBatch is one producer's update for one device within a
// session.
type DeviceEventBatch struct {
	SessionID   string
	DeviceID    string
	DisplayName string
	Category    string
	Events      []RawEvent
}

// AddDeviceEventsResult reports the outcome of one AddDeviceEvents call.
type AddDeviceEventsResult struct {
	Duration           time.Duration
	StatisticsRebuilt bool
}

// SessionBoard is the live-timing view for one session: an ordered set
// of DeviceViews plus the board-wide best lap and best-per-sector
// pointers.
type SessionBoard struct {
	mu    sync.Mutex
	clock timeutil.Clock

	SessionID string

	order   []string
	devices map[string]*DeviceView

	BestLap     *EventView
	BestSectors map[uint32]*EventView

	Updated     time.Time
	SectorsHint *int

	lastEventTS time.Time
	everRebuilt bool

	// OnUpdated, when set, is invoked after every mutation with the new
	// Updated timestamp. A panicking listener is recovered and logged,
	// never aborting the caller.
	OnUpdated func(time.Time)
}

// New constructs an empty SessionBoard. clock defaults to
// timeutil.RealClock{} when nil.
func New(sessionID string, clock timeutil.Clock) *SessionBoard {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SessionBoard{
		clock:       clock,
		SessionID:   sessionID,
		devices:     make(map[string]*DeviceView),
		BestSectors: make(map[uint32]*EventView),
	}
}

// Devices returns the board's DeviceViews in insertion order.
func (b *SessionBoard) Devices() []*DeviceView {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*DeviceView, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.devices[id])
	}
	return out
}

// Device returns the DeviceView for id, or nil if unknown.
func (b *SessionBoard) Device(id string) *DeviceView {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[id]
}

// AddDeviceEvents ingests one producer's batch per §4.F: it finds or
// creates the DeviceView, appends or soft-deletes each raw event,
// updates incremental statistics unless skipStateCalc is set, and
// triggers a full RebuildStatistics when an out-of-order arrival is
// detected or this is the board's first fill.
func (b *SessionBoard) AddDeviceEvents(batch DeviceEventBatch, skipStateCalc bool) AddDeviceEventsResult {
	start := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	dv, ok := b.devices[batch.DeviceID]
	if !ok {
		dv = &DeviceView{
			ID:          batch.DeviceID,
			eventByID:   make(map[string]*EventView),
			BestSectors: make(map[uint32]*EventView),
		}
		b.devices[batch.DeviceID] = dv
		b.order = append(b.order, batch.DeviceID)
	}
	if batch.DisplayName != "" {
		dv.Info.DisplayName = batch.DisplayName
	}
	if batch.Category != "" {
		dv.Info.Category = batch.Category
	}

	shouldRebuild := false
	for _, raw := range batch.Events {
		if raw.Deleted != nil {
			if existing, ok := dv.eventByID[raw.ID]; ok && existing.Deleted == nil {
				t := *raw.Deleted
				existing.Deleted = &t
				shouldRebuild = true
			}
			continue
		}

		ev := &EventView{
			ID:        raw.ID,
			DeviceID:  batch.DeviceID,
			Type:      raw.Type,
			Time:      raw.Time,
			Timestamp: raw.Timestamp,
			Lap:       raw.LapNumber,
			Sector:    raw.Sector,
		}
		dv.Events = append(dv.Events, ev)
		dv.eventByID[ev.ID] = ev

		if !skipStateCalc && ev.Time > 0 {
			b.updateStatisticsLocked(ev, dv)
		}
		if ev.Timestamp.Before(b.lastEventTS) {
			shouldRebuild = true
		}
		if dv.LastEvent == nil || ev.Timestamp.After(dv.LastEvent.Timestamp) {
			dv.LastEvent = ev
		}
		if ev.Type == session.Lap && (dv.LastLap == nil || ev.Timestamp.After(dv.LastLap.Timestamp)) {
			dv.LastLap = ev
		}
		if ev.Timestamp.After(b.lastEventTS) {
			b.lastEventTS = ev.Timestamp
		}
	}

	rebuilt := false
	if shouldRebuild || !b.everRebuilt {
		b.rebuildStatisticsLocked()
		rebuilt = true
	}

	b.Updated = b.clock.Now()
	b.notifyUpdatedLocked()

	return AddDeviceEventsResult{
		Duration:          b.clock.Now().Sub(start),
		StatisticsRebuilt: rebuilt,
	}
}

// UpdateStatistics recomputes personal/overall-best flags for one
// event. It is exported for callers (e.g. a store replaying a
// persisted session) that want the same idempotent promotion rule
// AddDeviceEvents applies internally.
func (b *SessionBoard) UpdateStatistics(deviceID string, e *EventView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dv := b.devices[deviceID]
	if dv == nil {
		return
	}
	b.updateStatisticsLocked(e, dv)
}

// updateStatisticsLocked implements §4.F's update_statistics: skip
// soft-deleted events, soft-deleted devices, and zero-time events;
// otherwise promote e to the device and/or board best for its kind
// when it ties or beats the current holder, or the current holder is
// itself deleted or orphaned.
func (b *SessionBoard) updateStatisticsLocked(e *EventView, dv *DeviceView) {
	if e.IsDeleted() || dv.IsDeleted() || e.Time == 0 {
		return
	}

	switch e.Type {
	case session.Lap:
		personal := dv.BestLap == nil || dv.BestLap.Deleted != nil || dv.BestLap.Time >= e.Time
		if personal {
			dv.BestLap = e
		}
		e.WasPersonalBest = personal

		overall := b.BestLap == nil || b.BestLap.IsDeleted() || b.deviceDeletedLocked(b.BestLap.DeviceID) || b.BestLap.Time >= e.Time
		if overall {
			b.BestLap = e
		}
		e.WasBestOverall = overall

	case session.Sector:
		cur := dv.BestSectors[e.Sector]
		personal := cur == nil || cur.Deleted != nil || cur.Time >= e.Time
		if personal {
			dv.BestSectors[e.Sector] = e
		}
		e.WasPersonalBest = personal

		bcur := b.BestSectors[e.Sector]
		overall := bcur == nil || bcur.IsDeleted() || b.deviceDeletedLocked(bcur.DeviceID) || bcur.Time >= e.Time
		if overall {
			b.BestSectors[e.Sector] = e
		}
		e.WasBestOverall = overall
	}
}

func (b *SessionBoard) deviceDeletedLocked(deviceID string) bool {
	dv, ok := b.devices[deviceID]
	return ok && dv.IsDeleted()
}

// RebuildStatistics clears every derived pointer and replays
// update_statistics over all non-deleted, non-zero-time events from
// non-deleted devices, stably sorted by timestamp. It is idempotent:
// calling it twice in a row, or interleaving it with reads, always
// converges to the same derived state for a fixed set of raw events.
func (b *SessionBoard) RebuildStatistics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuildStatisticsLocked()
}

func (b *SessionBoard) rebuildStatisticsLocked() {
	b.BestLap = nil
	b.BestSectors = make(map[uint32]*EventView)
	for _, dv := range b.devices {
		dv.BestLap = nil
		dv.BestSectors = make(map[uint32]*EventView)
		dv.LastEvent = nil
		dv.LastLap = nil
		for _, e := range dv.Events {
			e.WasPersonalBest = false
			e.WasBestOverall = false
		}
	}
	b.everRebuilt = true

	var active []*DeviceView
	for _, id := range b.order {
		dv := b.devices[id]
		if dv != nil && !dv.IsDeleted() {
			active = append(active, dv)
		}
	}
	if len(active) == 0 {
		return
	}

	type scored struct {
		ev *EventView
		dv *DeviceView
	}
	var all []scored
	for _, dv := range active {
		for _, e := range dv.Events {
			if e.IsDeleted() || e.Time == 0 {
				continue
			}
			all = append(all, scored{e, dv})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ev.Timestamp.Before(all[j].ev.Timestamp)
	})

	for _, s := range all {
		b.updateStatisticsLocked(s.ev, s.dv)
		if s.dv.LastEvent == nil || s.ev.Timestamp.After(s.dv.LastEvent.Timestamp) {
			s.dv.LastEvent = s.ev
		}
		if s.ev.Type == session.Lap && (s.dv.LastLap == nil || s.ev.Timestamp.After(s.dv.LastLap.Timestamp)) {
			s.dv.LastLap = s.ev
		}
	}
}

// MarkDeviceDeleted soft-deletes a device's info (not its individual
// events) and rebuilds board-level statistics from the remaining active
// devices, or resets derived state entirely when none remain.
func (b *SessionBoard) MarkDeviceDeleted(deviceID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dv, ok := b.devices[deviceID]
	if !ok {
		return
	}
	if dv.Info.Deleted == nil {
		t := at
		dv.Info.Deleted = &t
	}

	hasActive := false
	for _, d := range b.devices {
		if !d.IsDeleted() {
			hasActive = true
			break
		}
	}
	if hasActive {
		b.rebuildStatisticsLocked()
	} else {
		b.BestLap = nil
		b.BestSectors = make(map[uint32]*EventView)
		for _, d := range b.devices {
			d.BestLap = nil
			d.BestSectors = make(map[uint32]*EventView)
			d.LastEvent = nil
			d.LastLap = nil
		}
		b.everRebuilt = true
	}

	b.Updated = b.clock.Now()
	b.notifyUpdatedLocked()
}

func (b *SessionBoard) notifyUpdatedLocked() {
	if b.OnUpdated == nil {
		return
	}
	updated := b.Updated
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("board: updated listener panicked: %v", r)
		}
	}()
	b.OnUpdated(updated)
}

// RankingRow is one device's row in a ranking snapshot.
type RankingRow struct {
	Rank           int
	DeviceID       string
	DeviceShortID  string
	DisplayName    string
	Laps           string
	Sectors        []string
	LastLap        *EventView
	BestLap        *EventView
	Gap            *time.Duration
	Interval       *time.Duration
	PreviousRank   int
	HasChanged     bool
	RankChange     int
}

// RankingSnapshot is an immutable view of a board's ranking at the
// moment GetRanking was called.
type RankingSnapshot struct {
	SessionID string
	Sectors   int
	Rows      []RankingRow
	Duration  time.Duration
}

// GetRanking computes a ranking snapshot per §4.F: active devices
// sorted by best undeleted lap time ascending (devices without one
// sort last), with gap/interval columns relative to the board best and
// the preceding row, and previous-rank/rank-change bookkeeping against
// an optional prior snapshot.
func (b *SessionBoard) GetRanking(previous *RankingSnapshot) RankingSnapshot {
	start := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	sectors := 3
	if b.SectorsHint != nil {
		sectors = *b.SectorsHint
	} else if len(b.BestSectors) > 0 {
		max := 0
		for s := range b.BestSectors {
			if int(s) > max {
				max = int(s)
			}
		}
		sectors = max
	}

	var active []*DeviceView
	for _, id := range b.order {
		dv := b.devices[id]
		if dv != nil && !dv.IsDeleted() {
			active = append(active, dv)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		bi, bj := deviceBestLapTime(active[i]), deviceBestLapTime(active[j])
		if (bi == nil) != (bj == nil) {
			return bi != nil
		}
		if bi == nil {
			return false
		}
		return *bi < *bj
	})

	prevRank := map[string]int{}
	if previous != nil {
		for _, r := range previous.Rows {
			prevRank[r.DeviceID] = r.Rank
		}
	}

	rows := make([]RankingRow, 0, len(active))
	for i, dv := range active {
		rank := i + 1
		row := RankingRow{
			Rank:          rank,
			DeviceID:      dv.ID,
			DeviceShortID: shortID(dv.ID),
			DisplayName:   dv.Info.DisplayName,
			LastLap:       nonDeletedLap(dv.LastLap),
			BestLap:       nonDeletedLap(dv.BestLap),
			Sectors:       b.sectorsForRowLocked(dv, sectors),
		}
		if row.DisplayName == "" {
			row.DisplayName = row.DeviceShortID
		}
		if row.LastLap != nil {
			row.Laps = strconv.FormatUint(uint64(row.LastLap.Lap), 10)
		}
		if row.BestLap != nil && b.BestLap != nil {
			g := row.BestLap.Time - b.BestLap.Time
			row.Gap = &g
		}
		if i > 0 && row.BestLap != nil && rows[i-1].BestLap != nil {
			iv := row.BestLap.Time - rows[i-1].BestLap.Time
			row.Interval = &iv
		}
		if pr, ok := prevRank[dv.ID]; ok {
			row.PreviousRank = pr
			row.HasChanged = pr != rank
		} else {
			row.PreviousRank = rank
			row.HasChanged = false
		}
		row.RankChange = row.PreviousRank - row.Rank
		rows = append(rows, row)
	}

	return RankingSnapshot{
		SessionID: b.SessionID,
		Sectors:   sectors,
		Rows:      rows,
		Duration:  b.clock.Now().Sub(start),
	}
}

// sectorsForRowLocked implements the ranking's sector-column rule: if
// any sector of the device's current lap (one greater than its last
// completed lap) has been received, show only those sectors and leave
// the rest blank; otherwise show every sector of the last completed
// lap.
func (b *SessionBoard) sectorsForRowLocked(dv *DeviceView, numSectors int) []string {
	lastLapNum := 0
	if lap := nonDeletedLap(dv.LastLap); lap != nil {
		lastLapNum = int(lap.Lap)
	}
	currentLap := lastLapNum + 1

	byNumber := func(lap int) map[uint32]*EventView {
		m := make(map[uint32]*EventView)
		for _, e := range dv.Events {
			if e.IsDeleted() || e.Type != session.Sector || int(e.Lap) != lap {
				continue
			}
			if cur, ok := m[e.Sector]; !ok || e.Timestamp.After(cur.Timestamp) {
				m[e.Sector] = e
			}
		}
		return m
	}

	src := byNumber(currentLap)
	if len(src) == 0 {
		src = byNumber(lastLapNum)
	}

	out := make([]string, numSectors)
	for i := 1; i <= numSectors; i++ {
		if e, ok := src[uint32(i)]; ok {
			out[i-1] = e.Time.String()
		}
	}
	return out
}

func nonDeletedLap(e *EventView) *EventView {
	if e != nil && e.Deleted == nil {
		return e
	}
	return nil
}

func deviceBestLapTime(dv *DeviceView) *time.Duration {
	if e := nonDeletedLap(dv.BestLap); e != nil {
		t := e.Time
		return &t
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Package store persists sessions, session events, and telemetry fixes
// to SQLite. It adapts the teacher's internal/db package: the same
// sql.Open("sqlite", path)+PRAGMA+golang-migrate idiom, narrowed from a
// multi-sensor radar schema to the lap-timer's sessions/events/fixes
// tables.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lapviz/laptimer/geo"
	"github.com/lapviz/laptimer/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite-backed *sql.DB with the lap-timer's persistence
// operations.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) a SQLite database at path, applies
// the teacher's WAL/busy-timeout PRAGMAs, and migrates it to the latest
// schema version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{DB: db}
	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.Exec(p); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrateUp() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: new migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// SessionRecord is a persisted session header.
type SessionRecord struct {
	ID          string
	CircuitCode string
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// SaveSession inserts a new session row.
func (s *Store) SaveSession(rec SessionRecord) error {
	_, err := s.Exec(
		`INSERT INTO sessions (id, circuit_code, created_at, closed_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.CircuitCode, rec.CreatedAt.UnixNano(), nullableUnixNano(rec.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", rec.ID, err)
	}
	return nil
}

// CloseSession stamps a session's closed_at time.
func (s *Store) CloseSession(sessionID string, closedAt time.Time) error {
	_, err := s.Exec(`UPDATE sessions SET closed_at = ? WHERE id = ?`, closedAt.UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("store: close session %s: %w", sessionID, err)
	}
	return nil
}

// LoadSession fetches a session header by id.
func (s *Store) LoadSession(sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	var createdAt int64
	var closedAt sql.NullInt64
	err := s.QueryRow(
		`SELECT id, circuit_code, created_at, closed_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&rec.ID, &rec.CircuitCode, &createdAt, &closedAt)
	if err != nil {
		return rec, fmt.Errorf("store: load session %s: %w", sessionID, err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if closedAt.Valid {
		t := time.Unix(0, closedAt.Int64).UTC()
		rec.ClosedAt = &t
	}
	return rec, nil
}

// ListSessions returns every session header, most recently created first.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	rows, err := s.Query(`SELECT id, circuit_code, created_at, closed_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var createdAt int64
		var closedAt sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.CircuitCode, &createdAt, &closedAt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		if closedAt.Valid {
			t := time.Unix(0, closedAt.Int64).UTC()
			rec.ClosedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent persists a session.Event, generating a fresh event id.
// The returned id is the event's durable identity for later soft-delete.
func (s *Store) AppendEvent(sessionID string, e session.Event) (string, error) {
	id := uuid.NewString()
	_, err := s.Exec(
		`INSERT INTO events (id, session_id, device_id, user_id, type, lap_number, sector, time_nanos, timestamp,
		                      is_personal_best, is_best_overall, data_min, data_max, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, e.DeviceID, e.UserID, e.Type.String(), e.LapNumber, e.Sector, int64(e.Time), e.Timestamp.UnixNano(),
		boolToInt(e.IsPersonalBest), boolToInt(e.IsBestOverall), e.DataMin, e.DataMax, nullableUnixNano(e.Deleted),
	)
	if err != nil {
		return "", fmt.Errorf("store: append event for session %s device %s: %w", sessionID, e.DeviceID, err)
	}
	return id, nil
}

// MarkEventDeleted soft-deletes a persisted event by id.
func (s *Store) MarkEventDeleted(eventID string, at time.Time) error {
	_, err := s.Exec(`UPDATE events SET deleted_at = ? WHERE id = ?`, at.UnixNano(), eventID)
	if err != nil {
		return fmt.Errorf("store: mark event %s deleted: %w", eventID, err)
	}
	return nil
}

// ListEvents returns every non-deleted event for a session ordered by
// timestamp, oldest first. Soft-deleted rows are excluded rather than
// returned with a Deleted marker, since persisted history is read-mostly;
// DeviceBestLap excludes them as well, so deleted rows are reachable only
// through direct queries.
func (s *Store) ListEvents(sessionID string) ([]session.Event, error) {
	rows, err := s.Query(
		`SELECT device_id, user_id, type, lap_number, sector, time_nanos, timestamp, is_personal_best, is_best_overall, data_min, data_max
		 FROM events WHERE session_id = ? AND deleted_at IS NULL ORDER BY timestamp ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list events for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []session.Event
	for rows.Next() {
		var e session.Event
		var typeStr string
		var timeNanos int64
		var timestampNanos int64
		var personalBest, bestOverall int
		var dataMin, dataMax sql.NullFloat64
		if err := rows.Scan(&e.DeviceID, &e.UserID, &typeStr, &e.LapNumber, &e.Sector, &timeNanos, &timestampNanos,
			&personalBest, &bestOverall, &dataMin, &dataMax); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.SessionID = sessionID
		e.Type = parseEventType(typeStr)
		e.Time = time.Duration(timeNanos)
		e.Timestamp = time.Unix(0, timestampNanos).UTC()
		e.IsPersonalBest = personalBest != 0
		e.IsBestOverall = bestOverall != 0
		e.DataMin = dataMin.Float64
		e.DataMax = dataMax.Float64
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeviceBestLap returns the fastest non-deleted lap time a device has
// posted in a session.
func (s *Store) DeviceBestLap(sessionID, deviceID string) (time.Duration, bool, error) {
	var nanos sql.NullInt64
	err := s.QueryRow(
		`SELECT MIN(time_nanos) FROM events
		 WHERE session_id = ? AND device_id = ? AND type = 'Lap' AND deleted_at IS NULL`,
		sessionID, deviceID,
	).Scan(&nanos)
	if err != nil {
		return 0, false, fmt.Errorf("store: device best lap for %s/%s: %w", sessionID, deviceID, err)
	}
	if !nanos.Valid {
		return 0, false, nil
	}
	return time.Duration(nanos.Int64), true, nil
}

// AppendFix persists one telemetry sample.
func (s *Store) AppendFix(sessionID, deviceID string, fix geo.Fix) error {
	channelsJSON, err := json.Marshal(fix.Channels)
	if err != nil {
		return fmt.Errorf("store: marshal channels for %s/%s: %w", sessionID, deviceID, err)
	}
	_, err = s.Exec(
		`INSERT INTO telemetry_fixes (session_id, device_id, timestamp, lat, lon, alt, speed, accuracy, channels_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, deviceID, fix.Timestamp.UnixNano(), fix.Point.Lat, fix.Point.Lon, fix.Point.Alt,
		nullableFloat(fix.Speed), nullableFloat(fix.Accuracy), string(channelsJSON),
	)
	if err != nil {
		return fmt.Errorf("store: append fix for %s/%s: %w", sessionID, deviceID, err)
	}
	return nil
}

// ListFixes returns every telemetry sample for a device in a session,
// oldest first.
func (s *Store) ListFixes(sessionID, deviceID string) ([]geo.Fix, error) {
	rows, err := s.Query(
		`SELECT timestamp, lat, lon, alt, speed, accuracy, channels_json
		 FROM telemetry_fixes WHERE session_id = ? AND device_id = ? ORDER BY timestamp ASC`,
		sessionID, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list fixes for %s/%s: %w", sessionID, deviceID, err)
	}
	defer rows.Close()

	var out []geo.Fix
	for rows.Next() {
		var f geo.Fix
		var timestamp int64
		var speed, accuracy sql.NullFloat64
		var channelsJSON sql.NullString
		if err := rows.Scan(&timestamp, &f.Point.Lat, &f.Point.Lon, &f.Point.Alt, &speed, &accuracy, &channelsJSON); err != nil {
			return nil, fmt.Errorf("store: scan fix: %w", err)
		}
		f.Timestamp = time.Unix(0, timestamp).UTC()
		if speed.Valid {
			v := speed.Float64
			f.Speed = &v
		}
		if accuracy.Valid {
			v := accuracy.Float64
			f.Accuracy = &v
		}
		if channelsJSON.Valid && channelsJSON.String != "" {
			if err := json.Unmarshal([]byte(channelsJSON.String), &f.Channels); err != nil {
				return nil, fmt.Errorf("store: unmarshal channels: %w", err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func parseEventType(s string) session.EventType {
	switch s {
	case "Lap":
		return session.Lap
	case "Sector":
		return session.Sector
	case "Position":
		return session.Position
	case "Start":
		return session.Start
	default:
		return session.Other
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnixNano(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

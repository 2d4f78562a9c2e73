// Command livetiming runs the live-timing board server: it serves the
// board HTTP API (ranking, event ingest, SSE stream, device delete)
// over whichever sessions are currently open, restoring persisted
// sessions from SQLite on startup, and offers a "report" subcommand to
// render a post-session lap chart from the store.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lapviz/laptimer/api"
	"github.com/lapviz/laptimer/board"
	"github.com/lapviz/laptimer/internal/security"
	"github.com/lapviz/laptimer/internal/store"
	"github.com/lapviz/laptimer/internal/timeutil"
	"github.com/lapviz/laptimer/internal/units"
	"github.com/lapviz/laptimer/report"
	"github.com/lapviz/laptimer/session"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

var (
	versionFlag = flag.Bool("version", false, "Print version information and exit")
	listen      = flag.String("listen", ":8080", "Listen address for the live-timing board API")
	dbPath      = flag.String("db-path", "laptimer.db", "Path to the SQLite event-log database")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if *versionFlag {
		fmt.Printf("livetiming v%s (git SHA: %s)\n", version, gitSHA)
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "report" {
		runReportCommand(flag.Args()[1:])
		return
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("livetiming: failed to open store at %s: %v", *dbPath, err)
	}
	defer db.Close()

	clock := timeutil.RealClock{}
	apiServer := api.NewServer(clock)

	sessions, err := db.ListSessions()
	if err != nil {
		log.Fatalf("livetiming: failed to list persisted sessions: %v", err)
	}
	for _, rec := range sessions {
		if rec.ClosedAt != nil {
			continue
		}
		b := apiServer.Board(rec.ID)
		if err := replaySessionInto(db, rec.ID, b); err != nil {
			log.Printf("livetiming: failed to replay session %s: %v", rec.ID, err)
		} else {
			log.Printf("livetiming: restored open session %s", rec.ID)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := apiServer.Start(ctx, *listen); err != nil && err != context.Canceled {
		log.Fatalf("livetiming: HTTP server error: %v", err)
	}
	log.Print("livetiming: graceful shutdown complete")
}

// replaySessionInto loads a session's persisted event log and feeds it
// into b grouped by device, restoring the board to the state it held
// before a restart.
func replaySessionInto(db *store.Store, sessionID string, b *board.SessionBoard) error {
	events, err := db.ListEvents(sessionID)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	byDevice := make(map[string][]session.Event)
	order := make([]string, 0)
	for _, e := range events {
		if _, ok := byDevice[e.DeviceID]; !ok {
			order = append(order, e.DeviceID)
		}
		byDevice[e.DeviceID] = append(byDevice[e.DeviceID], e)
	}

	for _, deviceID := range order {
		raws := make([]board.RawEvent, len(byDevice[deviceID]))
		for i, e := range byDevice[deviceID] {
			raws[i] = board.RawEvent{
				// ListEvents drops persisted row ids, and only non-deleted
				// rows come back, so a fresh id per replayed event is safe:
				// it only needs to be unique within this restored board.
				ID:        uuid.NewString(),
				Type:      e.Type,
				LapNumber: e.LapNumber,
				Sector:    e.Sector,
				Time:      e.Time,
				Timestamp: e.Timestamp,
				Deleted:   e.Deleted,
			}
		}
		b.AddDeviceEvents(board.DeviceEventBatch{
			SessionID: sessionID,
			DeviceID:  deviceID,
			Events:    raws,
		}, true)
	}
	b.RebuildStatistics()
	return nil
}

// runReportCommand handles "livetiming report <session-id> <output.html>":
// replays a persisted session into a scratch board and renders its lap
// chart.
func runReportCommand(args []string) {
	reportFlags := flag.NewFlagSet("report", flag.ExitOnError)
	reportDBPath := reportFlags.String("db-path", *dbPath, "path to sqlite DB file")
	speedUnit := reportFlags.String("speed-unit", units.KMPH, "unit for the logged max/mean speed summary (mps, mph, kmph, kph)")
	if err := reportFlags.Parse(args); err != nil {
		log.Fatalf("livetiming report: %v", err)
	}
	if reportFlags.NArg() < 2 {
		log.Fatal("usage: livetiming report [-db-path path] [-speed-unit unit] <session-id> <output.html>")
	}
	sessionID := reportFlags.Arg(0)
	outPath := reportFlags.Arg(1)

	if err := security.ValidateExportPath(outPath); err != nil {
		log.Fatalf("livetiming report: refusing output path %s: %v", outPath, err)
	}

	db, err := store.Open(*reportDBPath)
	if err != nil {
		log.Fatalf("livetiming report: failed to open store: %v", err)
	}
	defer db.Close()

	b := board.New(sessionID, timeutil.RealClock{})
	if err := replaySessionInto(db, sessionID, b); err != nil {
		log.Fatalf("livetiming report: failed to replay session %s: %v", sessionID, err)
	}

	for _, dv := range b.Devices() {
		fixes, err := db.ListFixes(sessionID, dv.ID)
		if err != nil {
			log.Printf("livetiming report: failed to load fixes for %s: %v", dv.ID, err)
			continue
		}
		max, mean, err := report.SpeedSummary(fixes, *speedUnit)
		if err != nil {
			log.Printf("livetiming report: %s: %v", dv.ID, err)
			continue
		}
		log.Printf("livetiming report: %s max %.1f %s, mean %.1f %s", dv.ID, max, *speedUnit, mean, *speedUnit)
	}

	var buf bytes.Buffer
	if err := report.RenderLapChart(b, &buf); err != nil {
		log.Fatalf("livetiming report: failed to render chart: %v", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		log.Fatalf("livetiming report: failed to write %s: %v", outPath, err)
	}
	log.Printf("livetiming report: wrote %s", outPath)
}

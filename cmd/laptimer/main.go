// Command laptimer runs the on-device lap-timer core: it reads GPS
// fixes from a serial NMEA receiver (or a fixture file for bench
// testing), drives the timer state machine against a configured
// circuit, persists the resulting event log to SQLite, and forwards
// every event to a live-timing hub and to this device's own local
// board API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/lapviz/laptimer/api"
	"github.com/lapviz/laptimer/board"
	"github.com/lapviz/laptimer/internal/config"
	"github.com/lapviz/laptimer/internal/httputil"
	"github.com/lapviz/laptimer/internal/monitoring"
	"github.com/lapviz/laptimer/internal/store"
	"github.com/lapviz/laptimer/internal/timeutil"
	"github.com/lapviz/laptimer/serialgps"
	"github.com/lapviz/laptimer/session"
	"github.com/lapviz/laptimer/timer"
	"github.com/lapviz/laptimer/transport"
)

// version, gitSHA are overridden at build time via -ldflags; kept as
// plain vars rather than a shared internal/version package since only
// these two commands in the module report a version.
var (
	version = "dev"
	gitSHA  = "unknown"
)

var (
	versionFlag = flag.Bool("version", false, "Print version information and exit")
	listen      = flag.String("listen", ":8090", "Listen address for this device's local board API")
	gpsPort     = flag.String("gps-port", "/dev/ttyUSB0", "Serial port the GPS receiver is attached to")
	gpsBaud     = flag.Int("gps-baud", 4800, "Serial baud rate for the GPS receiver")
	fixtureFile = flag.String("fixture", "", "Path to a file of NMEA sentences to replay instead of a real GPS port")
	circuitFile = flag.String("circuit", "", "Path to a circuit definition JSON file (required)")
	configFile  = flag.String("config", config.DefaultConfigPath, "Path to JSON timer configuration file")
	dbPath      = flag.String("db-path", "laptimer.db", "Path to the SQLite event-log database")
	hubURL      = flag.String("hub-url", "", "Live-timing hub URL; empty disables hub forwarding")
	sessionName = flag.String("session-name", "", "Display name to register with the hub when creating a session")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if *versionFlag {
		fmt.Printf("laptimer v%s (git SHA: %s)\n", version, gitSHA)
		return
	}

	if *circuitFile == "" {
		log.Fatal("laptimer: -circuit is required")
	}

	c, err := loadCircuitDefinition(*circuitFile)
	if err != nil {
		log.Fatalf("laptimer: %v", err)
	}

	cfg, err := config.LoadTimerConfig(*configFile)
	if err != nil {
		log.Printf("laptimer: failed to load timer config from %s, using defaults: %v", *configFile, err)
		cfg = config.EmptyTimerConfig()
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("laptimer: failed to open store at %s: %v", *dbPath, err)
	}
	defer db.Close()

	clock := timeutil.RealClock{}
	tm := timer.New(cfg, clock)
	if err := tm.SetCircuit(c); err != nil {
		log.Fatalf("laptimer: failed to set circuit: %v", err)
	}

	apiServer := api.NewServer(clock)
	localBoard := apiServer.Board(c.Code)

	var hub *transport.Client
	if *hubURL != "" {
		hub = transport.New(*hubURL, httputil.NewStandardClient(nil), clock)
	}

	deviceID := cfg.GetDeviceID()
	tm.OnSessionEvent = func(e *session.Event) {
		id, err := db.AppendEvent(c.Code, *e)
		if err != nil {
			monitoring.Logf("laptimer: failed to persist event: %v", err)
		}

		batch := board.DeviceEventBatch{
			SessionID:   c.Code,
			DeviceID:    deviceID,
			DisplayName: *sessionName,
			Events: []board.RawEvent{{
				ID:        id,
				Type:      e.Type,
				LapNumber: e.LapNumber,
				Sector:    e.Sector,
				Time:      e.Time,
				Timestamp: e.Timestamp,
				Deleted:   e.Deleted,
			}},
		}
		localBoard.AddDeviceEvents(batch, false)
		if hub != nil {
			hub.AddEventData(batch)
		}
	}
	tm.OnLifecycle = func(event timer.LifecycleEvent, s *session.DeviceSession) {
		monitoring.Logf("laptimer: session %s: %s", s.ID, event)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if hub != nil {
		if err := hub.Connect(ctx, transport.ConnectOptions{}); err != nil {
			log.Printf("laptimer: initial hub connect failed, will retry in background: %v", err)
		}
		defer hub.Close()
	}

	producer, err := newFixProducer(*fixtureFile, *gpsPort, *gpsBaud)
	if err != nil {
		log.Fatalf("laptimer: failed to start GPS producer: %v", err)
	}
	defer producer.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := producer.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("laptimer: GPS producer terminated: %v", err)
		}
	}()

	if err := tm.CreateSession(); err != nil {
		log.Fatalf("laptimer: failed to create initial session: %v", err)
	}
	if err := db.SaveSession(store.SessionRecord{ID: c.Code, CircuitCode: c.Code, CreatedAt: clock.Now()}); err != nil {
		log.Printf("laptimer: failed to persist session record: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case fix, ok := <-producer.Fixes():
				if !ok {
					return
				}
				tm.AddGeolocation(fix, deviceID)
			case err := <-producer.Errs():
				monitoring.Logf("laptimer: GPS parse error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := apiServer.ServeMux()
		if hub != nil {
			hub.AttachAdminRoutes(mux)
		}
		if err := apiServer.Start(ctx, *listen); err != nil && err != context.Canceled {
			log.Printf("laptimer: HTTP server error: %v", err)
		}
	}()

	wg.Wait()
	tm.CloseSession()
	log.Print("laptimer: graceful shutdown complete")
}

// newFixProducer opens the serial GPS producer, or a fixture-file
// producer when fixturePath is set, so the timer core can be exercised
// on a bench without a real receiver attached.
func newFixProducer(fixturePath, port string, baud int) (*serialgps.Producer, error) {
	if fixturePath != "" {
		f, err := os.Open(fixturePath)
		if err != nil {
			return nil, err
		}
		return serialgps.NewProducer(&fixturePort{File: f}), nil
	}
	return serialgps.Open(port, serialgps.PortOptions{BaudRate: baud})
}

// fixturePort adapts a replayed fixture file to serialgps.Port; writes
// are discarded since a fixture recording is read-only, and Close
// closes the underlying file.
type fixturePort struct {
	*os.File
}

func (p *fixturePort) Write(b []byte) (int, error) { return len(b), nil }

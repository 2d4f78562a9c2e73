// Package api exposes the live-timing board over HTTP: a ranking
// snapshot endpoint, an event ingest endpoint, a server-sent-events
// ranking stream, and device soft-delete. It follows the teacher's
// internal/api.Server shape (a struct wrapping the domain store, a
// lazily built *http.ServeMux, and a logging middleware wrapping
// Start) adapted from a single radar site to a registry of per-session
// boards.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lapviz/laptimer/board"
	"github.com/lapviz/laptimer/internal/httputil"
	"github.com/lapviz/laptimer/internal/timeutil"
)

// Server holds the live-timing board registry and HTTP surface.
type Server struct {
	mu      sync.Mutex
	boards  map[string]*board.SessionBoard
	streams map[string]*sessionStream
	clock   timeutil.Clock

	mux *http.ServeMux
}

// NewServer constructs a Server backed by an in-memory board registry.
// clock defaults to timeutil.RealClock{} when nil.
func NewServer(clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		boards: make(map[string]*board.SessionBoard),
		clock:  clock,
	}
}

// Board returns the SessionBoard for sessionID, creating one on first
// use.
func (s *Server) Board(sessionID string) *board.SessionBoard {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[sessionID]
	if !ok {
		b = board.New(sessionID, s.clock)
		s.boards[sessionID] = b
		s.attachStreamLocked(sessionID, b)
	}
	return b
}

// ServeMux builds (on first call) and returns the Server's
// *http.ServeMux. Callers may register additional routes on the
// returned mux before starting the server, mirroring the teacher's own
// ServeMux()/Start() split.
func (s *Server) ServeMux() *http.ServeMux {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/board/{session_id}/ranking", s.handleRanking)
	mux.HandleFunc("POST /api/board/{session_id}/events", s.handleAddEvents)
	mux.HandleFunc("GET /api/board/{session_id}/stream", s.handleStream)
	mux.HandleFunc("DELETE /api/board/{session_id}/devices/{device_id}", s.handleDeleteDevice)
	s.mux = mux
	return mux
}

// Start runs the HTTP server until ctx is cancelled, wrapping the mux
// with LoggingMiddleware exactly as the teacher's internal/api.Start
// does.
func (s *Server) Start(ctx context.Context, listen string) error {
	mux := s.ServeMux()
	server := &http.Server{
		Addr:    listen,
		Handler: LoggingMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	b := s.Board(sessionID)
	snap := b.GetRanking(nil)
	httputil.WriteJSONOK(w, snap)
}

// addEventsRequest is the POST /api/board/{session_id}/events payload:
// one device's event batch, matching board.DeviceEventBatch.
type addEventsRequest struct {
	DeviceID    string            `json:"device_id"`
	DisplayName string            `json:"display_name"`
	Category    string            `json:"category"`
	Events      []board.RawEvent  `json:"events"`
}

func (s *Server) handleAddEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	var req addEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.DeviceID == "" {
		httputil.BadRequest(w, "device_id must not be empty")
		return
	}

	b := s.Board(sessionID)
	result := b.AddDeviceEvents(board.DeviceEventBatch{
		SessionID:   sessionID,
		DeviceID:    req.DeviceID,
		DisplayName: req.DisplayName,
		Category:    req.Category,
		Events:      req.Events,
	}, false)
	httputil.WriteJSONOK(w, result)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	deviceID := r.PathValue("device_id")

	b := s.Board(sessionID)
	if b.Device(deviceID) == nil {
		httputil.NotFound(w, "device not found")
		return
	}
	b.MarkDeviceDeleted(deviceID, s.clock.Now())
	httputil.WriteJSONOK(w, map[string]string{"status": "deleted"})
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// --- logging middleware, grounded on the teacher's internal/api ---

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration for every
// request, matching the teacher's internal/api.LoggingMiddleware shape
// without the ANSI coloring (this server has no interactive terminal
// audience).
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		portPrefix := ""
		if host := r.Host; host != "" {
			if _, p, err := net.SplitHostPort(host); err == nil {
				portPrefix = ":" + p
			}
		}
		log.Printf("[%s] %s %s%s %vms",
			strconv.Itoa(lrw.statusCode), r.Method, portPrefix, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

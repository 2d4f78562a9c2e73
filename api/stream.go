package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lapviz/laptimer/board"
)

// sessionStream fans a board's ranking updates out to every connected
// SSE client, mirroring the non-blocking select/default broadcast used
// throughout this codebase's pub/sub adapters (board.SessionBoard's own
// OnUpdated hook, transport.Client.Dispatch).
type sessionStream struct {
	mu          sync.Mutex
	subscribers map[string]chan struct{}
}

func newSessionStream() *sessionStream {
	return &sessionStream{subscribers: make(map[string]chan struct{})}
}

func (s *sessionStream) subscribe() (string, chan struct{}) {
	id := randomID()
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *sessionStream) unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *sessionStream) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// attachStreamLocked wires a newly created board's OnUpdated callback to
// a fresh sessionStream broadcaster. Callers must hold s.mu.
func (s *Server) attachStreamLocked(sessionID string, b *board.SessionBoard) {
	stream := newSessionStream()
	if s.streams == nil {
		s.streams = make(map[string]*sessionStream)
	}
	s.streams[sessionID] = stream
	b.OnUpdated = func(time.Time) { stream.notify() }
}

func (s *Server) streamFor(sessionID string) *sessionStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[sessionID]
}

// handleStream serves a ranking snapshot as an initial SSE event, then
// pushes a fresh snapshot each time the board changes, matching the
// teacher's tail/SSE admin-route idiom (ping, then data: lines, flushed
// per write).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	b := s.Board(sessionID)
	stream := s.streamFor(sessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, changed := stream.subscribe()
	defer stream.unsubscribe(id)

	writeSnapshot := func() error {
		snap := b.GetRanking(nil)
		payload, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeSnapshot(); err != nil {
		return
	}

	for {
		select {
		case _, ok := <-changed:
			if !ok {
				return
			}
			if err := writeSnapshot(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

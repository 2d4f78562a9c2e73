package transport

import (
	"fmt"
	"net/http"

	"github.com/lapviz/laptimer/internal/httputil"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
// mux, in the shape of the teacher's SerialMux.AttachAdminRoutes: a
// status endpoint reporting connection/queue counters and an SSE tail
// of inbound hub events, both served under tsweb's /debug/ prefix.
func (c *Client) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("transport-status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]interface{}{
			"state":         c.State().String(),
			"queue_size":    c.QueueSize(),
			"messages_sent": c.MessagesSent(),
		})
	})

	debug.HandleSilentFunc("transport-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, events := c.Subscribe()
		defer c.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", e.Kind)
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

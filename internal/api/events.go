package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/noise.report/internal/httputil"
)

// SnapshotEvent names snapshot messages on the event stream.
const SnapshotEvent = "snapshot"

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// handleStream serves snapshots and history updates as server-sent
// events. Each open stream counts as a subscriber.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	ctx := r.Context()
	updates, cancel := s.svc.History().Subscribe()
	defer cancel()
	snapshots := s.subscribe(ctx)

	id := uuid.NewString()
	logf("event stream %s opened from %s", id, r.RemoteAddr)
	defer logf("event stream %s closed", id)

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	// Send initial ping to establish connection
	if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			err = writeEvent(w, SnapshotEvent, snap)
		case u := <-updates:
			err = writeEvent(w, u.Event, u)
		case <-keepAlive.C:
			_, err = io.WriteString(w, ": ping\n\n")
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

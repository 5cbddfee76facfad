package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleetsched/pkg/logx"
)

// handleEvents streams bus events as Server-Sent Events.
// GET /api/v1/events?type=task.completed,task.failed
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	events, unsubscribe := s.bus.Subscribe(64, types...)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The comment tells clients the subscription is live.
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	tk := time.NewTicker(s.heartbeat)
	defer tk.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				s.log.Warn("sse marshal failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b); err != nil {
				return
			}
			flusher.Flush()
		case <-tk.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

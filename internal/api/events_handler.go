package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/stevedore/internal/events"
)

const eventsKeepAliveInterval = 15 * time.Second

// handleEvents streams the worker's lifecycle feed as server-sent events.
// Clients narrow the stream with ?type=a,b (exact event types, such as
// job.finished or deadletter.append); a reconnecting client replays what it
// missed through the Last-Event-ID header against the hub's ring buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Reconnect pacing hint so dropped clients do not hammer a worker that
	// is busy draining.
	fmt.Fprint(w, "retry: 3000\n\n")

	wanted := eventTypeFilter(r.URL.Query().Get("type"))
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	for _, ev := range s.hub.SnapshotSince(lastID) {
		if !wanted(ev.Type) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(eventsKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !wanted(ev.Type) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// Comment line per the SSE protocol; keeps idle proxies from
			// reaping the connection between heartbeats.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventTypeFilter builds the allow predicate from the comma-separated type
// list. An empty list admits everything.
func eventTypeFilter(raw string) func(string) bool {
	if strings.TrimSpace(raw) == "" {
		return func(string) bool { return true }
	}
	allowed := make(map[string]struct{})
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = struct{}{}
		}
	}
	return func(eventType string) bool {
		_, ok := allowed[eventType]
		return ok
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event: id line, optional event line, single-line JSON
// data line, blank terminator.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}

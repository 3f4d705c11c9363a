package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/olympusai/buildforge/internal/otel"
)

// handleEvents bridges the event hub onto an SSE stream. An optional run_id
// query parameter narrows the stream to one run. Subscribers that fall
// behind lose events rather than stalling publishers, so this is a live
// view; /api/runs/{id}/events serves the durable journal.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if a.Hub == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := a.Hub.Subscribe(r.URL.Query().Get("run_id"))
	defer cancel()
	otel.AddSSEConnection()
	defer otel.RemoveSSEConnection()

	// Initial ping so clients know the stream is live.
	_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"kind":"connected"}`)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			// Comment keepalive.
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			otel.RecordSSEEvent(ctx)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

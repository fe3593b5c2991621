package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/tansa/internal/model"
)

// HandleResearchStream handles GET /v1/research/{id}/stream (SSE).
//
// Every event ever emitted for the run is replayed from the cursor, so
// a client that connects after completion still receives the whole
// progress log ending in the terminal frame. Reconnecting clients can
// resume from Last-Event-ID. Runs no longer held in memory are
// replayed from the persisted event log.
func (h *Handlers) HandleResearchStream(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	if _, found := h.engine.Snapshot(id); !found {
		h.replayArchivedStream(w, r, id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections die after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	cursor := sseCursor(r)

	signal, cancel := h.publisher.Subscribe(id)
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		events := h.publisher.ReadFrom(id, cursor)
		for _, ev := range events {
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			cursor = ev.SequenceNum
			if ev.Payload.Final {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-signal:
		}
	}
}

// replayArchivedStream serves the persisted event log of a run the
// engine has let go of. Archived runs are terminal, so the log already
// ends with the final frame and the stream closes after replay.
func (h *Handlers) replayArchivedStream(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if _, ok := h.archivedRun(w, r, id); !ok {
		return
	}
	events, err := h.db.EventsByRun(r.Context(), id, sseCursor(r), 0)
	if err != nil {
		h.logger.Error("load archived events failed", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load events")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()
}

// sseCursor reads the resume position from Last-Event-ID.
func sseCursor(r *http.Request) int64 {
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if n, err := strconv.ParseInt(lastID, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func writeSSEEvent(w http.ResponseWriter, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SequenceNum, ev.Kind, data)
	return err
}

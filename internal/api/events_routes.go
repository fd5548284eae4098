package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
)

// TransitionWatcher streams engine transitions until ctx is done.
type TransitionWatcher interface {
	Watch(ctx context.Context) <-chan domain.TransitionRecord
}

type transitionResponse struct {
	From    domain.State     `json:"from"`
	To      domain.State     `json:"to"`
	Event   domain.EventKind `json:"event"`
	CycleID string           `json:"cycle_id,omitempty"`
	At      time.Time        `json:"at"`
}

// handleEvents streams transitions as server-sent events. The current state
// is sent first so a client never has to poll.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	transitions := s.watcher.Watch(r.Context())

	if err := writeSSE(w, "state", newStateResponse(s.gate.State())); err != nil {
		return
	}
	flusher.Flush()

	for rec := range transitions {
		resp := transitionResponse{From: rec.From, To: rec.To, Event: rec.Event.Kind, At: rec.Timestamp.UTC()}
		if rec.Event.CycleID != uuid.Nil {
			resp.CycleID = rec.Event.CycleID.String()
		}
		if err := writeSSE(w, "transition", resp); err != nil {
			s.logger.Debug(r.Context(), "Event stream closed", "error", err)
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

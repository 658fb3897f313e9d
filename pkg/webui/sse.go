package webui

import (
	"encoding/json"
	"fmt"
	"net/http"

	"siteforge/pkg/broadcast"
	"siteforge/pkg/workflow"
)

// sseBuffer bounds how many undelivered events a slow client may accumulate
// before the broadcaster drops it.
const sseBuffer = 64

// streamEvents serves GET /api/workflows/{id}/events as Server-Sent Events.
// Terminal workflows get a single status event; running ones stream until a
// terminal event arrives, the client disconnects, or the client falls too
// far behind.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, workflowID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	view, err := s.orchestrator.Status(workflowID)
	if err != nil {
		http.Error(w, "Workflow not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if view.Status.Terminal() {
		s.writeSSE(w, flusher, statusEvent(view))
		return
	}

	events := make(chan broadcast.Event, sseBuffer)
	unsubscribe := s.orchestrator.Broadcaster().Subscribe(workflowID, broadcast.SubscriberFunc(func(ev broadcast.Event) error {
		select {
		case events <- ev:
			return nil
		default:
			return fmt.Errorf("subscriber buffer full")
		}
	}))
	defer unsubscribe()

	// The workflow may have finished between the status check and the
	// subscription; re-check so the client is not left hanging.
	if view, err := s.orchestrator.Status(workflowID); err == nil && view.Status.Terminal() {
		s.writeSSE(w, flusher, statusEvent(view))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			s.writeSSE(w, flusher, ev)
			if ev.Kind == broadcast.KindCompleted || ev.Kind == broadcast.KindError {
				return
			}
			if ev.Kind == broadcast.KindLog && ev.Data != nil && ev.Data["status"] == string(workflow.StatusCancelled) {
				return
			}
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev broadcast.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
	flusher.Flush()
}

// statusEvent synthesizes a terminal event from a workflow view for clients
// that connect after completion.
func statusEvent(view *workflow.View) broadcast.Event {
	kind := broadcast.KindCompleted
	message := "workflow " + string(view.Status)
	if view.Status == workflow.StatusFailed {
		kind = broadcast.KindError
		if view.Error != nil {
			message = view.Error.Message
		}
	}
	return broadcast.Event{
		Timestamp:  view.UpdatedAt,
		WorkflowID: view.WorkflowID,
		Kind:       kind,
		Message:    message,
		Progress:   view.Progress,
		Data:       view.Results,
	}
}

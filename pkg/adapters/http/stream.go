package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/aretw0/weft/pkg/domain"
)

// StreamManager fans lifecycle events out to subscribers of a run.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- Event]struct{} // RunID -> set of channels
}

// Event is one server-sent event.
type Event struct {
	Type domain.EventType
	Data []byte
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- Event]struct{}),
	}
}

// Subscribe returns a channel of events for runID and a function that ends
// the subscription.
func (sm *StreamManager) Subscribe(runID string) (<-chan Event, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan Event, 16)
	if _, ok := sm.subscribers[runID]; !ok {
		sm.subscribers[runID] = make(map[chan<- Event]struct{})
	}
	sm.subscribers[runID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[runID]; ok {
			if _, ok := subs[ch]; !ok {
				return
			}
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, runID)
			}
		}
	}
}

// Broadcast never blocks: a subscriber with a full buffer misses the event.
func (sm *StreamManager) Broadcast(runID string, ev Event) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for ch := range sm.subscribers[runID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Hooks publishes every scheduler event to the subscribers of its run.
func (sm *StreamManager) Hooks() domain.LifecycleHooks {
	run := func(_ context.Context, e *domain.RunEvent) { sm.publish(e.RunID, e.Type, e) }
	nodeEv := func(_ context.Context, e *domain.NodeEvent) { sm.publish(e.RunID, e.Type, nodePayload(e)) }
	return domain.LifecycleHooks{
		OnRunSubmit:  run,
		OnRunFinish:  run,
		OnNodeStart:  nodeEv,
		OnNodeFinish: nodeEv,
		OnNodeWait:   nodeEv,
		OnNodeResume: nodeEv,
		OnNodeRetry:  nodeEv,
	}
}

type nodeEventJSON struct {
	*domain.NodeEvent
	Error string `json:"error,omitempty"`
}

func nodePayload(e *domain.NodeEvent) any {
	out := nodeEventJSON{NodeEvent: e}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

func (sm *StreamManager) publish(runID string, typ domain.EventType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	sm.Broadcast(runID, Event{Type: typ, Data: data})
}

// SubscribeEvents handles GET /v1/runs/{id}/events as a server-sent event
// stream. ?types=node_wait,run_finish restricts the event types; the stream
// ends after run_finish.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.error(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}
	runID := chi.URLParam(r, "id")

	var types map[domain.EventType]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = make(map[domain.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			types[domain.EventType(strings.TrimSpace(t))] = true
		}
	}

	ch, cancel := s.Streams.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Debug("SSE subscribed", "run_id", runID)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if types == nil || types[ev.Type] {
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
				flusher.Flush()
			}
			if ev.Type == domain.EventRunFinish {
				return
			}
		}
	}
}

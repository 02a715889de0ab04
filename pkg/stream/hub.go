// Package stream fans action lifecycle events out to websocket subscribers.
// Publishing never blocks: slow subscribers drop events instead of stalling
// the orchestrator.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"opsguard/pkg/actionfsm"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// actionEventData is the subscriber-facing projection of a record: enough to
// drive a live approval console without exposing payloads.
type actionEventData struct {
	ActionID       string `json:"action_id"`
	Tenant         string `json:"tenant"`
	RunID          string `json:"run_id,omitempty"`
	ActionType     string `json:"action_type"`
	Status         string `json:"status"`
	RollbackStatus string `json:"rollback_status"`
}

func NewActionEvent(eventType string, rec *actionfsm.ActionRecord) Event {
	return NewEvent(eventType, actionEventData{
		ActionID:       rec.ID,
		Tenant:         rec.Tenant,
		RunID:          rec.RunID,
		ActionType:     rec.ActionType,
		Status:         rec.Status,
		RollbackStatus: rec.RollbackStatus,
	})
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishActionEvent satisfies the orchestrator's Events contract.
func (h *Hub) PublishActionEvent(ctx context.Context, eventType string, rec *actionfsm.ActionRecord) {
	h.Publish(NewActionEvent(eventType, rec))
}

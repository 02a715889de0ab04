// Package throttle is the fixed-window execution rate limiter. Counters live
// behind a CounterStore so the in-process map can be swapped for Redis; the
// in-memory store is only correct on a single node.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const ReasonThrottled = "throttled"

const (
	OpExecute         = "execute"
	OpRollbackExecute = "rollback_execute"
)

type Decision struct {
	Allowed           bool   `json:"allowed"`
	ReasonCode        string `json:"reason_code,omitempty"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(retryAfterSeconds int) Decision {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return Decision{
		Allowed:           false,
		ReasonCode:        ReasonThrottled,
		Message:           fmt.Sprintf("rate limit exceeded, retry in %ds", retryAfterSeconds),
		RetryAfterSeconds: retryAfterSeconds,
	}
}

type Config struct {
	Enabled              bool
	WindowSeconds        int
	MaxAttemptsPerWindow int
}

func (c Config) withDefaults() Config {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 60
	}
	if c.MaxAttemptsPerWindow <= 0 {
		c.MaxAttemptsPerWindow = 5
	}
	return c
}

// CounterStore increments the counter for a key, resetting it when the fixed
// window has elapsed, and returns the new count plus the window end.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

type Throttle struct {
	cfg   Config
	store CounterStore
	now   func() time.Time
}

func New(cfg Config, store CounterStore) *Throttle {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Throttle{cfg: cfg.withDefaults(), store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Key composes the case-insensitive throttle key. execute and rollback_execute
// are tracked independently so one phase never starves the other.
func Key(tenant, actionType, operationKind string) string {
	return strings.ToLower(strings.TrimSpace(tenant)) + "|" +
		strings.ToLower(strings.TrimSpace(actionType)) + "|" +
		strings.ToLower(strings.TrimSpace(operationKind))
}

func (t *Throttle) Evaluate(ctx context.Context, tenant, actionType, operationKind string) Decision {
	if t == nil || !t.cfg.Enabled {
		return Allow()
	}
	window := time.Duration(t.cfg.WindowSeconds) * time.Second
	count, resetAt, err := t.store.Incr(ctx, Key(tenant, actionType, operationKind), window)
	if err != nil {
		// A broken counter store must not block approved executions.
		return Allow()
	}
	if count <= t.cfg.MaxAttemptsPerWindow {
		return Allow()
	}
	remaining := resetAt.Sub(t.now())
	retryAfter := int(remaining / time.Second)
	if remaining%time.Second > 0 {
		retryAfter++
	}
	if retryAfter > t.cfg.WindowSeconds {
		retryAfter = t.cfg.WindowSeconds
	}
	return Deny(retryAfter)
}

// MemoryStore is the single-node fixed-window counter map.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

type memEntry struct {
	count   int
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string]memEntry{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked(now)
	curr, ok := s.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = memEntry{count: 0, resetAt: now.Add(window)}
	}
	curr.count++
	s.items[key] = curr
	return curr.count, curr.resetAt, nil
}

func (s *MemoryStore) cleanupLocked(now time.Time) {
	for k, v := range s.items {
		if now.After(v.resetAt) {
			delete(s.items, k)
		}
	}
}

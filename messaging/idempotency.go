package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tradewind-app/backbone/contracts"
)

// SeenStore remembers which event IDs a consumer has already processed.
type SeenStore interface {
	Seen(eventID string) bool
	Mark(eventID string)
}

// Idempotent wraps a handler so redeliveries of an already-processed event
// are acknowledged without running the side effect again. The event is
// marked only after the handler succeeds: a failed attempt must stay
// repeatable.
func Idempotent(store SeenStore, logger *slog.Logger, next Handler) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, env *contracts.Envelope) error {
		if store.Seen(env.EventID) {
			logger.Info("skipping duplicate delivery",
				"eventId", env.EventID,
				"eventType", env.EventType)
			return nil
		}
		if err := next(ctx, env); err != nil {
			return err
		}
		store.Mark(env.EventID)
		return nil
	}
}

// MemorySeenStore is a TTL-bounded in-process SeenStore. It protects a
// single consumer process against broker redeliveries within the TTL window;
// it is not a cross-process deduplication guarantee.
type MemorySeenStore struct {
	mu  sync.Mutex
	ids map[string]time.Time
	ttl time.Duration
}

// NewMemorySeenStore creates a store that forgets event IDs after ttl.
func NewMemorySeenStore(ttl time.Duration) *MemorySeenStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemorySeenStore{
		ids: make(map[string]time.Time),
		ttl: ttl,
	}
}

// Seen reports whether the event ID was marked within the TTL window.
func (s *MemorySeenStore) Seen(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.ids[eventID]
	if !ok {
		return false
	}
	if time.Since(at) > s.ttl {
		delete(s.ids, eventID)
		return false
	}
	return true
}

// Mark records the event ID and opportunistically evicts expired entries so
// the map stays bounded by the processing rate within one TTL window.
func (s *MemorySeenStore) Mark(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, at := range s.ids {
		if now.Sub(at) > s.ttl {
			delete(s.ids, id)
		}
	}
	s.ids[eventID] = now
}

// Len returns the number of remembered event IDs.
func (s *MemorySeenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

package audit

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps audit events in process.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, e Event) error {
	e.Detail = maps.Clone(e.Detail)
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// ListByTransaction returns events for txID, oldest first.
func (s *MemoryStore) ListByTransaction(_ context.Context, txID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.TransactionID == txID {
			e.Detail = maps.Clone(e.Detail)
			out = append(out, e)
		}
	}
	return out, nil
}

// ListBySeverity returns up to limit events of sev, newest first.
func (s *MemoryStore) ListBySeverity(_ context.Context, sev Severity, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e := s.events[i]; e.Severity == sev {
			e.Detail = maps.Clone(e.Detail)
			out = append(out, e)
		}
	}
	return out, nil
}

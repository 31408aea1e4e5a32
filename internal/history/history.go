// Package history keeps the per-user ledger of past transactions that feeds
// feature extraction.
//
// It is the only shared mutable state in the decision core. Each user has
// its own window guarded by its own lock, so traffic for different users
// never contends. For a single user, a Read that starts after an Append has
// returned always observes that Append.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/verifai/internal/transaction"
)

// Options bounds per-user memory. Zero values mean unbounded. MaxAge is
// measured from when the store received an entry, not from the
// caller-supplied CreatedAt.
type Options struct {
	MaxEntries int
	MaxAge     time.Duration
	Now        func() time.Time
}

// Store is an in-memory, concurrency-safe map of user ID to an append-only
// ordered sequence of transactions.
type Store struct {
	windows sync.Map // map[string]*userWindow
	opts    Options
}

type userWindow struct {
	mu       sync.RWMutex
	entries  []entry
	hydrated bool
	appended bool
}

type entry struct {
	tx transaction.Transaction
	at time.Time // store-owned retention clock
}

// NewStore creates a history store with the given retention options.
func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts}
}

// Append adds tx to the end of the user's sequence and applies retention.
// The entry just added is never pruned by the same call. first reports
// whether this is the user's first Append in this process.
func (s *Store) Append(userID string, tx transaction.Transaction) (first bool) {
	w := s.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	first = !w.appended
	w.appended = true
	w.entries = append(w.entries, entry{tx: tx, at: s.opts.Now()})
	s.prune(w)
	return first
}

// Read returns a copy of the user's current sequence, oldest first.
// Unknown users yield an empty, non-nil slice.
func (s *Store) Read(userID string) []transaction.Transaction {
	v, ok := s.windows.Load(userID)
	if !ok {
		return []transaction.Transaction{}
	}
	w := v.(*userWindow)
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]transaction.Transaction, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.tx
	}
	return out
}

// Len returns the number of retained transactions for the user.
func (s *Store) Len(userID string) int {
	v, ok := s.windows.Load(userID)
	if !ok {
		return 0
	}
	w := v.(*userWindow)
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Users returns the IDs of every user with a window.
func (s *Store) Users() []string {
	var users []string
	s.windows.Range(func(k, _ any) bool {
		users = append(users, k.(string))
		return true
	})
	return users
}

// Hydrate seeds an empty window from a durable mirror. It runs at most once
// per user per process; later calls are no-ops. Mirror errors leave the
// window unhydrated so the next call can retry.
func (s *Store) Hydrate(ctx context.Context, userID string, m Mirror) error {
	if m == nil {
		return nil
	}
	w := s.window(userID)
	w.mu.RLock()
	done := w.hydrated
	w.mu.RUnlock()
	if done {
		return nil
	}

	loaded, err := m.Load(ctx, userID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hydrated {
		return nil
	}
	w.hydrated = true
	if len(w.entries) == 0 && len(loaded) > 0 {
		// Mirrored entries age from their recorded time.
		for _, tx := range loaded {
			w.entries = append(w.entries, entry{tx: tx, at: tx.CreatedAt})
		}
		s.prune(w)
	}
	return nil
}

func (s *Store) window(userID string) *userWindow {
	v, _ := s.windows.LoadOrStore(userID, &userWindow{})
	return v.(*userWindow)
}

// prune drops entries older than MaxAge and caps at MaxEntries, always from
// the oldest end (caller holds the write lock).
func (s *Store) prune(w *userWindow) {
	if s.opts.MaxAge > 0 {
		cutoff := s.opts.Now().Add(-s.opts.MaxAge)
		start := 0
		for start < len(w.entries) && w.entries[start].at.Before(cutoff) {
			start++
		}
		if start > 0 {
			w.entries = append([]entry(nil), w.entries[start:]...)
		}
	}
	if s.opts.MaxEntries > 0 && len(w.entries) > s.opts.MaxEntries {
		w.entries = append([]entry(nil), w.entries[len(w.entries)-s.opts.MaxEntries:]...)
	}
}

// Package health reports the state of the decision service's dependencies:
// the learning-log database, the Redis mirror and the fraud scorer.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one dependency probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes a single dependency.
type Checker func(ctx context.Context) Status

// Registry runs the registered probes in parallel. Results keep
// registration order so /health output is stable between calls.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Checker
}

// NewRegistry returns an empty registry. An empty registry is healthy.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Checker)}
}

// Register adds a probe. Registering a name twice replaces the earlier probe
// and keeps its original position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.probes[name]; !dup {
		r.names = append(r.names, name)
	}
	r.probes[name] = check
}

// Names lists registered probes in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// CheckAll runs every probe concurrently and waits for all of them. A probe
// that returns without a name is labelled with its registered name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	probes := make([]Checker, len(names))
	for i, n := range names {
		probes[i] = r.probes[n]
	}
	r.mu.RUnlock()

	statuses = make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			st := probes[i](ctx)
			if st.Name == "" {
				st.Name = names[i]
			}
			st.LatencyMS = time.Since(start).Milliseconds()
			statuses[i] = st
		}(i)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}
	return healthy, statuses
}

// Package health runs named subsystem probes for the readiness endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status is one subsystem's verdict.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It must respect ctx's deadline.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker under name, replacing any previous one.
// Registration order is preserved in CheckAll's output.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; !exists {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll probes every subsystem concurrently, so one slow dependency
// cannot eat the whole deadline. It reports the aggregate verdict plus
// the individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make(map[string]Checker, len(r.checks))
	for n, c := range r.checks {
		checks[n] = c
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string, check Checker) {
			defer wg.Done()
			statuses[i] = probe(ctx, name, check)
		}(i, name, checks[name])
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// probe shields CheckAll from a panicking checker; a probe that cannot
// run counts as unhealthy, not as a crashed readiness endpoint.
func probe(ctx context.Context, name string, check Checker) (st Status) {
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Name: name, Healthy: false, Detail: fmt.Sprintf("check panicked: %v", rec)}
		}
	}()
	return check(ctx)
}

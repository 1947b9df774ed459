package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunningQuery describes one execution currently in flight.
type RunningQuery struct {
	ID        string    `json:"id"`
	Database  string    `json:"database"`
	SQL       string    `json:"sql"`
	StartedAt time.Time `json:"startedAt"`
}

// Registry tracks in-flight executions so they can be listed and
// cancelled by id. Client disconnects never go through the registry;
// cancellation here is an explicit administrative action.
type Registry struct {
	mu      sync.Mutex
	running map[string]*runningEntry
}

type runningEntry struct {
	info   RunningQuery
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]*runningEntry)}
}

// Add registers an execution and returns its id.
func (r *Registry) Add(database, sql string, cancel context.CancelFunc) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.running[id] = &runningEntry{
		info: RunningQuery{
			ID:        id,
			Database:  database,
			SQL:       sql,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	r.mu.Unlock()
	return id
}

// Remove deregisters a finished execution.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

// Cancel aborts the execution with the given id. Returns false if no such
// execution is running.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	entry, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// List returns the running executions, oldest first.
func (r *Registry) List() []RunningQuery {
	r.mu.Lock()
	out := make([]RunningQuery, 0, len(r.running))
	for _, e := range r.running {
		out = append(out, e.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of running executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

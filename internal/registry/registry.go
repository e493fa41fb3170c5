// Package registry tracks the actors a host knows about: their static
// definition and their latest runtime state.
package registry

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/internal/observe"
	"github.com/rendis/agentloom/internal/security"
	"github.com/rendis/agentloom/pkg/schema"
)

// Status is an actor's runtime status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
	StatusOffline Status = "offline"
)

var validStatuses = map[Status]bool{
	StatusIdle:    true,
	StatusRunning: true,
	StatusError:   true,
	StatusStopped: true,
	StatusOffline: true,
}

// Resources is used both for limits and for observed usage.
type Resources struct {
	CPU        float64 `json:"cpu,omitempty" yaml:"cpu"`
	Memory     float64 `json:"memory,omitempty" yaml:"memory"`
	NetworkIn  float64 `json:"network_in,omitempty" yaml:"network_in"`
	NetworkOut float64 `json:"network_out,omitempty" yaml:"network_out"`
}

// Definition is the static description of an actor.
type Definition struct {
	ID             string                `json:"id" yaml:"id"`
	Name           string                `json:"name" yaml:"name"`
	Capabilities   []security.Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	Metadata       map[string]any        `json:"metadata,omitempty" yaml:"metadata"`
	Singleton      bool                  `json:"singleton,omitempty" yaml:"singleton"`
	MaxInstances   int                   `json:"max_instances,omitempty" yaml:"max_instances"`
	ResourceLimits *Resources            `json:"resource_limits,omitempty" yaml:"resource_limits"`
}

// State is the runtime state of an actor.
type State struct {
	Status        Status     `json:"status"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Error         string     `json:"error,omitempty"`
	ResourceUsage *Resources `json:"resource_usage,omitempty"`
}

// Entry pairs a definition with its current state.
type Entry struct {
	Definition Definition `json:"definition"`
	State      State      `json:"state"`
}

// EventType names a registry change.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventStateChanged EventType = "state_changed"
)

// Event describes a registry change. Entry is a copy taken at emit time and
// is nil for unregistered events.
type Event struct {
	Type    EventType
	ActorID string
	Entry   *Entry
}

// Registry is safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string

	observers observe.List[Event]
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logging.OrDiscard(logger).With(slog.String("component", "registry")),
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Subscribe registers fn for registry changes.
func (r *Registry) Subscribe(fn func(Event)) func() {
	return r.observers.Subscribe(fn)
}

// Register adds def or replaces the definition of an actor with the same id,
// keeping its runtime state. Re-registering as a singleton is a CONFLICT.
// New actors start offline.
func (r *Registry) Register(def Definition) (Entry, error) {
	if def.ID == "" {
		return Entry{}, schema.NewError(schema.ErrCodeValidation, "actor id is required")
	}

	r.mu.Lock()
	existing, ok := r.entries[def.ID]
	if ok && def.Singleton {
		r.mu.Unlock()
		return Entry{}, schema.NewErrorf(schema.ErrCodeConflict, "actor %s already registered as singleton", def.ID)
	}
	entry := &Entry{Definition: def}
	if ok {
		entry.State = existing.State
	} else {
		entry.State = State{Status: StatusOffline, UpdatedAt: r.now()}
		r.order = append(r.order, def.ID)
	}
	r.entries[def.ID] = entry
	snapshot := *entry
	r.mu.Unlock()

	r.logger.Info("actor registered", slog.String("actor_id", def.ID), slog.Bool("replaced", ok))
	r.observers.Emit(Event{Type: EventRegistered, ActorID: def.ID, Entry: &snapshot})
	return snapshot, nil
}

// Unregister removes an actor. It reports whether the actor existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.order = slices.DeleteFunc(r.order, func(o string) bool { return o == id })
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("actor unregistered", slog.String("actor_id", id))
		r.observers.Emit(Event{Type: EventUnregistered, ActorID: id})
	}
	return ok
}

// UpdateState applies fn to the actor's state and stamps UpdatedAt.
func (r *Registry) UpdateState(id string, fn func(*State)) (State, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return State{}, schema.NewErrorf(schema.ErrCodeNotFound, "actor %s is not registered", id)
	}
	next := entry.State
	fn(&next)
	if !validStatuses[next.Status] {
		r.mu.Unlock()
		return State{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid actor status %q", next.Status)
	}
	next.UpdatedAt = r.now()
	entry.State = next
	snapshot := *entry
	r.mu.Unlock()

	r.observers.Emit(Event{Type: EventStateChanged, ActorID: id, Entry: &snapshot})
	return next, nil
}

// SetStatus sets the status and error message. An empty errMsg clears the
// previous error.
func (r *Registry) SetStatus(id string, status Status, errMsg string) (State, error) {
	return r.UpdateState(id, func(s *State) {
		s.Status = status
		s.Error = errMsg
	})
}

// UpdateResources records observed resource usage.
func (r *Registry) UpdateResources(id string, usage Resources) (State, error) {
	return r.UpdateState(id, func(s *State) {
		s.ResourceUsage = &usage
	})
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns copies of all entries in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	return out
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Package session tracks conversation sessions: a TTL, a small context map and
// the actors currently attached. Expired sessions behave as if deleted.
package session

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentloom/pkg/schema"
)

// Session is a copy of a session record. Mutating it does not affect the store.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	TTL       time.Duration  `json:"ttl,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Context   map[string]any `json:"context"`
	Actors    []string       `json:"actors"`
}

type record struct {
	id        string
	createdAt time.Time
	ttl       time.Duration
	expiresAt time.Time // zero: never expires
	context   map[string]any
	actors    map[string]struct{}
}

func (r *record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

func (r *record) snapshot() Session {
	s := Session{
		ID:        r.id,
		CreatedAt: r.createdAt,
		TTL:       r.ttl,
		Context:   maps.Clone(r.context),
		Actors:    slices.Sorted(maps.Keys(r.actors)),
	}
	if !r.expiresAt.IsZero() {
		at := r.expiresAt
		s.ExpiresAt = &at
	}
	return s
}

// Store is an in-memory session store, safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*record
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*record), now: time.Now}
}

// Create starts a session with a random ID. A ttl of zero or less never
// expires. seed is copied into the session context.
func (s *Store) Create(ttl time.Duration, seed map[string]any) Session {
	return s.create(uuid.NewString(), ttl, seed)
}

// Open returns the live session id, creating it with ttl when it does not
// exist or has expired.
func (s *Store) Open(id string, ttl time.Duration) (Session, error) {
	if id == "" {
		return Session{}, schema.NewError(schema.ErrCodeValidation, "session id is required")
	}
	s.mu.Lock()
	if r, ok := s.live(id); ok {
		out := r.snapshot()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()
	return s.create(id, ttl, nil), nil
}

func (s *Store) create(id string, ttl time.Duration, seed map[string]any) Session {
	now := s.now()
	r := &record{
		id:        id,
		createdAt: now,
		context:   make(map[string]any, len(seed)),
		actors:    make(map[string]struct{}),
	}
	maps.Copy(r.context, seed)
	if ttl > 0 {
		r.ttl = ttl
		r.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.sessions[id] = r
	s.mu.Unlock()
	return r.snapshot()
}

// Get returns the session, or false when it is unknown or expired.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.live(id)
	if !ok {
		return Session{}, false
	}
	return r.snapshot(), true
}

// Attach records actorID as a participant of the session.
func (s *Store) Attach(id, actorID string) error {
	return s.update(id, func(r *record) { r.actors[actorID] = struct{}{} })
}

// Detach removes actorID from the session.
func (s *Store) Detach(id, actorID string) error {
	return s.update(id, func(r *record) { delete(r.actors, actorID) })
}

// SetContext stores value under key in the session context.
func (s *Store) SetContext(id, key string, value any) error {
	return s.update(id, func(r *record) { r.context[key] = value })
}

// GetContext returns the context value stored under key.
func (s *Store) GetContext(id, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.require(id)
	if err != nil {
		return nil, false, err
	}
	v, ok := r.context[key]
	return v, ok, nil
}

// Extend resets the session's expiry to ttl from now. A ttl of zero or less
// makes it permanent.
func (s *Store) Extend(id string, ttl time.Duration) error {
	now := s.now()
	return s.update(id, func(r *record) {
		if ttl <= 0 {
			r.ttl, r.expiresAt = 0, time.Time{}
			return
		}
		r.ttl = ttl
		r.expiresAt = now.Add(ttl)
	})
}

// Delete removes the session. Unknown IDs are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Sweep drops every expired session and returns their IDs, sorted.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var expired []string
	for id, r := range s.sessions {
		if r.expired(now) {
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	return expired
}

// List sweeps, then returns the live sessions ordered by creation time.
func (s *Store) List() []Session {
	s.Sweep()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, r := range s.sessions {
		out = append(out, r.snapshot())
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) update(id string, fn func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.require(id)
	if err != nil {
		return err
	}
	fn(r)
	return nil
}

// live returns the record for id, dropping it if it has expired. Callers hold mu.
func (s *Store) live(id string) (*record, bool) {
	r, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if r.expired(s.now()) {
		delete(s.sessions, id)
		return nil, false
	}
	return r, true
}

// require is live with NOT_FOUND errors. Callers hold mu.
func (s *Store) require(id string) (*record, error) {
	if _, known := s.sessions[id]; !known {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown session %s", id)
	}
	r, ok := s.live(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %s is expired", id).
			WithDetails(map[string]any{"expired": true})
	}
	return r, nil
}

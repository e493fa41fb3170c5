package contextstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Values are stored as given; snapshots
// copy the namespace map but not the values inside it.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string]any)}
}

func (s *MemoryStore) Set(_ context.Context, namespace, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]any)
		s.namespaces[namespace] = ns
	}
	ns[key] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.namespaces[namespace][key]
	return v, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.namespaces, namespace)
	}
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, namespace string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := make(map[string]any, len(s.namespaces[namespace]))
	for k, v := range s.namespaces[namespace] {
		data[k] = v
	}
	return &Snapshot{
		ID:        uuid.NewString(),
		Namespace: namespace,
		CreatedAt: time.Now(),
		Data:      data,
	}, nil
}

func (s *MemoryStore) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.namespaces = make(map[string]map[string]any)
	s.mu.Unlock()
	return nil
}

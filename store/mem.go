package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store used by tests and by single-process
// demos; it implements the exact same CAS contract a real backing store
// must honor, so components written against Store behave identically.
type MemStore struct {
	mu       sync.Mutex
	entries  map[string]*StoredEntry
	sessions map[string]*StoredSession
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries:  make(map[string]*StoredEntry),
		sessions: make(map[string]*StoredSession),
	}
}

func (m *MemStore) GetEntry(_ context.Context, path string) (*StoredEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemStore) TryUpdateEntry(_ context.Context, old, newEntry *StoredEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.entries[newEntry.Path]
	if old == nil {
		if exists {
			return &ErrConflict{Current: current.Clone()}
		}
	} else {
		if !exists || current.StorageVersion != old.StorageVersion {
			var cur interface{}
			if exists {
				cur = current.Clone()
			}
			return &ErrConflict{Current: cur}
		}
	}

	next := newEntry.Clone()
	next.StorageVersion++
	m.entries[next.Path] = next
	return nil
}

func (m *MemStore) DeleteEntry(_ context.Context, old *StoredEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.entries[old.Path]
	if !exists {
		return ErrNotFound
	}
	if current.StorageVersion != old.StorageVersion {
		return &ErrConflict{Current: current.Clone()}
	}
	delete(m.entries, old.Path)
	return nil
}

func (m *MemStore) GetSession(_ context.Context, key string) (*StoredSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemStore) TryUpdateSession(_ context.Context, old, newSession *StoredSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.sessions[newSession.Key]
	if old == nil {
		if exists {
			return &ErrConflict{Current: current.Clone()}
		}
	} else {
		if !exists || current.StorageVersion != old.StorageVersion {
			var cur interface{}
			if exists {
				cur = current.Clone()
			}
			return &ErrConflict{Current: cur}
		}
	}

	next := newSession.Clone()
	next.StorageVersion++
	m.sessions[next.Key] = next
	return nil
}

func (m *MemStore) DeleteSession(_ context.Context, old *StoredSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.sessions[old.Key]
	if !exists {
		return ErrNotFound
	}
	if current.StorageVersion != old.StorageVersion {
		return &ErrConflict{Current: current.Clone()}
	}
	delete(m.sessions, old.Key)
	return nil
}

func (m *MemStore) ListSessions(_ context.Context) ([]*StoredSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*StoredSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *MemStore) Close() error { return nil }

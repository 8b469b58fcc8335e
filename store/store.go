package store

import (
	"context"
	"errors"
)

// ErrConflict is returned by a try_* method when the caller's comparand
// storage_version doesn't match the stored one; Current holds the actual
// stored snapshot so the caller can retry (spec.md §4.2).
type ErrConflict struct {
	Current interface{} // *StoredEntry or *StoredSession
}

func (e *ErrConflict) Error() string { return "store: compare-and-swap conflict" }

// ErrNotFound is returned by get/delete of a missing key.
var ErrNotFound = errors.New("store: not found")

// Store is the backing-store adapter capability required by the rest of
// the coordination core (spec.md §4.2, §6): conditional reads and writes
// over stored entries and session records, addressed by escaped path
// string / session id string (spec.md §6 "Persisted layout"). Durability
// and replication are the store's concern, not the caller's.
type Store interface {
	GetEntry(ctx context.Context, path string) (*StoredEntry, error)
	// TryUpdateEntry creates or updates the entry at new.Path. old is nil
	// to create; otherwise old must be the snapshot the caller last read,
	// and the update only applies if the stored storage_version still
	// matches old.StorageVersion. On conflict, returns *ErrConflict with
	// the current stored snapshot.
	TryUpdateEntry(ctx context.Context, old, new *StoredEntry) error
	DeleteEntry(ctx context.Context, old *StoredEntry) error

	GetSession(ctx context.Context, key string) (*StoredSession, error)
	TryUpdateSession(ctx context.Context, old, new *StoredSession) error
	DeleteSession(ctx context.Context, old *StoredSession) error
	ListSessions(ctx context.Context) ([]*StoredSession, error)

	Close() error
}

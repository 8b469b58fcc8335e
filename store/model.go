// Package store defines the persisted records (spec.md §3) and the
// backing-store adapter capability (spec.md §4.2) that the rest of the
// coordination core is built against. The adapter owns the persisted
// form; every other component only ever holds an immutable in-memory
// snapshot and mutates it by building a new snapshot and attempting a
// CAS, matching spec.md §9's "Ownership and cycles" redesign note.
package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

// StoredEntry is an immutable snapshot of one entry, keyed by Path (spec.md
// §3). Mutating methods return a new StoredEntry; the receiver is never
// modified.
type StoredEntry struct {
	Path           string
	Value          []byte
	Version        uint64
	StorageVersion uint64
	ReadLocks      map[string]struct{}
	WriteLock      string // "" means no write-lock held
	CreationTime   time.Time
	LastWriteTime  time.Time
	Children       *childSet
	EphemeralOwner string // "" means not ephemeral
}

// NewEntry constructs a fresh, lock-free, non-ephemeral entry for path at
// creation time now, per CreateAsync (spec.md §4.9).
func NewEntry(path string, value []byte, now time.Time) *StoredEntry {
	return &StoredEntry{
		Path:          path,
		Value:         value,
		Version:       1,
		CreationTime:  now,
		LastWriteTime: now,
		ReadLocks:     map[string]struct{}{},
		Children:      newChildSet(),
	}
}

// Clone returns a deep-enough copy of e suitable as the basis for a
// mutation (invariant 2: every accepted mutation bumps Version and/or
// StorageVersion on the clone, never on e).
func (e *StoredEntry) Clone() *StoredEntry {
	if e == nil {
		return nil
	}
	rl := make(map[string]struct{}, len(e.ReadLocks))
	for k := range e.ReadLocks {
		rl[k] = struct{}{}
	}
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	return &StoredEntry{
		Path:           e.Path,
		Value:          value,
		Version:        e.Version,
		StorageVersion: e.StorageVersion,
		ReadLocks:      rl,
		WriteLock:      e.WriteLock,
		CreationTime:   e.CreationTime,
		LastWriteTime:  e.LastWriteTime,
		Children:       e.Children.Clone(),
		EphemeralOwner: e.EphemeralOwner,
	}
}

// HasReadLock reports whether session holds a read-lock.
func (e *StoredEntry) HasReadLock(session string) bool {
	_, ok := e.ReadLocks[session]
	return ok
}

// IsEphemeral reports whether e has an owning session.
func (e *StoredEntry) IsEphemeral() bool { return e.EphemeralOwner != "" }

// entryWire is the on-the-wire/on-disk shape of StoredEntry: children
// flattened to a sorted slice (the childSet btree itself isn't
// cbor-serializable).
type entryWire struct {
	Path           string              `cbor:"path"`
	Value          []byte              `cbor:"value"`
	Compressed     bool                `cbor:"compressed"`
	Version        uint64              `cbor:"version"`
	StorageVersion uint64              `cbor:"storage_version"`
	ReadLocks      []string            `cbor:"read_locks"`
	WriteLock      string              `cbor:"write_lock"`
	CreationTime   time.Time           `cbor:"creation_time"`
	LastWriteTime  time.Time           `cbor:"last_write_time"`
	Children       []string            `cbor:"children"`
	EphemeralOwner string              `cbor:"ephemeral_owner"`
}

// snappyThreshold is the value size at or above which MarshalCBOR compresses the
// value with snappy before storage, trading a small CPU cost for less
// space in the backing store for large entries.
const snappyThreshold = 256

// MarshalCBOR serializes e into its persisted/wire CBOR form.
func (e *StoredEntry) MarshalCBOR() ([]byte, error) {
	w := entryWire{
		Path:           e.Path,
		Value:          e.Value,
		Version:        e.Version,
		StorageVersion: e.StorageVersion,
		WriteLock:      e.WriteLock,
		CreationTime:   e.CreationTime,
		LastWriteTime:  e.LastWriteTime,
		Children:       e.Children.List(),
		EphemeralOwner: e.EphemeralOwner,
	}
	for s := range e.ReadLocks {
		w.ReadLocks = append(w.ReadLocks, s)
	}
	if len(e.Value) >= snappyThreshold {
		w.Value = snappy.Encode(nil, e.Value)
		w.Compressed = true
	}
	return cbor.Marshal(&w)
}

// UnmarshalEntry deserializes a CBOR-encoded StoredEntry.
func UnmarshalEntry(data []byte) (*StoredEntry, error) {
	var w entryWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	value := w.Value
	if w.Compressed {
		decoded, err := snappy.Decode(nil, w.Value)
		if err != nil {
			return nil, err
		}
		value = decoded
	}
	rl := make(map[string]struct{}, len(w.ReadLocks))
	for _, s := range w.ReadLocks {
		rl[s] = struct{}{}
	}
	return &StoredEntry{
		Path:           w.Path,
		Value:          value,
		Version:        w.Version,
		StorageVersion: w.StorageVersion,
		ReadLocks:      rl,
		WriteLock:      w.WriteLock,
		CreationTime:   w.CreationTime,
		LastWriteTime:  w.LastWriteTime,
		Children:       childSetFromSlice(w.Children),
		EphemeralOwner: w.EphemeralOwner,
	}, nil
}

// StoredSession is an immutable snapshot of one session record (spec.md
// §3). Entries is the set of paths this session ephemerally owns.
// PeerAddress is the transport address of the node that allocated this
// session, registered at AllocateLocalSession time so any other node
// sharing the store can route a directed message (InvalidateCacheEntry) to
// this session's owner; empty if the allocating node wasn't configured
// with one.
type StoredSession struct {
	Key            string
	LeaseEnd       time.Time
	StorageVersion uint64
	Terminated     bool // explicit local/remote termination, distinct from lease expiry
	Entries        map[string]struct{}
	PeerAddress    string
}

// NewSession constructs a fresh session with lease_end = now+leaseDuration
// (spec.md §4.3).
func NewSession(key string, now time.Time, leaseDuration time.Duration) *StoredSession {
	return &StoredSession{
		Key:      key,
		LeaseEnd: now.Add(leaseDuration),
		Entries:  map[string]struct{}{},
	}
}

// Clone returns a copy of s suitable as the basis for a mutation.
func (s *StoredSession) Clone() *StoredSession {
	if s == nil {
		return nil
	}
	entries := make(map[string]struct{}, len(s.Entries))
	for k := range s.Entries {
		entries[k] = struct{}{}
	}
	return &StoredSession{
		Key:            s.Key,
		LeaseEnd:       s.LeaseEnd,
		StorageVersion: s.StorageVersion,
		Terminated:     s.Terminated,
		Entries:        entries,
		PeerAddress:    s.PeerAddress,
	}
}

// Ended reports whether s is ended as of now: explicitly terminated, or
// the lease has expired (spec.md §3 invariant: "ended == true iff the
// session was explicitly terminated or the current clock is >= lease_end").
func (s *StoredSession) Ended(now time.Time) bool {
	return s.Terminated || !now.Before(s.LeaseEnd)
}

type sessionWire struct {
	Key            string    `cbor:"key"`
	LeaseEnd       time.Time `cbor:"lease_end"`
	StorageVersion uint64    `cbor:"storage_version"`
	Terminated     bool      `cbor:"terminated"`
	Entries        []string  `cbor:"entries"`
	PeerAddress    string    `cbor:"peer_address"`
}

// MarshalCBOR serializes s into its persisted/wire CBOR form.
func (s *StoredSession) MarshalCBOR() ([]byte, error) {
	w := sessionWire{
		Key:            s.Key,
		LeaseEnd:       s.LeaseEnd,
		StorageVersion: s.StorageVersion,
		Terminated:     s.Terminated,
		PeerAddress:    s.PeerAddress,
	}
	for p := range s.Entries {
		w.Entries = append(w.Entries, p)
	}
	return cbor.Marshal(&w)
}

// UnmarshalSession deserializes a CBOR-encoded StoredSession.
func UnmarshalSession(data []byte) (*StoredSession, error) {
	var w sessionWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	entries := make(map[string]struct{}, len(w.Entries))
	for _, p := range w.Entries {
		entries[p] = struct{}{}
	}
	return &StoredSession{
		Key:            w.Key,
		LeaseEnd:       w.LeaseEnd,
		StorageVersion: w.StorageVersion,
		Terminated:     w.Terminated,
		Entries:        entries,
		PeerAddress:    w.PeerAddress,
	}, nil
}

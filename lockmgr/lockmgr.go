// Package lockmgr implements the lock manager (spec.md §4.7): write-lock
// and read-lock acquisition/release over stored entries, composing a
// local in-process write-intent with the distributed CAS protocol and the
// dead-holder rule.
package lockmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimbusdb/coord/coorderr"
	"github.com/nimbusdb/coord/exchange"
	"github.com/nimbusdb/coord/session"
	"github.com/nimbusdb/coord/store"
	"github.com/nimbusdb/coord/waitmgr"
)

// SortPaths returns paths in path-lexicographic order: the lock ordering
// every multi-path facade operation (CreateAsync, DeleteAsync) must
// acquire in to avoid cross-operation deadlock. A parent path is always a
// strict prefix of its children's formatted string, so sorting
// lexicographically always yields parent-before-child for free.
func SortPaths(paths []string) []string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return sorted
}

// Manager implements the four public lock operations of spec.md §4.7.
type Manager struct {
	store    store.Store
	sessions *session.Manager
	wait     *waitmgr.Manager
	exchange *exchange.Manager
	intents  *localIntents

	mu       sync.Mutex
	releases map[string][]func() bool // path -> stack of pending local-intent releases

	// OnWriteLockAcquired and OnReadLockAcquired, if set, are invoked with
	// the wall-clock time a successful acquisition took, for cmd/coordnode
	// to bridge into its prometheus histograms without this package
	// depending on metrics.
	OnWriteLockAcquired func(time.Duration)
	OnReadLockAcquired  func(time.Duration)
}

// New constructs a lock manager.
func New(st store.Store, sessions *session.Manager, wait *waitmgr.Manager, xchg *exchange.Manager) *Manager {
	return &Manager{
		store:    st,
		sessions: sessions,
		wait:     wait,
		exchange: xchg,
		intents:  newLocalIntents(),
		releases: make(map[string][]func() bool),
	}
}

func (m *Manager) pushRelease(path string, r func() bool) {
	m.mu.Lock()
	m.releases[path] = append(m.releases[path], r)
	m.mu.Unlock()
}

func (m *Manager) popRelease(path string) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := m.releases[path]
	if len(stack) == 0 {
		return func() bool { return true }
	}
	last := stack[len(stack)-1]
	m.releases[path] = stack[:len(stack)-1]
	if len(m.releases[path]) == 0 {
		delete(m.releases, path)
	}
	return last
}

func isConflict(err error) bool {
	_, ok := err.(*store.ErrConflict)
	return ok
}

// AcquireWriteLock implements spec.md §4.7's write-lock acquisition state
// machine for an already-existing entry at path. Re-entrant acquisition by
// the same session is a no-op success (returns the current snapshot
// without re-running the distributed protocol).
func (m *Manager) AcquireWriteLock(ctx context.Context, path, self string) (*store.StoredEntry, error) {
	start := time.Now()
	release, reentrant, err := m.intents.acquire(ctx, path, self)
	if err != nil {
		return nil, err
	}
	m.pushRelease(path, release)

	if reentrant {
		entry, err := m.store.GetEntry(ctx, path)
		if err != nil {
			m.popRelease(path)()
			return nil, err
		}
		return entry, nil
	}

	entry, err := m.announce(ctx, path, self)
	if err != nil {
		m.popRelease(path)()
		return nil, err
	}

	drained, err := m.drainReaders(ctx, entry, self)
	if err != nil {
		// The announce CAS already committed in the store (no partial
		// rollback of a completed CAS, spec.md §5); release only the
		// local intent so other local callers aren't blocked behind a
		// cancelled caller. The distributed write_lock stays self until
		// an explicit ReleaseWriteLock or the dead-holder rule reclaims it.
		m.popRelease(path)()
		return nil, err
	}
	if m.OnWriteLockAcquired != nil {
		m.OnWriteLockAcquired(time.Since(start))
	}
	return drained, nil
}

// announce performs step 2: wait until path's write-lock is free or
// already self, applying the dead-holder rule, then CAS it to self.
func (m *Manager) announce(ctx context.Context, path, self string) (*store.StoredEntry, error) {
	for {
		entry, err := m.wait.WaitForWriteLockRelease(ctx, path, self, true)
		if err != nil {
			return nil, err
		}
		if entry.WriteLock == self {
			return entry, nil
		}

		next := entry.Clone()
		next.WriteLock = self
		if err := m.store.TryUpdateEntry(ctx, entry, next); err != nil {
			if isConflict(err) {
				continue
			}
			return nil, coorderr.ErrStoreFailure
		}
		next.StorageVersion = entry.StorageVersion + 1
		return next, nil
	}
}

// drainReaders performs step 3: invalidate every current read-lock holder
// and wait until a fresh snapshot shows no read-locks, CAS-removing any
// holder discovered to be a dead session along the way (dead-holder rule,
// spec.md §4.7).
func (m *Manager) drainReaders(ctx context.Context, entry *store.StoredEntry, self string) (*store.StoredEntry, error) {
	for holder := range entry.ReadLocks {
		if err := m.exchange.SendInvalidateCacheEntry(ctx, entry.Path, holder); err != nil {
			return nil, coorderr.ErrTransportFailure
		}
	}

	for {
		snap, err := m.wait.WaitForReadLocksRelease(ctx, entry.Path)
		if err != nil {
			return nil, err
		}
		if len(snap.ReadLocks) == 0 {
			return snap, nil
		}

		removedOne := false
		for holder := range snap.ReadLocks {
			alive, err := m.sessions.IsAlive(ctx, holder)
			if err != nil {
				return nil, err
			}
			if alive {
				continue
			}
			next := snap.Clone()
			delete(next.ReadLocks, holder)
			if casErr := m.store.TryUpdateEntry(ctx, snap, next); casErr == nil {
				removedOne = true
			}
			break
		}
		_ = removedOne // either way, loop back and re-check a fresh snapshot
	}
}

// ReleaseWriteLock implements write-lock release (spec.md §4.7). On a
// re-entrant hold, only the release of the outermost AcquireWriteLock call
// (the last release) actually clears the distributed lock; inner releases
// return the passed snapshot unchanged.
func (m *Manager) ReleaseWriteLock(ctx context.Context, entry *store.StoredEntry) (*store.StoredEntry, error) {
	fullyReleased := m.popRelease(entry.Path)()
	if !fullyReleased {
		return entry, nil
	}

	current := entry
	for {
		next := current.Clone()
		next.WriteLock = ""
		err := m.store.TryUpdateEntry(ctx, current, next)
		if err == nil {
			next.StorageVersion = current.StorageVersion + 1
			if sendErr := m.exchange.SendWriteLockReleased(ctx, entry.Path); sendErr != nil {
				return next, coorderr.ErrTransportFailure
			}
			return next, nil
		}
		conflict, ok := err.(*store.ErrConflict)
		if !ok {
			return nil, coorderr.ErrStoreFailure
		}
		if conflict.Current == nil {
			return nil, coorderr.ErrEntryNotFound
		}
		current = conflict.Current.(*store.StoredEntry)
		if current.WriteLock != entry.WriteLock {
			// Someone else already cleared or reclaimed it (e.g. GC / a
			// concurrent dead-holder reclaim); nothing left for us to do.
			return current, nil
		}
	}
}

// AcquireReadLock implements read-lock acquisition (spec.md §4.7).
// Acquiring a read-lock while self already holds the write-lock returns
// without modifying locks, per spec.md's stated edge case.
func (m *Manager) AcquireReadLock(ctx context.Context, path, self string) (*store.StoredEntry, error) {
	start := time.Now()
	for {
		entry, err := m.wait.WaitForWriteLockRelease(ctx, path, self, true)
		if err != nil {
			return nil, err
		}
		if entry.WriteLock == self {
			return entry, nil
		}
		if entry.HasReadLock(self) {
			return entry, nil
		}

		next := entry.Clone()
		next.ReadLocks[self] = struct{}{}
		if err := m.store.TryUpdateEntry(ctx, entry, next); err != nil {
			if isConflict(err) {
				continue
			}
			return nil, coorderr.ErrStoreFailure
		}
		next.StorageVersion = entry.StorageVersion + 1
		if m.OnReadLockAcquired != nil {
			m.OnReadLockAcquired(time.Since(start))
		}
		return next, nil
	}
}

// ReleaseReadLock implements read-lock release (spec.md §4.7) for self's
// hold on entry.Path.
func (m *Manager) ReleaseReadLock(ctx context.Context, entry *store.StoredEntry, self string) (*store.StoredEntry, error) {
	current := entry
	for {
		if !current.HasReadLock(self) {
			return current, nil
		}
		next := current.Clone()
		delete(next.ReadLocks, self)
		err := m.store.TryUpdateEntry(ctx, current, next)
		if err == nil {
			next.StorageVersion = current.StorageVersion + 1
			if sendErr := m.exchange.SendReadLockReleased(ctx, entry.Path); sendErr != nil {
				return next, coorderr.ErrTransportFailure
			}
			return next, nil
		}
		conflict, ok := err.(*store.ErrConflict)
		if !ok {
			return nil, coorderr.ErrStoreFailure
		}
		if conflict.Current == nil {
			return nil, coorderr.ErrEntryNotFound
		}
		current = conflict.Current.(*store.StoredEntry)
	}
}

// AcquireCreateIntent gives the caller exclusive local (in-process) rights
// to create path, without touching the backing store: a not-yet-existing
// path has no StoredEntry to CAS a write_lock field onto, so CreateAsync
// uses this in place of AcquireWriteLock for the entry being created
// itself (it still takes a full AcquireWriteLock on the parent, which does
// exist). Returns a release func to call once the create (or its failure)
// is resolved.
func (m *Manager) AcquireCreateIntent(ctx context.Context, path, self string) (func(), error) {
	release, _, err := m.intents.acquire(ctx, path, self)
	if err != nil {
		return nil, err
	}
	return func() { release() }, nil
}

// ReleaseWriteLockForDeletedEntry releases only the local write-intent on
// path, without attempting any store CAS: used after the entry's row has
// already been removed from the store (DeleteAsync), where the normal
// ReleaseWriteLock would fail trying to CAS a row that no longer exists.
func (m *Manager) ReleaseWriteLockForDeletedEntry(path string) {
	m.popRelease(path)()
}

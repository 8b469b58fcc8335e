// Package waitmgr implements the wait manager (spec.md §4.8): composes the
// session manager and the lock wait directory to block a caller until a
// conflicting lock clears, applying the dead-holder rule so a crashed
// peer's lock does not cause an indefinite wait.
package waitmgr

import (
	"context"

	"github.com/nimbusdb/coord/lockwait"
	"github.com/nimbusdb/coord/session"
	"github.com/nimbusdb/coord/store"
)

// Manager composes a session manager and a wait directory over a shared
// store to implement the two blocking conditions the lock manager needs.
type Manager struct {
	store    store.Store
	sessions *session.Manager
	waiters  *lockwait.Directory
}

// New constructs a wait manager.
func New(st store.Store, sessions *session.Manager, waiters *lockwait.Directory) *Manager {
	return &Manager{store: st, sessions: sessions, waiters: waiters}
}

// WaitForWriteLockRelease blocks until a fresh snapshot of path shows no
// write-lock, or the write-lock is held by self and allowSelf is true
// (spec.md §4.8). It also returns as soon as the holder session is
// observed not-alive (dead-holder rule, §4.7), leaving the caller to
// CAS-remove it. Returns the snapshot that satisfied the condition.
func (m *Manager) WaitForWriteLockRelease(ctx context.Context, path, self string, allowSelf bool) (*store.StoredEntry, error) {
	for {
		entry, err := m.store.GetEntry(ctx, path)
		if err != nil {
			return nil, err
		}
		if entry.WriteLock == "" || (allowSelf && entry.WriteLock == self) {
			return entry, nil
		}

		holder := entry.WriteLock
		alive, err := m.sessions.IsAlive(ctx, holder)
		if err != nil {
			return nil, err
		}
		if !alive {
			return entry, nil
		}

		if err := m.sleepUntilReleaseOrTermination(ctx, path, holder); err != nil {
			return nil, err
		}
	}
}

// WaitForReadLocksRelease blocks until a fresh snapshot of path shows an
// empty read_locks set, OR returns early as soon as any current holder is
// observed not-alive (dead-holder rule, §4.7, §4.8). In the latter case
// the dead holder is still present in the returned snapshot's ReadLocks —
// it is the caller's (lock manager's) job to CAS-remove it and call this
// again, matching "the requester CAS-removes the dead holder ... and
// proceeds".
func (m *Manager) WaitForReadLocksRelease(ctx context.Context, path string) (*store.StoredEntry, error) {
	for {
		entry, err := m.store.GetEntry(ctx, path)
		if err != nil {
			return nil, err
		}
		if len(entry.ReadLocks) == 0 {
			return entry, nil
		}

		holders := make([]string, 0, len(entry.ReadLocks))
		for holder := range entry.ReadLocks {
			holders = append(holders, holder)
		}

		for _, holder := range holders {
			alive, err := m.sessions.IsAlive(ctx, holder)
			if err != nil {
				return nil, err
			}
			if !alive {
				return entry, nil
			}
		}

		if err := m.sleepUntilAnyReleaseOrTermination(ctx, path, holders); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) sleepUntilReleaseOrTermination(ctx context.Context, path, holder string) error {
	return m.sleepUntilAnyReleaseOrTermination(ctx, path, []string{holder})
}

// sleepUntilAnyReleaseOrTermination blocks until a wait-directory
// notification or a termination signal fires for any one of holders on
// path, or ctx is cancelled.
func (m *Manager) sleepUntilAnyReleaseOrTermination(ctx context.Context, path string, holders []string) error {
	woken := make(chan struct{}, 1)
	wake := func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	}

	for _, holder := range holders {
		waitCh, cancelWait := m.waiters.Subscribe(path, holder)
		defer cancelWait()
		termCh, termSub := m.sessions.WaitForTermination(ctx, holder)
		defer m.sessions.Unsubscribe(holder, termSub)

		go func() {
			select {
			case <-waitCh:
				wake()
			case <-termCh:
				wake()
			case <-ctx.Done():
			}
		}()
	}

	select {
	case <-woken:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

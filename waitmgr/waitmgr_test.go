package waitmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/coord/common/backoffutil"
	"github.com/nimbusdb/coord/common/clock"
	"github.com/nimbusdb/coord/lockwait"
	"github.com/nimbusdb/coord/session"
	"github.com/nimbusdb/coord/store"
)

func newHarness(t *testing.T) (*Manager, store.Store, *session.Manager, *lockwait.Directory) {
	st := store.NewMemStore()
	clk, _ := clock.NewMock()
	sessCfg := session.Config{
		LeaseDuration: time.Minute,
		RenewInterval: 20 * time.Second,
		SafetyMargin:  5 * time.Second,
		PollInterval:  10 * time.Millisecond,
		Backoff:       backoffutil.Policy{Initial: time.Millisecond, Max: 10 * time.Millisecond, MaxElapsed: time.Second},
	}
	sessions := session.NewManager(st, clk, sessCfg, "")
	waiters := lockwait.New()
	return New(st, sessions, waiters), st, sessions, waiters
}

func TestWaitForWriteLockReleaseReturnsImmediatelyWhenUnlocked(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newHarness(t)

	require.NoError(t, st.TryUpdateEntry(ctx, nil, store.NewEntry("/a", nil, time.Now())))
	entry, err := m.WaitForWriteLockRelease(ctx, "/a", "self", false)
	require.NoError(t, err)
	require.Equal(t, "", entry.WriteLock)
}

func TestWaitForWriteLockReleaseAllowsSelf(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newHarness(t)

	e := store.NewEntry("/a", nil, time.Now())
	require.NoError(t, st.TryUpdateEntry(ctx, nil, e))
	current, err := st.GetEntry(ctx, "/a")
	require.NoError(t, err)
	locked := current.Clone()
	locked.WriteLock = "self"
	require.NoError(t, st.TryUpdateEntry(ctx, current, locked))

	entry, err := m.WaitForWriteLockRelease(ctx, "/a", "self", true)
	require.NoError(t, err)
	require.Equal(t, "self", entry.WriteLock)
}

func TestWaitForWriteLockReleaseUnblocksOnDeadHolder(t *testing.T) {
	ctx := context.Background()
	m, st, sessions, _ := newHarness(t)

	holderID, err := sessions.AllocateLocalSession(ctx)
	require.NoError(t, err)

	e := store.NewEntry("/a", nil, time.Now())
	require.NoError(t, st.TryUpdateEntry(ctx, nil, e))
	current, err := st.GetEntry(ctx, "/a")
	require.NoError(t, err)
	locked := current.Clone()
	locked.WriteLock = holderID
	require.NoError(t, st.TryUpdateEntry(ctx, current, locked))

	require.NoError(t, sessions.Shutdown(ctx))

	entry, err := m.WaitForWriteLockRelease(ctx, "/a", "requester", false)
	require.NoError(t, err)
	require.Equal(t, holderID, entry.WriteLock) // caller is responsible for the CAS-removal
}

func TestWaitForWriteLockReleaseWakesOnNotify(t *testing.T) {
	ctx := context.Background()
	m, st, sessions, waiters := newHarness(t)

	holderID, err := sessions.AllocateLocalSession(ctx)
	require.NoError(t, err)

	e := store.NewEntry("/a", nil, time.Now())
	require.NoError(t, st.TryUpdateEntry(ctx, nil, e))
	current, err := st.GetEntry(ctx, "/a")
	require.NoError(t, err)
	locked := current.Clone()
	locked.WriteLock = holderID
	require.NoError(t, st.TryUpdateEntry(ctx, current, locked))

	resultCh := make(chan *store.StoredEntry, 1)
	go func() {
		entry, err := m.WaitForWriteLockRelease(ctx, "/a", "requester", false)
		require.NoError(t, err)
		resultCh <- entry
	}()

	time.Sleep(30 * time.Millisecond)
	released, err := st.GetEntry(ctx, "/a")
	require.NoError(t, err)
	unlocked := released.Clone()
	unlocked.WriteLock = ""
	require.NoError(t, st.TryUpdateEntry(ctx, released, unlocked))
	waiters.Notify("/a", holderID)

	select {
	case entry := <-resultCh:
		require.Equal(t, "", entry.WriteLock)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake on notify")
	}
}

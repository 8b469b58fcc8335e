package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/coord/common/backoffutil"
	"github.com/nimbusdb/coord/common/clock"
	"github.com/nimbusdb/coord/store"
)

func testConfig() Config {
	return Config{
		LeaseDuration: time.Minute,
		RenewInterval: 20 * time.Second,
		SafetyMargin:  5 * time.Second,
		PollInterval:  10 * time.Millisecond,
		Backoff:       backoffutil.Policy{Initial: time.Millisecond, Max: 10 * time.Millisecond, MaxElapsed: time.Second},
	}
}

func TestAllocateLocalSessionIsAlive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	clk, _ := clock.NewMock()
	m := NewManager(st, clk, testConfig(), "")

	id, err := m.AllocateLocalSession(ctx)
	require.NoError(t, err)

	alive, err := m.IsAlive(ctx, id)
	require.NoError(t, err)
	require.True(t, alive)
}

func TestShutdownEndsSessionAndNotifiesWaiters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	clk, _ := clock.NewMock()
	m := NewManager(st, clk, testConfig(), "")

	id, err := m.AllocateLocalSession(ctx)
	require.NoError(t, err)

	ch, sub := m.WaitForTermination(ctx, id)
	defer m.Unsubscribe(id, sub)

	require.NoError(t, m.Shutdown(ctx))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("termination was not observed")
	}

	alive, err := m.IsAlive(ctx, id)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestIsAliveIsStickyFalse(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	clk, _ := clock.NewMock()
	m := NewManager(st, clk, testConfig(), "")

	id, err := m.AllocateLocalSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	alive, err := m.IsAlive(ctx, id)
	require.NoError(t, err)
	require.False(t, alive)

	// The cached answer must stay false even on a repeated query
	// (invariant 5: monotonic liveness), without touching the store again.
	alive, err = m.IsAlive(ctx, id)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestPeerAddressReturnsAddressRegisteredAtAllocation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	clk, _ := clock.NewMock()
	m := NewManager(st, clk, testConfig(), "node-a:2181")

	id, err := m.AllocateLocalSession(ctx)
	require.NoError(t, err)

	addr, ok, err := m.PeerAddress(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "node-a:2181", addr)
}

func TestPeerAddressIsVisibleFromAnotherManagerOverTheSharedStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	clk, _ := clock.NewMock()
	owner := NewManager(st, clk, testConfig(), "node-a:2181")
	other := NewManager(st, clk, testConfig(), "node-b:2181")

	id, err := owner.AllocateLocalSession(ctx)
	require.NoError(t, err)

	addr, ok, err := other.PeerAddress(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "node-a:2181", addr)
}

func TestPeerAddressFalseWhenUnknownEndedOrUnaddressed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	clk, _ := clock.NewMock()

	unaddressed := NewManager(st, clk, testConfig(), "")
	id, err := unaddressed.AllocateLocalSession(ctx)
	require.NoError(t, err)
	_, ok, err := unaddressed.PeerAddress(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "a session allocated with no peer address must not resolve")

	addressed := NewManager(st, clk, testConfig(), "node-a:2181")
	endedID, err := addressed.AllocateLocalSession(ctx)
	require.NoError(t, err)
	require.NoError(t, addressed.Shutdown(ctx))
	_, ok, err = addressed.PeerAddress(ctx, endedID)
	require.NoError(t, err)
	require.False(t, ok, "an ended session must not resolve, so callers fall back to the dead-holder rule")

	_, ok, err = addressed.PeerAddress(ctx, "no-such-session")
	require.NoError(t, err)
	require.False(t, ok)
}

package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/coord/common/backoffutil"
	"github.com/nimbusdb/coord/common/clock"
	"github.com/nimbusdb/coord/exchange"
	"github.com/nimbusdb/coord/invalidate"
	"github.com/nimbusdb/coord/lockmgr"
	"github.com/nimbusdb/coord/lockwait"
	"github.com/nimbusdb/coord/session"
	"github.com/nimbusdb/coord/store"
	"github.com/nimbusdb/coord/transport"
	"github.com/nimbusdb/coord/waitmgr"
)

type noopResolver struct{}

func (noopResolver) PeerForSession(string) (string, bool) { return "", false }
func (noopResolver) BroadcastPeers() []string             { return nil }

func newHarness(t *testing.T) (*Collector, store.Store, *session.Manager, clock.Clock) {
	t.Helper()
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
	waitMgr := waitmgr.New(st, sessions, waiters)

	net := transport.NewMemNetwork()
	peer := net.NewPeer("node")
	xchg := exchange.New(peer, noopResolver{}, waiters, invalidate.New())
	xchg.Start()
	t.Cleanup(xchg.Stop)

	locks := lockmgr.New(st, sessions, waitMgr, xchg)
	coll := New(st, locks, clk, Config{MinInterval: time.Millisecond, MaxInterval: time.Second})
	return coll, st, sessions, clk
}

func TestSweepReclaimsEphemeralEntryOfEndedSession(t *testing.T) {
	ctx := context.Background()
	coll, st, sessions, _ := newHarness(t)

	owner, err := sessions.AllocateLocalSession(ctx)
	require.NoError(t, err)

	entry := store.NewEntry("/tmp", []byte("x"), time.Now())
	entry.EphemeralOwner = owner
	require.NoError(t, st.TryUpdateEntry(ctx, nil, entry))

	sess, err := st.GetSession(ctx, owner)
	require.NoError(t, err)
	next := sess.Clone()
	next.Entries["/tmp"] = struct{}{}
	require.NoError(t, st.TryUpdateSession(ctx, sess, next))

	require.NoError(t, sessions.Shutdown(ctx))

	coll.sweepOnce(ctx)

	_, err = st.GetEntry(ctx, "/tmp")
	require.Equal(t, store.ErrNotFound, err)
	_, err = st.GetSession(ctx, owner)
	require.Equal(t, store.ErrNotFound, err)
	require.Equal(t, uint64(1), coll.Stats().Reclaims)
}

func TestSweepInvokesCallbackHooks(t *testing.T) {
	ctx := context.Background()
	coll, st, sessions, _ := newHarness(t)

	owner, err := sessions.AllocateLocalSession(ctx)
	require.NoError(t, err)

	entry := store.NewEntry("/tmp", []byte("x"), time.Now())
	entry.EphemeralOwner = owner
	require.NoError(t, st.TryUpdateEntry(ctx, nil, entry))
	sess, err := st.GetSession(ctx, owner)
	require.NoError(t, err)
	next := sess.Clone()
	next.Entries["/tmp"] = struct{}{}
	require.NoError(t, st.TryUpdateSession(ctx, sess, next))
	require.NoError(t, sessions.Shutdown(ctx))

	var sweeps, reclaims int
	var activeAtLastSweep int
	coll.OnSweep = func() { sweeps++ }
	coll.OnReclaim = func() { reclaims++ }
	coll.OnActiveSessions = func(n int) { activeAtLastSweep = n }

	coll.sweepOnce(ctx)

	require.Equal(t, 1, sweeps)
	require.Equal(t, 1, reclaims)
	require.GreaterOrEqual(t, activeAtLastSweep, 0)
}

func TestSweepLeavesLiveSessionsAlone(t *testing.T) {
	ctx := context.Background()
	coll, st, sessions, _ := newHarness(t)

	owner, err := sessions.AllocateLocalSession(ctx)
	require.NoError(t, err)

	entry := store.NewEntry("/tmp", nil, time.Now())
	entry.EphemeralOwner = owner
	require.NoError(t, st.TryUpdateEntry(ctx, nil, entry))

	coll.sweepOnce(ctx)

	_, err = st.GetEntry(ctx, "/tmp")
	require.NoError(t, err)
	require.Equal(t, uint64(0), coll.Stats().Reclaims)
}

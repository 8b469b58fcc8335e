package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/coord/invalidate"
	"github.com/nimbusdb/coord/lockwait"
	"github.com/nimbusdb/coord/transport"
)

type staticResolver struct {
	bySession map[string]string
	broadcast []string
}

func (r staticResolver) PeerForSession(session string) (string, bool) {
	addr, ok := r.bySession[session]
	return addr, ok
}

func (r staticResolver) BroadcastPeers() []string { return r.broadcast }

func TestWriteLockReleasedWakesLocalWaiter(t *testing.T) {
	net := transport.NewMemNetwork()
	a := net.NewPeer("a")
	b := net.NewPeer("b")

	waitersB := lockwait.New()
	mgrB := New(b, staticResolver{}, waitersB, invalidate.New())
	mgrB.Start()
	defer mgrB.Stop()

	done := make(chan error, 1)
	go func() {
		done <- waitersB.Wait(context.Background(), "/x", "holder-1")
	}()

	time.Sleep(20 * time.Millisecond)
	mgrA := New(a, staticResolver{broadcast: []string{"b"}}, lockwait.New(), invalidate.New())
	require.NoError(t, mgrA.SendWriteLockReleased(context.Background(), "/x"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("local waiter was not woken by remote WriteLockReleased")
	}
}

func TestInvalidateCacheEntryInvokesLocalCallback(t *testing.T) {
	net := transport.NewMemNetwork()
	a := net.NewPeer("a")
	b := net.NewPeer("b")

	invokedCh := make(chan string, 1)
	invalidB := invalidate.New()
	invalidB.Register("/x", func(ctx context.Context, path string) error {
		invokedCh <- path
		return nil
	})
	mgrB := New(b, staticResolver{}, lockwait.New(), invalidB)
	mgrB.Start()
	defer mgrB.Stop()

	mgrA := New(a, staticResolver{bySession: map[string]string{"holder-1": "b"}}, lockwait.New(), invalidate.New())
	require.NoError(t, mgrA.SendInvalidateCacheEntry(context.Background(), "/x", "holder-1"))

	select {
	case path := <-invokedCh:
		require.Equal(t, "/x", path)
	case <-time.After(time.Second):
		t.Fatal("invalidation callback was not invoked")
	}
}

func TestSendInvalidateCacheEntryToUnknownHolderIsNoOp(t *testing.T) {
	net := transport.NewMemNetwork()
	a := net.NewPeer("a")
	mgrA := New(a, staticResolver{}, lockwait.New(), invalidate.New())
	require.NoError(t, mgrA.SendInvalidateCacheEntry(context.Background(), "/x", "unknown-session"))
}

func TestOnMessageSentAndReceivedHooksFire(t *testing.T) {
	net := transport.NewMemNetwork()
	a := net.NewPeer("a")
	b := net.NewPeer("b")

	recvCh := make(chan transport.Kind, 1)
	mgrB := New(b, staticResolver{}, lockwait.New(), invalidate.New())
	mgrB.OnMessageReceived = func(kind transport.Kind) { recvCh <- kind }
	mgrB.Start()
	defer mgrB.Stop()

	sentCh := make(chan transport.Kind, 1)
	mgrA := New(a, staticResolver{broadcast: []string{"b"}}, lockwait.New(), invalidate.New())
	mgrA.OnMessageSent = func(kind transport.Kind) { sentCh <- kind }
	require.NoError(t, mgrA.SendWriteLockReleased(context.Background(), "/x"))

	select {
	case kind := <-sentCh:
		require.Equal(t, transport.KindWriteLockReleased, kind)
	case <-time.After(time.Second):
		t.Fatal("OnMessageSent was not invoked")
	}
	select {
	case kind := <-recvCh:
		require.Equal(t, transport.KindWriteLockReleased, kind)
	case <-time.After(time.Second):
		t.Fatal("OnMessageReceived was not invoked")
	}
}

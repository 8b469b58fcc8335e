package transport

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Kind: KindReadLockReleased, Path: "/a/b"},
		{Kind: KindWriteLockReleased, Path: "/"},
		{Kind: KindInvalidateCacheEntry, Path: "/a/b/c", Session: "sess-1"},
	}
	for _, msg := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, msg))

		decoded, err := Decode(bufio.NewReader(&buf))
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestMemTransportDeliversToPeer(t *testing.T) {
	net := NewMemNetwork()
	a := net.NewPeer("a")
	b := net.NewPeer("b")

	msg := Message{Kind: KindWriteLockReleased, Path: "/x"}
	require.NoError(t, a.Send(context.Background(), "b", msg))

	select {
	case in := <-b.Inbound():
		require.Equal(t, "a", in.PeerAddress)
		require.Equal(t, msg, in.Message)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestMemTransportSendToUnknownPeerErrors(t *testing.T) {
	net := NewMemNetwork()
	a := net.NewPeer("a")
	err := a.Send(context.Background(), "nowhere", Message{Kind: KindWriteLockReleased, Path: "/x"})
	require.Error(t, err)
}

func TestTCPTransportRoundTrip(t *testing.T) {
	srv, err := ListenTCP("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer srv.Close()

	msg := Message{Kind: KindInvalidateCacheEntry, Path: "/a", Session: "sess-9"}
	client, err := ListenTCP("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send(context.Background(), srv.listener.Addr().String(), msg))

	select {
	case in := <-srv.Inbound():
		require.Equal(t, msg, in.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not received over TCP")
	}
}

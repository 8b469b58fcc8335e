// Package transport implements the transport contract (spec.md §6): a
// unicast send to a peer address, and a pull-based inbound queue yielding
// (peer_address, payload) pairs. Delivery is at-least-once; ordering is
// not assumed. The coordination service registers exactly one payload kind
// (the tagged union of the three exchange messages, spec.md §4.6), encoded
// with the length-prefixed wire format below.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/netutil"

	"github.com/nimbusdb/coord/common/logging"
)

// Kind tags the payload's exchange-message variant.
type Kind uint8

const (
	KindReadLockReleased Kind = iota + 1
	KindWriteLockReleased
	KindInvalidateCacheEntry
)

// Message is the wire-level envelope for one of the three exchange
// messages (spec.md §4.6). Session is only populated for
// InvalidateCacheEntry, which is directed at a specific holder.
type Message struct {
	Kind    Kind
	Path    string
	Session string
}

// Inbound pairs a received Message with the address it arrived from.
type Inbound struct {
	PeerAddress string
	Message     Message
}

// Transport is the capability set the exchange manager depends on: send a
// message to one peer, and pull delivered messages off an inbound queue.
type Transport interface {
	Send(ctx context.Context, peerAddress string, msg Message) error
	Inbound() <-chan Inbound
	Close() error
}

// Encode writes msg in the wire format documented in spec.md §6:
// kind(u8) | path_length(varint) | path_bytes | optional session_bytes.
// The session field is only present (also varint-length-prefixed) when
// kind is KindInvalidateCacheEntry.
func Encode(w io.Writer, msg Message) error {
	var buf [binary.MaxVarintLen64]byte

	if _, err := w.Write([]byte{byte(msg.Kind)}); err != nil {
		return err
	}
	if err := writeVarintString(w, buf[:], msg.Path); err != nil {
		return err
	}
	if msg.Kind == KindInvalidateCacheEntry {
		if err := writeVarintString(w, buf[:], msg.Session); err != nil {
			return err
		}
	}
	return nil
}

func writeVarintString(w io.Writer, scratch []byte, s string) error {
	n := binary.PutUvarint(scratch, uint64(len(s)))
	if _, err := w.Write(scratch[:n]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Decode reads one Message from r in the format Encode produces.
func Decode(r io.ByteReader) (Message, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Message{}, err
	}
	kind := Kind(kindByte)

	path, err := readVarintString(r)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Kind: kind, Path: path}
	if kind == KindInvalidateCacheEntry {
		session, err := readVarintString(r)
		if err != nil {
			return Message{}, err
		}
		msg.Session = session
	}
	return msg, nil
}

func readVarintString(r io.ByteReader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		buf[i] = b
	}
	return string(buf), nil
}

// MemTransport is an in-memory Transport used for single-process tests and
// the in-memory coordination deployment: peers are registered by address
// and Send delivers directly into the recipient's Inbound channel.
type MemTransport struct {
	address string
	inbound chan Inbound
	peers   map[string]*MemTransport
	log     *logging.Logger
}

// MemNetwork is a shared registry letting MemTransport peers find each
// other by address.
type MemNetwork struct {
	peers map[string]*MemTransport
}

// NewMemNetwork constructs an empty in-memory peer registry.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{peers: make(map[string]*MemTransport)}
}

// NewPeer registers a new MemTransport at address on the network.
func (n *MemNetwork) NewPeer(address string) *MemTransport {
	t := &MemTransport{
		address: address,
		inbound: make(chan Inbound, 256),
		peers:   n.peers,
		log:     logging.GetLogger("transport/mem"),
	}
	n.peers[address] = t
	return t
}

func (t *MemTransport) Send(ctx context.Context, peerAddress string, msg Message) error {
	peer, ok := t.peers[peerAddress]
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", peerAddress)
	}
	select {
	case peer.inbound <- Inbound{PeerAddress: t.address, Message: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemTransport) Inbound() <-chan Inbound { return t.inbound }

func (t *MemTransport) Close() error {
	close(t.inbound)
	return nil
}

// TCPTransport implements Transport over plain TCP connections, one
// outbound dial per Send (connections are not pooled, matching the
// at-least-once / no-ordering contract: a dropped connection just means a
// retry from the caller). netutil.LimitListener bounds concurrent inbound
// connections so a burst of peers cannot exhaust file descriptors.
type TCPTransport struct {
	listener net.Listener
	inbound  chan Inbound
	log      *logging.Logger
}

// ListenTCP starts accepting connections on addr, decoding one Message per
// connection and delivering it to Inbound(). maxConns bounds concurrent
// inbound connections (0 disables the limit).
func ListenTCP(addr string, maxConns int) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	t := &TCPTransport{
		listener: ln,
		inbound:  make(chan Inbound, 256),
		log:      logging.GetLogger("transport/tcp"),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	msg, err := Decode(r)
	if err != nil {
		t.log.Debug("dropping malformed inbound message", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}
	t.inbound <- Inbound{PeerAddress: conn.RemoteAddr().String(), Message: msg}
}

func (t *TCPTransport) Send(ctx context.Context, peerAddress string, msg Message) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", peerAddress)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := Encode(w, msg); err != nil {
		return err
	}
	return w.Flush()
}

func (t *TCPTransport) Inbound() <-chan Inbound { return t.inbound }

func (t *TCPTransport) Close() error {
	return t.listener.Close()
}

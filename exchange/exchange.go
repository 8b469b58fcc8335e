// Package exchange implements the exchange manager (spec.md §4.6): the
// peer-to-peer protocol carrying ReadLockReleased, WriteLockReleased, and
// InvalidateCacheEntry messages between nodes. It owns the transport's one
// inbound endpoint and routes delivered messages to the lock wait
// directory or the invalidation directory by message kind.
package exchange

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/invalidate"
	"github.com/nimbusdb/coord/lockwait"
	"github.com/nimbusdb/coord/transport"
)

// PeerResolver maps a session id to the peer address that should receive a
// directed message (InvalidateCacheEntry), and a set of peer addresses to
// broadcast ReadLockReleased/WriteLockReleased to (every node that might
// have a waiter for path). In a real deployment this is backed by cluster
// membership; tests use a static map.
type PeerResolver interface {
	PeerForSession(session string) (address string, ok bool)
	BroadcastPeers() []string
}

// Manager owns the inbound transport loop and the outbound send helpers
// for the three exchange messages.
type Manager struct {
	transport transport.Transport
	resolver  PeerResolver
	waiters   *lockwait.Directory
	invalid   *invalidate.Directory
	log       *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// OnMessageSent and OnMessageReceived, if set, are invoked once per
	// message send/dispatch by kind, for cmd/coordnode to bridge into its
	// prometheus counters without this package depending on metrics.
	OnMessageSent     func(kind transport.Kind)
	OnMessageReceived func(kind transport.Kind)
}

// New constructs an exchange manager over t, routing inbound messages into
// waiters (for ReadLockReleased / WriteLockReleased) and invalid (for
// InvalidateCacheEntry).
func New(t transport.Transport, resolver PeerResolver, waiters *lockwait.Directory, invalid *invalidate.Directory) *Manager {
	return &Manager{
		transport: t,
		resolver:  resolver,
		waiters:   waiters,
		invalid:   invalid,
		log:       logging.GetLogger("exchange"),
	}
}

// Start begins the inbound dispatch loop. Call Stop to drain it.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.dispatchLoop(ctx)
}

// Stop cancels the dispatch loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-m.transport.Inbound():
			if !ok {
				return
			}
			m.dispatch(ctx, in)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, in transport.Inbound) {
	switch in.Message.Kind {
	case transport.KindReadLockReleased, transport.KindWriteLockReleased:
		// The wire message only carries path; every local waiter for path
		// wakes and re-checks a fresh snapshot regardless of which holder
		// session it was tracking.
		m.waiters.NotifyPath(in.Message.Path)
	case transport.KindInvalidateCacheEntry:
		if err := m.invalid.Invoke(ctx, in.Message.Path); err != nil {
			m.log.Warn("invalidation callback failed", "path", in.Message.Path, "err", err)
		}
	default:
		m.log.Warn("dropping message of unknown kind", "kind", in.Message.Kind)
	}
	if m.OnMessageReceived != nil {
		m.OnMessageReceived(in.Message.Kind)
	}
}

// SendReadLockReleased broadcasts a ReadLockReleased(path) message to
// every peer that might have a waiter for path.
func (m *Manager) SendReadLockReleased(ctx context.Context, path string) error {
	return m.broadcast(ctx, transport.Message{Kind: transport.KindReadLockReleased, Path: path})
}

// SendWriteLockReleased broadcasts a WriteLockReleased(path) message.
func (m *Manager) SendWriteLockReleased(ctx context.Context, path string) error {
	return m.broadcast(ctx, transport.Message{Kind: transport.KindWriteLockReleased, Path: path})
}

// SendInvalidateCacheEntry sends a directed InvalidateCacheEntry(path,
// session) message to the peer holding session, requesting it release its
// read-lock and drop its cached copy of path. If the holder's peer address
// cannot be resolved (e.g. it has already left the cluster), this is a
// no-op: the dead-holder rule (spec.md §4.7) will reclaim the lock once
// the session is observed not-alive.
func (m *Manager) SendInvalidateCacheEntry(ctx context.Context, path, session string) error {
	addr, ok := m.resolver.PeerForSession(session)
	if !ok {
		return nil
	}
	err := m.transport.Send(ctx, addr, transport.Message{
		Kind:    transport.KindInvalidateCacheEntry,
		Path:    path,
		Session: session,
	})
	if err == nil && m.OnMessageSent != nil {
		m.OnMessageSent(transport.KindInvalidateCacheEntry)
	}
	return err
}

// broadcast sends msg once to every peer known to resolver.BroadcastPeers
// and returns the per-peer send failures aggregated into one error (nil if
// every send succeeded). Failed sends are not retried: a peer that missed
// the message wakes its local waiters only on a later notification for the
// path or when the holder session they track terminates.
func (m *Manager) broadcast(ctx context.Context, msg transport.Message) error {
	peers := m.resolver.BroadcastPeers()
	if len(peers) == 0 {
		return nil
	}

	var (
		mu  sync.Mutex
		err error
	)
	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, peer := range peers {
		peer := peer
		go func() {
			defer wg.Done()
			if sendErr := m.transport.Send(ctx, peer, msg); sendErr != nil {
				mu.Lock()
				err = multierr.Append(err, sendErr)
				mu.Unlock()
				return
			}
			if m.OnMessageSent != nil {
				m.OnMessageSent(msg.Kind)
			}
		}()
	}
	wg.Wait()
	return err
}

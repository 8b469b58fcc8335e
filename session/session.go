// Package session implements the session manager (spec.md §4.3): session
// lifecycle, lease renewal, termination detection, and liveness queries
// used by the lock manager's dead-holder rule (spec.md §4.7).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/nimbusdb/coord/common/backoffutil"
	"github.com/nimbusdb/coord/common/clock"
	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/common/pubsub"
	"github.com/nimbusdb/coord/coorderr"
	"github.com/nimbusdb/coord/store"
)

// Config configures lease timing (spec.md §5, §6).
type Config struct {
	LeaseDuration time.Duration // default 10 * time.Minute
	RenewInterval time.Duration // default <= LeaseDuration/2
	SafetyMargin  time.Duration // renewal must land before lease_end - SafetyMargin
	PollInterval  time.Duration // how often WaitForTermination watchers re-poll a remote session
	Backoff       backoffutil.Policy
}

// DefaultConfig matches spec.md §5/§6's defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration: 10 * time.Minute,
		RenewInterval: 5 * time.Minute,
		SafetyMargin:  30 * time.Second,
		PollInterval:  2 * time.Second,
		Backoff:       backoffutil.DefaultPolicy,
	}
}

// Manager owns this node's local session (if any) and answers liveness /
// termination queries about any session, local or remote, by reading the
// shared store (spec.md §4.3).
type Manager struct {
	store       store.Store
	clock       clock.Clock
	cfg         Config
	peerAddress string
	log         *logging.Logger

	terminated *pubsub.Broker[string, struct{}]

	mu          sync.Mutex
	liveness    map[string]*atomic.Bool // sticky: once false, never reset to true (invariant 5)
	watchers    map[string]context.CancelFunc
	localID     string
	localCancel context.CancelFunc
	localDone   chan struct{}
}

// NewManager constructs a session manager over the given store and clock.
// peerAddress is this node's own transport address, stamped onto every
// session this Manager allocates so other nodes sharing the store can
// route a directed message back to its owner (see PeerAddress); pass ""
// for a node with no addressable transport (e.g. most tests).
func NewManager(st store.Store, clk clock.Clock, cfg Config, peerAddress string) *Manager {
	return &Manager{
		store:       st,
		clock:       clk,
		cfg:         cfg,
		peerAddress: peerAddress,
		log:         logging.GetLogger("session"),
		terminated:  pubsub.NewBroker[string, struct{}](),
		liveness:    make(map[string]*atomic.Bool),
		watchers:    make(map[string]context.CancelFunc),
	}
}

// AllocateLocalSession creates a new session record, stores it via
// CAS-create, and starts the background renewal loop for it (spec.md
// §4.3). Only one local session may be active per Manager.
func (m *Manager) AllocateLocalSession(ctx context.Context) (string, error) {
	id := uuid.New().String()
	sess := store.NewSession(id, m.clock.Now(), m.cfg.LeaseDuration)
	sess.PeerAddress = m.peerAddress

	err := backoffutil.Retry(ctx, m.cfg.Backoff, func() error {
		return m.store.TryUpdateSession(ctx, nil, sess)
	})
	if err != nil {
		return "", coorderr.ErrStoreFailure
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.localID = id
	m.localCancel = cancel
	m.localDone = make(chan struct{})
	m.mu.Unlock()

	go m.renewLoop(runCtx, id)
	return id, nil
}

// LocalSessionID returns this node's local session id, if any.
func (m *Manager) LocalSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID, m.localID != ""
}

// Shutdown terminates the local session (explicit termination per spec.md
// §4.3 "local shutdown") and stops the renewal loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	id := m.localID
	cancel := m.localCancel
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	for {
		current, err := m.store.GetSession(ctx, id)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		next := current.Clone()
		next.Terminated = true
		if err := m.store.TryUpdateSession(ctx, current, next); err != nil {
			if _, ok := err.(*store.ErrConflict); ok {
				continue
			}
			return err
		}
		m.markDead(id)
		return nil
	}
}

func (m *Manager) renewLoop(ctx context.Context, id string) {
	defer func() {
		m.mu.Lock()
		close(m.localDone)
		m.mu.Unlock()
	}()

	ticker := m.clock.NewTimer(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.renewOnce(ctx, id); err != nil {
				m.log.Warn("session renewal failed, treating as self-termination", "session", id, "err", err)
				m.markDead(id)
				return
			}
			ticker.Reset(m.cfg.RenewInterval)
		}
	}
}

func (m *Manager) renewOnce(ctx context.Context, id string) error {
	return backoffutil.Retry(ctx, m.cfg.Backoff, func() error {
		current, err := m.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if current.Ended(m.clock.Now()) {
			return coorderr.ErrSessionEnded
		}
		newEnd := m.clock.Now().Add(m.cfg.LeaseDuration)
		deadline := current.LeaseEnd.Add(-m.cfg.SafetyMargin)
		if m.clock.Now().After(deadline) {
			return coorderr.ErrSessionEnded
		}
		next := current.Clone()
		next.LeaseEnd = newEnd
		if err := m.store.TryUpdateSession(ctx, current, next); err != nil {
			return err
		}
		return nil
	})
}

// IsAlive reports whether session is currently live. Once observed ended,
// the answer is cached and never reverts to true (invariant 5).
func (m *Manager) IsAlive(ctx context.Context, id string) (bool, error) {
	if cached, ok := m.cachedLiveness(id); ok && !cached.Load() {
		return false, nil
	}

	sess, err := m.store.GetSession(ctx, id)
	if err == store.ErrNotFound {
		m.markDead(id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.Ended(m.clock.Now()) {
		m.markDead(id)
		return false, nil
	}
	return true, nil
}

// PeerAddress returns the transport address the session id was allocated
// with (see NewManager's peerAddress), for routing a directed
// InvalidateCacheEntry to a live read-lock holder (spec.md §4.7 step 3).
// ok is false if id is unknown, already ended, or was allocated by a node
// with no configured address — callers fall back to the dead-holder rule
// in that case.
func (m *Manager) PeerAddress(ctx context.Context, id string) (string, bool, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err == store.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if sess.Ended(m.clock.Now()) || sess.PeerAddress == "" {
		return "", false, nil
	}
	return sess.PeerAddress, true, nil
}

func (m *Manager) cachedLiveness(id string) (*atomic.Bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.liveness[id]
	return b, ok
}

func (m *Manager) markDead(id string) {
	m.mu.Lock()
	b, ok := m.liveness[id]
	if !ok {
		b = atomic.NewBool(true)
		m.liveness[id] = b
	}
	m.mu.Unlock()

	b.Store(false)
	m.terminated.Publish(id, struct{}{})
}

// WaitForTermination returns a channel that receives once when session id
// is observed ended, plus a subscription handle the caller must pass to
// Unsubscribe when done (e.g. on cancellation, per spec.md §5's
// "unregisters any wait-directory subscriptions"). It lazily starts a
// background watcher for id if one isn't already running.
func (m *Manager) WaitForTermination(ctx context.Context, id string) (<-chan struct{}, *pubsub.Subscription[struct{}]) {
	ch, sub := m.terminated.Subscribe(id)
	m.ensureWatcher(id)
	return ch, sub
}

// Unsubscribe releases a WaitForTermination subscription.
func (m *Manager) Unsubscribe(id string, sub *pubsub.Subscription[struct{}]) {
	m.terminated.Unsubscribe(id, sub)
}

func (m *Manager) ensureWatcher(id string) {
	m.mu.Lock()
	if _, running := m.watchers[id]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchers[id] = cancel
	m.mu.Unlock()

	go m.watch(ctx, id)
}

func (m *Manager) watch(ctx context.Context, id string) {
	defer func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()

	ticker := m.clock.NewTimer(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		alive, err := m.IsAlive(ctx, id)
		if err != nil {
			m.log.Warn("termination watcher: store error, retrying", "session", id, "err", err)
		} else if !alive {
			return
		}
		// No more subscribers: nothing left to watch for.
		if m.terminated.SubscriberCount(id) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			ticker.Reset(m.cfg.PollInterval)
		}
	}
}

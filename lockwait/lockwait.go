// Package lockwait implements the in-process wait directory (spec.md
// §4.4): a multimap from (path, session) to suspended waiters, used by the
// lock manager and wait manager to block a caller until a matching
// notification arrives.
package lockwait

import (
	"context"

	"github.com/nimbusdb/coord/common/pubsub"
)

// Key identifies a wait slot: interest in a specific holder session's lock
// state on a specific path.
type Key struct {
	Path    string
	Session string
}

// broadcastSession is the Session value used for notifications that did
// not originate locally and so don't know which specific holder session
// released its lock (spec.md §4.6: the wire message only carries path).
// Subscribers always listen on both the exact (path, session) key and this
// wildcard, so a remote release wakes local waiters regardless of which
// holder they were tracking; a wake is just a cue to re-check a fresh
// snapshot, so a spurious wake from the wildcard is harmless.
const broadcastSession = "*"

// Directory is a purely in-process registry of waiters, keyed by Key.
// Multiple concurrent waiters on the same key are all woken on a single
// Notify call, since pubsub.Broker fans a publish out to every current
// subscriber.
type Directory struct {
	broker *pubsub.Broker[Key, struct{}]
}

// New constructs an empty wait directory.
func New() *Directory {
	return &Directory{broker: pubsub.NewBroker[Key, struct{}]()}
}

// Notify wakes all current waiters for (path, session) exactly once.
func (d *Directory) Notify(path, session string) {
	d.broker.Publish(Key{Path: path, Session: session}, struct{}{})
}

// NotifyPath wakes all current waiters for path, regardless of which
// holder session they were tracking. Used when a release is learned from a
// remote node (exchange.Manager), which only knows the path.
func (d *Directory) NotifyPath(path string) {
	d.broker.Publish(Key{Path: path, Session: broadcastSession}, struct{}{})
}

// Subscribe registers interest in (path, session) and returns a channel
// that fires once, on whichever comes first: an exact Notify(path,
// session) or a NotifyPath(path). The returned cancel func must be called
// when the caller is done waiting (e.g. on cancellation or once the
// condition is rechecked), to release both underlying broker
// subscriptions; it is safe to call more than once.
func (d *Directory) Subscribe(path, session string) (<-chan struct{}, func()) {
	exact := Key{Path: path, Session: session}
	exactCh, exactSub := d.broker.Subscribe(exact)

	var (
		wild    Key
		wildCh  <-chan struct{}
		wildSub *pubsub.Subscription[struct{}]
	)
	if session != broadcastSession {
		wild = Key{Path: path, Session: broadcastSession}
		ch, sub := d.broker.Subscribe(wild)
		wildCh, wildSub = ch, sub
	}

	out := make(chan struct{}, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-exactCh:
		case <-wildCh:
		case <-stop:
			return
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}()

	var stopped bool
	cancel := func() {
		if stopped {
			return
		}
		stopped = true
		close(stop)
		d.broker.Unsubscribe(exact, exactSub)
		if wildSub != nil {
			d.broker.Unsubscribe(wild, wildSub)
		}
	}
	return out, cancel
}

// Wait blocks until either a matching Notify/NotifyPath arrives for
// (path, session) or ctx is cancelled, whichever happens first. Returns
// ctx.Err() on cancellation so callers can distinguish a real notification
// from a cancelled wait (spec.md §5's cancellation discipline: unregister
// on trigger, no further retries).
func (d *Directory) Wait(ctx context.Context, path, session string) error {
	ch, cancel := d.Subscribe(path, session)
	defer cancel()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

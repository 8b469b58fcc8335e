// Package gc implements the garbage collector (spec.md §4.10): sweeps
// ended sessions, removes their ephemeral entries under the same
// dead-holder discipline the lock manager uses, and deletes the session
// record itself once its entries are gone.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusdb/coord/common/clock"
	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/coordpath"
	"github.com/nimbusdb/coord/lockmgr"
	"github.com/nimbusdb/coord/store"
)

// Config configures sweep timing (spec.md §6).
type Config struct {
	MinInterval time.Duration // lower bound between sweeps even if no lease is imminent
	MaxInterval time.Duration // upper bound: sleep at most this long between sweeps
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{MinInterval: time.Second, MaxInterval: 10 * time.Second}
}

// Collector periodically sweeps the store for ended sessions and reclaims
// their ephemeral entries.
type Collector struct {
	store store.Store
	locks *lockmgr.Manager
	clock clock.Clock
	cfg   Config
	log   *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// OnSweep and OnReclaim, if set, are invoked after each completed
	// sweep / reclaimed entry, for cmd/coordnode to bridge into its
	// prometheus counters without this package depending on metrics.
	OnSweep   func()
	OnReclaim func()
	// OnActiveSessions, if set, is invoked once per sweep with the number
	// of sessions observed not-ended, for cmd/coordnode's gauge.
	OnActiveSessions func(int)

	mu       sync.Mutex
	sweeps   uint64
	reclaims uint64
}

// New constructs a collector.
func New(st store.Store, locks *lockmgr.Manager, clk clock.Clock, cfg Config) *Collector {
	return &Collector{
		store: st,
		locks: locks,
		clock: clk,
		cfg:   cfg,
		log:   logging.GetLogger("gc"),
		done:  make(chan struct{}),
	}
}

// Start launches the background sweep loop. Must be called at most once.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(ctx)
}

// Stop ends the sweep loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)
	for {
		delay := c.sweepOnce(ctx)
		timer := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// sweepOnce runs a single sweep and returns how long to sleep before the
// next one: the time until the soonest still-live session's lease ends,
// clamped to [MinInterval, MaxInterval].
func (c *Collector) sweepOnce(ctx context.Context) time.Duration {
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		c.log.Warn("gc: failed to list sessions, retrying at min interval", "err", err)
		return c.cfg.MinInterval
	}

	now := c.clock.Now()
	next := c.cfg.MaxInterval
	active := 0
	for _, sess := range sessions {
		if sess.Ended(now) {
			c.reclaimSession(ctx, sess)
			continue
		}
		active++
		if until := sess.LeaseEnd.Sub(now); until < next {
			next = until
		}
	}
	if c.OnActiveSessions != nil {
		c.OnActiveSessions(active)
	}

	c.mu.Lock()
	c.sweeps++
	c.mu.Unlock()
	if c.OnSweep != nil {
		c.OnSweep()
	}

	if next < c.cfg.MinInterval {
		next = c.cfg.MinInterval
	}
	return next
}

// reclaimSession removes every ephemeral entry owned by an ended session
// (applying the same write-lock discipline a live client would use, so a
// concurrent reader/writer on the same path is never torn out from under
// it) and then deletes the session record.
func (c *Collector) reclaimSession(ctx context.Context, sess *store.StoredSession) {
	for path := range sess.Entries {
		if err := c.reclaimEntry(ctx, path, sess.Key); err != nil {
			c.log.Warn("gc: failed to reclaim ephemeral entry", "path", path, "session", sess.Key, "err", err)
			continue
		}
		c.mu.Lock()
		c.reclaims++
		c.mu.Unlock()
		if c.OnReclaim != nil {
			c.OnReclaim()
		}
	}

	c.deleteSessionRecord(ctx, sess.Key)
}

// reclaimEntry deletes one ephemeral entry on behalf of its now-ended
// owning session, acting as that session's own proxy: it takes the
// path's write-lock exactly as DeleteAsync would, so the dead-holder rule
// and cache-invalidation broadcast both apply normally.
func (c *Collector) reclaimEntry(ctx context.Context, path, owner string) error {
	entry, err := c.locks.AcquireWriteLock(ctx, path, owner)
	if err == store.ErrNotFound {
		return nil // already gone
	}
	if err != nil {
		return err
	}

	current := entry
	for {
		if err := c.store.DeleteEntry(ctx, current); err == nil || err == store.ErrNotFound {
			break
		} else if conflict, ok := err.(*store.ErrConflict); ok {
			if conflict.Current == nil {
				break
			}
			current = conflict.Current.(*store.StoredEntry)
			continue
		} else {
			c.locks.ReleaseWriteLockForDeletedEntry(path)
			return err
		}
	}

	if p, err := coordpath.Parse(path); err == nil {
		if parentPath, hasParent := p.Parent(); hasParent {
			c.unlinkChild(ctx, coordpath.Format(parentPath), p.Name())
		}
	}

	c.locks.ReleaseWriteLockForDeletedEntry(path)
	return nil
}

func (c *Collector) unlinkChild(ctx context.Context, parentPath, childName string) {
	current, err := c.store.GetEntry(ctx, parentPath)
	if err != nil {
		return
	}
	for {
		next := current.Clone()
		next.Children = next.Children.Remove(childName)
		err := c.store.TryUpdateEntry(ctx, current, next)
		if err == nil {
			return
		}
		conflict, ok := err.(*store.ErrConflict)
		if !ok || conflict.Current == nil {
			return
		}
		current = conflict.Current.(*store.StoredEntry)
	}
}

func (c *Collector) deleteSessionRecord(ctx context.Context, key string) {
	current, err := c.store.GetSession(ctx, key)
	if err == store.ErrNotFound {
		return
	}
	if err != nil {
		c.log.Warn("gc: failed to re-read session before delete", "session", key, "err", err)
		return
	}
	if err := c.store.DeleteSession(ctx, current); err != nil && err != store.ErrNotFound {
		c.log.Warn("gc: failed to delete session record", "session", key, "err", err)
	}
}

// Stats is a read-only snapshot of cumulative collector activity.
type Stats struct {
	Sweeps   uint64
	Reclaims uint64
}

// Stats reports cumulative sweep/reclaim counts since Start.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Sweeps: c.sweeps, Reclaims: c.reclaims}
}

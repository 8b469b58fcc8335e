// Package localcache implements a durable warm-start cache: a
// bbolt-backed mirror of whatever entries this node's coordination facade
// has cached in memory, kept across restarts and readable through Get.
// The facade itself only writes and deletes here; its GetAsync does not
// read from this cache. Writes are fire-and-forget: an unbounded
// in-process queue (github.com/eapache/channels' InfiniteChannel) absorbs
// bursts so Put never blocks the hot read path.
package localcache

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/channels"
	bolt "go.etcd.io/bbolt"

	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/store"
)

var bucketName = []byte("entries")

// writeRequest is one queued warm-start persistence operation.
type writeRequest struct {
	path  string
	entry *store.StoredEntry // nil means delete
}

// Cache is a durable, best-effort mirror of recently-read entries, keyed
// by canonical path.
type Cache struct {
	db    *bolt.DB
	log   *logging.Logger
	queue *channels.InfiniteChannel

	closeOnce sync.Once
	done      chan struct{}
}

// Open opens (creating if necessary) a bbolt database at path and starts
// its background write-drain goroutine.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	c := &Cache{
		db:    db,
		log:   logging.GetLogger("localcache"),
		queue: channels.NewInfiniteChannel(),
		done:  make(chan struct{}),
	}
	go c.drain()
	return c, nil
}

// Close stops the drain goroutine, flushing any already-queued writes, and
// closes the database.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.queue.Close()
		<-c.done
	})
	return c.db.Close()
}

func (c *Cache) drain() {
	defer close(c.done)
	for raw := range c.queue.Out() {
		req := raw.(writeRequest)
		if err := c.applyWrite(req); err != nil {
			c.log.Warn("localcache: write failed", "path", req.path, "err", err)
		}
	}
}

func (c *Cache) applyWrite(req writeRequest) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if req.entry == nil {
			return b.Delete([]byte(req.path))
		}
		encoded, err := req.entry.MarshalCBOR()
		if err != nil {
			return err
		}
		return b.Put([]byte(req.path), encoded)
	})
}

// Put queues path's entry to be durably cached. Returns immediately;
// the write lands asynchronously.
func (c *Cache) Put(_ context.Context, path string, entry *store.StoredEntry) {
	c.queue.In() <- writeRequest{path: path, entry: entry}
}

// Delete queues removal of path from the durable cache.
func (c *Cache) Delete(_ context.Context, path string) {
	c.queue.In() <- writeRequest{path: path, entry: nil}
}

// Get reads path's last durably cached snapshot, if any. The returned
// entry may be stale relative to the authoritative store — callers must
// treat it only as a warm-start hint, never as a substitute for a real
// read-lock acquisition.
func (c *Cache) Get(path string) (*store.StoredEntry, bool) {
	var (
		entry *store.StoredEntry
		found bool
	)
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		val := b.Get([]byte(path))
		if val == nil {
			return nil
		}
		decoded, err := store.UnmarshalEntry(val)
		if err != nil {
			return err
		}
		entry, found = decoded, true
		return nil
	})
	return entry, found
}

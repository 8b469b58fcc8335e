// Package coordination implements the coordination manager facade (spec.md
// §4.9): CreateAsync, GetAsync, SetValueAsync, DeleteAsync, composed from
// the lock manager, session manager, and a client-side read cache kept
// coherent by the invalidation directory.
package coordination

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nimbusdb/coord/common/clock"
	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/coorderr"
	"github.com/nimbusdb/coord/coordpath"
	"github.com/nimbusdb/coord/invalidate"
	"github.com/nimbusdb/coord/localcache"
	"github.com/nimbusdb/coord/lockmgr"
	"github.com/nimbusdb/coord/session"
	"github.com/nimbusdb/coord/store"
)

// Mode selects whether a created entry is ordinary or session-scoped
// ephemeral (spec.md §3, §4.9).
type Mode int

const (
	Default Mode = iota
	Ephemeral
)

// Config configures the facade's client-side cache (spec.md §6's
// cache.enabled option).
type Config struct {
	CacheEnabled bool
	CacheSize    int // entries; default 4096 when zero and CacheEnabled

	// WarmCache, if non-nil, durably mirrors the entries GetAsync caches
	// and drops them again on eviction or delete. GetAsync does not read
	// from it: a cache miss always takes the read-lock round trip.
	WarmCache *localcache.Cache
}

// DefaultConfig enables caching with a modest LRU size.
func DefaultConfig() Config {
	return Config{CacheEnabled: true, CacheSize: 4096}
}

// Service is the coordination manager facade. All public operations
// require a valid local session, allocated by Start.
type Service struct {
	store    store.Store
	sessions *session.Manager
	locks    *lockmgr.Manager
	invalid  *invalidate.Directory
	clock    clock.Clock
	cfg      Config
	log      *logging.Logger

	cache *lru.Cache // path -> *store.StoredEntry; nil when caching disabled

	mu           sync.Mutex
	self         string
	cacheHandles map[string]interface{} // path -> func() that unregisters its invalidation callback

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a coordination facade. Call Start before issuing any
// operation.
func New(st store.Store, sessions *session.Manager, locks *lockmgr.Manager, invalid *invalidate.Directory, clk clock.Clock, cfg Config) (*Service, error) {
	svc := &Service{
		store:        st,
		sessions:     sessions,
		locks:        locks,
		invalid:      invalid,
		clock:        clk,
		cfg:          cfg,
		log:          logging.GetLogger("coordination"),
		cacheHandles: make(map[string]interface{}),
		done:         make(chan struct{}),
	}
	if cfg.CacheEnabled {
		size := cfg.CacheSize
		if size <= 0 {
			size = 4096
		}
		cache, err := lru.NewWithEvict(size, svc.onCacheEvict)
		if err != nil {
			return nil, err
		}
		svc.cache = cache
	}
	return svc, nil
}

// onCacheEvict runs when the LRU drops a path to make room, not just when
// an explicit invalidation fires: without this, a read-lock acquired for
// GetAsync's cache would stay held forever once its entry ages out of the
// cache under memory pressure.
func (s *Service) onCacheEvict(key, _ interface{}) {
	path := key.(string)

	if s.cfg.WarmCache != nil {
		s.cfg.WarmCache.Delete(context.Background(), path)
	}

	s.mu.Lock()
	handle, ok := s.cacheHandles[path]
	delete(s.cacheHandles, path)
	s.mu.Unlock()
	if ok {
		handle.(func())()
	}

	self, err := s.localSession()
	if err != nil {
		return
	}
	current, err := s.store.GetEntry(context.Background(), path)
	if err != nil || !current.HasReadLock(self) {
		return
	}
	if _, err := s.locks.ReleaseReadLock(context.Background(), current, self); err != nil {
		s.log.Warn("failed to release read-lock on cache eviction", "path", path, "err", err)
	}
}

// Start allocates this node's local session and ensures the root entry
// exists. Must be called once before any other operation.
func (s *Service) Start(ctx context.Context) error {
	id, err := s.sessions.AllocateLocalSession(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()

	return s.ensureRoot(ctx)
}

// ensureRoot CAS-creates the root entry "/" if it doesn't already exist.
// Every path other than root has a parent that must exist for write-lock
// acquisition to succeed, so root itself must always be present.
func (s *Service) ensureRoot(ctx context.Context) error {
	if _, err := s.store.GetEntry(ctx, coordpath.Format(coordpath.Root)); err == nil {
		return nil
	} else if err != store.ErrNotFound {
		return err
	}
	root := store.NewEntry(coordpath.Format(coordpath.Root), nil, s.clock.Now())
	if err := s.store.TryUpdateEntry(ctx, nil, root); err != nil {
		if _, ok := err.(*store.ErrConflict); ok {
			return nil // another session raced us to create it
		}
		return err
	}
	return nil
}

// Close ends the local session and releases background resources.
// Idempotent.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.sessions.Shutdown(ctx)
		close(s.done)
	})
	return err
}

// Done is closed once Close has completed.
func (s *Service) Done() <-chan struct{} { return s.done }

// Status is a read-only snapshot for operational tooling (e.g. a CLI
// status subcommand).
type Status struct {
	SessionID   string
	CachedPaths int
}

// Status reports the facade's current state.
func (s *Service) Status() Status {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()

	cached := 0
	if s.cache != nil {
		cached = s.cache.Len()
	}
	return Status{SessionID: self, CachedPaths: cached}
}

func (s *Service) localSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == "" {
		return "", coorderr.ErrSessionEnded
	}
	return s.self, nil
}

func canonicalize(path string) (coordpath.Path, string, error) {
	p, err := coordpath.Parse(path)
	if err != nil {
		return coordpath.Path{}, "", err
	}
	return p, coordpath.Format(p), nil
}

// CreateAsync implements spec.md §4.9's CreateAsync.
func (s *Service) CreateAsync(ctx context.Context, path string, value []byte, mode Mode) (*store.StoredEntry, error) {
	self, err := s.localSession()
	if err != nil {
		return nil, err
	}
	p, canon, err := canonicalize(path)
	if err != nil {
		return nil, err
	}

	parentPath, hasParent := p.Parent()
	var (
		parentEntry *store.StoredEntry
		parentCanon string
	)
	if hasParent {
		parentCanon = coordpath.Format(parentPath)
		parentEntry, err = s.locks.AcquireWriteLock(ctx, parentCanon, self)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, coorderr.ErrParentNotFound
			}
			return nil, err
		}
	}

	releaseCreateIntent, err := s.locks.AcquireCreateIntent(ctx, canon, self)
	if err != nil {
		if hasParent {
			_, _ = s.locks.ReleaseWriteLock(ctx, parentEntry)
		}
		return nil, err
	}
	defer releaseCreateIntent()

	if _, err := s.store.GetEntry(ctx, canon); err == nil {
		if hasParent {
			_, _ = s.locks.ReleaseWriteLock(ctx, parentEntry)
		}
		return nil, coorderr.ErrDuplicateEntry
	} else if err != store.ErrNotFound {
		if hasParent {
			_, _ = s.locks.ReleaseWriteLock(ctx, parentEntry)
		}
		return nil, err
	}

	entry := store.NewEntry(canon, value, s.clock.Now())
	if mode == Ephemeral {
		entry.EphemeralOwner = self
	}
	if err := s.store.TryUpdateEntry(ctx, nil, entry); err != nil {
		if hasParent {
			_, _ = s.locks.ReleaseWriteLock(ctx, parentEntry)
		}
		return nil, coorderr.ErrStoreFailure
	}

	if hasParent {
		if err := s.linkChild(ctx, parentEntry, p.Name()); err != nil {
			s.log.Warn("failed to link new child into parent", "parent", parentCanon, "child", p.Name(), "err", err)
		}
		if _, err := s.locks.ReleaseWriteLock(ctx, parentEntry); err != nil {
			s.log.Warn("failed to release parent write-lock after create", "parent", parentCanon, "err", err)
		}
	}

	if mode == Ephemeral {
		if err := s.linkEphemeral(ctx, self, canon); err != nil {
			s.log.Warn("failed to link ephemeral entry into session", "path", canon, "session", self, "err", err)
		}
	}

	created, err := s.store.GetEntry(ctx, canon)
	if err != nil {
		return entry, nil
	}
	return created, nil
}

func (s *Service) linkChild(ctx context.Context, parent *store.StoredEntry, childName string) error {
	current := parent
	for {
		next := current.Clone()
		next.Children = next.Children.Add(childName)
		err := s.store.TryUpdateEntry(ctx, current, next)
		if err == nil {
			return nil
		}
		conflict, ok := err.(*store.ErrConflict)
		if !ok || conflict.Current == nil {
			return err
		}
		current = conflict.Current.(*store.StoredEntry)
	}
}

func (s *Service) linkEphemeral(ctx context.Context, session, path string) error {
	for {
		sess, err := s.store.GetSession(ctx, session)
		if err != nil {
			return err
		}
		next := sess.Clone()
		next.Entries[path] = struct{}{}
		err = s.store.TryUpdateSession(ctx, sess, next)
		if err == nil {
			return nil
		}
		if _, ok := err.(*store.ErrConflict); ok {
			continue
		}
		return err
	}
}

func (s *Service) unlinkEphemeral(ctx context.Context, session, path string) error {
	for {
		sess, err := s.store.GetSession(ctx, session)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := sess.Entries[path]; !ok {
			return nil
		}
		next := sess.Clone()
		delete(next.Entries, path)
		err = s.store.TryUpdateSession(ctx, sess, next)
		if err == nil {
			return nil
		}
		if _, ok := err.(*store.ErrConflict); ok {
			continue
		}
		return err
	}
}

// GetAsync implements spec.md §4.9's GetAsync, including the client-side
// cache: a successful cached read holds the read-lock open until an
// InvalidateCacheEntry callback fires or the cache entry is otherwise
// evicted, at which point the read-lock is released.
func (s *Service) GetAsync(ctx context.Context, path string) (*store.StoredEntry, error) {
	self, err := s.localSession()
	if err != nil {
		return nil, err
	}
	_, canon, err := canonicalize(path)
	if err != nil {
		return nil, err
	}

	if !s.cfg.CacheEnabled {
		entry, err := s.store.GetEntry(ctx, canon)
		if err == store.ErrNotFound {
			return nil, coorderr.ErrEntryNotFound
		}
		return entry, err
	}

	if cached, ok := s.cache.Get(canon); ok {
		return cached.(*store.StoredEntry), nil
	}

	entry, err := s.locks.AcquireReadLock(ctx, canon, self)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, coorderr.ErrEntryNotFound
		}
		return nil, err
	}
	s.cache.Add(canon, entry)
	s.registerInvalidation(canon, self)
	if s.cfg.WarmCache != nil {
		s.cfg.WarmCache.Put(ctx, canon, entry)
	}
	return entry, nil
}

func (s *Service) registerInvalidation(path, self string) {
	handle := s.invalid.Register(path, func(ctx context.Context, invalidated string) error {
		s.cache.Remove(invalidated)
		s.mu.Lock()
		delete(s.cacheHandles, invalidated)
		s.mu.Unlock()

		current, err := s.store.GetEntry(ctx, invalidated)
		if err != nil {
			return nil
		}
		if current.HasReadLock(self) {
			_, err = s.locks.ReleaseReadLock(ctx, current, self)
		}
		return err
	})
	s.mu.Lock()
	s.cacheHandles[path] = func() { s.invalid.Unregister(path, handle) }
	s.mu.Unlock()
}

// SetValueAsync implements spec.md §4.9's SetValueAsync.
func (s *Service) SetValueAsync(ctx context.Context, path string, value []byte, expectedVersion uint64) (*store.StoredEntry, error) {
	self, err := s.localSession()
	if err != nil {
		return nil, err
	}
	_, canon, err := canonicalize(path)
	if err != nil {
		return nil, err
	}

	entry, err := s.locks.AcquireWriteLock(ctx, canon, self)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, coorderr.ErrEntryNotFound
		}
		return nil, err
	}

	if entry.Version != expectedVersion {
		_, _ = s.locks.ReleaseWriteLock(ctx, entry)
		return nil, coorderr.ErrVersionConflict
	}

	next := entry.Clone()
	next.Value = value
	next.Version = entry.Version + 1
	next.LastWriteTime = s.clock.Now()
	if err := s.store.TryUpdateEntry(ctx, entry, next); err != nil {
		_, _ = s.locks.ReleaseWriteLock(ctx, entry)
		return nil, coorderr.ErrStoreFailure
	}
	next.StorageVersion = entry.StorageVersion + 1

	return s.locks.ReleaseWriteLock(ctx, next)
}

// DeleteAsync implements spec.md §4.9's DeleteAsync: deletes path and
// every descendant under the same lock discipline, unlinking ephemeral
// ownership and the parent's child-name entry as it goes.
func (s *Service) DeleteAsync(ctx context.Context, path string) error {
	self, err := s.localSession()
	if err != nil {
		return err
	}
	p, canon, err := canonicalize(path)
	if err != nil {
		return err
	}

	parentPath, hasParent := p.Parent()
	var (
		parentEntry *store.StoredEntry
		parentCanon string
	)
	if hasParent {
		parentCanon = coordpath.Format(parentPath)
		parentEntry, err = s.locks.AcquireWriteLock(ctx, parentCanon, self)
		if err != nil {
			if err == store.ErrNotFound {
				return coorderr.ErrParentNotFound
			}
			return err
		}
	}

	if err := s.deleteRecursive(ctx, p, self); err != nil {
		if hasParent {
			_, _ = s.locks.ReleaseWriteLock(ctx, parentEntry)
		}
		return err
	}

	if hasParent {
		if err := s.unlinkChild(ctx, parentEntry, p.Name()); err != nil {
			s.log.Warn("failed to unlink deleted child from parent", "parent", parentCanon, "child", p.Name(), "err", err)
		}
		if _, err := s.locks.ReleaseWriteLock(ctx, parentEntry); err != nil {
			s.log.Warn("failed to release parent write-lock after delete", "parent", parentCanon, "err", err)
		}
	}
	return nil
}

func (s *Service) deleteRecursive(ctx context.Context, p coordpath.Path, self string) error {
	canon := coordpath.Format(p)
	entry, err := s.locks.AcquireWriteLock(ctx, canon, self)
	if err != nil {
		if err == store.ErrNotFound {
			return coorderr.ErrEntryNotFound
		}
		return err
	}

	for _, childName := range entry.Children.List() {
		childPath, err := p.Child(childName)
		if err != nil {
			_, _ = s.locks.ReleaseWriteLock(ctx, entry)
			return err
		}
		if err := s.deleteRecursive(ctx, childPath, self); err != nil {
			_, _ = s.locks.ReleaseWriteLock(ctx, entry)
			return err
		}
	}

	current := entry
	for {
		err := s.store.DeleteEntry(ctx, current)
		if err == nil || err == store.ErrNotFound {
			break
		}
		conflict, ok := err.(*store.ErrConflict)
		if !ok {
			_, _ = s.locks.ReleaseWriteLock(ctx, current)
			return coorderr.ErrStoreFailure
		}
		if conflict.Current == nil {
			break // already deleted by a concurrent caller
		}
		current = conflict.Current.(*store.StoredEntry)
	}

	if current.IsEphemeral() {
		if err := s.unlinkEphemeral(ctx, current.EphemeralOwner, canon); err != nil {
			s.log.Warn("failed to unlink ephemeral entry on delete", "path", canon, "err", err)
		}
	}

	if s.cfg.WarmCache != nil {
		s.cfg.WarmCache.Delete(ctx, canon)
	}

	s.locks.ReleaseWriteLockForDeletedEntry(canon)
	return nil
}

func (s *Service) unlinkChild(ctx context.Context, parent *store.StoredEntry, childName string) error {
	current := parent
	for {
		next := current.Clone()
		next.Children = next.Children.Remove(childName)
		err := s.store.TryUpdateEntry(ctx, current, next)
		if err == nil {
			return nil
		}
		conflict, ok := err.(*store.ErrConflict)
		if !ok || conflict.Current == nil {
			return err
		}
		current = conflict.Current.(*store.StoredEntry)
	}
}

// Package invalidate implements the invalidation callback directory
// (spec.md §4.5): a registry of local subscribers by path, invoked when a
// cached or read-locked entry must be dropped.
package invalidate

import (
	"context"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
)

// Callback is invoked when path is invalidated. It receives the context
// passed to Invoke so it can observe cancellation.
type Callback func(ctx context.Context, path string) error

// Directory is a node-local registry of invalidation subscribers, keyed by
// path. Safe for concurrent use.
type Directory struct {
	mu   sync.Mutex
	subs map[string]map[*registration]Callback
}

// registration is the opaque handle returned by Register, used to
// Unregister a specific callback without disturbing others on the same
// path.
type registration struct{}

// New constructs an empty invalidation directory.
func New() *Directory {
	return &Directory{subs: make(map[string]map[*registration]Callback)}
}

// Register adds cb as a subscriber for path and returns a handle to
// Unregister it later. Idempotent in the sense that registering the same
// callback value twice simply yields two independent handles, each
// unregisterable on its own — the facade only ever holds one handle per
// (path, session) read-lock, so this never double-invokes in practice.
func (d *Directory) Register(path string, cb Callback) *registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg := &registration{}
	if d.subs[path] == nil {
		d.subs[path] = make(map[*registration]Callback)
	}
	d.subs[path][reg] = cb
	return reg
}

// Unregister removes a previously registered callback. Safe to call more
// than once for the same handle, and safe to call for a handle on a path
// that has already had all its subscribers removed.
func (d *Directory) Unregister(path string, reg *registration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.subs[path]
	if !ok {
		return
	}
	delete(m, reg)
	if len(m) == 0 {
		delete(d.subs, path)
	}
}

// Invoke runs every callback currently registered for path concurrently.
// It waits for all of them to complete (or fail) and returns an aggregate
// error; an individual callback's failure does not stop the others from
// running, matching spec.md §4.5's "failures are reported but do not
// prevent others from running". If path has no subscribers, Invoke is a
// no-op and returns nil — invalidating an uncached path is valid and
// common (spec.md §14's InvalidateCacheEntry-for-uncached-path decision).
func (d *Directory) Invoke(ctx context.Context, path string) error {
	d.mu.Lock()
	m := d.subs[path]
	cbs := make([]Callback, 0, len(m))
	for _, cb := range m {
		cbs = append(cbs, cb)
	}
	d.mu.Unlock()

	if len(cbs) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	wg.Add(len(cbs))
	for _, cb := range cbs {
		cb := cb
		go func() {
			defer wg.Done()
			if err := cb(ctx, path); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}

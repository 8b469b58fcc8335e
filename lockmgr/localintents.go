package lockmgr

import (
	"context"

	"github.com/gammazero/deque"
	deadlock "github.com/sasha-s/go-deadlock"
)

// waiterEntry is one local contender queued for a path's write-intent.
// cancelled is set (lazily, under the owning localIntents' lock) when the
// waiter's context is done before it was ever woken; popWaiter skips
// cancelled entries instead of paying for an O(n) deque removal.
type waiterEntry struct {
	session   string
	ch        chan struct{}
	cancelled bool
}

// intentState tracks the current in-process holder of one path's
// write-intent and the FIFO of local contenders behind it.
type intentState struct {
	holder  string
	depth   int
	waiters deque.Deque
}

// localIntents implements step 1 of write-lock acquisition (spec.md §4.7):
// a per-path, reentrant, FIFO in-process mutex keyed by session. It does
// not touch the backing store at all — it only arbitrates between
// concurrent local callers on this node before any of them attempts the
// distributed CAS.
type localIntents struct {
	mu     deadlock.Mutex
	byPath map[string]*intentState
}

func newLocalIntents() *localIntents {
	return &localIntents{byPath: make(map[string]*intentState)}
}

// acquire blocks until session holds path's local write-intent (re-
// entering immediately if session already holds it), or ctx is cancelled.
// On success it returns a release func — which reports whether that call
// was the one that dropped the hold depth to zero — and whether this
// acquisition was a re-entry by the session already holding the intent.
func (li *localIntents) acquire(ctx context.Context, path, session string) (release func() bool, reentrant bool, err error) {
	li.mu.Lock()
	st, ok := li.byPath[path]
	if !ok {
		li.byPath[path] = &intentState{holder: session, depth: 1}
		li.mu.Unlock()
		return li.releaser(path, session), false, nil
	}
	if st.holder == session {
		st.depth++
		li.mu.Unlock()
		return li.releaser(path, session), true, nil
	}

	entry := &waiterEntry{session: session, ch: make(chan struct{})}
	st.waiters.PushBack(entry)
	li.mu.Unlock()

	select {
	case <-entry.ch:
		return li.releaser(path, session), false, nil
	case <-ctx.Done():
		li.mu.Lock()
		entry.cancelled = true
		li.mu.Unlock()
		return nil, false, ctx.Err()
	}
}

// releaser returns a function that decrements session's hold depth on
// path, and once it drops to zero, hands the intent to the next
// non-cancelled queued waiter (FIFO), or removes the path's entry
// entirely if the queue is empty. The returned bool reports whether this
// call was the one that dropped the depth to zero (i.e. whether the
// caller should also release any distributed state it holds).
func (li *localIntents) releaser(path, session string) func() bool {
	return func() bool {
		li.mu.Lock()
		defer li.mu.Unlock()

		st, ok := li.byPath[path]
		if !ok || st.holder != session {
			return true
		}
		st.depth--
		if st.depth > 0 {
			return false
		}

		for st.waiters.Len() > 0 {
			next := st.waiters.PopFront().(*waiterEntry)
			if next.cancelled {
				continue
			}
			st.holder = next.session
			st.depth = 1
			close(next.ch)
			return true
		}
		delete(li.byPath, path)
		return true
	}
}

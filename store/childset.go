package store

import "github.com/google/btree"

// childSet is the ordered set backing StoredEntry.Children (spec.md §3:
// "children: ordered set of child segment names"). google/btree.BTree
// gives us a copy-on-write Clone(), which is exactly the "pure function
// snapshot -> snapshot'" mutation style spec.md §3 ("Ownership") demands:
// mutating a clone never disturbs any snapshot another goroutine still
// holds a reference to.
type childSet struct {
	t *btree.BTree
}

const childSetDegree = 32

type segmentItem string

func (s segmentItem) Less(than btree.Item) bool {
	return string(s) < string(than.(segmentItem))
}

func newChildSet() *childSet {
	return &childSet{t: btree.New(childSetDegree)}
}

func childSetFromSlice(names []string) *childSet {
	cs := newChildSet()
	for _, n := range names {
		cs.t.ReplaceOrInsert(segmentItem(n))
	}
	return cs
}

// Clone returns a new childSet sharing structure with cs until one of the
// two is mutated (copy-on-write).
func (cs *childSet) Clone() *childSet {
	if cs == nil {
		return newChildSet()
	}
	return &childSet{t: cs.t.Clone()}
}

// Add returns a new childSet with name added (no-op if already present).
func (cs *childSet) Add(name string) *childSet {
	next := cs.Clone()
	next.t.ReplaceOrInsert(segmentItem(name))
	return next
}

// Remove returns a new childSet with name removed (no-op if absent).
func (cs *childSet) Remove(name string) *childSet {
	next := cs.Clone()
	next.t.Delete(segmentItem(name))
	return next
}

// Has reports whether name is a member.
func (cs *childSet) Has(name string) bool {
	if cs == nil {
		return false
	}
	return cs.t.Has(segmentItem(name))
}

// Len reports the number of members.
func (cs *childSet) Len() int {
	if cs == nil {
		return 0
	}
	return cs.t.Len()
}

// List returns the members in ascending order.
func (cs *childSet) List() []string {
	if cs == nil {
		return nil
	}
	out := make([]string, 0, cs.t.Len())
	cs.t.Ascend(func(it btree.Item) bool {
		out = append(out, string(it.(segmentItem)))
		return true
	})
	return out
}

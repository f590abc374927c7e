package routingtable

import "github.com/yiilian/dht-node/internal/nodeid"

// WorkingSet is an ephemeral, single-goroutine-owned bucket table used by
// iterative lookups (find_node/get_peers) to accumulate candidates across
// rounds, separate from the node's persistent Table.
type WorkingSet struct {
	b *buckets
}

// NewWorkingSet creates an empty working set with bucket size k whose
// buckets are laid out around localID; the iterative lookups pass the
// lookup target (or infohash) here, not the node's own id.
func NewWorkingSet(k int, localID nodeid.Id) *WorkingSet {
	return &WorkingSet{b: newBuckets(k, localID)}
}

// Add inserts node as a lookup candidate, ignoring overflow spillover
// (the working set is a bounded scratch space, not a durable table).
func (w *WorkingSet) Add(node Node) {
	w.b.add(node, nil)
}

// Contains reports whether id is already a known candidate.
func (w *WorkingSet) Contains(id nodeid.Id) bool {
	return w.b.contains(id)
}

// Remove drops id from the working set (used when a queried node errors
// or replies with the wrong message shape).
func (w *WorkingSet) Remove(id nodeid.Id) {
	w.b.remove(id)
}

// Nearest returns up to k candidates nearest to target, excluding exclude
// if non-nil.
func (w *WorkingSet) Nearest(target nodeid.Id, exclude *nodeid.Id) []Node {
	return w.b.nearest(target, exclude)
}

// Len returns the total number of candidates held.
func (w *WorkingSet) Len() int {
	return w.b.count()
}

package routingtable

import (
	"sort"
	"time"

	"github.com/yiilian/dht-node/internal/nodeid"
)

// Node is one entry of a bucket table.
type Node struct {
	ID           nodeid.Id
	IP           string
	Port         int
	FirstSeen    time.Time
	LastSeen     time.Time
	LastVerified time.Time // zero value means never verified
}

func (n Node) verified() bool { return !n.LastVerified.IsZero() }

// buckets is an ordered list of k-buckets, split on overflow. Not safe
// for concurrent use; callers serialize access (see Table).
type buckets struct {
	localID nodeid.Id
	k       int
	lists   [][]Node
}

func newBuckets(k int, localID nodeid.Id) *buckets {
	return &buckets{localID: localID, k: k, lists: [][]Node{nil}}
}

func (b *buckets) setID(id nodeid.Id) {
	b.lists = [][]Node{nil}
	b.localID = id
}

func (b *buckets) count() int {
	n := 0
	for _, bucket := range b.lists {
		n += len(bucket)
	}
	return n
}

func (b *buckets) destIndexForID(id nodeid.Id) int {
	cpl := b.localID.MatchingPrefixBits(id)
	if cpl > len(b.lists)-1 {
		cpl = len(b.lists) - 1
	}
	return cpl
}

func (b *buckets) getNodeIndex(id nodeid.Id) (bucketIdx, nodeIdx int, ok bool) {
	bucketIdx = b.destIndexForID(id)
	for i, n := range b.lists[bucketIdx] {
		if n.ID == id {
			return bucketIdx, i, true
		}
	}
	return bucketIdx, -1, false
}

func (b *buckets) get(id nodeid.Id) (Node, bool) {
	bi, ni, ok := b.getNodeIndex(id)
	if !ok {
		return Node{}, false
	}
	return b.lists[bi][ni], true
}

func (b *buckets) update(node Node) bool {
	bi, ni, ok := b.getNodeIndex(node.ID)
	if !ok {
		return false
	}
	b.lists[bi][ni] = node
	return true
}

// add inserts node, splitting/spilling as needed. Nodes that overflow the
// deepest bucket and can't find a home are appended to chump (if non-nil)
// rather than retained.
func (b *buckets) add(node Node, chump *[]Node) {
	if node.ID == b.localID {
		return
	}
	idx := b.destIndexForID(node.ID)
	b.lists[idx] = append(b.lists[idx], node)
	b.handleOverflow(idx, chump)
}

func (b *buckets) handleOverflow(bucketIndex int, chump *[]Node) {
	for bucketIndex < len(b.lists) {
		if len(b.lists[bucketIndex]) > b.k {
			if bucketIndex == len(b.lists)-1 {
				b.lists = append(b.lists, nil)
			}

			// Re-home nodes whose ideal bucket has moved (relevant when
			// localID changed and this is called with bucketIndex 0).
			cur := b.lists[bucketIndex]
			kept := cur[:0]
			for _, n := range cur {
				ideal := b.destIndexForID(n.ID)
				if ideal != bucketIndex {
					b.lists[ideal] = append(b.lists[ideal], n)
				} else {
					kept = append(kept, n)
				}
			}
			b.lists[bucketIndex] = kept

			if len(b.lists[bucketIndex]) > b.k {
				sort.SliceStable(b.lists[bucketIndex], func(i, j int) bool {
					return b.lists[bucketIndex][i].FirstSeen.Before(b.lists[bucketIndex][j].FirstSeen)
				})
				overflow := b.lists[bucketIndex][b.k:]
				b.lists[bucketIndex] = b.lists[bucketIndex][:b.k]
				if chump != nil {
					*chump = append(*chump, overflow...)
				}
			}
		}
		bucketIndex++
	}
}

func (b *buckets) remove(id nodeid.Id) (Node, bool) {
	bi, ni, ok := b.getNodeIndex(id)
	if !ok {
		return Node{}, false
	}
	removed := b.lists[bi][ni]
	last := len(b.lists[bi]) - 1
	b.lists[bi][ni] = b.lists[bi][last]
	b.lists[bi] = b.lists[bi][:last]
	return removed, true
}

func (b *buckets) values() []Node {
	var out []Node
	for _, bucket := range b.lists {
		out = append(out, bucket...)
	}
	return out
}

func (b *buckets) contains(id nodeid.Id) bool {
	_, _, ok := b.getNodeIndex(id)
	return ok
}

func (b *buckets) retain(keep func(Node) bool) {
	for i, bucket := range b.lists {
		filtered := bucket[:0]
		for _, n := range bucket {
			if keep(n) {
				filtered = append(filtered, n)
			}
		}
		b.lists[i] = filtered
	}
}

// nearest returns up to k nodes sorted ascending by XOR distance to id,
// excluding exclude if non-nil. Ties are broken by first-seen ascending
// (table/sort.SliceStable preserves bucket-iteration order for ties that
// are truly simultaneous).
func (b *buckets) nearest(id nodeid.Id, exclude *nodeid.Id) []Node {
	all := b.values()
	filtered := all[:0]
	for _, n := range all {
		if exclude != nil && n.ID == *exclude {
			continue
		}
		filtered = append(filtered, n)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		di := filtered[i].ID.Xor(id)
		dj := filtered[j].ID.Xor(id)
		if di == dj {
			return filtered[i].FirstSeen.Before(filtered[j].FirstSeen)
		}
		return di.Less(dj)
	})
	if len(filtered) > b.k {
		filtered = filtered[:b.k]
	}
	return filtered
}

// Package routingtable implements the Kademlia-style bucketed routing
// table: parallel verified/unverified bucket tables, splitting and
// spillover, pruning, and an integrated IP blocklist.
package routingtable

import (
	"net"
	"sync"
	"time"

	"github.com/yiilian/dht-node/internal/blocklist"
	"github.com/yiilian/dht-node/internal/nodeid"
)

// Table owns the verified and unverified bucket tables plus a shared
// blocklist and whitelist. Safe for concurrent use.
type Table struct {
	mu         sync.Mutex
	verified   *buckets
	unverified *buckets
	blockList  *blocklist.List
	whitelist  map[string]bool

	// onVerifiedCountChange is invoked with the current verified count
	// whenever it may have changed, letting the controller keep
	// State.IsJoinKad current without the table depending on the controller.
	onVerifiedCountChange func(count int)
}

// New creates a Table with bucket size k, seeded with localID, sharing
// blockList with the firewall layer.
func New(k int, localID nodeid.Id, blockList *blocklist.List) *Table {
	return &Table{
		verified:   newBuckets(k, localID),
		unverified: newBuckets(k, localID),
		blockList:  blockList,
		whitelist:  make(map[string]bool),
	}
}

// OnVerifiedCountChange registers a callback invoked after any mutation
// that may change the verified node count (used to drive State.IsJoinKad).
func (t *Table) OnVerifiedCountChange(fn func(count int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onVerifiedCountChange = fn
}

func (t *Table) notifyVerifiedCount() {
	if t.onVerifiedCountChange != nil {
		t.onVerifiedCountChange(t.verified.count())
	}
}

// Whitelist adds ip to the addresses that always pass BEP-42 checks and
// that AddBlockList refuses to block (used for configured bootstrap
// routers). Entries put straight into the shared blocklist, as the
// firewall and timed-out queries do, are not filtered by it.
func (t *Table) Whitelist(ip net.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.whitelist[ip.String()] = true
}

// IsBlocked reports whether addr is currently on the shared blocklist.
func (t *Table) IsBlocked(addr *net.UDPAddr) bool {
	return t.blockList.Contains(addr.IP, addr.Port)
}

// Whitelisted returns a snapshot of the whitelisted IP set, for BEP-42
// validation performed outside the table (the router service).
func (t *Table) Whitelisted() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.whitelist))
	for k, v := range t.whitelist {
		out[k] = v
	}
	return out
}

// AddOrUpdate inserts or refreshes node. verified=true promotes/updates in
// the verified table (falling back to unverified on overflow); verified=false
// only refreshes last-seen or inserts unverified.
func (t *Table) AddOrUpdate(node Node, verified bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr := &net.UDPAddr{IP: net.ParseIP(node.IP), Port: node.Port}
	if t.blockList.Contains(addr.IP, addr.Port) {
		return blocklistErr(node.IP, node.Port)
	}

	if verified {
		t.addOrUpdateVerified(node)
	} else {
		t.addOrUpdateLastSeen(node)
	}

	t.notifyVerifiedCount()
	return nil
}

func (t *Table) addOrUpdateLastSeen(node Node) {
	now := time.Now()
	if existing, ok := t.verified.get(node.ID); ok {
		existing.LastSeen = now
		t.verified.update(existing)
		return
	}
	if existing, ok := t.unverified.get(node.ID); ok {
		existing.LastSeen = now
		t.unverified.update(existing)
		return
	}
	if node.FirstSeen.IsZero() {
		node.FirstSeen = now
	}
	node.LastSeen = now
	t.unverified.add(node, nil)
}

func (t *Table) addOrUpdateVerified(node Node) {
	now := time.Now()

	if existing, ok := t.unverified.remove(node.ID); ok {
		existing.LastSeen = now
		existing.LastVerified = now
		var chump []Node
		t.verified.add(existing, &chump)
		for _, c := range chump {
			t.unverified.add(c, nil)
		}
		return
	}

	if existing, ok := t.verified.get(node.ID); ok {
		existing.LastSeen = now
		existing.LastVerified = now
		t.verified.update(existing)
		return
	}

	if node.FirstSeen.IsZero() {
		node.FirstSeen = now
	}
	node.LastSeen = now
	node.LastVerified = now
	var chump []Node
	t.verified.add(node, &chump)
	for _, c := range chump {
		t.unverified.add(c, nil)
	}
}

// Remove deletes id from whichever table holds it.
func (t *Table) Remove(id nodeid.Id) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.verified.remove(id); ok {
		t.notifyVerifiedCount()
		return n, true
	}
	if n, ok := t.unverified.remove(id); ok {
		t.notifyVerifiedCount()
		return n, true
	}
	return Node{}, false
}

// AddBlockList blocklists addr for duration (0 = forever) and, if dstID is
// non-nil, removes that node from the table. Whitelisted addresses are
// never blocked.
func (t *Table) AddBlockList(ip net.IP, port int, dstID *nodeid.Id, duration time.Duration) {
	t.mu.Lock()
	whitelisted := t.whitelist[ip.String()]
	t.mu.Unlock()
	if whitelisted {
		return
	}
	t.blockList.Insert(ip, port, duration)
	if dstID != nil {
		t.Remove(*dstID)
	}
}

// GetNearestNodes returns up to k verified nodes nearest to id by XOR
// distance, excluding exclude if non-nil.
func (t *Table) GetNearestNodes(id nodeid.Id, exclude *nodeid.Id) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.verified.nearest(id, exclude)
}

// Count returns (unverifiedCount, verifiedCount).
func (t *Table) Count() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unverified.count(), t.verified.count()
}

// AllVerified returns a snapshot of every verified node.
func (t *Table) AllVerified() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.verified.values()
}

// AllUnverified returns a snapshot of every unverified node.
func (t *Table) AllUnverified() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unverified.values()
}

// Prune evicts verified nodes not re-verified within gracePeriod, and
// unverified nodes that are neither recently verified nor recently seen
// within unverifiedGracePeriod.
func (t *Table) Prune(gracePeriod, unverifiedGracePeriod time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-gracePeriod)
	unverifiedCutoff := now.Add(-unverifiedGracePeriod)

	t.verified.retain(func(n Node) bool {
		return !n.LastVerified.IsZero() && !n.LastVerified.Before(cutoff)
	})

	t.unverified.retain(func(n Node) bool {
		if !n.LastVerified.IsZero() && !n.LastVerified.Before(cutoff) {
			return true
		}
		return !n.LastSeen.Before(cutoff) && !n.LastSeen.Before(unverifiedCutoff)
	})

	t.notifyVerifiedCount()
}

// SetID regenerates both bucket tables under a new local id, dropping all
// entries; distances to the old id are meaningless under the new one.
func (t *Table) SetID(id nodeid.Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verified.setID(id)
	t.unverified.setID(id)
	t.notifyVerifiedCount()
}

type blockedErr struct {
	ip   string
	port int
}

func (e *blockedErr) Error() string {
	return "routingtable: address is blocked"
}

func blocklistErr(ip string, port int) error {
	return &blockedErr{ip: ip, port: port}
}

package routingtable

import (
	"net"
	"testing"
	"time"

	"github.com/yiilian/dht-node/internal/blocklist"
	"github.com/yiilian/dht-node/internal/nodeid"
)

func netIP(s string) net.IP { return net.ParseIP(s) }

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func newTestTable(k int) *Table {
	local := nodeid.FromRandom()
	return New(k, local, blocklist.New(1000))
}

func TestAddOrUpdateUnverifiedThenVerify(t *testing.T) {
	tbl := newTestTable(8)
	n := Node{ID: nodeid.FromRandom(), IP: "1.2.3.4", Port: 6881}

	if err := tbl.AddOrUpdate(n, false); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	unv, v := tbl.Count()
	if unv != 1 || v != 0 {
		t.Fatalf("counts = (%d, %d), want (1, 0)", unv, v)
	}

	if err := tbl.AddOrUpdate(n, true); err != nil {
		t.Fatalf("AddOrUpdate verified: %v", err)
	}
	unv, v = tbl.Count()
	if unv != 0 || v != 1 {
		t.Fatalf("counts = (%d, %d), want (0, 1)", unv, v)
	}
}

func TestGetNearestNodesSortedAndBounded(t *testing.T) {
	tbl := newTestTable(4)
	target := nodeid.FromRandom()

	for i := 0; i < 20; i++ {
		n := Node{ID: nodeid.FromRandom(), IP: "10.0.0.1", Port: 1000 + i}
		_ = tbl.AddOrUpdate(n, true)
	}

	nearest := tbl.GetNearestNodes(target, nil)
	if len(nearest) > 4 {
		t.Fatalf("len(nearest) = %d, want <= 4", len(nearest))
	}
	for i := 1; i < len(nearest); i++ {
		prevDist := nearest[i-1].ID.Xor(target)
		curDist := nearest[i].ID.Xor(target)
		if curDist.Less(prevDist) {
			t.Fatalf("nearest not sorted ascending at index %d", i)
		}
	}
}

func TestPruneEvictsStale(t *testing.T) {
	tbl := newTestTable(8)
	n := Node{ID: nodeid.FromRandom(), IP: "1.2.3.4", Port: 1}
	_ = tbl.AddOrUpdate(n, true)

	tbl.mu.Lock()
	for i, v := range tbl.verified.lists[0] {
		if v.ID == n.ID {
			tbl.verified.lists[0][i].LastVerified = time.Now().Add(-time.Hour)
		}
	}
	tbl.mu.Unlock()

	tbl.Prune(time.Minute, time.Minute)
	_, v := tbl.Count()
	if v != 0 {
		t.Fatalf("expected stale verified node pruned, v = %d", v)
	}
}

func TestBlockedAddressRejected(t *testing.T) {
	bl := blocklist.New(10)
	local := nodeid.FromRandom()
	tbl := New(8, local, bl)

	n := Node{ID: nodeid.FromRandom(), IP: "9.9.9.9", Port: 1}
	bl.Insert(netIP(n.IP), n.Port, 0)

	if err := tbl.AddOrUpdate(n, false); err == nil {
		t.Fatalf("expected error for blocked address")
	}
}

func TestRemoveAndBlockList(t *testing.T) {
	tbl := newTestTable(8)
	id := nodeid.FromRandom()
	n := Node{ID: id, IP: "2.2.2.2", Port: 5}
	_ = tbl.AddOrUpdate(n, true)

	tbl.AddBlockList(netIP(n.IP), n.Port, &id, time.Minute)
	if _, ok := tbl.Remove(id); ok {
		t.Fatalf("node should already have been removed by AddBlockList")
	}
	if !tbl.IsBlocked(udpAddr(n.IP, n.Port)) {
		t.Fatalf("address should be blocked")
	}
}

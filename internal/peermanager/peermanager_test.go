package peermanager

import (
	"testing"
	"time"

	"github.com/yiilian/dht-node/internal/nodeid"
)

func TestAnnounceAndPeers(t *testing.T) {
	m, err := New(16, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ih := nodeid.FromRandom()
	now := time.Now()
	m.Announce(ih, PeerAddr{IP: "1.2.3.4", Port: 6881}, now)
	m.Announce(ih, PeerAddr{IP: "5.6.7.8", Port: 6882}, now)

	peers := m.Peers(ih, now.Add(-time.Second), 0)
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}

	stale := m.Peers(ih, now.Add(time.Second), 0)
	if len(stale) != 0 {
		t.Fatalf("expected no peers newer than the future, got %d", len(stale))
	}
}

func TestBoundedInfohashes(t *testing.T) {
	m, err := New(2, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.Announce(nodeid.FromRandom(), PeerAddr{IP: "1.1.1.1", Port: 1}, now)
	}
	if m.Len() > 2 {
		t.Fatalf("Len() = %d, want <= 2", m.Len())
	}
}

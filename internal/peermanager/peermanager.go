// Package peermanager tracks, per infohash, the set of peer addresses most
// recently announced on the DHT, bounded at two levels so memory use can't
// grow without limit: a fixed number of tracked infohashes, each holding a
// fixed number of peers.
package peermanager

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yiilian/dht-node/internal/metrics"
	"github.com/yiilian/dht-node/internal/nodeid"
)

// PeerAddr is a peer's externally reachable IPv4 address and port.
type PeerAddr struct {
	IP   string
	Port int
}

func (p PeerAddr) Bytes() []byte {
	b := make([]byte, 6)
	ip := net.ParseIP(p.IP).To4()
	copy(b[:4], ip)
	b[4] = byte(p.Port >> 8)
	b[5] = byte(p.Port)
	return b
}

type peerEntry struct {
	addr        PeerAddr
	lastUpdated time.Time
}

// Manager is the two-level LRU: infohash -> LRU(peer addr -> last seen).
type Manager struct {
	mu          sync.Mutex
	infohashes  *lru.Cache[nodeid.Id, *lru.Cache[PeerAddr, peerEntry]]
	perInfohash int
}

// New creates a Manager that tracks at most maxInfohashes distinct
// infohashes, each holding up to maxPeersPerInfohash peer addresses.
func New(maxInfohashes, maxPeersPerInfohash int) (*Manager, error) {
	cache, err := lru.New[nodeid.Id, *lru.Cache[PeerAddr, peerEntry]](maxInfohashes)
	if err != nil {
		return nil, err
	}
	return &Manager{infohashes: cache, perInfohash: maxPeersPerInfohash}, nil
}

// Announce records that addr was announced for infohash at now.
func (m *Manager) Announce(infohash nodeid.Id, addr PeerAddr, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers, ok := m.infohashes.Get(infohash)
	if !ok {
		var err error
		peers, err = lru.New[PeerAddr, peerEntry](m.perInfohash)
		if err != nil {
			return
		}
		m.infohashes.Add(infohash, peers)
	}
	peers.Add(addr, peerEntry{addr: addr, lastUpdated: now})
	metrics.PeerManagerInfohashes.Set(float64(m.infohashes.Len()))
}

// Peers returns up to limit peers recorded for infohash no earlier than
// newerThan.
func (m *Manager) Peers(infohash nodeid.Id, newerThan time.Time, limit int) []PeerAddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers, ok := m.infohashes.Get(infohash)
	if !ok {
		return nil
	}
	var out []PeerAddr
	for _, key := range peers.Keys() {
		entry, ok := peers.Peek(key)
		if !ok {
			continue
		}
		if entry.lastUpdated.Before(newerThan) {
			continue
		}
		out = append(out, entry.addr)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len reports the number of infohashes currently tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infohashes.Len()
}

// Package transaction implements the KRPC transaction manager: minting
// and tracking outbound query transaction ids, matching inbound replies
// back to their waiter, answering inbound queries as a service.Handler,
// and driving the iterative find_node/get_peers/announce_peer lookups.
package transaction

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/blocklist"
	"github.com/yiilian/dht-node/internal/dhtstate"
	"github.com/yiilian/dht-node/internal/ipconsensus"
	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/peermanager"
	"github.com/yiilian/dht-node/internal/routingtable"
)

// Sender is the outbound half of the UDP socket. Kept as a narrow
// interface so the manager can be tested without a real socket, and so
// internal/udpserver can own the actual net.UDPConn.
type Sender interface {
	WriteTo(data []byte, addr *net.UDPAddr) error
}

// Config holds the subset of config.Settings the manager needs, copied in
// rather than importing the config package directly to keep transaction
// free of any dependency on it.
type Config struct {
	BucketSize          int
	MaxPeersResponse     int
	SendQueryTimeout     time.Duration
	SendNextQueryInterval time.Duration
	OutgoingRequestPrune time.Duration
	GetPeersFreshness    time.Duration
	FindNodesSkipCount   int
	ReadOnly             bool
	TimeoutBlockDuration time.Duration
}

// pending is one outstanding outbound query awaiting a reply.
type pending struct {
	kind        krpc.QueryKind
	fingerprint string // kind plus target/infohash, for duplicate suppression
	remote      *net.UDPAddr
	expectedID  *nodeid.Id
	createdAt   time.Time
	result      chan queryResult // buffered(1)
}

type queryResult struct {
	reply *krpc.Reply
	err   error
}

// Manager owns the pending-transaction table, the routing table, the
// peer manager, the node-wide mutable state, and the socket it sends
// through. It implements service.Handler.
type Manager struct {
	cfg       Config
	table     *routingtable.Table
	state     *dhtstate.State
	blocks    *blocklist.List
	peers     *peermanager.Manager
	consensus *ipconsensus.Consensus
	sender    Sender
	logger    *zap.Logger

	tidCounter uint32

	mu      sync.Mutex
	pending map[string]*pending // key: pendingKey(tid, remote), hex(tid)+"|"+remote.String()
}

// New builds a Manager. sender is set later via SetSender if the socket
// isn't ready yet at construction time (it usually is not: the socket
// needs the manager as its service.Handler first).
func New(cfg Config, table *routingtable.Table, state *dhtstate.State, blocks *blocklist.List, peers *peermanager.Manager, consensus *ipconsensus.Consensus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		table:     table,
		state:     state,
		blocks:    blocks,
		peers:     peers,
		consensus: consensus,
		logger:    logger,
		pending:   make(map[string]*pending),
	}
}

// SetSender wires the outbound socket after construction, breaking the
// udpserver<->transaction construction cycle (the socket's inbound loop
// needs the Manager as its Handler; the Manager needs the socket to send).
func (m *Manager) SetSender(s Sender) {
	m.sender = s
}

func (m *Manager) newTID() []byte {
	n := atomic.AddUint32(&m.tidCounter, 1)
	tid := make([]byte, 2)
	binary.BigEndian.PutUint16(tid, uint16(n))
	return tid
}

func pendingKey(tid []byte, remote *net.UDPAddr) string {
	return fmt.Sprintf("%x|%s", tid, remote.String())
}

// queryFingerprint identifies a query's content for duplicate suppression:
// two queries to the same address with the same fingerprint are "the same
// question" and only one may be in flight at a time.
func queryFingerprint(q *krpc.Query) string {
	switch q.Kind {
	case krpc.QueryFindNode:
		return fmt.Sprintf("%s|%x", q.Kind, q.Target[:])
	case krpc.QueryGetPeers, krpc.QueryAnnouncePeer:
		return fmt.Sprintf("%s|%x", q.Kind, q.InfoHash[:])
	default:
		return string(q.Kind)
	}
}

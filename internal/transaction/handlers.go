package transaction

import (
	"context"
	"net"
	"time"

	"github.com/yiilian/dht-node/internal/dhterr"
	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/metrics"
	"github.com/yiilian/dht-node/internal/peermanager"
	"github.com/yiilian/dht-node/internal/routingtable"
)

// These four methods answer inbound queries from other nodes; Router
// dispatches into them after doing the BEP-42 sanity check and
// unverified-table insertion.

func (m *Manager) HandlePing(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error) {
	metrics.QueriesReceivedTotal.WithLabelValues(string(krpc.QueryPing)).Inc()
	return m.basicReply(q, remote), nil
}

func (m *Manager) HandleFindNode(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error) {
	metrics.QueriesReceivedTotal.WithLabelValues(string(krpc.QueryFindNode)).Inc()
	nodes := m.table.GetNearestNodes(q.Target, nil)
	reply := m.basicReply(q, remote)
	reply.Kind = krpc.ReplyFindNode
	reply.Nodes = toCompactNodes(nodes)
	return reply, nil
}

func (m *Manager) HandleGetPeers(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error) {
	metrics.QueriesReceivedTotal.WithLabelValues(string(krpc.QueryGetPeers)).Inc()

	reply := m.basicReply(q, remote)
	reply.Kind = krpc.ReplyGetPeers
	current, _ := m.state.TokenSecrets()
	reply.Token = calculateToken(remote.IP, current)

	freshness := m.cfg.GetPeersFreshness
	if freshness <= 0 {
		freshness = 900 * time.Second
	}
	peerAddrs := m.peers.Peers(q.InfoHash, time.Now().Add(-freshness), m.cfg.MaxPeersResponse)
	if len(peerAddrs) > 0 {
		reply.Values = make([][]byte, len(peerAddrs))
		for i, pa := range peerAddrs {
			reply.Values[i] = pa.Bytes()
		}
	}

	nodes := m.table.GetNearestNodes(q.InfoHash, &q.SenderID)
	reply.Nodes = toCompactNodes(nodes)
	return reply, nil
}

func (m *Manager) HandleAnnouncePeer(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error) {
	metrics.QueriesReceivedTotal.WithLabelValues(string(krpc.QueryAnnouncePeer)).Inc()

	current, previous := m.state.TokenSecrets()
	if !validToken(remote.IP, q.Token, current, previous) {
		return nil, dhterr.New(dhterr.KindToken, "announce_peer token rejected")
	}

	port := q.Port
	if q.ImpliedPort {
		port = remote.Port
	}
	m.peers.Announce(q.InfoHash, peermanager.PeerAddr{IP: remote.IP.String(), Port: port}, time.Now())

	return m.basicReply(q, remote), nil
}

func (m *Manager) basicReply(q *krpc.Query, remote *net.UDPAddr) *krpc.Reply {
	return &krpc.Reply{
		TID:      q.TID,
		SenderID: m.state.LocalID(),
		Kind:     krpc.ReplyPingOrAnnounce,
		IP:       remote.IP,
		Port:     remote.Port,
	}
}

func toCompactNodes(nodes []routingtable.Node) []krpc.CompactNode {
	out := make([]krpc.CompactNode, 0, len(nodes))
	for _, n := range nodes {
		ip := net.ParseIP(n.IP)
		if ip == nil {
			continue
		}
		out = append(out, krpc.CompactNode{ID: n.ID, IP: ip, Port: n.Port})
	}
	return out
}

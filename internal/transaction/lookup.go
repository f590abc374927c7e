package transaction

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yiilian/dht-node/internal/dhterr"
	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/peermanager"
	"github.com/yiilian/dht-node/internal/routingtable"
)

// alpha is the number of candidates queried concurrently per lookup
// round, the standard Kademlia fan-out factor.
const alpha = 3

// maxLookupRounds bounds an iterative lookup so a pathological or
// adversarial response stream can't keep it spinning forever.
const maxLookupRounds = 20

// FindNode runs the iterative find_node lookup for target: seed from the
// routing table's nearest known nodes, then repeatedly query the closest
// unqueried candidates, merging any nodes they return back into the
// working set. It stops when a round adds no node the working set did not
// already hold, when every candidate has been queried, or after
// maxLookupRounds rounds. Distances are not compared between rounds, so a
// round that adds only nodes farther than the current nearest still counts
// as progress.
func (m *Manager) FindNode(ctx context.Context, target nodeid.Id) ([]krpc.CompactNode, error) {
	working := routingtable.NewWorkingSet(m.cfg.BucketSize, target)
	for _, n := range m.table.GetNearestNodes(target, nil) {
		working.Add(n)
	}

	seen := map[nodeid.Id]bool{}

	for round := 0; round < maxLookupRounds; round++ {
		batch := pickUnqueried(working.Nearest(target, nil), seen, alpha)
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			seen[c.ID] = true
		}

		g, gctx := errgroup.WithContext(ctx)
		resultsCh := make(chan []krpc.CompactNode, len(batch))
		failedCh := make(chan nodeid.Id, len(batch))
		for _, c := range batch {
			c := c
			g.Go(func() error {
				nodes, err := m.findNodeOne(gctx, target, c)
				if err != nil {
					failedCh <- c.ID
					return nil // a dead candidate doesn't abort the round
				}
				resultsCh <- nodes
				return nil
			})
		}
		_ = g.Wait()
		close(resultsCh)
		close(failedCh)
		for id := range failedCh {
			working.Remove(id)
		}

		progressed := false
		for nodes := range resultsCh {
			for _, n := range nodes {
				m.offerUnverified(n)
				if !working.Contains(n.ID) {
					working.Add(toRoutingNode(n))
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
		m.pauseBetweenRounds(ctx)
	}

	return nearestCompact(working.Nearest(target, nil)), nil
}

// offerUnverified candidate-inserts a node learned from a lookup reply
// into the routing table's unverified side, but only when its id holds up
// under BEP-42 for the address it was reported at.
func (m *Manager) offerUnverified(c krpc.CompactNode) {
	if !c.ID.IsValidForIP(c.IP, m.table.Whitelisted()) {
		return
	}
	_ = m.table.AddOrUpdate(toRoutingNode(c), false)
}

// pauseBetweenRounds paces successive lookup rounds per
// send_next_query_interval_sec, so a large working set doesn't blast out
// query waves back to back.
func (m *Manager) pauseBetweenRounds(ctx context.Context) {
	if m.cfg.SendNextQueryInterval <= 0 {
		return
	}
	select {
	case <-time.After(m.cfg.SendNextQueryInterval):
	case <-ctx.Done():
	}
}

func (m *Manager) findNodeOne(ctx context.Context, target nodeid.Id, c krpc.CompactNode) ([]krpc.CompactNode, error) {
	remote := &net.UDPAddr{IP: c.IP, Port: c.Port}
	reply, err := m.SendQuery(ctx, &krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryFindNode, Target: target}, remote, &c.ID)
	if err != nil {
		return nil, err
	}
	return reply.Nodes, nil
}

// GetPeersResult is the outcome of an iterative get_peers lookup: any
// peers found, plus the nearest queried nodes and the token each returned
// (needed to follow up with announce_peer).
type GetPeersResult struct {
	Peers   []peermanager.PeerAddr
	Nearest []TokenedNode
}

// TokenedNode is a node that answered get_peers, paired with the token it
// issued (required by BEP-5 to later announce_peer to that same node).
type TokenedNode struct {
	Node  krpc.CompactNode
	Token []byte
}

// GetPeers runs the iterative get_peers lookup for infohash, identical in
// shape to FindNode but collecting peer values and per-node tokens
// instead of only converging on nearby node ids. With quickMode set,
// returned nodes are not offered to the routing table; each gets a
// fire-and-forget ping instead, letting the reply path verify it later.
func (m *Manager) GetPeers(ctx context.Context, infohash nodeid.Id, quickMode bool) (*GetPeersResult, error) {
	working := routingtable.NewWorkingSet(m.cfg.BucketSize, infohash)
	for _, n := range m.table.GetNearestNodes(infohash, nil) {
		working.Add(n)
	}

	seen := map[nodeid.Id]bool{}
	var peers []peermanager.PeerAddr
	tokens := map[nodeid.Id][]byte{}

	for round := 0; round < maxLookupRounds; round++ {
		batch := pickUnqueried(working.Nearest(infohash, nil), seen, alpha)
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			seen[c.ID] = true
		}

		g, gctx := errgroup.WithContext(ctx)
		type oneResult struct {
			id     nodeid.Id
			failed bool
			token  []byte
			nodes  []krpc.CompactNode
			peers  []peermanager.PeerAddr
		}
		resultsCh := make(chan oneResult, len(batch))
		for _, c := range batch {
			c := c
			g.Go(func() error {
				remote := &net.UDPAddr{IP: c.IP, Port: c.Port}
				reply, err := m.SendQuery(gctx, &krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryGetPeers, InfoHash: infohash}, remote, &c.ID)
				if err != nil {
					resultsCh <- oneResult{id: c.ID, failed: true}
					return nil
				}
				r := oneResult{id: c.ID, token: reply.Token, nodes: reply.Nodes}
				for _, v := range reply.Values {
					ip, port, derr := krpc.DecodePeer(v)
					if derr == nil {
						r.peers = append(r.peers, peermanager.PeerAddr{IP: ip.String(), Port: port})
					}
				}
				resultsCh <- r
				return nil
			})
		}
		_ = g.Wait()
		close(resultsCh)

		progressed := false
		for r := range resultsCh {
			if r.failed {
				working.Remove(r.id)
				continue
			}
			if len(r.token) > 0 {
				tokens[r.id] = r.token
			}
			peers = append(peers, r.peers...)
			for _, n := range r.nodes {
				if quickMode {
					remote := &net.UDPAddr{IP: n.IP, Port: n.Port}
					_ = m.SendQueryNoWait(&krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryPing}, remote)
				} else {
					m.offerUnverified(n)
				}
				if !working.Contains(n.ID) {
					working.Add(toRoutingNode(n))
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
		m.pauseBetweenRounds(ctx)
	}

	var nearest []TokenedNode
	for _, c := range nearestCompact(working.Nearest(infohash, nil)) {
		if tok, ok := tokens[c.ID]; ok {
			nearest = append(nearest, TokenedNode{Node: c, Token: tok})
		}
	}

	return &GetPeersResult{Peers: dedupePeers(peers), Nearest: nearest}, nil
}

// AnnouncePeer runs get_peers to discover the nearest nodes and their
// tokens, then sends announce_peer to each, fanning the sends out
// concurrently. Returns the number of nodes that acknowledged.
func (m *Manager) AnnouncePeer(ctx context.Context, infohash nodeid.Id, port int, impliedPort bool) (int, error) {
	result, err := m.GetPeers(ctx, infohash, false)
	if err != nil {
		return 0, err
	}
	if len(result.Nearest) == 0 {
		return 0, dhterr.New(dhterr.KindGeneral, "no nodes discovered to announce to")
	}

	var acked int32
	g, gctx := errgroup.WithContext(ctx)
	for _, tn := range result.Nearest {
		tn := tn
		g.Go(func() error {
			remote := &net.UDPAddr{IP: tn.Node.IP, Port: tn.Node.Port}
			_, err := m.SendQuery(gctx, &krpc.Query{
				SenderID:    m.state.LocalID(),
				Kind:        krpc.QueryAnnouncePeer,
				InfoHash:    infohash,
				Port:        port,
				Token:       tn.Token,
				ImpliedPort: impliedPort,
			}, remote, &tn.Node.ID)
			if err == nil {
				atomic.AddInt32(&acked, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(atomic.LoadInt32(&acked)), nil
}

func pickUnqueried(nodes []routingtable.Node, seen map[nodeid.Id]bool, n int) []krpc.CompactNode {
	var out []krpc.CompactNode
	for _, rn := range nodes {
		if seen[rn.ID] {
			continue
		}
		ip := net.ParseIP(rn.IP)
		if ip == nil {
			continue
		}
		out = append(out, krpc.CompactNode{ID: rn.ID, IP: ip, Port: rn.Port})
		if len(out) == n {
			break
		}
	}
	return out
}

func toRoutingNode(c krpc.CompactNode) routingtable.Node {
	return routingtable.Node{ID: c.ID, IP: c.IP.String(), Port: c.Port, FirstSeen: time.Now(), LastSeen: time.Now()}
}

func nearestCompact(nodes []routingtable.Node) []krpc.CompactNode {
	return toCompactNodes(nodes)
}

func dedupePeers(peers []peermanager.PeerAddr) []peermanager.PeerAddr {
	seen := map[peermanager.PeerAddr]bool{}
	var out []peermanager.PeerAddr
	for _, p := range peers {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

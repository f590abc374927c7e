package dhtnode

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/routingtable"
)

func pingQuery(localID nodeid.Id) *krpc.Query {
	return &krpc.Query{SenderID: localID, Kind: krpc.QueryPing}
}

// periodicRouterPing pings the bootstrap routers, more often while not
// yet joined to the DHT than once steady-state is reached.
func (n *Node) periodicRouterPing(ctx context.Context) error {
	for {
		cfg := n.cfg.Get()
		interval := time.Duration(cfg.RouterPingIntervalSecs) * time.Second
		if !n.state.IsJoinKad() {
			interval = time.Duration(cfg.RouterPingIfNotJoinIntervalSecs) * time.Second
		}

		n.pingRouters(cfg.Routers)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (n *Node) pingRouters(routers []string) {
	for _, hostname := range routers {
		addr, err := resolveRouter(hostname)
		if err != nil {
			n.logger.Debug("resolving router failed", zap.String("router", hostname), zap.Error(err))
			continue
		}
		n.table.Whitelist(addr.IP)
		if err := n.txMgr.SendQueryNoWait(pingQuery(n.state.LocalID()), addr); err != nil {
			n.logger.Debug("pinging router failed", zap.String("router", hostname), zap.Error(err))
		}
	}
}

func resolveRouter(hostname string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostname)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// periodicBuddyPing prunes stale routing-table entries and re-pings
// every node (verified or not) that hasn't been verified recently.
func (n *Node) periodicBuddyPing(ctx context.Context) error {
	for {
		cfg := n.cfg.Get()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(cfg.PingCheckIntervalSecs) * time.Second):
		}

		if !n.state.IsJoinKad() {
			continue
		}

		n.table.Prune(
			time.Duration(cfg.ReverifyGracePeriodSecs)*time.Second,
			time.Duration(cfg.VerifyGracePeriodSecs)*time.Second,
		)

		pingIfOlderThan := time.Now().Add(-time.Duration(cfg.ReverifyIntervalSecs) * time.Second)

		for _, node := range n.table.AllUnverified() {
			n.reverifyNode(node, pingIfOlderThan)
		}
		for _, node := range n.table.AllVerified() {
			n.reverifyNode(node, pingIfOlderThan)
		}
	}
}

func (n *Node) reverifyNode(node routingtable.Node, pingIfOlderThan time.Time) {
	if !node.LastVerified.IsZero() && node.LastVerified.After(pingIfOlderThan) {
		return
	}
	remote := &net.UDPAddr{IP: net.ParseIP(node.IP), Port: node.Port}
	if err := n.txMgr.SendQueryNoWait(pingQuery(n.state.LocalID()), remote); err != nil {
		n.logger.Debug("reverify ping failed", zap.Stringer("remote", remote), zap.Error(err))
	}
}

// periodicFindNode runs a find_node lookup for an id near our own once
// the routing table has too few unverified candidates to be worth
// skipping a round over.
func (n *Node) periodicFindNode(ctx context.Context) error {
	for {
		cfg := n.cfg.Get()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(cfg.FindNodesIntervalSecs) * time.Second):
		}

		if !n.state.IsJoinKad() || cfg.ReadOnly {
			// A read-only node never volunteers itself into the network
			// via self-refresh lookups.
			continue
		}

		unverifiedCount, verifiedCount := n.table.Count()
		if verifiedCount == 0 {
			n.pingRouters(cfg.Routers)
		}
		if unverifiedCount > cfg.FindNodesSkipCount {
			continue
		}

		target, err := nodeid.MakeMutant(n.state.LocalID(), 4)
		if err != nil {
			continue
		}
		lookupCtx, cancel := context.WithTimeout(ctx, cfg.SendQueryTimeout()*maxLookupRoundsHint)
		_, _ = n.txMgr.FindNode(lookupCtx, target)
		cancel()
	}
}

// maxLookupRoundsHint bounds periodic find_node's own lookup timeout to a
// small multiple of one query timeout, independent of the transaction
// package's internal round cap.
const maxLookupRoundsHint = 5

// periodicIP4Maintenance decays external-IP votes and adopts a
// BEP-42-valid node id for whichever address consensus currently
// favors.
func (n *Node) periodicIP4Maintenance(ctx context.Context) error {
	for {
		cfg := n.cfg.Get()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(cfg.IP4MaintenanceIntervalSec) * time.Second):
		}

		n.consensus.Decay()
		best := n.consensus.Best()
		if best == nil {
			continue
		}
		if !n.state.LocalID().IsValidForIP(best, n.table.Whitelisted()) {
			newID, err := nodeid.FromIP(best)
			if err != nil {
				continue
			}
			n.state.SetLocalID(newID)
			n.table.SetID(newID)
		}
	}
}

// periodicTokenRotation rotates the get_peers/announce_peer token secret
// pair.
func (n *Node) periodicTokenRotation(ctx context.Context) error {
	for {
		cfg := n.cfg.Get()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(cfg.TokenRefreshIntervalSec) * time.Second):
		}
		n.state.RotateTokenSecret()
	}
}

// mqlogPurgeIntervalSec is how often the append-only log's retention
// sweep runs, the same order of magnitude as the blocklist sweep.
const mqlogPurgeIntervalSec = 300

// periodicMQLogPurge evicts segments beyond the configured retention
// window from every topic the append-only log has opened so far.
func (n *Node) periodicMQLogPurge(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(mqlogPurgeIntervalSec * time.Second):
		}
		if err := n.log.Purge(); err != nil {
			n.logger.Warn("mqlog purge failed", zap.Error(err))
		}
	}
}

// periodicBlocklistAndFirewallPrune evicts expired blocklist entries and
// idle firewall trackers.
func (n *Node) periodicBlocklistAndFirewallPrune(ctx context.Context) error {
	for {
		cfg := n.cfg.Get()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(cfg.BlocklistPruneIntervalSec) * time.Second):
		}
		now := time.Now()
		n.blocks.Prune(now)
		n.fw.PruneIdle(now)
	}
}

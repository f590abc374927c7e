package transaction

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/dhterr"
	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/metrics"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/routingtable"
)

// SendQuery sends q to remote and blocks until a matching reply arrives,
// ctx is cancelled, or the configured send-query timeout elapses,
// whichever comes first. expectedID, if non-nil, must match the reply's
// sender id for the reply to settle the transaction.
func (m *Manager) SendQuery(ctx context.Context, q *krpc.Query, remote *net.UDPAddr, expectedID *nodeid.Id) (*krpc.Reply, error) {
	if m.cfg.ReadOnly {
		return nil, dhterr.New(dhterr.KindGeneral, "read-only node does not send queries")
	}
	q.TID = m.newTID()
	q.ReadOnly = m.cfg.ReadOnly

	p := &pending{
		kind:        q.Kind,
		fingerprint: queryFingerprint(q),
		remote:      remote,
		expectedID:  expectedID,
		createdAt:   time.Now(),
		result:      make(chan queryResult, 1),
	}
	key := pendingKey(q.TID, remote)
	m.mu.Lock()
	for _, other := range m.pending {
		if other.fingerprint == p.fingerprint && other.remote.String() == remote.String() {
			m.mu.Unlock()
			return nil, dhterr.New(dhterr.KindTransaction, "identical query already in flight to this address")
		}
	}
	m.pending[key] = p
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	if err := m.sender.WriteTo(krpc.EncodeQuery(q), remote); err != nil {
		m.failRemote(remote, expectedID)
		return nil, dhterr.Wrap(dhterr.KindNet, "sending query", err)
	}
	metrics.QueriesSentTotal.WithLabelValues(string(q.Kind)).Inc()

	timeout := m.cfg.SendQueryTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		metrics.TransactionDuration.WithLabelValues(string(q.Kind)).Observe(time.Since(p.createdAt).Seconds())
		return res.reply, res.err
	case <-timer.C:
		metrics.TransactionTimeoutsTotal.WithLabelValues(string(q.Kind)).Inc()
		m.failRemote(remote, expectedID)
		return nil, dhterr.New(dhterr.KindTimeout, "query timed out waiting for reply")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failRemote blocklists a peer that timed out or could not be reached and,
// when the caller knew which node it was querying, drops that node from
// the routing table.
func (m *Manager) failRemote(remote *net.UDPAddr, expectedID *nodeid.Id) {
	if m.cfg.TimeoutBlockDuration > 0 {
		m.blocks.Insert(remote.IP, remote.Port, m.cfg.TimeoutBlockDuration)
		metrics.BlocklistInsertsTotal.WithLabelValues("timeout").Inc()
	}
	if expectedID != nil {
		m.table.Remove(*expectedID)
	}
}

// SendQueryNoWait sends q to remote without waiting for or even
// registering a transaction to match a reply against; used for
// router pings and other fire-and-forget probes where any reply is
// simply dropped.
func (m *Manager) SendQueryNoWait(q *krpc.Query, remote *net.UDPAddr) error {
	if m.cfg.ReadOnly {
		return nil
	}
	q.TID = m.newTID()
	q.ReadOnly = m.cfg.ReadOnly
	if err := m.sender.WriteTo(krpc.EncodeQuery(q), remote); err != nil {
		return dhterr.Wrap(dhterr.KindNet, "sending query", err)
	}
	metrics.QueriesSentTotal.WithLabelValues(string(q.Kind)).Inc()
	return nil
}

// HandleReply matches an inbound reply to its pending transaction and
// delivers it to the waiter. A reply with no matching transaction (late,
// duplicate, or spoofed), with the wrong sender id, or with a shape that
// doesn't answer the query kind leaves the transaction in place and is
// silently dropped — only a reply satisfying (tid, addr, expected id,
// kind) settles the transaction.
func (m *Manager) HandleReply(ctx context.Context, r *krpc.Reply, remote *net.UDPAddr) error {
	key := pendingKey(r.TID, remote)

	m.mu.Lock()
	p, ok := m.pending[key]
	if ok {
		if p.expectedID != nil && r.SenderID != *p.expectedID {
			ok = false
		} else if krpc.QueryKindForReply(p.kind) != r.Kind {
			ok = false
		} else {
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	metrics.RepliesReceivedTotal.WithLabelValues(string(p.kind)).Inc()

	// A sender whose id checks out under BEP-42 earns a vote on our
	// external address (from the "ip" field it echoed back) and a
	// verified routing-table entry.
	if r.SenderID.IsValidForIP(remote.IP, m.table.Whitelisted()) {
		if m.consensus != nil && r.IP != nil {
			m.consensus.AddVote(r.IP)
		}
		node := routingtable.Node{ID: r.SenderID, IP: remote.IP.String(), Port: remote.Port}
		_ = m.table.AddOrUpdate(node, true)
	}

	if m.blocks.Contains(remote.IP, remote.Port) {
		return nil
	}

	p.result <- queryResult{reply: r}
	return nil
}

// RunCleanupLoop periodically prunes transactions that have sat pending
// past the outgoing-request-prune window (their sender presumably died
// mid-flight rather than replying at all) until ctx is cancelled.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pruneExpired(logger)
		}
	}
}

func (m *Manager) pruneExpired(logger *zap.Logger) {
	cutoff := time.Now().Add(-m.cfg.OutgoingRequestPrune)
	var expired []*pending

	m.mu.Lock()
	for key, p := range m.pending {
		if p.createdAt.Before(cutoff) {
			expired = append(expired, p)
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		select {
		case p.result <- queryResult{err: dhterr.New(dhterr.KindTimeout, "transaction pruned")}:
		default:
		}
		if logger != nil {
			logger.Debug("pruned stale transaction", zap.String("kind", string(p.kind)), zap.Stringer("remote", p.remote))
		}
	}
}

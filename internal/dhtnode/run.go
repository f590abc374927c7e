package dhtnode

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run starts every goroutine the node needs (the UDP socket, the
// supervisory HTTP server, the transaction cleanup loop, and every
// periodic maintenance loop) and blocks until ctx is cancelled or one
// of them returns an error.
func (n *Node) Run(ctx context.Context) error {
	cfg := n.cfg.Get()

	n.pingPersistOnce(cfg.PersistPathFor(n.port))

	if n.enableHTTP {
		if err := n.http.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.socket.Run(gctx) })
	g.Go(func() error {
		n.txMgr.RunCleanupLoop(gctx, durationSecs(cfg.TransactionCleanupIntervalSec), n.logger)
		return nil
	})
	g.Go(func() error { return n.periodicRouterPing(gctx) })
	g.Go(func() error { return n.periodicBuddyPing(gctx) })
	g.Go(func() error { return n.periodicFindNode(gctx) })
	g.Go(func() error { return n.periodicIP4Maintenance(gctx) })
	g.Go(func() error { return n.periodicTokenRotation(gctx) })
	g.Go(func() error { return n.periodicBlocklistAndFirewallPrune(gctx) })
	g.Go(func() error { return n.fetcher.Run(gctx) })
	g.Go(func() error { return n.periodicMQLogPurge(gctx) })

	err := g.Wait()

	if persistErr := n.writePersistedNodes(cfg.PersistPathFor(n.port)); persistErr != nil {
		n.logger.Warn("failed to persist node list on shutdown", zap.Error(persistErr))
	}

	return err
}

// Shutdown closes the append-only log and stops the supervisory HTTP
// server, if this Node runs one. The UDP socket and periodic loops stop on
// their own once Run's ctx is cancelled by the caller; Shutdown handles
// the pieces Run doesn't own.
func (n *Node) Shutdown(ctx context.Context) error {
	if logErr := n.log.Close(); logErr != nil {
		n.logger.Warn("failed to close append-only log cleanly", zap.Error(logErr))
	}
	if !n.enableHTTP {
		return nil
	}
	return n.http.Shutdown(ctx)
}

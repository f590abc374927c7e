package peerwire

import (
	"context"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yiilian/dht-node/internal/bencode"
	"github.com/yiilian/dht-node/internal/metrics"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/service"
)

// MetadataSink receives a verified metadata dict for an infohash, for the
// caller to push onto the append-only log (internal/mqlog) or otherwise
// record. Kept as an interface to avoid peerwire depending on mqlog.
type MetadataSink interface {
	RecordMetadata(infoHash nodeid.Id, metadata bencode.Value)
}

// Listener drains a service.EventLayer's announce_peer events and fetches
// metadata for each infohash it hasn't already tried, bounded by a worker
// pool so a burst of announces can't open unbounded TCP connections.
// Already-tried infohashes are remembered in a bounded LRU so a popular
// torrent doesn't get re-fetched on every announce.
type Listener struct {
	events      <-chan service.AnnounceEvent
	seen        *lru.Cache[nodeid.Id, struct{}]
	localPeerID nodeid.Id
	timeout     time.Duration
	workers     int
	sink        MetadataSink
	logger      *zap.Logger
}

// NewListener builds a Listener. seenSize bounds how many distinct
// infohashes are remembered to avoid re-fetching; workers bounds
// concurrent in-flight TCP fetches.
func NewListener(events <-chan service.AnnounceEvent, seenSize, workers int, timeout time.Duration, sink MetadataSink, logger *zap.Logger) (*Listener, error) {
	cache, err := lru.New[nodeid.Id, struct{}](seenSize)
	if err != nil {
		return nil, err
	}
	return &Listener{
		events:      events,
		seen:        cache,
		localPeerID: nodeid.FromRandom(),
		timeout:     timeout,
		workers:     workers,
		sink:        sink,
		logger:      logger,
	}, nil
}

// Run drains events until ctx is cancelled, fanning fetches out across a
// bounded pool of goroutines.
func (l *Listener) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case ev, ok := <-l.events:
			if !ok {
				return g.Wait()
			}
			if !l.shouldFetch(ev.InfoHash) {
				continue
			}
			g.Go(func() error {
				l.fetchOne(gctx, ev)
				return nil
			})
		}
	}
}

func (l *Listener) shouldFetch(infoHash nodeid.Id) bool {
	if _, ok := l.seen.Get(infoHash); ok {
		return false
	}
	l.seen.Add(infoHash, struct{}{})
	return true
}

func (l *Listener) fetchOne(ctx context.Context, ev service.AnnounceEvent) {
	peerAddr := &net.TCPAddr{IP: ev.Peer.IP, Port: ev.Peer.Port}
	fetchCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	metadata, err := FetchMetadata(fetchCtx, peerAddr, ev.InfoHash, l.localPeerID, l.timeout)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.MetadataFetchDuration.WithLabelValues("error").Observe(elapsed)
		l.logger.Debug("metadata fetch failed",
			zap.Stringer("peer", ev.Peer), zap.String("infohash", ev.InfoHash.String()), zap.Error(err))
		return
	}
	metrics.MetadataFetchDuration.WithLabelValues("ok").Observe(elapsed)
	l.logger.Info("metadata fetched",
		zap.Stringer("peer", ev.Peer), zap.String("infohash", ev.InfoHash.String()))
	if l.sink != nil {
		l.sink.RecordMetadata(ev.InfoHash, metadata)
	}
}

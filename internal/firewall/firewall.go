// Package firewall implements the per-source rate-limit middleware:
// track access counts and a sliding rate per source address, blocklisting
// sources that exceed the configured limit.
package firewall

import (
	"context"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yiilian/dht-node/internal/blocklist"
	"github.com/yiilian/dht-node/internal/dhterr"
	"github.com/yiilian/dht-node/internal/metrics"
	"github.com/yiilian/dht-node/internal/service"
)

// accessTrack is the per-source bookkeeping behind the rate computation.
type accessTrack struct {
	windowBegin time.Time
	accessTimes int
	lastAccess  time.Time
}

// baselineFloor is the access count below which RPS is never considered
// over limit, avoiding false positives from a handful of early packets.
const baselineFloor = 10

// Config bounds the firewall's behavior.
type Config struct {
	MaxTrace        int // bounded number of tracked source addresses
	LimitPerSec     float64
	BlockDuration   time.Duration
	WindowSizeSec   int // idle trackers older than this are pruned
}

// Firewall is the stateful half of the firewall middleware: a bounded map
// of per-source access trackers plus the shared blocklist.
type Firewall struct {
	mu        sync.Mutex
	tracks    *lru.Cache[string, *accessTrack]
	blockList *blocklist.List
	cfg       Config
}

// New creates a Firewall sharing blockList with the routing table.
func New(cfg Config, blockList *blocklist.List) (*Firewall, error) {
	cache, err := lru.New[string, *accessTrack](cfg.MaxTrace)
	if err != nil {
		return nil, err
	}
	return &Firewall{tracks: cache, blockList: blockList, cfg: cfg}, nil
}

// check increments the tracker for addr and returns an error if the
// computed requests-per-second exceeds the configured limit (also
// blocklisting addr for BlockDuration in that case).
func (fw *Firewall) check(addr *net.UDPAddr) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := time.Now()
	key := addr.IP.String()
	track, ok := fw.tracks.Get(key)
	if !ok {
		track = &accessTrack{windowBegin: now}
		fw.tracks.Add(key, track)
	}
	track.accessTimes++
	track.lastAccess = now

	elapsedMs := now.Sub(track.windowBegin).Milliseconds()
	if elapsedMs <= 0 {
		elapsedMs = 1
	}
	rps := 1000 * float64(track.accessTimes) / float64(elapsedMs)

	if track.accessTimes > baselineFloor && rps > fw.cfg.LimitPerSec {
		fw.blockList.Insert(addr.IP, addr.Port, fw.cfg.BlockDuration)
		metrics.FirewallRejectionsTotal.WithLabelValues("rate_limited").Inc()
		metrics.BlocklistInsertsTotal.WithLabelValues("rate_limit").Inc()
		return dhterr.New(dhterr.KindBlockList, "source exceeded rate limit")
	}
	return nil
}

// PruneIdle evicts trackers whose last access is older than WindowSizeSec.
// Intended to run from a periodic loop.
func (fw *Firewall) PruneIdle(now time.Time) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	cutoff := now.Add(-time.Duration(fw.cfg.WindowSizeSec) * time.Second)
	evicted := 0
	for _, key := range fw.tracks.Keys() {
		track, ok := fw.tracks.Peek(key)
		if !ok {
			continue
		}
		if track.lastAccess.Before(cutoff) {
			fw.tracks.Remove(key)
			evicted++
		}
	}
	return evicted
}

// Middleware returns the service.Middleware that enforces the firewall:
// reject immediately if the source is blocklisted, otherwise run the rate
// check before delegating to next.
func (fw *Firewall) Middleware() service.Middleware {
	return func(next service.Service) service.Service {
		return service.ServiceFunc(func(ctx context.Context, req *service.Request) (*service.Response, error) {
			if fw.blockList.Contains(req.Remote.IP, req.Remote.Port) {
				metrics.FirewallRejectionsTotal.WithLabelValues("blocklisted").Inc()
				return nil, dhterr.New(dhterr.KindBlockList, "source is blocklisted")
			}
			if err := fw.check(req.Remote); err != nil {
				return nil, err
			}
			return next.Serve(ctx, req)
		})
	}
}

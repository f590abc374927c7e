// Package dhtnode wires one DHT node instance together (routing table,
// peer manager, transaction manager, UDP socket, supervisory HTTP
// server) and runs its periodic maintenance loops. One Node owns one
// UDP port.
package dhtnode

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/blocklist"
	"github.com/yiilian/dht-node/internal/config"
	"github.com/yiilian/dht-node/internal/dhtstate"
	"github.com/yiilian/dht-node/internal/firewall"
	"github.com/yiilian/dht-node/internal/httpapi"
	"github.com/yiilian/dht-node/internal/ipconsensus"
	"github.com/yiilian/dht-node/internal/metrics"
	"github.com/yiilian/dht-node/internal/mqlog"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/peermanager"
	"github.com/yiilian/dht-node/internal/peerwire"
	"github.com/yiilian/dht-node/internal/routingtable"
	"github.com/yiilian/dht-node/internal/service"
	"github.com/yiilian/dht-node/internal/transaction"
	"github.com/yiilian/dht-node/internal/udpserver"
)

// metadataTopic is the mqlog topic fetched torrent metadata is pushed to,
// decoupling crawl output from whatever indexes it downstream.
const metadataTopic = "metadata"

// announceEventBufSize bounds the announce_peer event channel the
// peer-wire listener drains; a full buffer drops the event rather than
// blocking request handling (see internal/service.EventLayer).
const announceEventBufSize = 1024

// metadataSeenSize and metadataFetchWorkers bound the peer-wire
// listener's dedup cache and concurrent in-flight TCP fetches.
const (
	metadataSeenSize     = 4096
	metadataFetchWorkers = 8
)

// Node is one UDP-port-bound DHT node.
type Node struct {
	port       int
	cfg        *config.Handle
	logger     *zap.Logger
	state      *dhtstate.State
	table      *routingtable.Table
	blocks     *blocklist.List
	peers      *peermanager.Manager
	consensus  *ipconsensus.Consensus
	fw         *firewall.Firewall
	txMgr      *transaction.Manager
	socket     *udpserver.Server
	http       *httpapi.Server
	enableHTTP bool
	log        *mqlog.Log
	fetcher    *peerwire.Listener
}

// New constructs a Node bound to port. It does not start any network
// I/O; call Run to do that. enableHTTP controls whether this Node starts
// the supervisory HTTP server: when a process manages several ports,
// only one Node may bind Service.HTTPListen, so the caller passes true
// for exactly one of them.
func New(cfgHandle *config.Handle, port int, enableHTTP bool, logger *zap.Logger) (*Node, error) {
	cfg := cfgHandle.Get()
	logger = logger.With(zap.Int("port", port))

	// Start with a random id; periodicIP4Maintenance swaps in a
	// BEP-42-valid one once consensus settles on our external address.
	localAddr := &net.UDPAddr{Port: port}
	localID := nodeid.FromRandom()

	blocks := blocklist.New(cfg.Firewall.MaxBlock)
	for _, raw := range cfg.BlockIPs {
		ip, blockPort := parseBlockEntry(raw)
		if ip != nil {
			blocks.Insert(ip, blockPort, 0)
		}
	}

	table := routingtable.New(cfg.BucketSize, localID, blocks)
	state := dhtstate.New(localID)
	table.OnVerifiedCountChange(func(count int) {
		state.SetJoinKad(count)
		metrics.RoutingTableSize.WithLabelValues("verified").Set(float64(count))
	})

	peers, err := peermanager.New(cfg.MaxResources, cfg.MaxPeersPerResource)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: building peer manager: %w", err)
	}

	fw, err := firewall.New(firewall.Config{
		MaxTrace:      cfg.Firewall.MaxTrace,
		LimitPerSec:   cfg.Firewall.LimitPerSec,
		BlockDuration: cfg.FirewallBlockDuration(),
		WindowSizeSec: cfg.Firewall.WindowSizeSec,
	}, blocks)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: building firewall: %w", err)
	}

	txCfg := transaction.Config{
		BucketSize:            cfg.BucketSize,
		MaxPeersResponse:      cfg.MaxPeersResponse,
		SendQueryTimeout:      cfg.SendQueryTimeout(),
		SendNextQueryInterval: durationSecs(cfg.SendNextQueryIntervalSec),
		OutgoingRequestPrune:  durationSecs(cfg.OutgoingRequestPruneSecs),
		GetPeersFreshness:     cfg.GetPeersFreshness(),
		FindNodesSkipCount:    cfg.FindNodesSkipCount,
		ReadOnly:              cfg.ReadOnly,
		TimeoutBlockDuration:  cfg.TimeoutBlockDuration(),
	}
	consensus := ipconsensus.New(2, 10)
	txMgr := transaction.New(txCfg, table, state, blocks, peers, consensus, logger.Named("transaction"))

	log, err := mqlog.Open(mqlog.Options{
		Dir:             cfg.MQLog.Dir,
		SegmentMaxBytes: cfg.MQLog.SegmentMaxBytes,
		KeepSegments:    cfg.MQLog.KeepSegments,
		Compress:        cfg.MQLog.Compress,
	}, logger.Named("mqlog"))
	if err != nil {
		return nil, fmt.Errorf("dhtnode: opening append-only log: %w", err)
	}

	// Every served announce_peer fans out here so the peer-wire fetcher
	// can opportunistically resolve metadata for newly seen infohashes.
	eventLayer, events := service.NewEventLayer(announceEventBufSize)
	fetcher, err := peerwire.NewListener(events, metadataSeenSize, metadataFetchWorkers,
		time.Duration(cfg.MetadataFetchTimeoutSec)*time.Second, &metadataSink{log: log, logger: logger.Named("peerwire")},
		logger.Named("peerwire"))
	if err != nil {
		return nil, fmt.Errorf("dhtnode: building metadata fetcher: %w", err)
	}

	router := service.NewRouter(table, txMgr, cfg.ReadOnly, cfg.ReplyErrorBlockDuration())
	chained := service.Chain(router, fw.Middleware(), eventLayer.Middleware())

	socket, err := udpserver.New(localAddr.String(), chained, cfg.Workers, logger.Named("udp"))
	if err != nil {
		return nil, fmt.Errorf("dhtnode: binding socket: %w", err)
	}
	txMgr.SetSender(socket)

	var httpSrv *httpapi.Server
	if enableHTTP {
		httpSrv = httpapi.NewServer(cfg.Service.HTTPListen, table, state, logger.Named("http"))
	}

	return &Node{
		port:       port,
		cfg:        cfgHandle,
		logger:     logger,
		log:        log,
		fetcher:    fetcher,
		state:      state,
		table:      table,
		blocks:     blocks,
		peers:      peers,
		consensus:  consensus,
		fw:         fw,
		txMgr:      txMgr,
		socket:     socket,
		http:       httpSrv,
		enableHTTP: enableHTTP,
	}, nil
}

// Port returns the UDP port this Node is bound to.
func (n *Node) Port() int {
	return n.port
}

func durationSecs(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

func parseBlockEntry(raw string) (net.IP, int) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return net.ParseIP(raw), blocklist.WildcardPort
	}
	ip := net.ParseIP(host)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return ip, port
}

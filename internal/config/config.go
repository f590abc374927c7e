// Package config loads and hot-reloads the DHT node's settings: a YAML
// file overlaid with environment variables via koanf, plus a small
// reader/writer-locked Handle whose few runtime-changeable fields
// (read_only, routers, firewall limits) are refreshed from an fsnotify
// watch without restarting the process. See Handle for which parts of the
// node see a reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Settings is the DHT node's full configuration, loaded from YAML and
// environment overlay.
type Settings struct {
	Service ServiceConfig `koanf:"service"`

	// Ports is either an explicit list of UDP ports to bind, or a
	// [start, end] range.
	Ports []int `koanf:"ports"`

	// Routers is the bootstrap router host:port list. Hot-reloadable.
	Routers []string `koanf:"routers"`

	// BlockIPs seeds the blocklist at startup with "ip" or "ip:port"
	// entries.
	BlockIPs []string `koanf:"block_ips"`

	Workers int `koanf:"workers"`

	Firewall FirewallConfig `koanf:"firewall"`

	BucketSize               int  `koanf:"bucket_size"`
	TokenSecretSize          int  `koanf:"token_secret_size"`
	MaxPeersResponse         int  `koanf:"max_peers_response"`
	MaxResources             int  `koanf:"max_resources"`
	MaxPeersPerResource      int  `koanf:"max_peers_per_resource"`
	RouterPingIntervalSecs   int  `koanf:"router_ping_interval_secs"`
	RouterPingIfNotJoinIntervalSecs int `koanf:"router_ping_if_not_join_interval_secs"`
	ReverifyIntervalSecs     int  `koanf:"reverify_interval_secs"`
	ReverifyGracePeriodSecs  int  `koanf:"reverify_grace_period_secs"`
	VerifyGracePeriodSecs    int  `koanf:"verify_grace_period_secs"`
	GetPeersFreshnessSecs    int  `koanf:"get_peers_freshness_secs"`
	FindNodesIntervalSecs    int  `koanf:"find_nodes_interval_secs"`
	FindNodesSkipCount       int  `koanf:"find_nodes_skip_count"`
	PingCheckIntervalSecs    int  `koanf:"ping_check_interval_secs"`
	OutgoingRequestPruneSecs int  `koanf:"outgoing_request_prune_secs"`
	// ReadOnly is hot-reloadable.
	ReadOnly                      bool `koanf:"read_only"`
	TransactionCleanupIntervalSec int  `koanf:"transaction_cleanup_interval_sec"`
	SendQueryTimeoutSec           int  `koanf:"send_query_timeout_sec"`
	SendNextQueryIntervalSec      int  `koanf:"send_next_query_interval_sec"`
	TokenRefreshIntervalSec       int  `koanf:"token_refresh_interval_sec"`
	IP4MaintenanceIntervalSec     int  `koanf:"ip4_maintenance_interval_sec"`
	TimeoutBlockDurationSec       int  `koanf:"timeout_block_duration_sec"`
	ReplyErrorBlockDurationSec    int  `koanf:"reply_error_block_duration_sec"`
	FirewallBlockDurationSec      int  `koanf:"firewall_block_duration_sec"`
	BlocklistPruneIntervalSec     int  `koanf:"blocklist_prune_interval_sec"`

	// PersistDir is the directory persisted node lists are written under;
	// the file itself is "<PersistDir>/<port>.txt".
	PersistDir string `koanf:"persist_dir"`

	// MetadataFetchTimeoutSec bounds each TCP read in the peer-wire
	// fetcher.
	MetadataFetchTimeoutSec int `koanf:"metadata_fetch_timeout_sec"`

	// MQLog configures the append-only segmented log.
	MQLog MQLogConfig `koanf:"mqlog"`
}

// ServiceConfig is the ambient process-lifecycle configuration.
type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// FirewallConfig bounds the per-source rate limiter.
type FirewallConfig struct {
	MaxTrace    int     `koanf:"max_trace"`
	MaxBlock    int     `koanf:"max_block"`
	LimitPerSec float64 `koanf:"limit_per_sec"`
	WindowSizeSec int   `koanf:"window_size_sec"`
}

// MQLogConfig configures the append-only segmented log topics.
type MQLogConfig struct {
	Dir             string `koanf:"dir"`
	SegmentMaxBytes int64  `koanf:"segment_max_bytes"`
	KeepSegments    int    `koanf:"keep_segments"`
	Compress        bool   `koanf:"compress"`
}

// Load reads path (if non-empty) as YAML, overlays DHTNODE_-prefixed
// environment variables, applies hardcoded defaults for anything left
// unset, and validates the result.
func Load(path string) (*Settings, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("DHTNODE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "DHTNODE_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := defaults()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Routers) == 1 && strings.Contains(cfg.Routers[0], ",") {
		cfg.Routers = strings.Split(cfg.Routers[0], ",")
	}
	if len(cfg.BlockIPs) == 1 && strings.Contains(cfg.BlockIPs[0], ",") {
		cfg.BlockIPs = strings.Split(cfg.BlockIPs[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Settings {
	return &Settings{
		Service: ServiceConfig{
			InstanceID:             "dht-node-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Ports:   []int{6881},
		Workers: 1,
		Routers: []string{
			"dht.transmissionbt.com:6881",
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
		},
		Firewall: FirewallConfig{
			MaxTrace:      8192,
			MaxBlock:      65535,
			LimitPerSec:   20,
			WindowSizeSec: 120,
		},
		BucketSize:                      8,
		TokenSecretSize:                 20,
		MaxPeersResponse:                128,
		MaxResources:                    50,
		MaxPeersPerResource:             100,
		RouterPingIntervalSecs:          900,
		RouterPingIfNotJoinIntervalSecs: 30,
		ReverifyIntervalSecs:            840,
		ReverifyGracePeriodSecs:         900,
		VerifyGracePeriodSecs:           60,
		GetPeersFreshnessSecs:           900,
		FindNodesIntervalSecs:           33,
		FindNodesSkipCount:              32,
		PingCheckIntervalSecs:           10,
		OutgoingRequestPruneSecs:        30,
		ReadOnly:                        false,
		TransactionCleanupIntervalSec:   10,
		SendQueryTimeoutSec:             15,
		SendNextQueryIntervalSec:        1,
		TokenRefreshIntervalSec:         300,
		IP4MaintenanceIntervalSec:       10,
		TimeoutBlockDurationSec:         10,
		ReplyErrorBlockDurationSec:      3600,
		FirewallBlockDurationSec:        28800,
		BlocklistPruneIntervalSec:       120,
		PersistDir:                      defaultPersistDir(),
		MetadataFetchTimeoutSec:         15,
		MQLog: MQLogConfig{
			Dir:             "data/mqlog",
			SegmentMaxBytes: 64 << 20,
			KeepSegments:    8,
			Compress:        false,
		},
	}
}

// Validate checks for configuration values that would otherwise surface
// as confusing runtime errors.
func (c *Settings) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("config: ports must list at least one UDP port")
	}
	if c.BucketSize <= 0 {
		return fmt.Errorf("config: bucket_size must be > 0 (got %d)", c.BucketSize)
	}
	if c.TokenSecretSize <= 0 {
		return fmt.Errorf("config: token_secret_size must be > 0 (got %d)", c.TokenSecretSize)
	}
	if c.SendQueryTimeoutSec <= 0 {
		return fmt.Errorf("config: send_query_timeout_sec must be > 0 (got %d)", c.SendQueryTimeoutSec)
	}
	if c.Firewall.LimitPerSec <= 0 {
		return fmt.Errorf("config: firewall.limit_per_sec must be > 0 (got %v)", c.Firewall.LimitPerSec)
	}
	if c.Firewall.MaxTrace <= 0 {
		return fmt.Errorf("config: firewall.max_trace must be > 0 (got %d)", c.Firewall.MaxTrace)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.MQLog.SegmentMaxBytes <= 0 {
		return fmt.Errorf("config: mqlog.segment_max_bytes must be > 0 (got %d)", c.MQLog.SegmentMaxBytes)
	}
	if c.MQLog.KeepSegments <= 0 {
		return fmt.Errorf("config: mqlog.keep_segments must be > 0 (got %d)", c.MQLog.KeepSegments)
	}
	return nil
}

// ExpandPortRange turns a two-element [start, end] Ports list into the
// explicit port list it denotes; a list of any other length is returned
// unchanged (it's already explicit).
func (c *Settings) ExpandPortRange() []int {
	if len(c.Ports) != 2 || c.Ports[0] > c.Ports[1] {
		return c.Ports
	}
	out := make([]int, 0, c.Ports[1]-c.Ports[0]+1)
	for p := c.Ports[0]; p <= c.Ports[1]; p++ {
		out = append(out, p)
	}
	return out
}

// Duration helpers translate the *_sec(s) int fields into time.Duration
// at the call sites that need them (transaction manager, controller).

func (c *Settings) SendQueryTimeout() time.Duration {
	return time.Duration(c.SendQueryTimeoutSec) * time.Second
}

func (c *Settings) TimeoutBlockDuration() time.Duration {
	return time.Duration(c.TimeoutBlockDurationSec) * time.Second
}

func (c *Settings) ReplyErrorBlockDuration() time.Duration {
	return time.Duration(c.ReplyErrorBlockDurationSec) * time.Second
}

func (c *Settings) FirewallBlockDuration() time.Duration {
	return time.Duration(c.FirewallBlockDurationSec) * time.Second
}

func (c *Settings) GetPeersFreshness() time.Duration {
	return time.Duration(c.GetPeersFreshnessSecs) * time.Second
}

// Handle is a reader/writer-locked holder for the subset of Settings that
// is hot-swapped at runtime: ReadOnly, Routers, and the firewall's
// LimitPerSec and MaxBlock. All other fields are read once at startup and
// treated as immutable for the process lifetime. A reload reaches only
// code that calls Get again: the node's periodic router-ping and find_node
// loops do, while the router, transaction manager, firewall and blocklist
// copy their values when the node is built and keep them until restart.
type Handle struct {
	mu  sync.RWMutex
	cur *Settings
}

// NewHandle wraps initial for hot-reload.
func NewHandle(initial *Settings) *Handle {
	return &Handle{cur: initial}
}

// Get returns a snapshot of the current settings. Safe to retain; it is
// never mutated in place.
func (h *Handle) Get() *Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// applyHotReloadable copies only the hot-reloadable fields from next into
// the held settings, leaving everything else (including values computed
// at startup like bucket size) untouched.
func (h *Handle) applyHotReloadable(next *Settings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *h.cur
	cp.ReadOnly = next.ReadOnly
	cp.Routers = append([]string(nil), next.Routers...)
	cp.Firewall.LimitPerSec = next.Firewall.LimitPerSec
	cp.Firewall.MaxBlock = next.Firewall.MaxBlock
	h.cur = &cp
}

// Watch starts an fsnotify watch on path and reloads hot-reloadable
// fields from it on every write event, logging and ignoring a reload
// that fails to parse (the previous settings remain in effect). It
// returns a stop function; callers should defer it or call it from the
// shutdown path.
func (h *Handle) Watch(path string, logger *zap.Logger) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, loadErr := Load(path)
				if loadErr != nil {
					logger.Warn("config reload failed, keeping previous settings", zap.Error(loadErr))
					continue
				}
				h.applyHotReloadable(next)
				logger.Info("config hot-reloaded",
					zap.Bool("read_only", next.ReadOnly),
					zap.Int("router_count", len(next.Routers)),
					zap.Float64("firewall_limit_per_sec", next.Firewall.LimitPerSec))
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(werr))
			case <-done:
				watcher.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// PersistPathFor joins PersistDir with the listening port: the persisted
// node list lives at "<persist_dir>/<port>.txt".
func (c *Settings) PersistPathFor(port int) string {
	return filepath.Join(c.PersistDir, strconv.Itoa(port)+".txt")
}

// defaultPersistDir resolves "<home>/.yiilian/dht", falling back to a
// relative path when the home directory can't be determined.
func defaultPersistDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".yiilian", "dht")
	}
	return filepath.Join(home, ".yiilian", "dht")
}

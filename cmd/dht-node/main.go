package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yiilian/dht-node/internal/config"
	"github.com/yiilian/dht-node/internal/dhtnode"
	"github.com/yiilian/dht-node/internal/logging"
	"github.com/yiilian/dht-node/internal/metrics"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}
	runServe()
}

func printUsage() {
	fmt.Println("Usage: dht-node [options]")
	fmt.Println()
	fmt.Println("Runs a Mainline DHT node, optionally bound to several UDP ports.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Settings, string, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger, err := logging.New(cfg.Service.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, configPath, logger
}

func runServe() {
	settings, configPath, logger := loadConfig(os.Args[1:])
	defer logger.Sync()

	metrics.Register()

	ports := settings.ExpandPortRange()
	if len(ports) == 0 {
		logger.Fatal("no ports configured")
	}

	logger.Info("starting dht-node",
		zap.String("instance_id", settings.Service.InstanceID),
		zap.Ints("ports", ports),
		zap.String("http_listen", settings.Service.HTTPListen),
		zap.Bool("read_only", settings.ReadOnly),
	)

	handle := config.NewHandle(settings)
	stopWatch, err := handle.Watch(configPath, logger.Named("config"))
	if err != nil {
		logger.Fatal("failed to start config watch", zap.Error(err))
	}
	defer stopWatch()

	ctx, cancel := context.WithCancel(context.Background())

	nodes := make([]*dhtnode.Node, 0, len(ports))
	for i, port := range ports {
		node, err := dhtnode.New(handle, port, i == 0, logger.Named("node"))
		if err != nil {
			logger.Fatal("failed to build node", zap.Int("port", port), zap.Error(err))
		}
		nodes = append(nodes, node)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error { return node.Run(gctx) })
	}

	logger.Info("all nodes started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Warn("a node stopped unexpectedly, shutting down the rest")
	}

	shutdownTimeout := time.Duration(settings.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)

	cancel()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all nodes stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	// Loops have drained (or the drain window lapsed): safe to release
	// each node's HTTP listener and append-only log.
	for _, node := range nodes {
		if err := node.Shutdown(shutdownCtx); err != nil {
			logger.Error("node shutdown error", zap.Int("port", node.Port()), zap.Error(err))
		}
	}
	shutdownCancel()

	logger.Info("dht-node stopped")
}

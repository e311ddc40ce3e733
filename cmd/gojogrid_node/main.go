package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/config"
	"github.com/sushant-115/gojogrid/pkg/logger"
)

var (
	configPath = flag.String("config", "", "path to the YAML node configuration; empty runs a single node with defaults")
	nodeName   = flag.String("node_name", "", "overrides node.name")
	grpcAddr   = flag.String("grpc_addr", "", "overrides node.grpc_addr")
	raftAddr   = flag.String("raft_addr", "", "overrides raft.bind_addr")
	raftDir    = flag.String("raft_dir", "", "overrides raft.dir")
	bootstrap  = flag.Bool("bootstrap", false, "bootstrap the raft group (only for the first node)")
	logLevel   = flag.String("log_level", "", "overrides logger.level")
)

// flagOverrides applies the command-line flags on top of the file.
func flagOverrides(c *config.Config) {
	if *nodeName != "" {
		c.Node.Name = *nodeName
	}
	if *grpcAddr != "" {
		c.Node.GRPCAddr = *grpcAddr
	}
	if *raftAddr != "" {
		c.Raft.BindAddr = *raftAddr
	}
	if *raftDir != "" {
		c.Raft.Dir = *raftDir
	}
	if *bootstrap {
		c.Raft.Bootstrap = true
	}
	if *logLevel != "" {
		c.Logger.Level = *logLevel
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, flagOverrides)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if *configPath == "" && len(cfg.Peers) == 0 {
		cfg.Raft.Bootstrap = true
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	local, err := cfg.LocalNode()
	if err != nil {
		zlogger.Fatal("CRITICAL: Invalid local node", zap.Error(err))
	}
	zlogger = logger.NodeLogger(zlogger, local.ID.String(), local.Name)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		zlogger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	n := newNode(cfg, local, zlogger)
	if err := n.start(ctx); err != nil {
		cancel()
		if stopErr := n.stop(); stopErr != nil {
			zlogger.Error("Cleanup after failed start", zap.Error(stopErr))
		}
		zlogger.Fatal("CRITICAL: Failed to start node", zap.Error(err))
	}
	zlogger.Info("GojoGrid node is ready", zap.String("grpc_addr", local.Addr), zap.String("raft_addr", cfg.Raft.BindAddr))

	<-ctx.Done()
	if err := n.stop(); err != nil {
		zlogger.Error("Node shutdown finished with errors", zap.Error(err))
	}
	zlogger.Info("GojoGrid node stopped")
}

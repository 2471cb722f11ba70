package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amberkv/amberkv/internal/config"
	"github.com/amberkv/amberkv/internal/logger"
	"github.com/amberkv/amberkv/pkg/adminapi"
	"github.com/amberkv/amberkv/pkg/metrics"
	"github.com/amberkv/amberkv/pkg/raftnode"
	"github.com/amberkv/amberkv/pkg/server"
	"github.com/amberkv/amberkv/pkg/storage"
	"github.com/amberkv/amberkv/pkg/sync"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the amberkv node",
	Long: `Start the amberkv node with the given configuration: bind the
Raft transport, open the storage engine, and begin accepting RESP
client connections.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting amberkv", "node_id", cfg.Node.ID, "version", Version)

	store, err := storage.Open(storage.Config{
		Dir:              cfg.Storage.DataDir,
		ValueLogFileSize: cfg.Storage.ValueLogFileSize,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage engine: %w", err)
	}
	defer store.Close()

	peers := make([]raftnode.Peer, 0, len(cfg.Raft.Peers))
	for _, p := range cfg.Raft.Peers {
		peers = append(peers, raftnode.Peer{ID: p.ID, Addr: p.Addr})
	}

	node, err := raftnode.New(raftnode.Config{
		LocalID:   cfg.Node.ID,
		BindAddr:  cfg.Raft.BindAddr,
		DataDir:   cfg.Raft.DataDir,
		Peers:     peers,
		Bootstrap: cfg.Raft.Bootstrap,
	})
	if err != nil {
		return fmt.Errorf("failed to start raft node: %w", err)
	}

	var syncLayer *sync.Layer
	reg := metrics.New(func() float64 {
		if syncLayer == nil {
			return 0
		}
		return float64(syncLayer.PendingCount())
	})

	syncLayer = sync.New(node, store, sync.WithMetrics(reg))
	defer syncLayer.Close()
	// node.Shutdown must stop raft's FSM from writing to the sync
	// layer's channels before syncLayer.Close stops reading them;
	// deferred after syncLayer.Close so it runs first.
	defer node.Shutdown()

	srv := server.New(server.Config{
		ListenAddr:      cfg.Node.ListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, store, syncLayer, reg)

	var adminSrv *adminapi.Server
	if cfg.Admin.Enabled {
		adminSrv = adminapi.New(adminapi.Config{Addr: cfg.Admin.Addr}, node, srv, syncLayer, reg)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(ctx) }()

	adminDone := make(chan error, 1)
	if adminSrv != nil {
		go func() { adminDone <- adminSrv.Run(ctx) }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("amberkv is running", "listen_addr", cfg.Node.ListenAddr, "raft_addr", cfg.Raft.BindAddr)

	select {
	case <-sigCh:
		signal.Stop(sigCh)
		logger.Info("shutdown signal received, draining connections")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", "error", err)
			return err
		}
		logger.Info("amberkv stopped gracefully")
	case err := <-serverDone:
		signal.Stop(sigCh)
		cancel()
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	case err := <-adminDone:
		signal.Stop(sigCh)
		if err != nil {
			logger.Error("admin server error", "error", err)
		}
		cancel()
		<-serverDone
	}
	return nil
}

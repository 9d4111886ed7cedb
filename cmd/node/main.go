// Package main implements the hotslot node, which serves a set of hash
// slots, executes commands against them and accounts per-slot resource
// usage for load-aware resharding.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                  Node                    │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /command          - Execute a command │
//	│    /clients/{id}     - Client state      │
//	│    /slot-stats       - SLOT-STATS report │
//	│    /slots/assign     - Slot ownership    │
//	│    /slots/migrate    - Hand slots over   │
//	│    /slots/import     - Receive slot keys │
//	│    /replicate        - Replication feed  │
//	│    /metrics          - Prometheus        │
//	│    /health, /info                        │
//	├──────────────────────────────────────────┤
//	│  Components:                             │
//	│    server.Server   - Command loop        │
//	│    shard.Shard     - Slots and keyspace  │
//	│    HTTPLink        - One per replica     │
//	└──────────────────────────────────────────┘
//
// Configuration (environment):
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default ":8081")
//   - NODE_ADDR: Public address announced to the coordinator
//   - COORDINATOR_ADDR: Coordinator URL; registration is skipped when empty
//   - NODE_ROLE: primary or replica (default primary)
//   - NODE_SLOTS: Static slots, e.g. "0-8191"
//   - REPLICA_ADDRS: Replica node URLs fed by this primary
//   - CLUSTER_ENABLED: Slot routing (default true)
//   - CLUSTER_SLOT_STATS_ENABLED: Slot accounting (default false)
//   - NODE_MIGRATE_BATCH: Keys sent per import request (default 100)
//   - LOG_LEVEL: debug, info, warn or error
//   - LOG_FILE: Also write logs to this file, rotated by size
//
// Example usage:
//
//	NODE_ID=node-1 NODE_SLOTS=0-16383 CLUSTER_SLOT_STATS_ENABLED=true ./node
//	curl -d '{"client":"c1","args":["SET","foo","bar"]}' localhost:8081/command
//	curl 'localhost:8081/slot-stats?orderby=cpu-usec&limit=5'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/config"
	"github.com/dreamware/hotslot/internal/replication"
)

const registerAttempts = 10

// registerDelay is a variable so tests can shorten the retry loop.
var registerDelay = 400 * time.Millisecond

func main() {
	cfg, err := config.LoadNode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("node failed", zap.Error(err))
		os.Exit(1)
	}
}

// run starts the command loop and the HTTP server, registers with the
// coordinator, and serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Node, logger *zap.Logger) error {
	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = n.srv.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	if err := n.bootstrap(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           n.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening",
			zap.String("listen", cfg.Listen),
			zap.String("public", cfg.Addr),
			zap.String("role", string(cfg.Role)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.Coordinator != "" {
		if err := register(ctx, cfg, n.slots(), logger); err != nil {
			_ = httpSrv.Close()
			return err
		}
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("node stopped")
	return nil
}

// bootstrap applies the static slot configuration and attaches replicas.
func (n *node) bootstrap(ctx context.Context) error {
	ranges, err := n.cfg.SlotRanges()
	if err != nil {
		return err
	}
	if len(ranges) > 0 {
		if _, _, err := n.srv.AssignSlots(ctx, ranges); err != nil {
			return fmt.Errorf("assign NODE_SLOTS: %w", err)
		}
	}
	for _, addr := range n.cfg.Replicas {
		link := replication.NewHTTPLink(addr, n.logger)
		if err := n.srv.AttachReplica(ctx, link); err != nil {
			_ = link.Close()
			return fmt.Errorf("attach replica %s: %w", addr, err)
		}
	}
	return nil
}

// register announces the node to the coordinator, retrying while the
// coordinator starts up.
//
// Retry strategy:
//   - 10 attempts, 400ms apart
//   - gives up early when ctx is cancelled
func register(ctx context.Context, cfg config.Node, slots []cluster.SlotRange, logger *zap.Logger) error {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{
		ID:    cfg.ID,
		Addr:  cfg.Addr,
		Role:  cfg.Role,
		Slots: slots,
	}}

	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, cfg.Coordinator+"/register", body, nil)
		if lastErr == nil {
			logger.Info("registered with coordinator", zap.String("coordinator", cfg.Coordinator))
			return nil
		}
		logger.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerDelay):
		}
	}
	return fmt.Errorf("failed to register with coordinator: %w", lastErr)
}

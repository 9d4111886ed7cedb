// Package main implements the hotslot coordinator. It tracks nodes, owns
// the slot-to-node assignment, routes key requests, and aggregates the
// nodes' slot statistics into hot-slot rankings and rebalancing plans.
//
// Configuration (environment):
//   - COORDINATOR_ADDR: Listen address (default ":8080")
//   - HEALTH_INTERVAL: Node health check period (default 5s)
//   - LOG_LEVEL: debug, info, warn or error
//   - LOG_FILE: Also write logs to this file, rotated by size
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/config"
	"github.com/dreamware/hotslot/internal/coordinator"
)

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("coordinator failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Coordinator, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := newServer(cfg.HealthInterval, logger)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		srv.health.Start(ctx, srv.nodeList)
	}()
	defer func() {
		srv.health.Stop()
		<-monitorDone
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", zap.String("addr", cfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("coordinator stopped")
	return nil
}

// server holds the coordinator's cluster view.
type server struct {
	mu       sync.RWMutex
	nodes    []cluster.NodeInfo
	registry *coordinator.SlotRegistry
	health   *coordinator.HealthMonitor
	logger   *zap.Logger
}

func newServer(healthInterval time.Duration, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{
		registry: coordinator.NewSlotRegistry(),
		health:   coordinator.NewHealthMonitor(healthInterval, logger),
		logger:   logger,
	}
	s.health.SetOnUnhealthy(s.markNodeUnhealthy)
	return s
}

// nodeList returns a snapshot of the registered nodes.
func (s *server) nodeList() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes)
}

func (s *server) node(id string) (cluster.NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return cluster.NodeInfo{}, false
	}
	return s.nodes[idx], true
}

// primaries returns the registered primaries in ID order.
func (s *server) primaries() []cluster.NodeInfo {
	nodes := s.nodeList()
	nodes = slices.DeleteFunc(nodes, func(n cluster.NodeInfo) bool { return n.Role == cluster.RoleReplica })
	slices.SortFunc(nodes, func(a, b cluster.NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return nodes
}

// markNodeUnhealthy hands the slots of a failed node to the healthy
// primary serving the fewest slots and pushes the new layout. A dead node
// cannot send its keys, so the slots start out empty on their new owner.
// Failover reassigns without migrating.
func (s *server) markNodeUnhealthy(nodeID string) {
	released := s.registry.Release(nodeID)
	if len(released) == 0 {
		return
	}

	var target string
	fewest := cluster.NumSlots + 1
	for _, n := range s.primaries() {
		if n.ID == nodeID || !s.health.IsHealthy(n.ID) {
			continue
		}
		count := 0
		for _, rg := range s.registry.NodeSlots(n.ID) {
			count += rg.Count()
		}
		if count < fewest {
			target, fewest = n.ID, count
		}
	}
	if target == "" {
		s.logger.Error("no healthy primary to take over slots",
			zap.String("node", nodeID),
			zap.String("slots", cluster.FormatSlotRanges(released)))
		return
	}
	if err := s.registry.Assign(target, released); err != nil {
		s.logger.Error("reassigning slots", zap.String("node", nodeID), zap.Error(err))
		return
	}
	s.logger.Warn("slots moved off unhealthy node",
		zap.String("from", nodeID),
		zap.String("to", target),
		zap.String("slots", cluster.FormatSlotRanges(released)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.pushLayout(ctx)
}

// layout returns the primaries with their current slots.
func (s *server) layout() []cluster.NodeInfo {
	assignments := s.registry.Assignments()
	nodes := s.primaries()
	for i := range nodes {
		nodes[i].Slots = assignments[nodes[i].ID]
	}
	return nodes
}

// pushLayout sends every primary its slots together with the full layout.
// Failures are logged; the health monitor deals with unreachable nodes.
func (s *server) pushLayout(ctx context.Context) []pushResult {
	layout := s.layout()
	results := make([]pushResult, 0, len(layout))
	for _, n := range layout {
		req := cluster.AssignSlotsRequest{Slots: n.Slots, Layout: layout}
		if req.Slots == nil {
			req.Slots = []cluster.SlotRange{}
		}
		res := pushResult{NodeID: n.ID}
		if err := cluster.PostJSON(ctx, n.Addr+"/slots/assign", req, nil); err != nil {
			s.logger.Warn("pushing slots", zap.String("node", n.ID), zap.Error(err))
			res.Err = err.Error()
		}
		results = append(results, res)
	}
	return results
}

type pushResult struct {
	NodeID string `json:"node_id"`
	Err    string `json:"err,omitempty"`
}

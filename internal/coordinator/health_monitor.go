package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
)

// HealthStatus is the monitor's view of a node.
type HealthStatus string

const (
	StatusUnknown   HealthStatus = "unknown"
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time    `json:"last_check"`        // Timestamp of the last health check attempt
	LastHealthy      time.Time    `json:"last_healthy"`      // Timestamp of the last successful health check
	NodeID           string       `json:"node_id"`           // Unique identifier of the node
	Status           HealthStatus `json:"status"`            // Current status
	ConsecutiveFails int          `json:"consecutive_fails"` // Number of consecutive failed health checks
}

// HealthMonitor performs periodic health checks on all registered nodes.
// A node that fails maxFailures checks in a row is marked unhealthy and the
// onUnhealthy callback fires once; the coordinator uses it to release the
// node's slots.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                       // Current health status per node
	httpClient  *http.Client                                 // HTTP client for health checks
	checkFunc   func(ctx context.Context, addr string) error // Function to perform health check
	onUnhealthy func(nodeID string)                          // Callback when node becomes unhealthy
	logger      *zap.Logger                                  // Structured logger
	ctx         context.Context                              // Context for cancellation
	cancel      context.CancelFunc                           // Cancel function for shutdown
	interval    time.Duration                                // How often to check node health
	mu          sync.RWMutex                                 // Protects nodes, checkFunc and onUnhealthy
	wg          sync.WaitGroup                               // Tracks Start and callback goroutines
	maxFailures int                                          // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that checks each node's /health
// endpoint every interval. Nodes are marked unhealthy after 3 consecutive
// failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	go monitor.Start(ctx, nodeProvider)
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger.Named("health"),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when a
// node becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP health check, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start runs health checks until ctx is cancelled or Stop is called.
// nodeProvider is called before every round so that newly registered
// nodes are picked up and removed nodes are forgotten.
//
// Start blocks; run it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.CheckAll(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", zap.String("reason", "context cancelled"))
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping", zap.String("reason", "stopped"))
			return
		}
	}
}

// Stop ends Start and waits for pending callbacks.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckAll checks every node once and forgets nodes that are no longer
// registered.
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Info("node removed from health monitoring", zap.String("node", nodeID))
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(ctx, node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", zap.String("node", node.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		zap.String("node", node.ID),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max", h.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.logger.Error("node marked unhealthy",
		zap.String("node", node.ID),
		zap.Int("failures", health.ConsecutiveFails))

	if cb := h.onUnhealthy; cb != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			cb(node.ID)
		}()
	}
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health, or nil if the node is
// not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	copied := *health
	return &copied
}

// GetAllNodeHealth returns a copy of every monitored node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		copied := *health
		result[id] = &copied
	}
	return result
}

// IsHealthy reports whether the node passed its last check. Unmonitored
// nodes are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

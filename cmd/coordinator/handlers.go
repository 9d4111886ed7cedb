package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/coordinator"
	"github.com/dreamware/hotslot/internal/slotstats"
)

const (
	// forwardTimeout bounds one request to a node.
	forwardTimeout = 5 * time.Second
	// defaultMaxMoves bounds a rebalancing plan when the request sets none.
	defaultMaxMoves = 16
	// coordinatorClient is the client ID data requests run under on nodes.
	coordinatorClient = "coordinator"
)

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/data/{key...}", s.handleData)
	mux.HandleFunc("GET /slots", s.handleSlots)
	mux.HandleFunc("POST /slots/assign", s.handleSlotAssign)
	mux.HandleFunc("POST /slots/rebalance", s.handleRebalance)
	mux.HandleFunc("GET /hotslots", s.handleHotSlots)
	mux.HandleFunc("GET /rebalance/plan", s.handlePlan)
	mux.HandleFunc("POST /rebalance/plan", s.handlePlan)
	return mux
}

// handleRegister adds or updates a node.
//
// Endpoint: POST /register
//
// A primary that announces slots (NODE_SLOTS) keeps them. A primary that
// announces none is given every unassigned slot. The new layout is pushed
// to all primaries.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n := req.Node
	if n.ID == "" || n.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if n.Role == "" {
		n.Role = cluster.RolePrimary
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(existing cluster.NodeInfo) bool { return existing.ID == n.ID })
	if idx >= 0 {
		s.nodes[idx] = cluster.NodeInfo{ID: n.ID, Addr: n.Addr, Role: n.Role}
	} else {
		s.nodes = append(s.nodes, cluster.NodeInfo{ID: n.ID, Addr: n.Addr, Role: n.Role})
	}
	s.mu.Unlock()
	s.logger.Info("node registered",
		zap.String("node", n.ID),
		zap.String("addr", n.Addr),
		zap.String("role", string(n.Role)))

	if n.Role == cluster.RolePrimary {
		slots := n.Slots
		if len(slots) == 0 && len(s.registry.NodeSlots(n.ID)) == 0 {
			slots = s.registry.Unassigned()
		}
		if err := s.registry.Assign(n.ID, slots); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.pushLayout(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// nodeView is a node as listed by /nodes.
type nodeView struct {
	cluster.NodeInfo
	Health coordinator.HealthStatus `json:"health"`
}

// handleListNodes lists nodes with their slots and health.
//
// Endpoint: GET /nodes
func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	assignments := s.registry.Assignments()
	nodes := s.nodeList()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		n.Slots = assignments[n.ID]
		view := nodeView{NodeInfo: n, Health: coordinator.StatusUnknown}
		if h := s.health.GetNodeHealth(n.ID); h != nil {
			view.Health = h.Status
		}
		out = append(out, view)
	}
	writeJSON(w, struct {
		Nodes []nodeView `json:"nodes"`
	}{out})
}

// handleData routes key operations to the node serving the key's slot.
//
// Endpoint: /data/{key}
//
//   - GET    → GET key     (404 when missing)
//   - PUT    → SET key body
//   - DELETE → DEL key
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	var args []string
	switch r.Method {
	case http.MethodGet:
		args = []string{"GET", key}
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		args = []string{"SET", key, string(body)}
	case http.MethodDelete:
		args = []string{"DEL", key}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeID, _, err := s.registry.NodeForKey(key)
	if err != nil {
		http.Error(w, fmt.Sprintf("no node assigned for key: %v", err), http.StatusServiceUnavailable)
		return
	}
	n, ok := s.node(nodeID)
	if !ok {
		http.Error(w, fmt.Sprintf("node %s not found", nodeID), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()
	var out cluster.CommandResponse
	if err := cluster.PostJSON(ctx, n.Addr+"/command", cluster.CommandRequest{Client: coordinatorClient, Args: args}, &out); err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	if out.Error != "" {
		http.Error(w, out.Error, http.StatusBadGateway)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := out.Reply.(string)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, value)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSlots returns the slot layout.
//
// Endpoint: GET /slots
func (s *server) handleSlots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Assignments map[string][]cluster.SlotRange `json:"assignments"`
		Unassigned  []cluster.SlotRange            `json:"unassigned"`
		NumSlots    int                            `json:"num_slots"`
	}{s.registry.Assignments(), s.registry.Unassigned(), cluster.NumSlots})
}

// handleSlotAssign gives slots to a node, migrating their keys from the
// nodes serving them, and pushes the layout.
//
// Endpoint: POST /slots/assign
//
// Request body:
//
//	{"node_id": "node-2", "slots": [{"start": 0, "end": 99}]}
func (s *server) handleSlotAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string              `json:"node_id"`
		Slots  []cluster.SlotRange `json:"slots"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n, ok := s.node(req.NodeID)
	if !ok || n.Role == cluster.RoleReplica {
		http.Error(w, fmt.Sprintf("unknown primary %q", req.NodeID), http.StatusBadRequest)
		return
	}
	for _, rg := range req.Slots {
		if err := rg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	err := s.moveSlots(r.Context(), req.NodeID, rangeSlots(req.Slots))
	writeLayoutResults(w, s.pushLayout(r.Context()), err)
}

// handleRebalance splits the hash space evenly over the primaries. Slots
// changing hands are migrated with their keys.
//
// Endpoint: POST /slots/rebalance
func (s *server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, n := range s.primaries() {
		ids = append(ids, n.ID)
	}
	layout, err := coordinator.EvenLayout(ids)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	var errs []error
	for _, id := range ids {
		errs = append(errs, s.moveSlots(r.Context(), id, rangeSlots(layout[id])))
	}
	writeLayoutResults(w, s.pushLayout(r.Context()), errors.Join(errs...))
}

// writeLayoutResults reports a layout change. A failed migration is a
// 502; the slots that did move are still pushed.
func writeLayoutResults(w http.ResponseWriter, results []pushResult, err error) {
	out := struct {
		Results []pushResult `json:"results"`
		Error   string       `json:"error,omitempty"`
	}{Results: results}
	if err != nil {
		out.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	writeJSON(w, out)
}

// collectReports fetches every primary's full slot-stats report. Nodes
// that cannot be reached are skipped and listed in the returned errors.
func (s *server) collectReports(ctx context.Context) ([]coordinator.NodeReport, []pushResult) {
	var (
		reports []coordinator.NodeReport
		failed  []pushResult
	)
	for _, n := range s.primaries() {
		ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
		var entries []slotstats.Entry
		err := cluster.GetJSON(ctx, n.Addr+"/slot-stats", &entries)
		cancel()
		if err != nil {
			s.logger.Warn("collecting slot stats", zap.String("node", n.ID), zap.Error(err))
			failed = append(failed, pushResult{NodeID: n.ID, Err: err.Error()})
			continue
		}
		reports = append(reports, coordinator.NodeReport{NodeID: n.ID, Entries: entries})
	}
	return reports, failed
}

func metricParam(r *http.Request) (slotstats.Metric, error) {
	name := r.URL.Query().Get("metric")
	if name == "" {
		return slotstats.CPUUsec, nil
	}
	return slotstats.ParseMetric(name)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

// handleHotSlots ranks slots across the cluster.
//
// Endpoint: GET /hotslots?metric=cpu-usec&limit=16
func (s *server) handleHotSlots(w http.ResponseWriter, r *http.Request) {
	metric, err := metricParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", slotstats.DefaultLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reports, failed := s.collectReports(r.Context())
	hot := coordinator.NewPlanner(metric, 0).Rank(reports, limit)
	if hot == nil {
		hot = []coordinator.HotSlot{}
	}
	writeJSON(w, struct {
		Metric string                `json:"metric"`
		Slots  []coordinator.HotSlot `json:"slots"`
		Failed []pushResult          `json:"failed,omitempty"`
	}{metric.String(), hot, failed})
}

// handlePlan proposes slot moves that even out a metric across primaries.
// POST applies the plan: each slot is migrated, keys included, and the
// layout pushed.
//
// Endpoint: GET|POST /rebalance/plan?metric=cpu-usec&moves=16
func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	metric, err := metricParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	moves, err := intParam(r, "moves", defaultMaxMoves)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reports, failed := s.collectReports(r.Context())
	if len(failed) > 0 && r.Method == http.MethodPost {
		http.Error(w, "cannot apply a plan while nodes are unreachable", http.StatusConflict)
		return
	}
	// Empty primaries take part as targets.
	for _, n := range s.primaries() {
		if !slices.ContainsFunc(reports, func(rep coordinator.NodeReport) bool { return rep.NodeID == n.ID }) &&
			!slices.ContainsFunc(failed, func(f pushResult) bool { return f.NodeID == n.ID }) {
			reports = append(reports, coordinator.NodeReport{NodeID: n.ID})
		}
	}
	plan := coordinator.NewPlanner(metric, moves).Plan(reports)
	if plan.Moves == nil {
		plan.Moves = []coordinator.Move{}
	}

	var pushed []pushResult
	if r.Method == http.MethodPost && len(plan.Moves) > 0 {
		err := s.applyPlan(r.Context(), plan)
		pushed = s.pushLayout(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	writeJSON(w, struct {
		coordinator.Plan
		Applied bool         `json:"applied"`
		Failed  []pushResult `json:"failed,omitempty"`
		Results []pushResult `json:"results,omitempty"`
	}{plan, r.Method == http.MethodPost, failed, pushed})
}

// applyPlan migrates each planned slot to its new owner. A move that
// fails leaves its slot where it was and does not stop the others.
func (s *server) applyPlan(ctx context.Context, plan coordinator.Plan) error {
	var errs []error
	for _, m := range plan.Moves {
		if err := s.moveSlots(ctx, m.To, []int{m.Slot}); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Info("slot moved",
			zap.Int("slot", m.Slot),
			zap.String("from", m.From),
			zap.String("to", m.To),
			zap.Uint64("load", m.Load))
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

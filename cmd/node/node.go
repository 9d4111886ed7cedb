package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/config"
	"github.com/dreamware/hotslot/internal/metrics"
	"github.com/dreamware/hotslot/internal/replication"
	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/server"
	"github.com/dreamware/hotslot/internal/shard"
	"github.com/dreamware/hotslot/internal/slotstats"
	"github.com/dreamware/hotslot/internal/storage"
)

// maxBody bounds request bodies, replication payloads included.
const maxBody = 8 << 20

// node wires the command loop to the HTTP API.
type node struct {
	cfg     config.Node
	shard   *shard.Shard
	srv     *server.Server
	routes  *routeTable
	metrics http.Handler
	logger  *zap.Logger
}

func newNode(cfg config.Node, logger *zap.Logger) (*node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", cfg.ID))

	n := &node{
		cfg:    cfg,
		shard:  shard.NewShard(cfg.Primary()),
		routes: &routeTable{},
		logger: logger,
	}
	n.srv = server.New(server.Config{
		ClusterEnabled:   cfg.ClusterEnabled,
		SlotStatsEnabled: cfg.SlotStats,
	}, n.shard, server.WithLogger(logger), server.WithRedirect(n.routes.lookup))

	h, err := metrics.Handler(n.srv, cfg.ID, logger)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	n.metrics = h
	return n, nil
}

func (n *node) slots() []cluster.SlotRange {
	return n.shard.Slots()
}

func (n *node) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /command", n.handleCommand)
	mux.HandleFunc("DELETE /clients/{id}", n.handleCloseClient)
	mux.HandleFunc("GET /clients/{id}/messages", n.handleMessages)
	mux.HandleFunc("GET /slot-stats", n.handleSlotStats)
	mux.HandleFunc("POST /slot-stats/reset", n.handleResetStats)
	mux.HandleFunc("POST /slots/assign", n.handleAssignSlots)
	mux.HandleFunc("POST /slots/migrate", n.handleMigrateSlots)
	mux.HandleFunc("POST /slots/import", n.handleImportSlots)
	mux.HandleFunc("POST /replicate", n.handleReplicate)
	mux.Handle("GET /metrics", n.metrics)
	mux.HandleFunc("GET /info", n.handleInfo)
	return mux
}

// handleCommand executes one command.
//
// Endpoint: POST /command
//
// Request body:
//
//	{"client": "c1", "args": ["SET", "foo", "bar"]}
//
// The reply is JSON (cluster.CommandResponse) unless the request accepts
// application/x-resp, in which case the RESP2 framing is returned as is.
// Command errors such as MOVED are replies, not HTTP errors. Without a
// client the command runs on a one-shot connection.
func (n *node) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req cluster.CommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	reply, err := n.srv.Exec(r.Context(), req.Client, req.Args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if r.Header.Get("Accept") == replication.ContentType {
		w.Header().Set("Content-Type", replication.ContentType)
		_, _ = w.Write(resp.Append(nil, reply))
		return
	}
	out := cluster.CommandResponse{Reply: jsonReply(reply)}
	if e, ok := reply.(resp.Error); ok {
		out = cluster.CommandResponse{Error: e.Msg}
	}
	writeJSON(w, out)
}

func (n *node) handleCloseClient(w http.ResponseWriter, r *http.Request) {
	if err := n.srv.CloseClient(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessages drains the sharded pub/sub messages of a client.
//
// Endpoint: GET /clients/{id}/messages
func (n *node) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := n.srv.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, jsonReply(m))
	}
	writeJSON(w, struct {
		Messages []any `json:"messages"`
	}{out})
}

// handleSlotStats serves CLUSTER SLOT-STATS over HTTP.
//
// Endpoint: GET /slot-stats
//
// Query forms:
//   - range=0-100                         → SLOTSRANGE 0 100
//   - orderby=cpu-usec&limit=5&order=asc  → ORDERBY cpu-usec LIMIT 5 ASC
//   - neither                             → every served slot
func (n *node) handleSlotStats(w http.ResponseWriter, r *http.Request) {
	args, err := slotStatsArgs(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := n.srv.SlotStats(r.Context(), args)
	switch {
	case errors.Is(err, slotstats.ErrInvalidQuery):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []slotstats.Entry{}
	}
	writeJSON(w, entries)
}

func slotStatsArgs(r *http.Request) ([]string, error) {
	q := r.URL.Query()
	if rg := q.Get("range"); rg != "" {
		lo, hi, ok := strings.Cut(rg, "-")
		if !ok {
			hi = lo
		}
		return []string{"SLOTSRANGE", lo, hi}, nil
	}
	metric := q.Get("orderby")
	if metric == "" {
		return []string{"SLOTSRANGE", "0", strconv.Itoa(cluster.NumSlots - 1)}, nil
	}
	args := []string{"ORDERBY", metric}
	if limit := q.Get("limit"); limit != "" {
		args = append(args, "LIMIT", limit)
	}
	switch order := strings.ToUpper(q.Get("order")); order {
	case "":
	case "ASC", "DESC":
		args = append(args, order)
	default:
		return nil, fmt.Errorf("order must be asc or desc, got %q", q.Get("order"))
	}
	return args, nil
}

// handleResetStats zeroes slot counters.
//
// Endpoint: POST /slot-stats/reset
//
// Request body: {"slot": 42} resets one slot; an empty body resets all.
func (n *node) handleResetStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slot *int `json:"slot"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Slot != nil && !cluster.ValidSlot(*req.Slot) {
		http.Error(w, fmt.Sprintf("invalid slot %d", *req.Slot), http.StatusBadRequest)
		return
	}
	if err := n.srv.ResetStats(r.Context(), req.Slot); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAssignSlots replaces the served slots. Statistics of slots the
// node stops serving are reset.
//
// Endpoint: POST /slots/assign
func (n *node) handleAssignSlots(w http.ResponseWriter, r *http.Request) {
	var req cluster.AssignSlotsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	added, removed, err := n.srv.AssignSlots(r.Context(), req.Slots)
	switch {
	case errors.Is(err, cluster.ErrInvalidSlotRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if req.Layout != nil {
		n.routes.update(req.Layout)
	}
	writeJSON(w, cluster.AssignSlotsResponse{Added: len(added), Removed: len(removed)})
}

// handleMigrateSlots moves slots and their keys to another node, which
// is sent the keys through its /slots/import endpoint. The slots stop
// being served here once every key has moved; the coordinator then
// assigns them to the target.
//
// Endpoint: POST /slots/migrate
//
// Request body:
//
//	{"slots": [866], "target": "http://127.0.0.1:8082"}
func (n *node) handleMigrateSlots(w http.ResponseWriter, r *http.Request) {
	var req cluster.MigrateSlotsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.Slots) == 0 || req.Target == "" {
		http.Error(w, "missing slots/target", http.StatusBadRequest)
		return
	}

	send := func(ctx context.Context, slots []int, records []storage.Record) error {
		return cluster.PostJSON(ctx, req.Target+"/slots/import", importRequest{Slots: slots, Records: records}, nil)
	}
	moved, err := n.srv.MigrateSlots(r.Context(), req.Slots, n.cfg.MigrateBatch, send)
	switch {
	case errors.Is(err, server.ErrSlotNotServed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		n.logger.Error("slot migration failed", zap.Ints("slots", req.Slots), zap.String("target", req.Target), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, cluster.MigrateSlotsResponse{Keys: moved})
}

// importRequest carries keys of migrating slots between nodes. Slots is
// set on the first request of a migration, Records on the following ones.
type importRequest struct {
	Slots   []int            `json:"slots,omitempty"`
	Records []storage.Record `json:"records,omitempty"`
}

// handleImportSlots accepts keys from a node migrating slots here.
//
// Endpoint: POST /slots/import
func (n *node) handleImportSlots(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	err := n.srv.ImportSlots(r.Context(), req.Slots, req.Records)
	switch {
	case errors.Is(err, server.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplicate applies a replication payload from the primary.
//
// Endpoint: POST /replicate (Content-Type: application/x-resp)
func (n *node) handleReplicate(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	err = n.srv.ApplyReplication(r.Context(), payload)
	switch {
	case errors.Is(err, server.ErrNotReplica):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, resp.ErrProtocol):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *node) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := n.srv.Info(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, struct {
		NodeID string       `json:"node_id"`
		Role   cluster.Role `json:"role"`
		server.Info
	}{n.cfg.ID, n.cfg.Role, info})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// jsonReply converts a command reply into a JSON-friendly value: bulk
// strings become strings and null replies become null.
func jsonReply(v any) any {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case resp.SimpleString:
		return string(v)
	case resp.Error:
		return map[string]string{"error": v.Msg}
	case resp.NullArray:
		return nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = jsonReply(elem)
		}
		return out
	case resp.Multi:
		return jsonReply([]any(v))
	default:
		return v
	}
}

// routeTable remembers which node serves each slot, as last announced by
// the coordinator, for MOVED redirects.
type routeTable struct {
	mu    sync.RWMutex
	addrs [cluster.NumSlots]string
}

func (t *routeTable) update(layout []cluster.NodeInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.addrs = [cluster.NumSlots]string{}
	for _, node := range layout {
		for _, rg := range node.Slots {
			if rg.Validate() != nil {
				continue
			}
			for slot := rg.Start; slot <= rg.End; slot++ {
				t.addrs[slot] = node.Addr
			}
		}
	}
}

func (t *routeTable) lookup(slot int) string {
	if !cluster.ValidSlot(slot) {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addrs[slot]
}

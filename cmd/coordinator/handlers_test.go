package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/coordinator"
	"github.com/dreamware/hotslot/internal/slotstats"
)

var everySlot = []cluster.SlotRange{{Start: 0, End: cluster.NumSlots - 1}}

// TestHandleRegister tests the node registration endpoint
func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"successful registration", `{"node":{"id":"node1","addr":"http://127.0.0.1:1","role":"replica"}}`, http.StatusNoContent},
		{"missing ID", `{"node":{"addr":"http://127.0.0.1:1"}}`, http.StatusBadRequest},
		{"missing address", `{"node":{"id":"node2"}}`, http.StatusBadRequest},
		{"invalid JSON body", `invalid json`, http.StatusBadRequest},
		{"invalid slots", `{"node":{"id":"node3","addr":"http://127.0.0.1:1","slots":[{"start":9,"end":1}]}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(0, nil)
			defer s.health.Stop()

			rec := httptest.NewRecorder()
			s.handleRegister(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(tt.body)))
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}

	t.Run("update existing node", func(t *testing.T) {
		s, ts := newTestServer(t)
		registerNode(t, ts, cluster.NodeInfo{ID: "node1", Addr: "http://127.0.0.1:1", Role: cluster.RoleReplica})
		registerNode(t, ts, cluster.NodeInfo{ID: "node1", Addr: "http://127.0.0.1:2", Role: cluster.RoleReplica})

		nodes := s.nodeList()
		require.Len(t, nodes, 1)
		assert.Equal(t, "http://127.0.0.1:2", nodes[0].Addr)
	})
}

// TestSlotAssignmentFlow follows slots through registration, manual
// assignment and rebalancing
func TestSlotAssignmentFlow(t *testing.T) {
	s, ts := newTestServer(t)
	n1, n2, replica := newFakeNode(t), newFakeNode(t), newFakeNode(t)

	registerNode(t, ts, cluster.NodeInfo{ID: "node-1", Addr: n1.srv.URL})
	assert.Equal(t, everySlot, n1.lastPush().Slots, "first primary takes every slot")
	assert.Equal(t, everySlot, s.registry.NodeSlots("node-1"))

	registerNode(t, ts, cluster.NodeInfo{ID: "node-2", Addr: n2.srv.URL})
	assert.Empty(t, n2.lastPush().Slots, "nothing left to give")
	assert.Len(t, n1.lastPush().Layout, 2)

	registerNode(t, ts, cluster.NodeInfo{ID: "replica-1", Addr: replica.srv.URL, Role: cluster.RoleReplica})
	assert.Empty(t, replica.pushes, "replicas are not assigned slots")

	t.Run("manual assign", func(t *testing.T) {
		body := `{"node_id":"node-2","slots":[{"start":0,"end":99}]}`
		res, err := http.Post(ts.URL+"/slots/assign", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)

		assert.Equal(t, []cluster.SlotRange{{Start: 0, End: 99}}, n2.lastPush().Slots)
		assert.Equal(t, []cluster.SlotRange{{Start: 100, End: cluster.NumSlots - 1}}, n1.lastPush().Slots)
		assert.Equal(t, []cluster.MigrateSlotsRequest{
			{Slots: rangeSlots([]cluster.SlotRange{{Start: 0, End: 99}}), Target: n2.srv.URL},
		}, n1.migrated(), "keys follow the slots")

		for _, bad := range []string{`{"node_id":"replica-1","slots":[]}`, `{"node_id":"ghost"}`, `{`} {
			res, err := http.Post(ts.URL+"/slots/assign", "application/json", strings.NewReader(bad))
			require.NoError(t, err)
			res.Body.Close()
			assert.Equal(t, http.StatusBadRequest, res.StatusCode, bad)
		}
	})

	t.Run("rebalance", func(t *testing.T) {
		res, err := http.Post(ts.URL+"/slots/rebalance", "application/json", nil)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, []cluster.SlotRange{{Start: 0, End: 8191}}, n1.lastPush().Slots)
		assert.Equal(t, []cluster.SlotRange{{Start: 8192, End: 16383}}, n2.lastPush().Slots)
		assert.Equal(t, []cluster.MigrateSlotsRequest{
			{Slots: rangeSlots([]cluster.SlotRange{{Start: 0, End: 99}}), Target: n1.srv.URL},
		}, n2.migrated())
		require.Len(t, n1.migrated(), 2)
		assert.Equal(t, cluster.MigrateSlotsRequest{
			Slots: rangeSlots([]cluster.SlotRange{{Start: 8192, End: 16383}}), Target: n2.srv.URL,
		}, n1.migrated()[1])

		var slots struct {
			Assignments map[string][]cluster.SlotRange `json:"assignments"`
			Unassigned  []cluster.SlotRange            `json:"unassigned"`
		}
		require.NoError(t, cluster.GetJSON(context.Background(), ts.URL+"/slots", &slots))
		assert.Len(t, slots.Assignments, 2)
		assert.Empty(t, slots.Unassigned)
	})

	t.Run("failed migration keeps the owner", func(t *testing.T) {
		n1.mu.Lock()
		n1.refuse = true
		n1.mu.Unlock()
		defer func() {
			n1.mu.Lock()
			n1.refuse = false
			n1.mu.Unlock()
		}()

		body := `{"node_id":"node-2","slots":[{"start":5,"end":5}]}`
		res, err := http.Post(ts.URL+"/slots/assign", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusBadGateway, res.StatusCode)
		var out struct {
			Results []pushResult `json:"results"`
			Error   string       `json:"error"`
		}
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		assert.Contains(t, out.Error, "migrating slots from node-1")
		assert.Len(t, out.Results, 2)
		assert.Equal(t, "node-1", s.registry.Owner(5))
	})

	t.Run("list nodes", func(t *testing.T) {
		var out struct {
			Nodes []nodeView `json:"nodes"`
		}
		require.NoError(t, cluster.GetJSON(context.Background(), ts.URL+"/nodes", &out))
		require.Len(t, out.Nodes, 3)
		assert.Equal(t, "node-1", out.Nodes[0].ID)
		assert.Equal(t, []cluster.SlotRange{{Start: 0, End: 8191}}, out.Nodes[0].Slots)
		assert.Equal(t, coordinator.StatusUnknown, out.Nodes[0].Health)
	})
}

// TestStaticSlots verifies a node keeps the slots it announces
func TestStaticSlots(t *testing.T) {
	s, ts := newTestServer(t)
	n1 := newFakeNode(t)

	static := []cluster.SlotRange{{Start: 10, End: 20}}
	registerNode(t, ts, cluster.NodeInfo{ID: "node-1", Addr: n1.srv.URL, Slots: static})
	assert.Equal(t, static, s.registry.NodeSlots("node-1"))
	assert.Equal(t, static, n1.lastPush().Slots)
}

// TestHandleData tests routing key operations to the owning node
func TestHandleData(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/data/foo")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, "no node serves the slot")

	n1 := newFakeNode(t)
	registerNode(t, ts, cluster.NodeInfo{ID: "node-1", Addr: n1.srv.URL})

	do := func(method, key, body string) (int, string) {
		req, _ := http.NewRequest(method, ts.URL+"/data/"+key, bytes.NewBufferString(body))
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		return res.StatusCode, string(data)
	}

	code, _ := do(http.MethodPut, "user:{42}/profile", `{"name":"Alice"}`)
	assert.Equal(t, http.StatusNoContent, code)

	code, body := do(http.MethodGet, "user:{42}/profile", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"name":"Alice"}`, body)

	code, _ = do(http.MethodDelete, "user:{42}/profile", "")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = do(http.MethodGet, "user:{42}/profile", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(http.MethodPost, "k", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	n1.mu.Lock()
	assert.Equal(t, []string{"SET", "user:{42}/profile", `{"name":"Alice"}`}, n1.commands[0])
	n1.mu.Unlock()
}

func cpuEntry(slot int, usec uint64) slotstats.Entry {
	return slotstats.Entry{Slot: slot, Stats: map[string]uint64{"cpu-usec": usec, "key-count": 1}}
}

// TestHotSlotsAndPlan tests aggregation of node reports
func TestHotSlotsAndPlan(t *testing.T) {
	s, ts := newTestServer(t)
	n1, n2 := newFakeNode(t), newFakeNode(t)
	registerNode(t, ts, cluster.NodeInfo{ID: "node-1", Addr: n1.srv.URL, Slots: []cluster.SlotRange{{Start: 0, End: 8191}}})
	registerNode(t, ts, cluster.NodeInfo{ID: "node-2", Addr: n2.srv.URL, Slots: []cluster.SlotRange{{Start: 8192, End: 16383}}})
	n1.setEntries(cpuEntry(1, 900), cpuEntry(2, 300), cpuEntry(3, 100))

	var hot struct {
		Metric string                `json:"metric"`
		Slots  []coordinator.HotSlot `json:"slots"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), ts.URL+"/hotslots?metric=cpu-usec&limit=2", &hot))
	assert.Equal(t, "cpu-usec", hot.Metric)
	require.Len(t, hot.Slots, 2)
	assert.Equal(t, 1, hot.Slots[0].Slot)
	assert.Equal(t, "node-1", hot.Slots[0].NodeID)
	assert.Equal(t, 2, hot.Slots[1].Slot)

	for _, q := range []string{"/hotslots?metric=memory", "/hotslots?limit=-1", "/rebalance/plan?moves=x"} {
		res, err := http.Get(ts.URL + q)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, q)
	}

	var plan struct {
		coordinator.Plan
		Applied bool `json:"applied"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), ts.URL+"/rebalance/plan", &plan))
	assert.False(t, plan.Applied)
	assert.Equal(t, []coordinator.Move{{Slot: 1, From: "node-1", To: "node-2", Load: 900}}, plan.Moves)
	assert.Equal(t, map[string]uint64{"node-1": 400, "node-2": 900}, plan.Projected)
	assert.Equal(t, "node-1", s.registry.Owner(1), "GET does not apply")

	res, err := http.Post(ts.URL+"/rebalance/plan", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&plan))
	res.Body.Close()
	assert.True(t, plan.Applied)
	assert.Equal(t, "node-2", s.registry.Owner(1))
	assert.Equal(t, []cluster.SlotRange{{Start: 1, End: 1}, {Start: 8192, End: 16383}}, n2.lastPush().Slots)
	assert.Equal(t, []cluster.MigrateSlotsRequest{{Slots: []int{1}, Target: n2.srv.URL}}, n1.migrated())

	t.Run("unreachable node blocks apply", func(t *testing.T) {
		n2.srv.Close()
		res, err := http.Post(ts.URL+"/rebalance/plan", "application/json", nil)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusConflict, res.StatusCode)
	})
}

// TestMarkNodeUnhealthy tests failover of a dead node's slots
func TestMarkNodeUnhealthy(t *testing.T) {
	s, ts := newTestServer(t)
	n1, n2, n3 := newFakeNode(t), newFakeNode(t), newFakeNode(t)
	registerNode(t, ts, cluster.NodeInfo{ID: "node-1", Addr: n1.srv.URL, Slots: []cluster.SlotRange{{Start: 0, End: 99}}})
	registerNode(t, ts, cluster.NodeInfo{ID: "node-2", Addr: n2.srv.URL, Slots: []cluster.SlotRange{{Start: 100, End: 16383}}})
	registerNode(t, ts, cluster.NodeInfo{ID: "node-3", Addr: n3.srv.URL})

	s.health.CheckAll(context.Background(), s.nodeList())
	require.True(t, s.health.IsHealthy("node-3"))

	s.markNodeUnhealthy("node-1")
	assert.Equal(t, []cluster.SlotRange{{Start: 0, End: 99}}, s.registry.NodeSlots("node-3"), "fewest slots wins")
	assert.Empty(t, s.registry.NodeSlots("node-1"))
	assert.Equal(t, []cluster.SlotRange{{Start: 0, End: 99}}, n3.lastPush().Slots)

	t.Run("no slots is a no-op", func(t *testing.T) {
		s.markNodeUnhealthy("node-1")
		assert.Equal(t, []cluster.SlotRange{{Start: 0, End: 99}}, s.registry.NodeSlots("node-3"))
	})
}

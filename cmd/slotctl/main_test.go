package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/coordinator"
	"github.com/dreamware/hotslot/internal/slotstats"
)

// fakeCluster serves the node and coordinator endpoints slotctl calls and
// records the requests it saw.
type fakeCluster struct {
	mu       sync.Mutex
	queries  []string
	resets   []map[string]any
	commands []cluster.CommandRequest
	methods  []string
}

func newFakeCluster(t *testing.T) (*fakeCluster, *httptest.Server) {
	t.Helper()
	f := &fakeCluster{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /slot-stats", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.RawQuery)
		f.mu.Unlock()
		writeTestJSON(w, []slotstats.Entry{
			{Slot: 7, Stats: map[string]uint64{"key-count": 2, "cpu-usec": 120, "network-bytes-in": 31, "network-bytes-out": 5}},
			{Slot: 9, Stats: map[string]uint64{"key-count": 1}},
		})
	})
	mux.HandleFunc("POST /slot-stats/reset", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.resets = append(f.resets, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /command", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.CommandRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.commands = append(f.commands, req)
		f.mu.Unlock()
		if req.Args[0] == "BOGUS" {
			writeTestJSON(w, cluster.CommandResponse{Error: "ERR unknown command 'BOGUS'"})
			return
		}
		writeTestJSON(w, cluster.CommandResponse{Reply: "OK"})
	})
	mux.HandleFunc("GET /hotslots", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{"slots": []coordinator.HotSlot{
			{Slot: 7, NodeID: "node-1", Stats: map[string]uint64{"cpu-usec": 120}},
		}})
	})
	mux.HandleFunc("/rebalance/plan", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.methods = append(f.methods, r.Method)
		f.mu.Unlock()
		writeTestJSON(w, map[string]any{
			"metric":  "cpu-usec",
			"moves":   []coordinator.Move{{Slot: 7, From: "node-1", To: "node-2", Load: 120}},
			"applied": r.Method == http.MethodPost,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatsCmd(t *testing.T) {
	f, srv := newFakeCluster(t)

	t.Run("table", func(t *testing.T) {
		out, err := runCLI(t, "stats", "--node", srv.URL, "--orderby", "cpu-usec", "--limit", "2", "--asc")
		require.NoError(t, err)
		assert.Contains(t, out, "SLOT")
		assert.Contains(t, out, "network-bytes-out")
		assert.Regexp(t, `7\s+2\s+120\s+31\s+5`, out)
		assert.Regexp(t, `9\s+1\s+-\s+-\s+-`, out)
	})

	t.Run("range", func(t *testing.T) {
		_, err := runCLI(t, "stats", "--node", srv.URL, "--range", "0-100")
		require.NoError(t, err)
	})

	t.Run("invalid flags", func(t *testing.T) {
		_, err := runCLI(t, "stats", "--node", srv.URL, "--range", "0-1", "--orderby", "cpu-usec")
		assert.Error(t, err)
		_, err = runCLI(t, "stats", "--node", srv.URL, "--orderby", "memory")
		assert.ErrorIs(t, err, slotstats.ErrInvalidQuery)
	})

	f.mu.Lock()
	assert.Equal(t, []string{"limit=2&order=asc&orderby=cpu-usec", "range=0-100"}, f.queries)
	f.mu.Unlock()
}

func TestStatsCmdOut(t *testing.T) {
	_, srv := newFakeCluster(t)
	path := filepath.Join(t.TempDir(), "report.json")

	out, err := runCLI(t, "stats", "--node", srv.URL, "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 2 slots")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []slotstats.Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	want := []slotstats.Entry{
		{Slot: 7, Stats: map[string]uint64{"key-count": 2, "cpu-usec": 120, "network-bytes-in": 31, "network-bytes-out": 5}},
		{Slot: 9, Stats: map[string]uint64{"key-count": 1}},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestResetCmd(t *testing.T) {
	f, srv := newFakeCluster(t)

	_, err := runCLI(t, "reset", "--node", srv.URL)
	require.NoError(t, err)
	_, err = runCLI(t, "reset", "--node", srv.URL, "--slot", "42")
	require.NoError(t, err)
	_, err = runCLI(t, "reset", "--node", srv.URL, "--slot", "16384")
	assert.Error(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []map[string]any{{}, {"slot": float64(42)}}, f.resets)
}

func TestExecCmd(t *testing.T) {
	f, srv := newFakeCluster(t)

	out, err := runCLI(t, "exec", "--node", srv.URL, "SET", "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, "\"OK\"\n", out)

	_, err = runCLI(t, "exec", "--node", srv.URL, "BOGUS")
	assert.EqualError(t, err, "ERR unknown command 'BOGUS'")

	_, err = runCLI(t, "exec", "--node", srv.URL)
	assert.Error(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.commands, 2)
	assert.Equal(t, cluster.CommandRequest{Client: "slotctl", Args: []string{"SET", "foo", "bar"}}, f.commands[0])
}

func TestHotCmd(t *testing.T) {
	_, srv := newFakeCluster(t)

	out, err := runCLI(t, "hot", "--coordinator", srv.URL)
	require.NoError(t, err)
	assert.Regexp(t, `7\s+node-1\s+120`, out)
}

func TestPlanCmd(t *testing.T) {
	f, srv := newFakeCluster(t)

	out, err := runCLI(t, "plan", "--coordinator", srv.URL)
	require.NoError(t, err)
	assert.Regexp(t, `7\s+node-1\s+node-2\s+120`, out)
	assert.NotContains(t, out, "applied")

	out, err = runCLI(t, "plan", "--coordinator", srv.URL, "--apply")
	require.NoError(t, err)
	assert.Contains(t, out, "applied 1 moves")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{http.MethodGet, http.MethodPost}, f.methods)
}

func TestPrintPlanBalanced(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printPlan(&out, coordinator.Plan{Metric: "key-count"}, false))
	assert.Equal(t, "key-count is balanced, nothing to move\n", out.String())
}

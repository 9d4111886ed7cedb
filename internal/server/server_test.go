package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/shard"
	"github.com/dreamware/hotslot/internal/slotstats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stepClock advances one millisecond per reading, so every call without
// nested commands lasts exactly 1ms. It is only read on the command loop.
type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

var allSlots = []cluster.SlotRange{{Start: 0, End: cluster.NumSlots - 1}}

var statsOn = Config{ClusterEnabled: true, SlotStatsEnabled: true}

type testServer struct {
	*Server
	t *testing.T
}

func newTestServer(t *testing.T, cfg Config, primary bool, opts ...Option) *testServer {
	t.Helper()
	sh := shard.NewShard(primary)
	_, _, err := sh.AssignSlots(allSlots)
	require.NoError(t, err)

	clock := &stepClock{t: time.Unix(0, 0)}
	s := New(cfg, sh, append([]Option{WithClock(clock.now)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testServer{Server: s, t: t}
}

func (ts *testServer) exec(client string, args ...string) any {
	ts.t.Helper()
	reply, err := ts.Exec(context.Background(), client, args)
	require.NoError(ts.t, err)
	return reply
}

func (ts *testServer) stat(slot int) slotstats.SlotStat {
	ts.t.Helper()
	var st slotstats.SlotStat
	require.NoError(ts.t, ts.Do(context.Background(), func() { st = ts.stats.Stat(slot) }))
	return st
}

// charged reports whether any slot has nonzero counters.
func (ts *testServer) charged() bool {
	ts.t.Helper()
	var found bool
	require.NoError(ts.t, ts.Do(context.Background(), func() {
		for _, st := range ts.stats.Snapshot() {
			if st != (slotstats.SlotStat{}) {
				found = true
				return
			}
		}
	}))
	return found
}

func (ts *testServer) waitBlocked(n int) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		info, err := ts.Info(context.Background())
		return err == nil && info.BlockedClients == n
	}, 2*time.Second, 5*time.Millisecond)
}

func in(args ...string) uint64 { return uint64(resp.CommandSize(args)) }

func out(v any) uint64 { return uint64(resp.Size(v)) }

func slotOf(key string) int { return cluster.KeySlot(key) }

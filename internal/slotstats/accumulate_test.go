package slotstats

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/hotslot/internal/cluster"
)

var enabled = Config{Enabled: true, ClusterEnabled: true, Primary: true}

func newRegistry(cfg Config) *Registry {
	r := NewRegistry(zap.NewNop())
	r.SetConfig(cfg)
	return r
}

func withSlot(slot int) *ExecContext {
	ec := NewExecContext()
	ec.Slot = slot
	return ec
}

// requireViolation runs fn and asserts it panics with a *ViolationError.
func requireViolation(t *testing.T, fn func()) *ViolationError {
	t.Helper()
	var got *ViolationError
	func() {
		defer func() {
			rec := recover()
			require.NotNil(t, rec, "expected a contract violation")
			err, ok := rec.(error)
			require.True(t, ok, "panic value %v is not an error", rec)
			require.True(t, errors.As(err, &got), "panic value %v is not a ViolationError", rec)
		}()
		fn()
	}()
	return got
}

// TestUserClientEgress covers the post-response egress call site.
func TestUserClientEgress(t *testing.T) {
	t.Run("eligible command is charged", func(t *testing.T) {
		r := newRegistry(enabled)
		ec := withSlot(5)
		ec.BytesOut = 120

		r.AddNetworkBytesOutForUserClient(ec)

		assert.Equal(t, uint64(120), r.Stat(5).NetworkBytesOut)
	})

	ineligible := map[string]struct {
		cfg  Config
		slot int
	}{
		"feature disabled": {Config{ClusterEnabled: true}, 5},
		"cluster disabled": {Config{Enabled: true}, 5},
		"no slot":          {enabled, NoSlot},
	}
	for name, tc := range ineligible {
		t.Run(name+" is a no-op", func(t *testing.T) {
			r := newRegistry(tc.cfg)
			ec := withSlot(tc.slot)
			ec.BytesOut = 120

			r.AddNetworkBytesOutForUserClient(ec)

			assert.Equal(t, make([]SlotStat, cluster.NumSlots), r.Snapshot())
		})
	}

	t.Run("out of range slot is a violation", func(t *testing.T) {
		r := newRegistry(enabled)
		v := requireViolation(t, func() { r.AddNetworkBytesOutForUserClient(withSlot(cluster.NumSlots)) })
		assert.Equal(t, cluster.NumSlots, v.Slot)
	})
}

// TestReplicationEgress covers the replication stream call sites.
func TestReplicationEgress(t *testing.T) {
	primary := enabled
	primary.Replicas = 3

	t.Run("increment is multiplied by replicas", func(t *testing.T) {
		r := newRegistry(primary)
		cur := withSlot(9)

		r.IncrNetworkBytesOutForReplication(cur, 50)
		assert.Equal(t, uint64(150), r.Stat(9).NetworkBytesOut)

		r.DecrNetworkBytesOutForReplication(cur, 10)
		assert.Equal(t, uint64(120), r.Stat(9).NetworkBytesOut)
	})

	t.Run("increment then decrement round trips", func(t *testing.T) {
		r := newRegistry(primary)
		cur := withSlot(100)
		ec := withSlot(100)
		ec.BytesOut = 7
		r.AddNetworkBytesOutForUserClient(ec)

		r.IncrNetworkBytesOutForReplication(cur, 33)
		r.DecrNetworkBytesOutForReplication(cur, 33)

		assert.Equal(t, uint64(7), r.Stat(100).NetworkBytesOut)
	})

	t.Run("no replicas charges nothing", func(t *testing.T) {
		r := newRegistry(enabled)
		r.IncrNetworkBytesOutForReplication(withSlot(1), 50)
		assert.Zero(t, r.Stat(1).NetworkBytesOut)
	})

	t.Run("no current command is a no-op", func(t *testing.T) {
		r := newRegistry(primary)
		r.IncrNetworkBytesOutForReplication(nil, 50)
		assert.Equal(t, make([]SlotStat, cluster.NumSlots), r.Snapshot())
	})

	t.Run("ineligible context skips the role check", func(t *testing.T) {
		cfg := primary
		cfg.Primary = false
		r := newRegistry(cfg)
		r.IncrNetworkBytesOutForReplication(withSlot(NoSlot), 50)
	})

	t.Run("decrement beyond accumulated is a violation", func(t *testing.T) {
		r := newRegistry(primary)
		cur := withSlot(4)
		r.IncrNetworkBytesOutForReplication(cur, 5)

		v := requireViolation(t, func() { r.DecrNetworkBytesOutForReplication(cur, 6) })
		assert.Equal(t, 4, v.Slot)
		assert.Equal(t, uint64(15), r.Stat(4).NetworkBytesOut)
	})

	t.Run("replica role is a violation", func(t *testing.T) {
		cfg := primary
		cfg.Primary = false
		r := newRegistry(cfg)

		requireViolation(t, func() { r.IncrNetworkBytesOutForReplication(withSlot(4), 5) })
	})
}

// TestShardedPubSubEgress covers delivery of sharded messages to local subscribers.
func TestShardedPubSubEgress(t *testing.T) {
	t.Run("charges the channel slot and consumes the counter", func(t *testing.T) {
		r := newRegistry(enabled)
		sub := withSlot(NoSlot)
		sub.BytesOut = 40

		r.AddNetworkBytesOutForShardedPubSub(sub, 77)

		assert.Equal(t, uint64(40), r.Stat(77).NetworkBytesOut)
		assert.Zero(t, sub.BytesOut)
		assert.Equal(t, NoSlot, sub.Slot)
	})

	t.Run("blocked subscriber keeps its own slot", func(t *testing.T) {
		r := newRegistry(enabled)
		sub := withSlot(12)
		sub.Blocked = true
		sub.BytesOut = 40

		r.AddNetworkBytesOutForShardedPubSub(sub, 77)

		assert.Equal(t, 12, sub.Slot)
		assert.Equal(t, uint64(40), r.Stat(77).NetworkBytesOut)
		assert.Zero(t, r.Stat(12).NetworkBytesOut)
	})

	t.Run("ineligible leaves client and table untouched", func(t *testing.T) {
		r := newRegistry(Config{ClusterEnabled: true})
		sub := withSlot(12)
		sub.BytesOut = 40

		r.AddNetworkBytesOutForShardedPubSub(sub, 77)

		assert.Equal(t, 12, sub.Slot)
		assert.Equal(t, uint64(40), sub.BytesOut)
		assert.Equal(t, make([]SlotStat, cluster.NumSlots), r.Snapshot())
	})

	t.Run("no slot is a no-op", func(t *testing.T) {
		r := newRegistry(enabled)
		sub := withSlot(3)
		sub.BytesOut = 40

		r.AddNetworkBytesOutForShardedPubSub(sub, NoSlot)

		assert.Equal(t, 3, sub.Slot)
		assert.Zero(t, r.Stat(3).NetworkBytesOut)
	})
}

// TestIngress covers the post-parse ingress call site.
func TestIngress(t *testing.T) {
	t.Run("plain command", func(t *testing.T) {
		r := newRegistry(enabled)
		ec := withSlot(8)
		ec.BytesIn = 31

		r.AddNetworkBytesInForUserClient(ec)

		assert.Equal(t, uint64(31), r.Stat(8).NetworkBytesIn)
	})

	t.Run("exec adds the multi preamble", func(t *testing.T) {
		r := newRegistry(enabled)
		ec := withSlot(8)
		ec.BytesIn = 40
		ec.IsExec = true

		r.AddNetworkBytesInForUserClient(ec)

		assert.Equal(t, uint64(55), r.Stat(8).NetworkBytesIn)
		assert.Equal(t, uint64(40), ec.BytesIn)
	})

	t.Run("blocked client is skipped", func(t *testing.T) {
		r := newRegistry(enabled)
		ec := withSlot(8)
		ec.BytesIn = 40
		ec.Blocked = true

		r.AddNetworkBytesInForUserClient(ec)

		assert.Zero(t, r.Stat(8).NetworkBytesIn)
	})

	t.Run("command nested in a transaction is skipped", func(t *testing.T) {
		r := newRegistry(enabled)
		ec := withSlot(8)
		ec.BytesIn = 40
		ec.InTransaction = true

		r.AddNetworkBytesInForUserClient(ec)

		assert.Zero(t, r.Stat(8).NetworkBytesIn)
	})
}

// TestCPUDuration covers the post-execution CPU call site and its nesting rule.
func TestCPUDuration(t *testing.T) {
	t.Run("top level command", func(t *testing.T) {
		r := newRegistry(enabled)
		r.AddCPUDuration(withSlot(2), 1500*time.Microsecond)
		assert.Equal(t, uint64(1500), r.Stat(2).CPUUsec)
	})

	t.Run("nested non-blocking command is skipped", func(t *testing.T) {
		r := newRegistry(enabled)
		ec := withSlot(2)
		ec.Nesting = 1

		r.AddCPUDuration(ec, time.Millisecond)

		assert.Zero(t, r.Stat(2).CPUUsec)
	})

	t.Run("nested command resumed from blocking is charged", func(t *testing.T) {
		r := newRegistry(enabled)
		ec := withSlot(2)
		ec.Nesting = 1
		ec.CmdBlocking = true

		r.AddCPUDuration(ec, time.Millisecond)

		assert.Equal(t, uint64(1000), r.Stat(2).CPUUsec)
	})

	t.Run("negative duration adds nothing", func(t *testing.T) {
		r := newRegistry(enabled)
		r.AddCPUDuration(withSlot(2), -time.Millisecond)
		assert.Zero(t, r.Stat(2).CPUUsec)
	})
}

type fakeScript struct {
	crossSlot bool
	caller    *ExecContext
}

func (s fakeScript) AllowCrossSlot() bool  { return s.crossSlot }
func (s fakeScript) Caller() *ExecContext { return s.caller }

// TestInvalidateSlotIfApplicable covers cross-slot script suppression.
func TestInvalidateSlotIfApplicable(t *testing.T) {
	t.Run("cross-slot script suppresses attribution", func(t *testing.T) {
		r := newRegistry(enabled)
		caller := withSlot(7)
		caller.BytesOut = 64

		r.InvalidateSlotIfApplicable(fakeScript{crossSlot: true, caller: caller})
		require.Equal(t, NoSlot, caller.Slot)

		r.AddNetworkBytesOutForUserClient(caller)
		r.AddNetworkBytesInForUserClient(caller)
		r.AddCPUDuration(caller, time.Second)
		assert.Equal(t, make([]SlotStat, cluster.NumSlots), r.Snapshot())
	})

	t.Run("single-slot script keeps its slot", func(t *testing.T) {
		r := newRegistry(enabled)
		caller := withSlot(7)

		r.InvalidateSlotIfApplicable(fakeScript{caller: caller})

		assert.Equal(t, 7, caller.Slot)
	})
}

// TestReset covers the administrative reset operations.
func TestReset(t *testing.T) {
	fill := func(r *Registry, slots ...int) {
		for _, slot := range slots {
			ec := withSlot(slot)
			ec.BytesIn, ec.BytesOut = 10, 20
			r.AddNetworkBytesInForUserClient(ec)
			r.AddNetworkBytesOutForUserClient(ec)
			r.AddCPUDuration(ec, time.Millisecond)
		}
	}

	t.Run("reset one slot", func(t *testing.T) {
		r := newRegistry(enabled)
		fill(r, 1, 2)

		r.Reset(1)

		assert.Equal(t, SlotStat{}, r.Stat(1))
		assert.Equal(t, SlotStat{CPUUsec: 1000, NetworkBytesIn: 10, NetworkBytesOut: 20}, r.Stat(2))
	})

	t.Run("reset all slots", func(t *testing.T) {
		r := newRegistry(enabled)
		fill(r, 0, 1, cluster.NumSlots-1)

		r.ResetAll()

		assert.Equal(t, make([]SlotStat, cluster.NumSlots), r.Snapshot())
	})

	t.Run("reset ignores the feature flag", func(t *testing.T) {
		r := newRegistry(enabled)
		fill(r, 3)
		r.SetConfig(Config{})

		r.Reset(3)

		assert.Equal(t, SlotStat{}, r.Stat(3))
	})

	t.Run("reset of an invalid slot is a violation", func(t *testing.T) {
		r := newRegistry(enabled)
		requireViolation(t, func() { r.Reset(-1) })
	})
}

// TestViolationIsLogged verifies contract violations reach the logger before panicking.
func TestViolationIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := NewRegistry(zap.New(core))
	r.SetConfig(enabled)

	requireViolation(t, func() { r.Stat(cluster.NumSlots + 1) })

	entries := logs.FilterMessage("slot stats contract violated").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "stat", entries[0].ContextMap()["op"])
}

// TestSnapshotIsACopy verifies readers cannot mutate the table.
func TestSnapshotIsACopy(t *testing.T) {
	r := newRegistry(enabled)
	snap := r.Snapshot()
	snap[0].CPUUsec = 99
	assert.Zero(t, r.Stat(0).CPUUsec)
}

package slotstats

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hotslot/internal/cluster"
)

type fakeShard struct {
	owned *cluster.SlotSet
	keys  map[int]int
}

func (f fakeShard) OwnsSlot(slot int) bool       { return f.owned.Has(slot) }
func (f fakeShard) CountKeysInSlot(slot int) int { return f.keys[slot] }

func newFakeShard(ranges ...cluster.SlotRange) fakeShard {
	return fakeShard{owned: cluster.NewSlotSet(ranges...), keys: map[int]int{}}
}

func charge(r *Registry, slot int, cpu time.Duration, in, out uint64) {
	ec := withSlot(slot)
	ec.BytesIn, ec.BytesOut = in, out
	r.AddCPUDuration(ec, cpu)
	r.AddNetworkBytesInForUserClient(ec)
	r.AddNetworkBytesOutForUserClient(ec)
}

func TestParseQuery(t *testing.T) {
	t.Run("slotsrange", func(t *testing.T) {
		q, err := ParseQuery([]string{"slotsrange", "0", "10"})
		require.NoError(t, err)
		require.NotNil(t, q.Range)
		assert.Equal(t, cluster.SlotRange{Start: 0, End: 10}, *q.Range)
	})

	t.Run("orderby with defaults", func(t *testing.T) {
		q, err := ParseQuery([]string{"ORDERBY", "CPU-USEC"})
		require.NoError(t, err)
		assert.Equal(t, Query{OrderBy: CPUUsec, Limit: DefaultLimit}, q)
	})

	t.Run("orderby with limit and direction", func(t *testing.T) {
		q, err := ParseQuery([]string{"ORDERBY", "network-bytes-out", "LIMIT", "3", "ASC"})
		require.NoError(t, err)
		assert.Equal(t, Query{OrderBy: NetworkBytesOut, Limit: 3, Ascending: true}, q)
	})

	bad := [][]string{
		nil,
		{"SLOTSRANGE", "0"},
		{"SLOTSRANGE", "10", "5"},
		{"SLOTSRANGE", "0", "16384"},
		{"SLOTSRANGE", "a", "b"},
		{"ORDERBY"},
		{"ORDERBY", "memory"},
		{"ORDERBY", "key-count", "LIMIT"},
		{"ORDERBY", "key-count", "LIMIT", "0"},
		{"ORDERBY", "key-count", "LIMIT", "16385"},
		{"ORDERBY", "key-count", "SIDEWAYS"},
		{"SLOTS"},
	}
	for _, args := range bad {
		_, err := ParseQuery(args)
		assert.True(t, errors.Is(err, ErrInvalidQuery), "args %q: got %v", args, err)
	}
}

func TestMetricString(t *testing.T) {
	for _, m := range []Metric{KeyCount, CPUUsec, NetworkBytesIn, NetworkBytesOut} {
		parsed, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	assert.Equal(t, "metric(9)", Metric(9).String())
}

func TestReportSlotsRange(t *testing.T) {
	r := newRegistry(enabled)
	shard := newFakeShard(cluster.SlotRange{Start: 0, End: 2}, cluster.SlotRange{Start: 5, End: 5})
	shard.keys[1] = 4
	charge(r, 1, 2*time.Millisecond, 30, 60)

	got, err := r.Report(Query{Range: &cluster.SlotRange{Start: 1, End: 6}}, shard, shard)
	require.NoError(t, err)

	want := []Entry{
		{Slot: 1, Stats: map[string]uint64{"key-count": 4, "cpu-usec": 2000, "network-bytes-in": 30, "network-bytes-out": 60}},
		{Slot: 2, Stats: map[string]uint64{"key-count": 0, "cpu-usec": 0, "network-bytes-in": 0, "network-bytes-out": 0}},
		{Slot: 5, Stats: map[string]uint64{"key-count": 0, "cpu-usec": 0, "network-bytes-in": 0, "network-bytes-out": 0}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestReportOrderBy(t *testing.T) {
	r := newRegistry(enabled)
	shard := newFakeShard(cluster.SlotRange{Start: 0, End: 99})
	charge(r, 40, time.Millisecond, 0, 0)
	charge(r, 10, 3*time.Millisecond, 0, 0)
	charge(r, 20, time.Millisecond, 0, 0)
	charge(r, 200, 9*time.Millisecond, 0, 0) // not served here

	slots := func(entries []Entry) []int {
		out := make([]int, len(entries))
		for i, e := range entries {
			out[i] = e.Slot
		}
		return out
	}

	t.Run("descending with ties by ascending slot", func(t *testing.T) {
		got, err := r.Report(Query{OrderBy: CPUUsec, Limit: 4}, shard, shard)
		require.NoError(t, err)
		assert.Equal(t, []int{10, 20, 40, 0}, slots(got))
	})

	t.Run("ascending", func(t *testing.T) {
		got, err := r.Report(Query{OrderBy: CPUUsec, Limit: 3, Ascending: true}, shard, shard)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, slots(got))
	})

	t.Run("default limit", func(t *testing.T) {
		got, err := r.Report(Query{OrderBy: KeyCount}, shard, shard)
		require.NoError(t, err)
		assert.Len(t, got, DefaultLimit)
	})

	t.Run("key count comes from the keyspace", func(t *testing.T) {
		shard.keys[99] = 12
		shard.keys[3] = 12
		shard.keys[50] = 1
		got, err := r.Report(Query{OrderBy: KeyCount, Limit: 3}, shard, shard)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 99, 50}, slots(got))
	})
}

func TestReportDisabled(t *testing.T) {
	r := newRegistry(Config{ClusterEnabled: true})
	shard := newFakeShard(cluster.SlotRange{Start: 0, End: 1})
	shard.keys[0] = 2

	t.Run("only key count is reported", func(t *testing.T) {
		got, err := r.Report(Query{Range: &cluster.SlotRange{Start: 0, End: 0}}, shard, shard)
		require.NoError(t, err)
		want := []Entry{{Slot: 0, Stats: map[string]uint64{"key-count": 2}}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("report mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("ordering by an accounted metric is rejected", func(t *testing.T) {
		_, err := r.Report(Query{OrderBy: NetworkBytesIn}, shard, shard)
		assert.True(t, errors.Is(err, ErrInvalidQuery))
	})
}

func TestSamples(t *testing.T) {
	r := newRegistry(enabled)
	shard := newFakeShard(cluster.SlotRange{Start: 0, End: 9})
	shard.keys[7] = 3
	charge(r, 2, time.Millisecond, 10, 20)
	charge(r, 500, time.Millisecond, 10, 20) // not served here

	want := []Sample{
		{Slot: 2, SlotStat: SlotStat{CPUUsec: 1000, NetworkBytesIn: 10, NetworkBytesOut: 20}},
		{Slot: 7, Keys: 3},
	}
	if diff := cmp.Diff(want, r.Samples(shard, shard)); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hotslot/internal/slotstats"
)

type fakeSource struct {
	samples []slotstats.Sample
	err     error
}

func (f fakeSource) Samples(context.Context) ([]slotstats.Sample, error) {
	return f.samples, f.err
}

// gather returns metric values keyed by family name and slot label.
func gather(t *testing.T, col prometheus.Collector) map[string]map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(col))
	families, err := reg.Gather()
	require.NoError(t, err)

	out := map[string]map[string]float64{}
	for _, f := range families {
		values := map[string]float64{}
		for _, m := range f.GetMetric() {
			slot := ""
			for _, l := range m.GetLabel() {
				if l.GetName() == "slot" {
					slot = l.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				values[slot] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[slot] = m.GetGauge().GetValue()
			}
		}
		out[f.GetName()] = values
	}
	return out
}

func TestCollector(t *testing.T) {
	src := fakeSource{samples: []slotstats.Sample{
		{Slot: 7, Keys: 2, SlotStat: slotstats.SlotStat{CPUUsec: 1500, NetworkBytesIn: 31, NetworkBytesOut: 5}},
		{Slot: 900, Keys: 1},
	}}

	got := gather(t, NewCollector(src, "node-1", nil))

	assert.Equal(t, map[string]float64{"7": 1500, "900": 0}, got["hotslot_slot_cpu_usec_total"])
	assert.Equal(t, map[string]float64{"7": 31, "900": 0}, got["hotslot_slot_network_bytes_in_total"])
	assert.Equal(t, map[string]float64{"7": 5, "900": 0}, got["hotslot_slot_network_bytes_out_total"])
	assert.Equal(t, map[string]float64{"7": 2, "900": 1}, got["hotslot_slot_keys"])
	assert.Equal(t, map[string]float64{"": 0}, got["hotslot_slot_stats_scrape_error"])
}

func TestCollectorSourceError(t *testing.T) {
	got := gather(t, NewCollector(fakeSource{err: errors.New("loop stopped")}, "node-1", nil))

	assert.Equal(t, map[string]float64{"": 1}, got["hotslot_slot_stats_scrape_error"])
	assert.NotContains(t, got, "hotslot_slot_cpu_usec_total")
}

func TestHandler(t *testing.T) {
	src := fakeSource{samples: []slotstats.Sample{{Slot: 3, Keys: 4}}}
	h, err := Handler(src, "node-1", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `hotslot_slot_keys{node="node-1",slot="3"} 4`)
	assert.Contains(t, string(body), "go_goroutines")
}

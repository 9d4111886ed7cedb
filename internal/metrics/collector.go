// Package metrics exports per-slot statistics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/slotstats"
)

// Source returns the current counters of the served slots.
type Source interface {
	Samples(ctx context.Context) ([]slotstats.Sample, error)
}

// collectTimeout bounds how long a scrape waits for the command loop.
const collectTimeout = 2 * time.Second

type slotCollector struct {
	source Source
	logger *zap.Logger

	cpu       *prometheus.Desc
	bytesIn   *prometheus.Desc
	bytesOut  *prometheus.Desc
	keys      *prometheus.Desc
	scrapeErr *prometheus.Desc
}

// NewCollector creates a collector reading from source. node is attached
// as a constant label.
func NewCollector(source Source, node string, logger *zap.Logger) prometheus.Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	labels := prometheus.Labels{"node": node}
	slot := []string{"slot"}
	return &slotCollector{
		source: source,
		logger: logger.Named("metrics"),
		cpu: prometheus.NewDesc(
			"hotslot_slot_cpu_usec_total",
			"CPU time spent executing commands of the slot, in microseconds",
			slot, labels,
		),
		bytesIn: prometheus.NewDesc(
			"hotslot_slot_network_bytes_in_total",
			"Bytes of commands received for the slot",
			slot, labels,
		),
		bytesOut: prometheus.NewDesc(
			"hotslot_slot_network_bytes_out_total",
			"Bytes of replies, replication stream and sharded pub/sub messages sent for the slot",
			slot, labels,
		),
		keys: prometheus.NewDesc(
			"hotslot_slot_keys",
			"Number of keys stored in the slot",
			slot, labels,
		),
		scrapeErr: prometheus.NewDesc(
			"hotslot_slot_stats_scrape_error",
			"1 if slot statistics could not be read, otherwise 0",
			nil, labels,
		),
	}
}

func (c *slotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.bytesIn
	ch <- c.bytesOut
	ch <- c.keys
	ch <- c.scrapeErr
}

func (c *slotCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	samples, err := c.source.Samples(ctx)
	if err != nil {
		c.logger.Warn("reading slot stats", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 0)

	for _, s := range samples {
		slot := strconv.Itoa(s.Slot)
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.CounterValue, float64(s.CPUUsec), slot)
		ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.CounterValue, float64(s.NetworkBytesIn), slot)
		ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(s.NetworkBytesOut), slot)
		ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(s.Keys), slot)
	}
}

// Handler returns an HTTP handler serving the slot metrics together with
// the Go runtime and process collectors.
func Handler(source Source, node string, logger *zap.Logger) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		NewCollector(source, node, logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

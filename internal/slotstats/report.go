package slotstats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/cluster"
)

// ErrInvalidQuery is returned for malformed or unsupported report queries.
var ErrInvalidQuery = errors.New("invalid slot-stats query")

// DefaultLimit is the number of slots an ORDERBY report returns when no
// LIMIT is given.
const DefaultLimit = 16

// Metric selects one per-slot statistic.
type Metric int

const (
	KeyCount Metric = iota
	CPUUsec
	NetworkBytesIn
	NetworkBytesOut
)

var metricNames = [...]string{
	KeyCount:        "key-count",
	CPUUsec:         "cpu-usec",
	NetworkBytesIn:  "network-bytes-in",
	NetworkBytesOut: "network-bytes-out",
}

func (m Metric) String() string {
	if m < 0 || int(m) >= len(metricNames) {
		return "metric(" + strconv.Itoa(int(m)) + ")"
	}
	return metricNames[m]
}

// ParseMetric accepts a metric name, case-insensitively.
func ParseMetric(s string) (Metric, error) {
	for i, name := range metricNames {
		if strings.EqualFold(s, name) {
			return Metric(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown metric %q", ErrInvalidQuery, s)
}

// KeyCounter answers how many keys live in a slot.
type KeyCounter interface {
	CountKeysInSlot(slot int) int
}

// SlotOwner answers whether this node serves a slot.
type SlotOwner interface {
	OwnsSlot(slot int) bool
}

// Query describes one CLUSTER SLOT-STATS request. Exactly one of Range or
// OrderBy form is used: a non-nil Range selects SLOTSRANGE.
type Query struct {
	Range     *cluster.SlotRange
	OrderBy   Metric
	Limit     int
	Ascending bool
}

// ParseQuery parses the arguments following CLUSTER SLOT-STATS:
//
//	SLOTSRANGE start end
//	ORDERBY metric [LIMIT n] [ASC|DESC]
func ParseQuery(args []string) (Query, error) {
	if len(args) == 0 {
		return Query{}, fmt.Errorf("%w: SLOTSRANGE or ORDERBY required", ErrInvalidQuery)
	}

	switch strings.ToUpper(args[0]) {
	case "SLOTSRANGE":
		if len(args) != 3 {
			return Query{}, fmt.Errorf("%w: SLOTSRANGE takes start and end", ErrInvalidQuery)
		}
		start, err1 := strconv.Atoi(args[1])
		end, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			return Query{}, fmt.Errorf("%w: slot is not an integer", ErrInvalidQuery)
		}
		r := cluster.SlotRange{Start: start, End: end}
		if err := r.Validate(); err != nil {
			return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return Query{Range: &r}, nil

	case "ORDERBY":
		if len(args) < 2 {
			return Query{}, fmt.Errorf("%w: ORDERBY takes a metric", ErrInvalidQuery)
		}
		m, err := ParseMetric(args[1])
		if err != nil {
			return Query{}, err
		}
		q := Query{OrderBy: m, Limit: DefaultLimit}
		for i := 2; i < len(args); i++ {
			switch strings.ToUpper(args[i]) {
			case "LIMIT":
				if i+1 >= len(args) {
					return Query{}, fmt.Errorf("%w: LIMIT takes a count", ErrInvalidQuery)
				}
				n, err := strconv.Atoi(args[i+1])
				if err != nil || n < 1 || n > cluster.NumSlots {
					return Query{}, fmt.Errorf("%w: limit must be in [1, %d]", ErrInvalidQuery, cluster.NumSlots)
				}
				q.Limit = n
				i++
			case "ASC":
				q.Ascending = true
			case "DESC":
				q.Ascending = false
			default:
				return Query{}, fmt.Errorf("%w: unexpected %q", ErrInvalidQuery, args[i])
			}
		}
		return q, nil
	}
	return Query{}, fmt.Errorf("%w: unknown subcommand %q", ErrInvalidQuery, args[0])
}

// Entry is one slot of a report. Stats is keyed by metric name; when slot
// stats are disabled only key-count is present.
type Entry struct {
	Slot  int               `json:"slot"`
	Stats map[string]uint64 `json:"stats"`
}

// Value returns the entry's value for m, zero when absent.
func (e Entry) Value(m Metric) uint64 {
	return e.Stats[m.String()]
}

// Report builds a slot-stats report over the slots owner serves.
//
// A SLOTSRANGE query lists every served slot of the range in ascending
// order. An ORDERBY query sorts served slots by the metric, descending
// unless Ascending is set, ties broken by ascending slot id, and keeps the
// first Limit entries.
func (r *Registry) Report(q Query, owner SlotOwner, keys KeyCounter) ([]Entry, error) {
	if q.Range == nil && q.OrderBy != KeyCount && !r.cfg.Enabled {
		return nil, fmt.Errorf("%w: %s requires cluster-slot-stats-enabled", ErrInvalidQuery, q.OrderBy)
	}

	lo, hi := 0, cluster.NumSlots-1
	if q.Range != nil {
		if err := q.Range.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		lo, hi = q.Range.Start, q.Range.End
	}

	var entries []Entry
	for slot := lo; slot <= hi; slot++ {
		if owner.OwnsSlot(slot) {
			entries = append(entries, r.entry(slot, keys))
		}
	}
	if q.Range != nil {
		return entries, nil
	}

	m := q.OrderBy
	slices.SortStableFunc(entries, func(a, b Entry) int {
		va, vb := a.Value(m), b.Value(m)
		switch {
		case va == vb:
			return 0
		case (va > vb) != q.Ascending:
			return -1
		default:
			return 1
		}
	})

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *Registry) entry(slot int, keys KeyCounter) Entry {
	stats := map[string]uint64{
		KeyCount.String(): uint64(keys.CountKeysInSlot(slot)),
	}
	if r.cfg.Enabled {
		st := r.stats[slot]
		stats[CPUUsec.String()] = st.CPUUsec
		stats[NetworkBytesIn.String()] = st.NetworkBytesIn
		stats[NetworkBytesOut.String()] = st.NetworkBytesOut
	}
	return Entry{Slot: slot, Stats: stats}
}

// Sample is one served slot's counters together with its key count.
type Sample struct {
	Slot int
	Keys int
	SlotStat
}

// Samples returns the served slots that hold keys or have nonzero
// counters, in ascending slot order. Idle slots are skipped so exporters
// stay small on nodes serving thousands of slots.
func (r *Registry) Samples(owner SlotOwner, keys KeyCounter) []Sample {
	var out []Sample
	for slot := 0; slot < cluster.NumSlots; slot++ {
		if !owner.OwnsSlot(slot) {
			continue
		}
		s := Sample{Slot: slot, Keys: keys.CountKeysInSlot(slot), SlotStat: r.stats[slot]}
		if s.Keys == 0 && s.SlotStat == (SlotStat{}) {
			continue
		}
		out = append(out, s)
	}
	return out
}

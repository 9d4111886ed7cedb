package slotstats

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
)

// NoSlot marks an execution context that targets no slot: the command has
// no keys, its slot is not resolved yet, or attribution was suppressed for
// a cross-slot script.
const NoSlot = -1

// SlotStat holds the accumulated counters of one slot. Key count is not
// stored here; it is read from the keyspace when a report is built.
type SlotStat struct {
	CPUUsec         uint64 `json:"cpu-usec"`
	NetworkBytesIn  uint64 `json:"network-bytes-in"`
	NetworkBytesOut uint64 `json:"network-bytes-out"`
}

// Config is the process-wide state the guards consult. It is owned by the
// execution layer and pushed into the registry with SetConfig.
type Config struct {
	// Enabled is the cluster-slot-stats-enabled feature flag.
	Enabled bool
	// ClusterEnabled is true when the node runs in cluster mode.
	ClusterEnabled bool
	// Primary is true when the node is a primary.
	Primary bool
	// Replicas is the number of currently connected replicas.
	Replicas int
}

// ViolationError describes a broken calling contract. It is never returned;
// the registry panics with it after logging.
type ViolationError struct {
	Op     string
	Slot   int
	Detail string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("slotstats: %s: slot %d: %s", e.Op, e.Slot, e.Detail)
}

// Registry is the per-slot statistics table of one node.
//
// A Registry is not safe for concurrent use. The node mutates it from its
// command loop only, and readers reach it through that same loop.
type Registry struct {
	stats  *[cluster.NumSlots]SlotStat
	cfg    Config
	logger *zap.Logger
}

// NewRegistry allocates a zeroed table. A nil logger is replaced by a no-op
// logger.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		stats:  new([cluster.NumSlots]SlotStat),
		logger: logger.Named("slotstats"),
	}
}

// Close releases the table. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.stats = nil
}

// SetConfig replaces the configuration seen by the guards.
func (r *Registry) SetConfig(cfg Config) {
	if cfg.Enabled != r.cfg.Enabled {
		r.logger.Info("slot stats toggled", zap.Bool("enabled", cfg.Enabled))
	}
	r.cfg = cfg
}

// Config returns the configuration seen by the guards.
func (r *Registry) Config() Config {
	return r.cfg
}

// Stat returns a copy of one slot's counters.
func (r *Registry) Stat(slot int) SlotStat {
	r.checkSlot("stat", slot)
	return r.stats[slot]
}

// Snapshot copies the whole table, indexed by slot.
func (r *Registry) Snapshot() []SlotStat {
	out := make([]SlotStat, cluster.NumSlots)
	copy(out, r.stats[:])
	return out
}

// Reset zeroes the counters of one slot.
func (r *Registry) Reset(slot int) {
	r.checkSlot("reset", slot)
	r.stats[slot] = SlotStat{}
}

// ResetAll zeroes the counters of every slot.
func (r *Registry) ResetAll() {
	*r.stats = [cluster.NumSlots]SlotStat{}
	r.logger.Debug("slot stats reset")
}

func (r *Registry) checkSlot(op string, slot int) {
	if !cluster.ValidSlot(slot) {
		r.violate(op, slot, fmt.Sprintf("outside [0, %d)", cluster.NumSlots))
	}
}

func (r *Registry) violate(op string, slot int, detail string) {
	err := &ViolationError{Op: op, Slot: slot, Detail: detail}
	r.logger.Error("slot stats contract violated",
		zap.String("op", op),
		zap.Int("slot", slot),
		zap.String("detail", detail))
	panic(err)
}

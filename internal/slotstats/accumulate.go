package slotstats

import (
	"fmt"
	"time"
)

// multiBytes is the RESP size of "*1\r\n$5\r\nmulti\r\n". MULTI has no slot
// of its own, so its bytes are charged together with EXEC.
const multiBytes = 15

// ScriptContext is the view of a running script the registry needs.
type ScriptContext interface {
	// AllowCrossSlot reports whether the script may touch keys in more
	// than one slot.
	AllowCrossSlot() bool
	// Caller returns the context of the client that started the script.
	Caller() *ExecContext
}

// AddNetworkBytesOutForUserClient charges the replies framed for the
// command to its slot.
func (r *Registry) AddNetworkBytesOutForUserClient(ec *ExecContext) {
	if !CanAddNetworkBytesOut(r.cfg, ec) {
		return
	}
	r.checkSlot("network-bytes-out", ec.Slot)
	r.stats[ec.Slot].NetworkBytesOut += ec.BytesOut
}

// IncrNetworkBytesOutForReplication charges n bytes of replication stream,
// once per connected replica, to the slot of the command being executed.
// cur is nil when no client command is running.
func (r *Registry) IncrNetworkBytesOutForReplication(cur *ExecContext, n int64) {
	r.updateNetworkBytesOutForReplication(cur, n)
}

// DecrNetworkBytesOutForReplication retracts n bytes per connected replica
// that were charged for protocol content not tied to a slot, such as the
// SELECT that opens a replication stream.
func (r *Registry) DecrNetworkBytesOutForReplication(cur *ExecContext, n int64) {
	r.updateNetworkBytesOutForReplication(cur, -n)
}

func (r *Registry) updateNetworkBytesOutForReplication(cur *ExecContext, n int64) {
	if cur == nil || !CanAddNetworkBytesOut(r.cfg, cur) {
		return
	}
	r.checkSlot("replication", cur.Slot)
	if !r.cfg.Primary {
		r.violate("replication", cur.Slot, "replication stream accounted on a replica")
	}

	delta := n * int64(r.cfg.Replicas)
	st := &r.stats[cur.Slot]
	if delta >= 0 {
		st.NetworkBytesOut += uint64(delta)
		return
	}
	if st.NetworkBytesOut < uint64(-delta) {
		r.violate("replication", cur.Slot,
			fmt.Sprintf("decrement %d exceeds network-bytes-out %d", -delta, st.NetworkBytesOut))
	}
	st.NetworkBytesOut -= uint64(-delta)
}

// AddNetworkBytesOutForShardedPubSub charges a sharded message delivered to
// a local subscriber. The slot is the channel's slot and is passed
// explicitly: a subscriber that is blocked on another command carries an
// unrelated slot in its context, which must not be touched. On success the
// subscriber's egress counter is consumed.
//
// Propagation of the same message to other nodes is not charged.
func (r *Registry) AddNetworkBytesOutForShardedPubSub(ec *ExecContext, slot int) {
	if !canAddNetworkBytesOut(r.cfg, slot) {
		return
	}
	r.checkSlot("sharded-pubsub", slot)
	r.stats[slot].NetworkBytesOut += ec.BytesOut
	ec.BytesOut = 0
}

// AddNetworkBytesInForUserClient charges the parsed size of the command to
// its slot. Call it only once the slot is resolved.
func (r *Registry) AddNetworkBytesInForUserClient(ec *ExecContext) {
	if !CanAddNetworkBytesIn(r.cfg, ec) {
		return
	}
	r.checkSlot("network-bytes-in", ec.Slot)

	n := ec.BytesIn
	if ec.IsExec {
		n += multiBytes
	}
	r.stats[ec.Slot].NetworkBytesIn += n
}

// AddCPUDuration charges the time spent executing the command.
func (r *Registry) AddCPUDuration(ec *ExecContext, d time.Duration) {
	if !CanAddCPUDuration(r.cfg, ec) {
		return
	}
	r.checkSlot("cpu-usec", ec.Slot)
	if d > 0 {
		r.stats[ec.Slot].CPUUsec += uint64(d.Microseconds())
	}
}

// InvalidateSlotIfApplicable stops attribution for the caller of a script
// that is allowed to touch several slots. Every guard treats NoSlot as
// ineligible, so nothing is charged until the next command resolves a slot.
func (r *Registry) InvalidateSlotIfApplicable(sc ScriptContext) {
	if !sc.AllowCrossSlot() {
		return
	}
	sc.Caller().Slot = NoSlot
}

// Package coordinator implements the control plane of a hotslot cluster:
// it decides which node serves which hash slot, watches node health, and
// turns per-node slot statistics into a cluster-wide view of hot slots.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            COORDINATOR              │
//	├─────────────────────────────────────┤
//	│  SlotRegistry                       │
//	│    - slot → node for all 16384      │
//	│    - key → slot → node routing      │
//	│    - contiguous rebalancing         │
//	├─────────────────────────────────────┤
//	│  HealthMonitor                      │
//	│    - periodic GET /health           │
//	│    - unhealthy after 3 failures     │
//	│    - callback releases slots        │
//	├─────────────────────────────────────┤
//	│  Planner                            │
//	│    - merges node SLOT-STATS reports │
//	│    - ranks hot slots                │
//	│    - proposes slot moves            │
//	└─────────────────────────────────────┘
//
// # Slot Distribution
//
// Keys map to one of 16384 slots with CRC16 (see package cluster). The
// registry keeps an owner per slot; EvenLayout splits the space into one
// contiguous range per node so each node's slot set stays compact.
//
// # Load-aware Rebalancing
//
// Nodes account CPU time and network bytes per slot. The Planner sums a
// chosen metric per node and moves the largest slot that narrows the gap
// between the most and least loaded nodes, repeating until no slot fits or
// the move budget is spent. The planner only proposes; the coordinator
// applies a plan by migrating each slot's keys from the old owner to the
// new one before the registry records the new owner.
//
// # Thread Safety
//
// SlotRegistry and HealthMonitor are safe for concurrent use. Planner holds
// no mutable state.
package coordinator

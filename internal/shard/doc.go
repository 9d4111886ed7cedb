// Package shard implements the node-local partition of the cluster: the
// set of hash slots a node serves, their migration states, and the store
// holding their keys.
//
// # Slot Ownership
//
// A shard starts with no slots. Slots arrive from NODE_SLOTS at startup
// or from the coordinator through AssignSlots, which replaces the whole
// set and reports what was added and removed. AddSlots and DelSlots
// change individual slots.
//
// Every slot the shard stops serving fires the OnSlotRemoved hook. The
// node uses it to reset that slot's statistics so a slot that later
// comes back starts from zero. Keys of a removed slot are kept; dropping
// them is left to Store.DeleteSlot.
//
// # Slot States
//
//	stable ──► migrating ──► stable
//	   ▲                        │
//	importing ──────────────────┘
//
// A slot may be marked importing before it is served. States are cleared
// when a slot is removed.
//
// # Statistics
//
// The shard implements slotstats.SlotOwner and slotstats.KeyCounter so
// reports only cover served slots and read key counts straight from the
// store. Read and write command counts are kept with atomics and exposed
// through GetStats and the node's /info endpoint.
//
// # Concurrency
//
// Ownership and states are guarded by an RWMutex. The removal hook runs
// after the lock is released.
package shard

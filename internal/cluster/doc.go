// Package cluster holds the pieces of cluster membership every binary
// shares: the hash slot space, node descriptions, and the JSON-over-HTTP
// helpers nodes and the coordinator talk through.
//
// # Hash Slots
//
// The keyspace is split into NumSlots (16384) hash slots. A key maps to a
// slot by CRC16 (XMODEM) modulo 16384. When the key contains a non-empty
// {hashtag}, only the tag is hashed, so related keys can be forced into
// one slot:
//
//	KeySlot("foo")           == 12182
//	KeySlot("{user1}.name")  == KeySlot("{user1}.email")
//	KeySlot("foo{}bar")      hashes the whole key (empty tag)
//
// Slots are handed out as SlotRanges. NODE_SLOTS and the coordinator's
// assignment requests use the text form parsed by ParseSlotRanges:
//
//	0-8191,9000,10000-10010
//
// SlotSet is a bitmap over the whole slot space and converts back to
// ascending, merged ranges.
//
// # Topology
//
// A coordinator owns the slot assignment and pushes it to the primaries:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │ - Slots      │
//	              │ - Health Mon │
//	              │ - Planner    │
//	              └──────┬───────┘
//	                     │ POST /slots/assign
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│ 0-5461    │ │ 5462-10922│ │10923-16383│
//	└───────────┘ └───────────┘ └───────────┘
//
// Every push carries the full layout so a node can answer MOVED for keys
// it does not serve.
//
// # Communication Protocol
//
// PostJSON, PostRaw and GetJSON wrap a shared http.Client with a 5s
// timeout. Any status of 300 or more becomes an error carrying the start
// of the response body.
//
// # See Also
//
//   - internal/coordinator: slot registry, health monitor, planner
//   - internal/shard: the slots a node serves
package cluster

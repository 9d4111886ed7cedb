// Package storage provides the keyspace a node serves: string and list
// values indexed by hash slot.
//
// # Overview
//
// MemoryStore keeps every key in one map guarded by a sync.RWMutex and
// maintains a second index from slot to keys. The index makes the
// per-slot questions slot statistics and resharding ask cheap:
//
//   - CountKeysInSlot(slot) is O(1) and backs the key-count statistic
//   - KeysInSlot(slot, n) lists keys for migration tooling
//   - DeleteSlot(slot) drops a slot's keys in one call
//
// # Values
//
// A key holds either a string or a list. Applying a list operation to a
// string (or the reverse) returns ErrWrongType. Lists are removed once
// LPop empties them, so an empty list is never observable. Values are
// copied on the way in and out.
//
// # Errors
//
//   - ErrKeyNotFound: Get or LPop on a missing key
//   - ErrWrongType: operation against the other kind of value
//
// # Usage Example
//
//	store := storage.NewMemoryStore()
//	_ = store.Put("user:{42}", []byte(`{"name":"Alice"}`))
//	_, _ = store.RPush("queue", []byte("job-1"))
//
//	n := store.CountKeysInSlot(cluster.KeySlot("user:{42}"))
package storage

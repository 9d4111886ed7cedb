package shard

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/storage"
)

// SlotState represents the migration state of a slot served by the shard
type SlotState string

const (
	// SlotStateStable means the slot is served normally
	SlotStateStable SlotState = "stable"
	// SlotStateMigrating means the slot is being moved to another node
	SlotStateMigrating SlotState = "migrating"
	// SlotStateImporting means the slot is being received from another node
	SlotStateImporting SlotState = "importing"
)

// Shard is the node-local partition of the cluster keyspace.
// It owns a set of hash slots and the store holding their keys.
type Shard struct {
	Primary bool          // Is this node a primary?
	Store   storage.Store // The keyspace of all served slots
	Stats   *ShardStats   // Operation statistics

	owned         *cluster.SlotSet
	states        map[int]SlotState
	onSlotRemoved func(slot int)
	mu            sync.RWMutex // Protects owned, states and onSlotRemoved
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Reads  uint64 `json:"reads"`  // Number of read commands
	Writes uint64 `json:"writes"` // Number of write commands
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Primary  bool                `json:"primary"`
	Slots    []cluster.SlotRange `json:"slots"`
	States   map[int]SlotState   `json:"states,omitempty"`
	KeyCount int                 `json:"keys"`
	ByteSize int                 `json:"bytes"`
}

// NewShard creates a shard with in-memory storage serving no slots
func NewShard(primary bool) *Shard {
	return &Shard{
		Primary: primary,
		Store:   storage.NewMemoryStore(),
		Stats:   &ShardStats{},
		owned:   cluster.NewSlotSet(),
		states:  make(map[int]SlotState),
	}
}

// OnSlotRemoved registers a hook called for every slot the shard stops
// serving. The node uses it to reset the slot's statistics.
func (s *Shard) OnSlotRemoved(fn func(slot int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSlotRemoved = fn
}

// AssignSlots replaces the served slot set
// Returns the slots that were added and removed
func (s *Shard) AssignSlots(ranges []cluster.SlotRange) (added, removed []int, err error) {
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, nil, err
		}
	}
	next := cluster.NewSlotSet(ranges...)

	s.mu.Lock()
	for slot := 0; slot < cluster.NumSlots; slot++ {
		was, is := s.owned.Has(slot), next.Has(slot)
		switch {
		case is && !was:
			added = append(added, slot)
			delete(s.states, slot)
		case was && !is:
			removed = append(removed, slot)
			delete(s.states, slot)
		}
	}
	s.owned = next
	hook := s.onSlotRemoved
	s.mu.Unlock()

	if hook != nil {
		for _, slot := range removed {
			hook(slot)
		}
	}
	return added, removed, nil
}

// AddSlots starts serving the given slots
func (s *Shard) AddSlots(slots ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, slot := range slots {
		if !cluster.ValidSlot(slot) {
			return fmt.Errorf("invalid slot %d", slot)
		}
	}
	for _, slot := range slots {
		if !s.owned.Has(slot) {
			s.owned.Add(slot)
			delete(s.states, slot)
		}
	}
	return nil
}

// DelSlots stops serving the given slots, firing the removal hook for each
// slot that was served
func (s *Shard) DelSlots(slots ...int) {
	var removed []int

	s.mu.Lock()
	for _, slot := range slots {
		if s.owned.Has(slot) {
			s.owned.Remove(slot)
			delete(s.states, slot)
			removed = append(removed, slot)
		}
	}
	hook := s.onSlotRemoved
	s.mu.Unlock()

	if hook != nil {
		for _, slot := range removed {
			hook(slot)
		}
	}
}

// OwnsSlot reports whether the shard serves a slot
func (s *Shard) OwnsSlot(slot int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned.Has(slot)
}

// Slots returns the served slots as ascending ranges
func (s *Shard) Slots() []cluster.SlotRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned.Ranges()
}

// SetSlotState marks a served slot as migrating, importing or stable
func (s *Shard) SetSlotState(slot int, state SlotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.owned.Has(slot) && state != SlotStateImporting {
		return fmt.Errorf("slot %d is not served by this shard", slot)
	}
	if state == SlotStateStable {
		delete(s.states, slot)
		return nil
	}
	s.states[slot] = state
	return nil
}

// SlotState returns the migration state of a slot
func (s *Shard) SlotState(slot int) SlotState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, ok := s.states[slot]; ok {
		return state
	}
	return SlotStateStable
}

// CountKeysInSlot returns the number of keys stored for a slot
func (s *Shard) CountKeysInSlot(slot int) int {
	return s.Store.CountKeysInSlot(slot)
}

// RecordRead counts one read command
func (s *Shard) RecordRead() {
	atomic.AddUint64(&s.Stats.Ops.Reads, 1)
}

// RecordWrite counts one write command
func (s *Shard) RecordWrite() {
	atomic.AddUint64(&s.Stats.Ops.Writes, 1)
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Reads:  atomic.LoadUint64(&s.Stats.Ops.Reads),
			Writes: atomic.LoadUint64(&s.Stats.Ops.Writes),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	slots := s.owned.Ranges()
	var states map[int]SlotState
	if len(s.states) > 0 {
		states = make(map[int]SlotState, len(s.states))
		for slot, state := range s.states {
			states[slot] = state
		}
	}
	s.mu.RUnlock()

	storageStats := s.Store.Stats()

	return ShardInfo{
		Primary:  s.Primary,
		Slots:    slots,
		States:   states,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
	}
}

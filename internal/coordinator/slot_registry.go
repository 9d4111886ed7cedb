package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/cluster"
)

// ErrSlotUnassigned is returned when a key hashes to a slot no node serves.
var ErrSlotUnassigned = errors.New("slot is not assigned to any node")

// SlotRegistry maps every hash slot of the cluster to the node serving it.
// It is the coordinator's source of truth for request routing.
//
// Routing a key is two constant-time steps:
//
//	"user:{42}" → KeySlot → 8000 → owners[8000] → "node-2"
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - Returned slices are fresh copies
type SlotRegistry struct {
	owners [cluster.NumSlots]string // slot -> node ID, "" when unassigned
	mu     sync.RWMutex             // Protects owners
}

// NewSlotRegistry creates a registry with every slot unassigned.
func NewSlotRegistry() *SlotRegistry {
	return &SlotRegistry{}
}

// Assign gives the slots in ranges to nodeID, taking them from whichever
// node served them before. Slots the node already serves are kept.
//
// Returns an error without changing anything if a range is invalid or
// nodeID is empty.
func (r *SlotRegistry) Assign(nodeID string, ranges []cluster.SlotRange) error {
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	for _, rg := range ranges {
		if err := rg.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rg := range ranges {
		for slot := rg.Start; slot <= rg.End; slot++ {
			r.owners[slot] = nodeID
		}
	}
	return nil
}

// Release unassigns every slot served by nodeID and returns them.
func (r *SlotRegistry) Release(nodeID string) []cluster.SlotRange {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := cluster.NewSlotSet()
	for slot, owner := range r.owners {
		if owner == nodeID {
			r.owners[slot] = ""
			released.Add(slot)
		}
	}
	return released.Ranges()
}

// Owner returns the node serving slot, or "" when the slot is unassigned
// or out of range.
func (r *SlotRegistry) Owner(slot int) string {
	if !cluster.ValidSlot(slot) {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[slot]
}

// NodeForKey returns the node serving key and the key's slot.
func (r *SlotRegistry) NodeForKey(key string) (string, int, error) {
	slot := cluster.KeySlot(key)
	owner := r.Owner(slot)
	if owner == "" {
		return "", slot, fmt.Errorf("%w: %d", ErrSlotUnassigned, slot)
	}
	return owner, slot, nil
}

// NodeSlots returns the slots served by nodeID as ascending ranges.
func (r *SlotRegistry) NodeSlots(nodeID string) []cluster.SlotRange {
	return r.Assignments()[nodeID]
}

// Assignments returns every node's slots as ascending ranges.
func (r *SlotRegistry) Assignments() map[string][]cluster.SlotRange {
	r.mu.RLock()
	sets := make(map[string]*cluster.SlotSet)
	for slot, owner := range r.owners {
		if owner == "" {
			continue
		}
		set, ok := sets[owner]
		if !ok {
			set = cluster.NewSlotSet()
			sets[owner] = set
		}
		set.Add(slot)
	}
	r.mu.RUnlock()

	out := make(map[string][]cluster.SlotRange, len(sets))
	for owner, set := range sets {
		out[owner] = set.Ranges()
	}
	return out
}

// Unassigned returns the slots no node serves.
func (r *SlotRegistry) Unassigned() []cluster.SlotRange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	free := cluster.NewSlotSet()
	for slot, owner := range r.owners {
		if owner == "" {
			free.Add(slot)
		}
	}
	return free.Ranges()
}

// EvenLayout splits the whole hash space into contiguous, near-equal
// ranges, one per node in ascending ID order.
//
// Example with 3 nodes:
//
//	node-1: 0-5461
//	node-2: 5462-10922
//	node-3: 10923-16383
func EvenLayout(nodes []string) (map[string][]cluster.SlotRange, error) {
	if len(nodes) == 0 {
		return nil, errors.New("cannot rebalance with no nodes")
	}
	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	layout := make(map[string][]cluster.SlotRange, len(sorted))
	per, extra := cluster.NumSlots/len(sorted), cluster.NumSlots%len(sorted)
	start := 0
	for i, node := range sorted {
		n := per
		if i < extra {
			n++
		}
		layout[node] = []cluster.SlotRange{{Start: start, End: start + n - 1}}
		start += n
	}
	return layout, nil
}

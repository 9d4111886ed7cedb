package cluster

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ErrInvalidSlotRange is returned when a slot range is malformed or falls
// outside the hash space.
var ErrInvalidSlotRange = errors.New("invalid slot range")

// SlotRange is an inclusive range of slots.
type SlotRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Validate checks that the range is ordered and inside [0, NumSlots).
func (r SlotRange) Validate() error {
	if !ValidSlot(r.Start) || !ValidSlot(r.End) || r.Start > r.End {
		return fmt.Errorf("%w: %d-%d", ErrInvalidSlotRange, r.Start, r.End)
	}
	return nil
}

// Count returns the number of slots in the range.
func (r SlotRange) Count() int {
	return r.End - r.Start + 1
}

func (r SlotRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseSlotRanges parses a comma separated list of slots and slot ranges,
// e.g. "0-5460,10923". An empty string yields no ranges.
func ParseSlotRanges(s string) ([]SlotRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var ranges []SlotRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")

		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSlotRange, part)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidSlotRange, part)
			}
		}

		r := SlotRange{Start: start, End: end}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// SlotSet is a bitmap over the hash space. The zero value is an empty set.
// SlotSet is not safe for concurrent mutation.
type SlotSet struct {
	bits [NumSlots / 64]uint64
}

// NewSlotSet returns a set containing every slot of the given ranges.
func NewSlotSet(ranges ...SlotRange) *SlotSet {
	s := &SlotSet{}
	for _, r := range ranges {
		s.AddRange(r)
	}
	return s
}

// Add inserts a slot. Out of range slots are ignored.
func (s *SlotSet) Add(slot int) {
	if ValidSlot(slot) {
		s.bits[slot/64] |= 1 << (slot % 64)
	}
}

// AddRange inserts every slot of r.
func (s *SlotSet) AddRange(r SlotRange) {
	for slot := r.Start; slot <= r.End; slot++ {
		s.Add(slot)
	}
}

// Remove deletes a slot. Out of range slots are ignored.
func (s *SlotSet) Remove(slot int) {
	if ValidSlot(slot) {
		s.bits[slot/64] &^= 1 << (slot % 64)
	}
}

// Has reports whether slot is in the set.
func (s *SlotSet) Has(slot int) bool {
	if !ValidSlot(slot) {
		return false
	}
	return s.bits[slot/64]&(1<<(slot%64)) != 0
}

// Count returns the number of slots in the set.
func (s *SlotSet) Count() int {
	n := 0
	for _, w := range s.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// Slots returns the members in ascending order.
func (s *SlotSet) Slots() []int {
	out := make([]int, 0, s.Count())
	for slot := 0; slot < NumSlots; slot++ {
		if s.Has(slot) {
			out = append(out, slot)
		}
	}
	return out
}

// Ranges collapses the set into ascending, non-adjacent ranges.
func (s *SlotSet) Ranges() []SlotRange {
	var out []SlotRange
	start := -1
	for slot := 0; slot <= NumSlots; slot++ {
		in := slot < NumSlots && s.Has(slot)
		switch {
		case in && start < 0:
			start = slot
		case !in && start >= 0:
			out = append(out, SlotRange{Start: start, End: slot - 1})
			start = -1
		}
	}
	return out
}

// FormatSlotRanges renders ranges in the form accepted by ParseSlotRanges.
func FormatSlotRanges(ranges []SlotRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/cluster"
)

// moveSlots gives slots to the node to. Slots another node serves are
// migrated first: the owner sends their keys to the target and lets go of
// them, and only then does the registry record the new owner. Unassigned
// slots hold no keys and are assigned directly.
//
// Slots of an owner whose migration fails stay with it; the other owners'
// slots still move. The caller pushes the layout afterwards.
func (s *server) moveSlots(ctx context.Context, to string, slots []int) error {
	target, ok := s.node(to)
	if !ok {
		return fmt.Errorf("unknown node %q", to)
	}

	bySource := make(map[string][]int)
	var free []int
	for _, slot := range slots {
		owner := s.registry.Owner(slot)
		switch _, known := s.node(owner); {
		case owner == to:
		case owner == "" || !known:
			free = append(free, slot)
		default:
			bySource[owner] = append(bySource[owner], slot)
		}
	}
	if err := s.registry.Assign(to, slotRanges(free)); err != nil {
		return err
	}

	var errs []error
	sources := make([]string, 0, len(bySource))
	for from := range bySource {
		sources = append(sources, from)
	}
	slices.Sort(sources)
	for _, from := range sources {
		moving := bySource[from]
		src, _ := s.node(from)

		var out cluster.MigrateSlotsResponse
		req := cluster.MigrateSlotsRequest{Slots: moving, Target: target.Addr}
		if err := cluster.PostJSON(ctx, src.Addr+"/slots/migrate", req, &out); err != nil {
			s.logger.Error("slot migration failed",
				zap.String("from", from),
				zap.String("to", to),
				zap.String("slots", cluster.FormatSlotRanges(slotRanges(moving))),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("migrating slots from %s: %w", from, err))
			continue
		}
		if err := s.registry.Assign(to, slotRanges(moving)); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Info("slots migrated",
			zap.String("from", from),
			zap.String("to", to),
			zap.String("slots", cluster.FormatSlotRanges(slotRanges(moving))),
			zap.Int("keys", out.Keys))
	}
	return errors.Join(errs...)
}

// slotRanges compacts slot numbers into ascending ranges.
func slotRanges(slots []int) []cluster.SlotRange {
	set := cluster.NewSlotSet()
	for _, slot := range slots {
		set.Add(slot)
	}
	return set.Ranges()
}

// rangeSlots expands ranges into slot numbers.
func rangeSlots(ranges []cluster.SlotRange) []int {
	var slots []int
	for _, rg := range ranges {
		for slot := rg.Start; slot <= rg.End; slot++ {
			slots = append(slots, slot)
		}
	}
	return slots
}

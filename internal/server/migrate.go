package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/shard"
	"github.com/dreamware/hotslot/internal/storage"
)

// DefaultMigrateBatch is the number of keys moved per import request.
const DefaultMigrateBatch = 100

// ErrSlotNotServed is returned when migrating a slot this node does not own.
var ErrSlotNotServed = errors.New("slot is not served by this node")

// ImportFunc delivers keys to the node importing slots. It is first called
// with the slots and no records, to open the import, then once per batch.
type ImportFunc func(ctx context.Context, slots []int, records []storage.Record) error

// MigrateSlots hands slots and their keys to another node. The slots are
// marked migrating, so commands for keys already moved are answered with
// ASK, and their keys are sent in batches through send. Each batch is
// dumped, sent and deleted without releasing the command loop. Once every
// key is gone the shard stops serving the slots.
//
// On error the slots stay migrating with the keys not yet sent still
// here; a retry picks up where the failed attempt stopped.
func (s *Server) MigrateSlots(ctx context.Context, slots []int, batch int, send ImportFunc) (int, error) {
	if batch <= 0 {
		batch = DefaultMigrateBatch
	}
	var rerr error
	if err := s.Do(ctx, func() {
		for _, slot := range slots {
			if !cluster.ValidSlot(slot) {
				rerr = fmt.Errorf("invalid slot %d", slot)
				return
			}
			if !s.shard.OwnsSlot(slot) {
				rerr = fmt.Errorf("%w: %d", ErrSlotNotServed, slot)
				return
			}
		}
	}); err != nil {
		return 0, err
	}
	if rerr != nil {
		return 0, rerr
	}

	if err := send(ctx, slots, nil); err != nil {
		return 0, fmt.Errorf("opening import: %w", err)
	}
	if err := s.Do(ctx, func() {
		for _, slot := range slots {
			rerr = errors.Join(rerr, s.shard.SetSlotState(slot, shard.SlotStateMigrating))
		}
	}); err != nil {
		return 0, err
	}
	if rerr != nil {
		return 0, rerr
	}

	moved := 0
	for _, slot := range slots {
		for {
			n := 0
			if err := s.Do(ctx, func() {
				n, rerr = s.migrateBatch(ctx, slot, batch, send)
			}); err != nil {
				return moved, err
			}
			moved += n
			if rerr != nil {
				return moved, fmt.Errorf("migrating slot %d: %w", slot, rerr)
			}
			if n == 0 {
				break
			}
		}
	}

	if err := s.Do(ctx, func() {
		for _, slot := range slots {
			if left := s.shard.Store.DeleteSlot(slot); left > 0 {
				s.logger.Warn("keys left in migrated slot", zap.Int("slot", slot), zap.Int("keys", left))
			}
		}
		s.shard.DelSlots(slots...)
	}); err != nil {
		return moved, err
	}
	s.logger.Info("slots migrated", zap.Ints("slots", slots), zap.Int("keys", moved))
	return moved, nil
}

// migrateBatch moves up to batch keys of slot. It runs on the loop.
func (s *Server) migrateBatch(ctx context.Context, slot, batch int, send ImportFunc) (int, error) {
	keys := s.shard.Store.KeysInSlot(slot, batch)
	if len(keys) == 0 {
		return 0, nil
	}
	records := make([]storage.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.shard.Store.Dump(key)
		if err != nil {
			return 0, err
		}
		records = append(records, rec)
	}
	if err := send(ctx, nil, records); err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := s.shard.Store.Delete(key); err != nil {
			return 0, err
		}
		s.propagate("DEL", key)
	}
	return len(keys), nil
}

// ImportSlots opens the import of slots from another node and stores the
// records it sends. Slots this node does not serve are marked importing,
// which lets their commands run here until the slots are assigned.
func (s *Server) ImportSlots(ctx context.Context, slots []int, records []storage.Record) error {
	var rerr error
	if err := s.Do(ctx, func() {
		for _, slot := range slots {
			if !cluster.ValidSlot(slot) {
				rerr = fmt.Errorf("invalid slot %d", slot)
				return
			}
			if !s.shard.OwnsSlot(slot) {
				rerr = errors.Join(rerr, s.shard.SetSlotState(slot, shard.SlotStateImporting))
			}
		}
		for _, rec := range records {
			if slot := cluster.KeySlot(rec.Key); !s.servesSlot(slot) {
				rerr = errors.Join(rerr, fmt.Errorf("key %q hashes to slot %d, which is not being imported", rec.Key, slot))
				continue
			}
			if err := s.shard.Store.Restore(rec); err != nil {
				rerr = errors.Join(rerr, err)
				continue
			}
			s.propagateRecord(rec)
		}
	}); err != nil {
		return err
	}
	return rerr
}

// propagateRecord feeds an imported key to the replicas as the commands
// that rebuild it.
func (s *Server) propagateRecord(rec storage.Record) {
	if !rec.IsList {
		s.propagate("SET", rec.Key, string(rec.Value))
		return
	}
	s.propagate("DEL", rec.Key)
	if len(rec.List) == 0 {
		return
	}
	args := make([]string, 0, len(rec.List)+2)
	args = append(args, "RPUSH", rec.Key)
	for _, v := range rec.List {
		args = append(args, string(v))
	}
	s.propagate(args...)
}

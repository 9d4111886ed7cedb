package server

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/resp"
)

// ErrNotReplica is returned when a primary is sent a replication stream.
var ErrNotReplica = errors.New("node is not a replica")

// ApplyReplication executes a chunk of the primary's replication stream
// on the master client. Replies are discarded and nothing is charged to
// slot statistics, since the master client targets no slot.
func (s *Server) ApplyReplication(ctx context.Context, payload []byte) error {
	if s.shard.Primary {
		return ErrNotReplica
	}
	cmds, err := resp.ReadCommands(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return s.Do(ctx, func() {
		for _, args := range cmds {
			if len(args) == 0 || strings.EqualFold(args[0], "select") {
				continue
			}
			reply, _ := s.process(s.master, args)
			if e, ok := reply.(resp.Error); ok {
				s.logger.Warn("replicated command failed",
					zap.Strings("args", args),
					zap.String("error", e.Msg))
			}
		}
	})
}

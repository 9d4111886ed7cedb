package server

import (
	"strings"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/shard"
	"github.com/dreamware/hotslot/internal/slotstats"
)

// dispatch runs one command from c and sends its reply, unless the command
// blocked, in which case the reply is sent when it is served.
func (s *Server) dispatch(c *Client, args []string, replies chan<- any) {
	if c.block != nil {
		replies <- resp.Error{Msg: "ERR client is blocked by another command"}
		return
	}
	c.pending = replies
	reply, blocked := s.process(c, args)
	c.pending = nil
	if !blocked {
		replies <- reply
	}
}

// process takes a parsed command through slot resolution, execution and
// reply framing, charging the slot statistics along the way.
func (s *Server) process(c *Client, args []string) (reply any, blocked bool) {
	ec := c.ec
	ec.BytesIn += uint64(resp.CommandSize(args))

	cmd, err := lookup(args)
	if err != nil {
		if c.multi {
			c.dirty = true
		}
		return s.finish(c, nil, errReply(err)), false
	}
	if c.multi && !cmd.has(flagTxControl) {
		return s.queueCommand(c, cmd, args), false
	}
	if len(c.subscriptions) > 0 && !cmd.has(flagPubSub) {
		return s.finish(c, cmd, resp.Errorf(
			"ERR Can't execute '%s': only SSUBSCRIBE / SUNSUBSCRIBE / PING are allowed in this context", cmd.name)), false
	}

	slot, err := s.resolveSlot(c, cmd, args)
	if err != nil {
		if cmd.name == "exec" {
			c.resetMulti()
		}
		return s.finish(c, cmd, errReply(err)), false
	}
	if cmd.has(flagWrite) && !s.shard.Primary && !c.isMaster {
		return s.finish(c, cmd, resp.Error{Msg: "READONLY You can't write against a read only replica."}), false
	}

	ec.Slot = slot
	reply = s.call(c, cmd, args)
	if c.block != nil {
		return nil, true
	}
	return s.finish(c, cmd, reply), false
}

// call executes cmd and charges its CPU time and ingress. It is used for
// top-level commands as well as for commands run by EXEC, by scripts and
// for resumed blocked commands.
func (s *Server) call(c *Client, cmd *command, args []string) any {
	ec := c.ec
	prevNesting, prevBlocking := ec.Nesting, ec.CmdBlocking
	ec.Nesting = s.nesting
	ec.CmdBlocking = cmd.has(flagBlocking)

	prevCurrent := s.current
	if !c.isScript {
		s.current = c
	}
	s.nesting++

	start := s.now()
	reply := cmd.proc(s, c, args)
	elapsed := s.now().Sub(start)

	// Clients blocked on keys this command pushed to are served before the
	// command returns, nested inside it.
	if s.nesting == 1 {
		s.serveReady()
	}
	s.nesting--
	s.current = prevCurrent

	s.stats.AddCPUDuration(ec, elapsed)
	ec.IsExec = cmd.name == "exec"
	s.stats.AddNetworkBytesInForUserClient(ec)

	ec.Nesting, ec.CmdBlocking = prevNesting, prevBlocking
	return reply
}

// finish charges the framed reply to the command's slot and resets the
// per-command state. Between MULTI and EXEC the ingress of queued commands
// keeps accumulating, so only the slot and egress are cleared.
func (s *Server) finish(c *Client, cmd *command, reply any) any {
	ec := c.ec
	ec.BytesOut += uint64(resp.Size(reply))
	s.stats.AddNetworkBytesOutForUserClient(ec)

	opened := cmd != nil && cmd.name == "multi" && reply == any(resp.OK)
	if c.multi && !opened {
		ec.Slot = slotstats.NoSlot
		ec.BytesOut = 0
		return reply
	}
	ec.ResetCommand()
	return reply
}

// resolveSlot returns the slot a command targets, or NoSlot when it has no
// keys or the node is not in cluster mode.
func (s *Server) resolveSlot(c *Client, cmd *command, args []string) (int, error) {
	if !s.cfg.ClusterEnabled || c.isMaster {
		return slotstats.NoSlot, nil
	}
	if cmd.name == "exec" {
		// The slot may have moved away since the commands were queued.
		if c.multiSlot != slotstats.NoSlot && !s.servesSlot(c.multiSlot) {
			return slotstats.NoSlot, s.redirection("MOVED", c.multiSlot)
		}
		return c.multiSlot, nil
	}

	keys, err := cmd.keys(args)
	if err != nil {
		return slotstats.NoSlot, err
	}
	if len(keys) == 0 {
		return slotstats.NoSlot, nil
	}

	slot := cluster.KeySlot(keys[0])
	for _, key := range keys[1:] {
		if cluster.KeySlot(key) != slot {
			return slotstats.NoSlot, resp.Error{Msg: "CROSSSLOT Keys in request don't hash to the same slot"}
		}
	}

	switch {
	case !s.servesSlot(slot):
		return slotstats.NoSlot, s.redirection("MOVED", slot)
	case s.shard.SlotState(slot) == shard.SlotStateMigrating && !cmd.has(flagPubSub) && !s.anyExists(keys):
		return slotstats.NoSlot, s.redirection("ASK", slot)
	}
	return slot, nil
}

// servesSlot reports whether commands for slot run here: it is owned, or
// being imported from another node.
func (s *Server) servesSlot(slot int) bool {
	return s.shard.OwnsSlot(slot) || s.shard.SlotState(slot) == shard.SlotStateImporting
}

func (s *Server) redirection(kind string, slot int) resp.Error {
	return resp.Error{Msg: strings.TrimSpace(kind + " " + itoa(slot) + " " + s.redirect(slot))}
}

func (s *Server) anyExists(keys []string) bool {
	for _, key := range keys {
		if s.shard.Store.Exists(key) {
			return true
		}
	}
	return false
}

// propagate feeds a write to the replicas, charged to the user command
// being executed.
func (s *Server) propagate(args ...string) {
	if s.repl == nil || !s.shard.Primary {
		return
	}
	var cur *slotstats.ExecContext
	if s.current != nil {
		cur = s.current.ec
	}
	s.repl.Feed(cur, args)
}

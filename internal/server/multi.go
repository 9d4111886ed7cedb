package server

import (
	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/slotstats"
)

func multiCommand(s *Server, c *Client, args []string) any {
	if c.multi {
		return resp.Error{Msg: "ERR MULTI calls can not be nested"}
	}
	c.multi = true
	return resp.OK
}

func discardCommand(s *Server, c *Client, args []string) any {
	if !c.multi {
		return resp.Error{Msg: "ERR DISCARD without MULTI"}
	}
	c.resetMulti()
	return resp.OK
}

// execCommand runs the queued commands. They are nested calls on the
// client's context, so their ingress and CPU are covered by EXEC's own.
func execCommand(s *Server, c *Client, args []string) any {
	if !c.multi {
		return resp.Error{Msg: "ERR EXEC without MULTI"}
	}
	queue, dirty := c.queue, c.dirty
	c.resetMulti()
	if dirty {
		return resp.Error{Msg: "EXECABORT Transaction discarded because of previous errors."}
	}

	c.ec.InTransaction = true
	defer func() { c.ec.InTransaction = false }()

	replies := make([]any, len(queue))
	for i, q := range queue {
		replies[i] = s.call(c, q.cmd, q.args)
	}
	return replies
}

// queueCommand adds a command to the client's transaction. Every queued
// command must target the same slot; the first keyed command fixes it.
// The QUEUED reply is charged to the command's own slot.
func (s *Server) queueCommand(c *Client, cmd *command, args []string) any {
	var reply any = resp.SimpleString("QUEUED")

	slot, err := s.resolveSlot(c, cmd, args)
	switch {
	case err != nil:
		c.dirty = true
		reply = errReply(err)
		slot = slotstats.NoSlot
	case cmd.has(flagWrite) && !s.shard.Primary:
		c.dirty = true
		reply = resp.Error{Msg: "READONLY You can't write against a read only replica."}
	case slot != slotstats.NoSlot && c.multiSlot != slotstats.NoSlot && slot != c.multiSlot:
		c.dirty = true
		reply = resp.Error{Msg: "CROSSSLOT Keys in request don't hash to the same slot"}
	default:
		if slot != slotstats.NoSlot {
			c.multiSlot = slot
		}
		c.queue = append(c.queue, queued{cmd: cmd, args: args})
	}

	c.ec.Slot = slot
	return s.finish(c, cmd, reply)
}

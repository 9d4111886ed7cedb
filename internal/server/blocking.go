package server

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/storage"
)

func parseTimeout(arg string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(arg, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, resp.Error{Msg: "ERR timeout is not a float or out of range"}
	}
	if secs < 0 {
		return 0, resp.Error{Msg: "ERR timeout is negative"}
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// blpopCommand pops from the first non-empty list, or blocks the client
// until one of the keys is pushed to. Inside a transaction it never
// blocks and replies with a null array.
func blpopCommand(s *Server, c *Client, args []string) any {
	keys := args[1 : len(args)-1]
	timeout, err := parseTimeout(args[len(args)-1])
	if err != nil {
		return errReply(err)
	}

	for _, key := range keys {
		v, err := s.shard.Store.LPop(key)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			continue
		case err != nil:
			return storeError(err)
		}
		s.shard.RecordWrite()
		s.propagate("LPOP", key)
		return []any{key, v}
	}

	if c.ec.InTransaction || c.pending == nil {
		return resp.NullArray{}
	}
	s.block(c, commands["blpop"], args, keys, timeout)
	return nil
}

// block parks c until one of keys is pushed to or timeout elapses. A zero
// timeout waits forever.
func (s *Server) block(c *Client, cmd *command, args, keys []string, timeout time.Duration) {
	b := &blockState{cmd: cmd, args: args, keys: keys, replies: c.pending}
	c.block = b
	c.ec.Blocked = true
	for _, key := range keys {
		s.blocked[key] = append(s.blocked[key], c)
	}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() {
			_ = s.post(context.Background(), func() {
				if c.block == b {
					s.timeoutBlocked(c)
				}
			})
		})
	}
	s.logger.Debug("client blocked", zap.String("client", c.ID), zap.Strings("keys", keys))
}

// unblock removes c from the wait lists without replying.
func (s *Server) unblock(c *Client) {
	b := c.block
	if b == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	for _, key := range b.keys {
		waiting := s.blocked[key]
		for i, w := range waiting {
			if w == c {
				waiting = append(waiting[:i], waiting[i+1:]...)
				break
			}
		}
		if len(waiting) == 0 {
			delete(s.blocked, key)
		} else {
			s.blocked[key] = waiting
		}
	}
	c.block = nil
	c.ec.Blocked = false
}

// timeoutBlocked answers a blocked command whose timeout elapsed. Its
// ingress, skipped while blocked, is charged now.
func (s *Server) timeoutBlocked(c *Client) {
	b := c.block
	s.unblock(c)
	s.stats.AddNetworkBytesInForUserClient(c.ec)
	b.replies <- s.finish(c, b.cmd, resp.NullArray{})
	s.release(c)
}

// signalReady records that key received data. Blocked clients are served
// when the top-level command completes.
func (s *Server) signalReady(key string) {
	if len(s.blocked[key]) > 0 {
		s.ready = append(s.ready, key)
	}
}

// serveReady re-executes commands blocked on keys that received data, in
// the order the clients blocked.
func (s *Server) serveReady() {
	for len(s.ready) > 0 {
		key := s.ready[0]
		s.ready = s.ready[1:]

		for len(s.blocked[key]) > 0 {
			if n, err := s.shard.Store.LLen(key); err != nil || n == 0 {
				break
			}
			c := s.blocked[key][0]
			b := c.block
			s.unblock(c)

			c.pending = b.replies
			reply := s.call(c, b.cmd, b.args)
			c.pending = nil
			if c.block != nil {
				continue
			}
			b.replies <- s.finish(c, b.cmd, reply)
			s.release(c)
		}
	}
}

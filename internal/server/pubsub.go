package server

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/resp"
)

func ssubscribeCommand(s *Server, c *Client, args []string) any {
	replies := make(resp.Multi, 0, len(args)-1)
	for _, ch := range args[1:] {
		if _, ok := c.subscriptions[ch]; !ok {
			c.subscriptions[ch] = struct{}{}
			subs := s.channels[ch]
			if subs == nil {
				subs = make(map[string]*Client)
				s.channels[ch] = subs
			}
			subs[c.ID] = c
		}
		replies = append(replies, []any{"ssubscribe", ch, len(c.subscriptions)})
	}
	return replies
}

func sunsubscribeCommand(s *Server, c *Client, args []string) any {
	channels := args[1:]
	if len(channels) == 0 {
		for ch := range c.subscriptions {
			channels = append(channels, ch)
		}
		slices.Sort(channels)
	}
	if len(channels) == 0 {
		return []any{"sunsubscribe", nil, 0}
	}

	replies := make(resp.Multi, 0, len(channels))
	for _, ch := range channels {
		s.unsubscribe(c, ch)
		replies = append(replies, []any{"sunsubscribe", ch, len(c.subscriptions)})
	}
	return replies
}

func (s *Server) unsubscribe(c *Client, ch string) {
	delete(c.subscriptions, ch)
	if subs, ok := s.channels[ch]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(s.channels, ch)
		}
	}
}

// spublishCommand delivers a message to the local subscribers of a shard
// channel. Each delivery is charged to the channel's slot.
func spublishCommand(s *Server, c *Client, args []string) any {
	ch, payload := args[1], args[2]
	slot := cluster.KeySlot(ch)

	subs := s.channels[ch]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		sub := subs[id]
		msg := []any{"smessage", ch, payload}
		sub.inbox = append(sub.inbox, msg)

		sub.ec.BytesOut += uint64(resp.Size(msg))
		s.stats.AddNetworkBytesOutForShardedPubSub(sub.ec, slot)
		// Subscribers never reach finish for deliveries, so the counter is
		// cleared here even when nothing was charged.
		sub.ec.BytesOut = 0
	}
	return len(ids)
}

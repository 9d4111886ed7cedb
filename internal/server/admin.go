package server

import (
	"strconv"
	"strings"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/slotstats"
)

const slotStatsParam = "cluster-slot-stats-enabled"

var reportMetrics = []slotstats.Metric{
	slotstats.KeyCount,
	slotstats.CPUUsec,
	slotstats.NetworkBytesIn,
	slotstats.NetworkBytesOut,
}

func clusterCommand(s *Server, c *Client, args []string) any {
	if !s.cfg.ClusterEnabled {
		return resp.Error{Msg: "ERR This instance has cluster support disabled"}
	}

	sub := strings.ToLower(args[1])
	switch sub {
	case "keyslot":
		if len(args) != 3 {
			break
		}
		return cluster.KeySlot(args[2])

	case "countkeysinslot":
		if len(args) != 3 {
			break
		}
		slot, err := strconv.Atoi(args[2])
		if err != nil || !cluster.ValidSlot(slot) {
			return resp.Error{Msg: "ERR Invalid slot"}
		}
		return s.shard.CountKeysInSlot(slot)

	case "slot-stats":
		q, err := slotstats.ParseQuery(args[2:])
		if err != nil {
			return errReply(err)
		}
		entries, err := s.stats.Report(q, s.shard, s.shard)
		if err != nil {
			return errReply(err)
		}
		return formatReport(entries)

	case "reset-stats":
		switch len(args) {
		case 2:
			s.stats.ResetAll()
			return resp.OK
		case 3:
			slot, err := strconv.Atoi(args[2])
			if err != nil || !cluster.ValidSlot(slot) {
				return resp.Error{Msg: "ERR Invalid slot"}
			}
			s.stats.Reset(slot)
			return resp.OK
		}

	default:
		return resp.Errorf("ERR unknown subcommand '%s'", args[1])
	}
	return resp.Errorf("ERR wrong number of arguments for 'cluster|%s' command", sub)
}

// formatReport renders entries the way CLUSTER SLOT-STATS replies: one
// [slot, [name, value, ...]] pair per slot.
func formatReport(entries []slotstats.Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		stats := make([]any, 0, 2*len(e.Stats))
		for _, m := range reportMetrics {
			v, ok := e.Stats[m.String()]
			if !ok {
				continue
			}
			stats = append(stats, m.String(), int64(v))
		}
		out = append(out, []any{e.Slot, stats})
	}
	return out
}

func configCommand(s *Server, c *Client, args []string) any {
	sub := strings.ToLower(args[1])
	switch {
	case sub == "get" && len(args) == 3:
		if !strings.EqualFold(args[2], slotStatsParam) {
			return []any{}
		}
		return []any{slotStatsParam, yesNo(s.cfg.SlotStatsEnabled)}

	case sub == "set" && len(args) == 4:
		if !strings.EqualFold(args[2], slotStatsParam) {
			return resp.Errorf("ERR Unknown option or number of arguments for CONFIG SET - '%s'", args[2])
		}
		enabled, ok := parseYesNo(args[3])
		if !ok {
			return resp.Errorf("ERR CONFIG SET failed (possibly related to argument '%s') - argument must be 'yes' or 'no'", args[2])
		}
		s.cfg.SlotStatsEnabled = enabled
		s.syncStatsConfig()
		return resp.OK

	case sub == "resetstat" && len(args) == 2:
		s.stats.ResetAll()
		return resp.OK
	}
	return resp.Errorf("ERR unknown subcommand or wrong number of arguments for '%s'", args[1])
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func parseYesNo(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "yes":
		return true, true
	case "no":
		return false, true
	}
	return false, false
}

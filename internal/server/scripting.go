package server

import (
	"strconv"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/script"
	"github.com/dreamware/hotslot/internal/slotstats"
)

// scriptRun is the state of one EVAL.
type scriptRun struct {
	flags  script.Flags
	caller *slotstats.ExecContext
	// slot is the slot every key must hash to unless the script allows
	// cross-slot access. It starts as the slot of the declared keys.
	slot int
}

func (r *scriptRun) AllowCrossSlot() bool           { return r.flags.AllowCrossSlot }
func (r *scriptRun) Caller() *slotstats.ExecContext { return r.caller }

// splitEvalArgs splits EVAL script numkeys key... arg... into keys and
// arguments.
func splitEvalArgs(args []string) (keys, argv []string, err error) {
	n, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, nil, errNotInteger
	}
	if n < 0 {
		return nil, nil, resp.Error{Msg: "ERR Number of keys can't be negative"}
	}
	if n > len(args)-3 {
		return nil, nil, resp.Error{Msg: "ERR Number of keys can't be greater than number of args"}
	}
	return args[3 : 3+n], args[3+n:], nil
}

func evalCommand(s *Server, c *Client, args []string) any {
	flags, body, err := script.ParseShebang(args[1])
	if err != nil {
		return errReply(err)
	}
	keys, argv, err := splitEvalArgs(args)
	if err != nil {
		return errReply(err)
	}

	run := &scriptRun{flags: flags, caller: c.ec, slot: c.ec.Slot}
	s.stats.InvalidateSlotIfApplicable(run)

	runner := newClient(c.ID)
	runner.isScript = true
	return s.scripts.Run(body, keys, argv, func(cargs []string) any {
		return s.scriptCall(run, runner, cargs)
	})
}

// scriptCall executes a command issued by a script through the script's
// own client, whose context targets no slot.
func (s *Server) scriptCall(run *scriptRun, runner *Client, args []string) any {
	cmd, err := lookup(args)
	if err != nil {
		return errReply(err)
	}
	if cmd.has(flagNoScript) {
		return resp.Error{Msg: "ERR This command is not allowed from script"}
	}
	if cmd.has(flagWrite) {
		if run.flags.NoWrites {
			return resp.Error{Msg: "ERR Write commands are not allowed from read-only scripts."}
		}
		if !s.shard.Primary {
			return resp.Error{Msg: "READONLY You can't write against a read only replica."}
		}
	}

	if s.cfg.ClusterEnabled {
		keys, err := cmd.keys(args)
		if err != nil {
			return errReply(err)
		}
		for _, key := range keys {
			slot := cluster.KeySlot(key)
			if !s.shard.OwnsSlot(slot) {
				return resp.Error{Msg: "ERR Script attempted to access a non local key in a cluster node script"}
			}
			if run.flags.AllowCrossSlot {
				continue
			}
			if run.slot == slotstats.NoSlot {
				run.slot = slot
			} else if slot != run.slot {
				return resp.Error{Msg: "ERR Script attempted to access keys that do not hash to the same slot"}
			}
		}
	}

	return s.call(runner, cmd, args)
}

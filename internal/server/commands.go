package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/storage"
)

type cmdFlag uint16

const (
	flagWrite cmdFlag = 1 << iota
	flagReadonly
	flagBlocking
	flagNoScript
	flagPubSub    // allowed while the client has subscriptions
	flagTxControl // executed immediately between MULTI and EXEC
)

type command struct {
	name  string
	arity int // exact argument count, or the minimum when negative
	flags cmdFlag
	keys  func(args []string) ([]string, error)
	proc  func(s *Server, c *Client, args []string) any
}

func (cmd *command) has(f cmdFlag) bool { return cmd.flags&f != 0 }

var commands map[string]*command

func init() {
	table := []*command{
		{"ping", -1, flagPubSub, noKeys, pingCommand},
		{"echo", 2, 0, noKeys, echoCommand},
		{"get", 2, flagReadonly, firstKey, getCommand},
		{"set", 3, flagWrite, firstKey, setCommand},
		{"del", -2, flagWrite, allKeys, delCommand},
		{"exists", -2, flagReadonly, allKeys, existsCommand},
		{"incr", 2, flagWrite, firstKey, incrCommand},
		{"lpush", -3, flagWrite, firstKey, lpushCommand},
		{"rpush", -3, flagWrite, firstKey, rpushCommand},
		{"lpop", 2, flagWrite, firstKey, lpopCommand},
		{"llen", 2, flagReadonly, firstKey, llenCommand},
		{"blpop", -3, flagWrite | flagBlocking | flagNoScript, blockingKeys, blpopCommand},
		{"multi", 1, flagTxControl | flagNoScript, noKeys, multiCommand},
		{"exec", 1, flagTxControl | flagNoScript, noKeys, execCommand},
		{"discard", 1, flagTxControl | flagNoScript, noKeys, discardCommand},
		{"eval", -3, flagNoScript, evalKeys, evalCommand},
		{"ssubscribe", -2, flagPubSub | flagNoScript, allKeys, ssubscribeCommand},
		{"sunsubscribe", -1, flagPubSub | flagNoScript, allKeys, sunsubscribeCommand},
		{"spublish", 3, 0, firstKey, spublishCommand},
		{"cluster", -2, 0, noKeys, clusterCommand},
		{"config", -2, flagNoScript, noKeys, configCommand},
	}
	commands = make(map[string]*command, len(table))
	for _, cmd := range table {
		commands[cmd.name] = cmd
	}
}

func lookup(args []string) (*command, error) {
	if len(args) == 0 {
		return nil, resp.Error{Msg: "ERR empty command"}
	}
	cmd, ok := commands[strings.ToLower(args[0])]
	if !ok {
		return nil, resp.Errorf("ERR unknown command '%s'", args[0])
	}
	if (cmd.arity > 0 && len(args) != cmd.arity) || len(args) < -cmd.arity {
		return nil, resp.Errorf("ERR wrong number of arguments for '%s' command", cmd.name)
	}
	return cmd, nil
}

func noKeys([]string) ([]string, error) { return nil, nil }

func firstKey(args []string) ([]string, error) { return args[1:2], nil }

func allKeys(args []string) ([]string, error) { return args[1:], nil }

// blockingKeys skips the trailing timeout of BLPOP.
func blockingKeys(args []string) ([]string, error) { return args[1 : len(args)-1], nil }

func evalKeys(args []string) ([]string, error) {
	keys, _, err := splitEvalArgs(args)
	return keys, err
}

var (
	errWrongType  = resp.Error{Msg: "WRONGTYPE Operation against a key holding the wrong kind of value"}
	errNotInteger = resp.Error{Msg: "ERR value is not an integer or out of range"}
)

func storeError(err error) resp.Error {
	if errors.Is(err, storage.ErrWrongType) {
		return errWrongType
	}
	return errReply(err)
}

func itoa(n int) string { return strconv.Itoa(n) }

func pingCommand(s *Server, c *Client, args []string) any {
	if len(args) > 2 {
		return resp.Errorf("ERR wrong number of arguments for 'ping' command")
	}
	if len(args) == 2 {
		return args[1]
	}
	return resp.SimpleString("PONG")
}

func echoCommand(s *Server, c *Client, args []string) any {
	return args[1]
}

func getCommand(s *Server, c *Client, args []string) any {
	s.shard.RecordRead()
	v, err := s.shard.Store.Get(args[1])
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return nil
	case err != nil:
		return storeError(err)
	}
	return v
}

func setCommand(s *Server, c *Client, args []string) any {
	s.shard.RecordWrite()
	if err := s.shard.Store.Put(args[1], []byte(args[2])); err != nil {
		return storeError(err)
	}
	s.propagate(args...)
	return resp.OK
}

func delCommand(s *Server, c *Client, args []string) any {
	s.shard.RecordWrite()
	n := 0
	for _, key := range args[1:] {
		if !s.shard.Store.Exists(key) {
			continue
		}
		if err := s.shard.Store.Delete(key); err != nil {
			return storeError(err)
		}
		n++
	}
	if n > 0 {
		s.propagate(args...)
	}
	return n
}

func existsCommand(s *Server, c *Client, args []string) any {
	s.shard.RecordRead()
	n := 0
	for _, key := range args[1:] {
		if s.shard.Store.Exists(key) {
			n++
		}
	}
	return n
}

func incrCommand(s *Server, c *Client, args []string) any {
	s.shard.RecordWrite()
	var n int64
	v, err := s.shard.Store.Get(args[1])
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return storeError(err)
	default:
		if n, err = strconv.ParseInt(string(v), 10, 64); err != nil {
			return errNotInteger
		}
	}
	n++
	if err := s.shard.Store.Put(args[1], []byte(strconv.FormatInt(n, 10))); err != nil {
		return storeError(err)
	}
	s.propagate(args...)
	return n
}

func pushCommand(s *Server, args []string, push func(string, ...[]byte) (int, error)) any {
	s.shard.RecordWrite()
	values := make([][]byte, 0, len(args)-2)
	for _, v := range args[2:] {
		values = append(values, []byte(v))
	}
	n, err := push(args[1], values...)
	if err != nil {
		return storeError(err)
	}
	s.propagate(args...)
	s.signalReady(args[1])
	return n
}

func lpushCommand(s *Server, c *Client, args []string) any {
	return pushCommand(s, args, s.shard.Store.LPush)
}

func rpushCommand(s *Server, c *Client, args []string) any {
	return pushCommand(s, args, s.shard.Store.RPush)
}

func lpopCommand(s *Server, c *Client, args []string) any {
	s.shard.RecordWrite()
	v, err := s.shard.Store.LPop(args[1])
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return nil
	case err != nil:
		return storeError(err)
	}
	s.propagate(args...)
	return v
}

func llenCommand(s *Server, c *Client, args []string) any {
	s.shard.RecordRead()
	n, err := s.shard.Store.LLen(args[1])
	if err != nil {
		return storeError(err)
	}
	return n
}

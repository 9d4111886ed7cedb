// Package script runs EVAL scripts on an embedded Lua interpreter.
package script

import (
	"math"
	"strings"

	"github.com/Shopify/go-lua"
	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/resp"
)

// CallFunc executes one command on behalf of a script and returns its reply
// value. Error replies are returned as resp.Error values, not as Go errors.
type CallFunc func(args []string) any

// Runner evaluates scripts. Each Run gets a fresh interpreter, so scripts
// cannot leak globals into each other.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a runner. A nil logger is replaced by a no-op logger.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger.Named("script")}
}

// Run evaluates body with the KEYS and ARGV globals set and server.call
// and server.pcall bound to call. The script's return value is converted
// to a reply. Compilation and runtime failures come back as resp.Error
// replies.
func (r *Runner) Run(body string, keys, argv []string, call CallFunc) (reply any) {
	l := lua.NewState()
	lua.OpenLibraries(l)

	setArray(l, "KEYS", keys)
	setArray(l, "ARGV", argv)
	registerServer(l, call)

	if err := lua.LoadString(l, body); err != nil {
		return resp.Errorf("ERR Error compiling script (new function): %s", luaMessage(l, err))
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		msg := luaMessage(l, err)
		r.logger.Debug("script failed", zap.String("error", msg))
		if strings.HasPrefix(msg, "-") {
			return resp.Error{Msg: strings.TrimPrefix(msg, "-")}
		}
		return resp.Errorf("ERR user_script: %s", msg)
	}
	return toReply(l, -1)
}

func setArray(l *lua.State, name string, values []string) {
	l.CreateTable(len(values), 0)
	for i, v := range values {
		l.PushString(v)
		l.RawSetInt(-2, i+1)
	}
	l.SetGlobal(name)
}

func registerServer(l *lua.State, call CallFunc) {
	invoke := func(protected bool) lua.Function {
		return func(l *lua.State) int {
			n := l.Top()
			if n == 0 {
				lua.Errorf(l, "Please specify at least one argument for this call")
				return 0
			}
			args := make([]string, 0, n)
			for i := 1; i <= n; i++ {
				switch l.TypeOf(i) {
				case lua.TypeString, lua.TypeNumber:
					s, _ := l.ToString(i)
					args = append(args, s)
				default:
					lua.Errorf(l, "Command arguments must be strings or integers")
					return 0
				}
			}

			reply := call(args)
			if e, ok := reply.(resp.Error); ok && !protected {
				// Prefix with "-" so Run can tell a command error from a
				// script error.
				l.PushString("-" + e.Msg)
				l.Error()
				return 0
			}
			pushReply(l, reply)
			return 1
		}
	}

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "call", Function: invoke(false)},
		{Name: "pcall", Function: invoke(true)},
		{Name: "error_reply", Function: errorReply},
		{Name: "status_reply", Function: statusReply},
	}, 0)
	l.PushValue(-1)
	l.SetGlobal("server")
	l.SetGlobal("redis")
}

func errorReply(l *lua.State) int {
	msg := lua.CheckString(l, 1)
	l.NewTable()
	l.PushString(msg)
	l.SetField(-2, "err")
	return 1
}

func statusReply(l *lua.State) int {
	msg := lua.CheckString(l, 1)
	l.NewTable()
	l.PushString(msg)
	l.SetField(-2, "ok")
	return 1
}

// pushReply converts a command reply to Lua following the usual mapping:
// bulk and status strings become strings or {ok=...}, integers become
// numbers, nil becomes false and errors become {err=...}.
func pushReply(l *lua.State, v any) {
	switch v := v.(type) {
	case nil, resp.NullArray:
		l.PushBoolean(false)
	case resp.SimpleString:
		l.NewTable()
		l.PushString(string(v))
		l.SetField(-2, "ok")
	case resp.Error:
		l.NewTable()
		l.PushString(v.Msg)
		l.SetField(-2, "err")
	case int:
		l.PushInteger(v)
	case int64:
		l.PushInteger(int(v))
	case string:
		l.PushString(v)
	case []byte:
		l.PushString(string(v))
	case []any:
		l.CreateTable(len(v), 0)
		for i, elem := range v {
			pushReply(l, elem)
			l.RawSetInt(-2, i+1)
		}
	default:
		lua.Errorf(l, "unsupported reply type %T", v)
	}
}

// toReply converts the Lua value at index to a reply. Numbers are
// truncated to integers and arrays stop at the first nil.
func toReply(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return int64(math.Trunc(n))
	case lua.TypeBoolean:
		if l.ToBoolean(index) {
			return 1
		}
		return nil
	case lua.TypeTable:
		return tableReply(l, l.AbsIndex(index))
	default:
		return nil
	}
}

func tableReply(l *lua.State, index int) any {
	if msg, ok := stringField(l, index, "err"); ok {
		return resp.Error{Msg: msg}
	}
	if msg, ok := stringField(l, index, "ok"); ok {
		return resp.SimpleString(msg)
	}

	out := []any{}
	for i := 1; ; i++ {
		l.RawGetInt(index, i)
		if l.IsNil(-1) {
			l.Pop(1)
			return out
		}
		out = append(out, toReply(l, -1))
		l.Pop(1)
	}
}

func stringField(l *lua.State, index int, name string) (string, bool) {
	l.Field(index, name)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeString {
		return "", false
	}
	return l.ToString(-1)
}

// luaMessage prefers the error object left on the stack over the Go error,
// which may only carry the failure class.
func luaMessage(l *lua.State, err error) string {
	if msg, ok := l.ToString(-1); ok && msg != "" {
		return strings.TrimSpace(msg)
	}
	return strings.TrimSpace(err.Error())
}

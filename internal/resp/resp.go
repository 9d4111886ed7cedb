// Package resp frames commands and replies in RESP2 so the node can
// measure their wire size and encode the replication stream.
package resp

import (
	"fmt"
	"strconv"
)

// SimpleString is a status reply such as "+OK".
type SimpleString string

// OK is the canonical success reply.
const OK SimpleString = "OK"

// Error is an error reply. Msg starts with the error code, e.g.
// "CROSSSLOT Keys in request don't hash to the same slot".
type Error struct {
	Msg string
}

func (e Error) Error() string { return e.Msg }

// Errorf builds an error reply.
func Errorf(format string, args ...any) Error {
	return Error{Msg: fmt.Sprintf(format, args...)}
}

// NullArray is the "*-1" reply used by timed out blocking commands.
type NullArray struct{}

// Multi is several replies sent back to back for one command, as
// SSUBSCRIBE does for each channel. It has no framing of its own.
type Multi []any

// Append frames v and appends it to dst. Supported values are nil (null
// bulk string), string and []byte (bulk strings), int and int64
// (integers), SimpleString, Error, NullArray, []any (arrays) and Multi.
func Append(dst []byte, v any) []byte {
	switch v := v.(type) {
	case nil:
		return append(dst, "$-1\r\n"...)
	case NullArray:
		return append(dst, "*-1\r\n"...)
	case SimpleString:
		dst = append(dst, '+')
		dst = append(dst, v...)
		return append(dst, '\r', '\n')
	case Error:
		dst = append(dst, '-')
		dst = append(dst, v.Msg...)
		return append(dst, '\r', '\n')
	case int:
		return appendPrefixed(dst, ':', int64(v))
	case int64:
		return appendPrefixed(dst, ':', v)
	case string:
		dst = appendPrefixed(dst, '$', int64(len(v)))
		dst = append(dst, v...)
		return append(dst, '\r', '\n')
	case []byte:
		dst = appendPrefixed(dst, '$', int64(len(v)))
		dst = append(dst, v...)
		return append(dst, '\r', '\n')
	case []any:
		dst = appendPrefixed(dst, '*', int64(len(v)))
		for _, elem := range v {
			dst = Append(dst, elem)
		}
		return dst
	case Multi:
		for _, elem := range v {
			dst = Append(dst, elem)
		}
		return dst
	default:
		panic(fmt.Sprintf("resp: cannot frame %T", v))
	}
}

// Size returns the framed length of v without allocating.
func Size(v any) int {
	switch v := v.(type) {
	case nil, NullArray:
		return 5
	case SimpleString:
		return len(v) + 3
	case Error:
		return len(v.Msg) + 3
	case int:
		return prefixedSize(int64(v))
	case int64:
		return prefixedSize(v)
	case string:
		return bulkSize(len(v))
	case []byte:
		return bulkSize(len(v))
	case []any:
		n := prefixedSize(int64(len(v)))
		for _, elem := range v {
			n += Size(elem)
		}
		return n
	case Multi:
		n := 0
		for _, elem := range v {
			n += Size(elem)
		}
		return n
	default:
		panic(fmt.Sprintf("resp: cannot frame %T", v))
	}
}

// AppendCommand frames a command as an array of bulk strings, the form
// clients and the replication stream use.
func AppendCommand(dst []byte, args []string) []byte {
	dst = appendPrefixed(dst, '*', int64(len(args)))
	for _, arg := range args {
		dst = appendPrefixed(dst, '$', int64(len(arg)))
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// CommandSize returns the framed length of a command.
func CommandSize(args []string) int {
	n := prefixedSize(int64(len(args)))
	for _, arg := range args {
		n += bulkSize(len(arg))
	}
	return n
}

func appendPrefixed(dst []byte, prefix byte, n int64) []byte {
	dst = append(dst, prefix)
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, '\r', '\n')
}

func prefixedSize(n int64) int {
	return 1 + len(strconv.FormatInt(n, 10)) + 2
}

func bulkSize(n int) int {
	return prefixedSize(int64(n)) + n + 2
}

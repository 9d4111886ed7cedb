package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrProtocol is returned for input that is not a RESP command stream.
var ErrProtocol = errors.New("protocol error")

// maxBulk bounds a single argument, matching the default proto-max-bulk-len.
const maxBulk = 512 << 20

// ReadCommands parses a stream of commands framed by AppendCommand.
func ReadCommands(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	var cmds [][]string
	for {
		args, err := readCommand(br)
		if err == io.EOF {
			return cmds, nil
		}
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, args)
	}
}

func readCommand(br *bufio.Reader) ([]string, error) {
	n, err := readPrefixed(br, '*')
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		size, err := readPrefixed(br, '$')
		if err == io.EOF {
			return nil, fmt.Errorf("%w: truncated command", ErrProtocol)
		}
		if err != nil {
			return nil, err
		}
		if size > maxBulk {
			return nil, fmt.Errorf("%w: bulk length %d", ErrProtocol, size)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("%w: truncated bulk string", ErrProtocol)
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return nil, fmt.Errorf("%w: bulk string not terminated", ErrProtocol)
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readPrefixed(br *bufio.Reader, prefix byte) (int, error) {
	line, err := br.ReadString('\n')
	if err == io.EOF && line == "" {
		return 0, io.EOF
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	line = strings.TrimSuffix(line, "\r\n")
	if len(line) < 2 || line[0] != prefix {
		return 0, fmt.Errorf("%w: expected '%c', got %q", ErrProtocol, prefix, line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad length %q", ErrProtocol, line[1:])
	}
	return n, nil
}

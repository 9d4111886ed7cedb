package resp

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCommands(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var buf []byte
		buf = AppendCommand(buf, []string{"SELECT", "0"})
		buf = AppendCommand(buf, []string{"SET", "k", "line\r\nbreak"})
		buf = AppendCommand(buf, []string{"DEL", ""})

		cmds, err := ReadCommands(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"SELECT", "0"}, {"SET", "k", "line\r\nbreak"}, {"DEL", ""}}, cmds)
	})

	t.Run("empty input", func(t *testing.T) {
		cmds, err := ReadCommands(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, cmds)
	})

	bad := map[string]string{
		"inline command":  "PING\r\n",
		"truncated array": "*2\r\n$3\r\nGET\r\n",
		"truncated bulk":  "*1\r\n$10\r\nabc\r\n",
		"bad terminator":  "*1\r\n$3\r\nabcXY",
		"negative length": "*1\r\n$-3\r\n",
		"missing newline": "*1",
	}
	for name, in := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCommands(strings.NewReader(in))
			assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
		})
	}
}

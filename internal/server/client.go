package server

import (
	"time"

	"github.com/dreamware/hotslot/internal/slotstats"
)

// Client is the server-side state of one connection.
type Client struct {
	ID string

	ec *slotstats.ExecContext

	// Transaction state between MULTI and EXEC.
	multi     bool
	dirty     bool
	queue     []queued
	multiSlot int

	block         *blockState
	pending       chan<- any // reply channel of the command being dispatched
	subscriptions map[string]struct{}
	inbox         [][]any

	isMaster bool // applies the replication stream
	isScript bool // runs commands issued by a script
	oneShot  bool // dropped after its only command
}

type queued struct {
	cmd  *command
	args []string
}

// blockState is a command waiting for a key to receive data.
type blockState struct {
	cmd     *command
	args    []string
	keys    []string
	replies chan<- any
	timer   *time.Timer
}

func newClient(id string) *Client {
	return &Client{
		ID:            id,
		ec:            slotstats.NewExecContext(),
		multiSlot:     slotstats.NoSlot,
		subscriptions: make(map[string]struct{}),
	}
}

func (c *Client) resetMulti() {
	c.multi = false
	c.dirty = false
	c.queue = nil
	c.multiSlot = slotstats.NoSlot
}

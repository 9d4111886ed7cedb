// Package replication feeds write commands from a primary to its replicas
// and charges the stream to the slot of the command that produced it.
package replication

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/slotstats"
)

// Link is one connected replica.
type Link interface {
	// ID identifies the replica.
	ID() string
	// Send queues a chunk of the replication stream. It must not block.
	Send(payload []byte) error
	// Close disconnects the replica.
	Close() error
}

// Accounter receives the stream's egress. *slotstats.Registry implements it.
type Accounter interface {
	IncrNetworkBytesOutForReplication(cur *slotstats.ExecContext, n int64)
	DecrNetworkBytesOutForReplication(cur *slotstats.ExecContext, n int64)
}

// Stream is the replication stream of a primary.
//
// Feed is called from the node's command loop. Attach, Detach and Replicas
// may be called from any goroutine.
type Stream struct {
	mu     sync.Mutex
	links  []Link
	db     int
	seldb  int // database last announced with SELECT, -1 for none
	acct   Accounter
	logger *zap.Logger
}

// NewStream creates a stream with no replicas attached.
func NewStream(acct Accounter, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		seldb:  -1,
		acct:   acct,
		logger: logger.Named("replication"),
	}
}

// Attach connects a replica. The next fed command re-announces the
// database, as a new replica has not seen the previous SELECT.
func (s *Stream) Attach(l Link) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.links = append(s.links, l)
	s.seldb = -1
	s.logger.Info("replica attached", zap.String("replica", l.ID()), zap.Int("replicas", len(s.links)))
}

// Detach disconnects a replica by ID. Unknown IDs are ignored.
func (s *Stream) Detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.links {
		if l.ID() != id {
			continue
		}
		if err := l.Close(); err != nil {
			s.logger.Warn("closing replica link", zap.String("replica", id), zap.Error(err))
		}
		s.links = append(s.links[:i], s.links[i+1:]...)
		s.logger.Info("replica detached", zap.String("replica", id), zap.Int("replicas", len(s.links)))
		return
	}
}

// Replicas returns the number of connected replicas.
func (s *Stream) Replicas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Feed sends one write command to every replica. cur is the context of the
// command being executed, or nil. The whole payload is charged to cur's
// slot and the SELECT preamble, which belongs to no slot, is retracted.
func (s *Stream) Feed(cur *slotstats.ExecContext, args []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.links) == 0 {
		return
	}

	var payload []byte
	selectLen := 0
	if s.seldb != s.db {
		payload = resp.AppendCommand(payload, []string{"SELECT", strconv.Itoa(s.db)})
		selectLen = len(payload)
		s.seldb = s.db
	}
	payload = resp.AppendCommand(payload, args)

	s.acct.IncrNetworkBytesOutForReplication(cur, int64(len(payload)))
	if selectLen > 0 {
		s.acct.DecrNetworkBytesOutForReplication(cur, int64(selectLen))
	}

	for _, l := range s.links {
		if err := l.Send(payload); err != nil {
			s.logger.Warn("replication send failed", zap.String("replica", l.ID()), zap.Error(err))
		}
	}
}

// Close disconnects every replica.
func (s *Stream) Close() {
	s.mu.Lock()
	links := s.links
	s.links = nil
	s.mu.Unlock()

	for _, l := range links {
		if err := l.Close(); err != nil {
			s.logger.Warn("closing replica link", zap.String("replica", l.ID()), zap.Error(err))
		}
	}
}

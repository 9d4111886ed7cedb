package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/replication"
	"github.com/dreamware/hotslot/internal/resp"
	"github.com/dreamware/hotslot/internal/script"
	"github.com/dreamware/hotslot/internal/shard"
	"github.com/dreamware/hotslot/internal/slotstats"
)

// ErrClosed is returned by requests made after the command loop stopped.
var ErrClosed = errors.New("server closed")

// ErrNotPrimary is returned when replicas are attached to a replica.
var ErrNotPrimary = errors.New("node is not a primary")

// Config holds the node settings the execution layer needs.
type Config struct {
	// ClusterEnabled turns on slot routing and slot statistics.
	ClusterEnabled bool
	// SlotStatsEnabled is the initial value of cluster-slot-stats-enabled.
	SlotStatsEnabled bool
}

// Server executes commands against a shard. All command execution and
// every access to the slot statistics happen on the goroutine running Run;
// the exported methods hand work to it and wait for the result.
type Server struct {
	cfg     Config
	shard   *shard.Shard
	stats   *slotstats.Registry
	repl    *replication.Stream
	scripts *script.Runner
	logger  *zap.Logger

	now      func() time.Time
	redirect func(slot int) string

	clients  map[string]*Client
	blocked  map[string][]*Client          // key -> clients in BLPOP order
	ready    []string                      // keys pushed to during the current command
	channels map[string]map[string]*Client // shard channel -> subscribers
	master   *Client
	oneShots uint64 // anonymous clients created so far
	nesting  int
	current  *Client // user client whose command is executing

	reqs    chan func()
	stopped chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock replaces time.Now for measuring command duration.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithRedirect sets the function that names the node serving a slot in
// MOVED errors.
func WithRedirect(fn func(slot int) string) Option {
	return func(s *Server) { s.redirect = fn }
}

// New creates a server for sh. Call Run to start executing commands.
func New(cfg Config, sh *shard.Shard, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		shard:    sh,
		now:      time.Now,
		redirect: func(int) string { return "" },
		clients:  make(map[string]*Client),
		blocked:  make(map[string][]*Client),
		channels: make(map[string]map[string]*Client),
		reqs:     make(chan func()),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("server")

	s.stats = slotstats.NewRegistry(s.logger)
	s.scripts = script.NewRunner(s.logger)
	if sh.Primary {
		s.repl = replication.NewStream(s.stats, s.logger)
	}
	s.master = newClient("master")
	s.master.isMaster = true

	// Slots are only reassigned through AssignSlots, which runs on the loop.
	sh.OnSlotRemoved(s.stats.Reset)
	s.syncStatsConfig()
	return s
}

// Run executes queued work until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.logger.Info("command loop started",
		zap.Bool("cluster", s.cfg.ClusterEnabled),
		zap.Bool("slot_stats", s.cfg.SlotStatsEnabled),
		zap.Bool("primary", s.shard.Primary))

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case fn := <-s.reqs:
			fn()
		}
	}
}

func (s *Server) shutdown() {
	for _, c := range s.clients {
		s.dropClient(c)
	}
	if s.repl != nil {
		s.repl.Close()
	}
	s.stats.Close()
	s.logger.Info("command loop stopped")
}

// Do runs fn on the command loop and waits for it to finish.
func (s *Server) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.post(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// post queues fn without waiting for it to run.
func (s *Server) post(ctx context.Context, fn func()) error {
	select {
	case s.reqs <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// Exec runs one command for the client identified by clientID and returns
// its reply. Command failures are returned as resp.Error replies; the
// error result only reports that the request could not be served. A
// blocking command waits until it is served, times out or ctx ends.
//
// An empty clientID runs the command on a one-shot client that is
// forgotten once the command is answered, so no transaction or
// subscription outlives the request.
func (s *Server) Exec(ctx context.Context, clientID string, args []string) (any, error) {
	replies := make(chan any, 1)
	var c *Client
	if err := s.post(ctx, func() {
		c = s.client(clientID)
		s.dispatch(c, args, replies)
		s.release(c)
	}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		// Give up on a pending blocking command.
		_ = s.post(context.Background(), func() {
			if c != nil && c.block != nil && c.block.replies == replies {
				s.unblock(c)
				c.ec.ResetCommand()
				s.release(c)
			}
		})
		return nil, ctx.Err()
	case <-s.stopped:
		return nil, ErrClosed
	}
}

func (s *Server) client(id string) *Client {
	if id == "" {
		s.oneShots++
		c := newClient("oneshot-" + strconv.FormatUint(s.oneShots, 10))
		c.oneShot = true
		s.clients[c.ID] = c
		return c
	}
	c, ok := s.clients[id]
	if !ok {
		c = newClient(id)
		s.clients[id] = c
	}
	return c
}

// release forgets a one-shot client once it is no longer blocked.
func (s *Server) release(c *Client) {
	if c.oneShot && c.block == nil {
		s.dropClient(c)
	}
}

// CloseClient forgets a client, ending its subscriptions and any blocked
// command.
func (s *Server) CloseClient(ctx context.Context, id string) error {
	return s.Do(ctx, func() {
		if c, ok := s.clients[id]; ok {
			s.dropClient(c)
		}
	})
}

func (s *Server) dropClient(c *Client) {
	if c.block != nil {
		s.unblock(c)
	}
	for ch := range c.subscriptions {
		s.unsubscribe(c, ch)
	}
	delete(s.clients, c.ID)
}

// Messages drains the sharded pub/sub messages delivered to a client.
func (s *Server) Messages(ctx context.Context, id string) ([][]any, error) {
	var out [][]any
	err := s.Do(ctx, func() {
		if c, ok := s.clients[id]; ok {
			out, c.inbox = c.inbox, nil
		}
	})
	return out, err
}

// SlotStats builds a CLUSTER SLOT-STATS report from its arguments.
func (s *Server) SlotStats(ctx context.Context, args []string) ([]slotstats.Entry, error) {
	var (
		entries []slotstats.Entry
		rerr    error
	)
	if err := s.Do(ctx, func() {
		q, err := slotstats.ParseQuery(args)
		if err != nil {
			rerr = err
			return
		}
		entries, rerr = s.stats.Report(q, s.shard, s.shard)
	}); err != nil {
		return nil, err
	}
	return entries, rerr
}

// Samples returns the counters of served slots that are not idle.
func (s *Server) Samples(ctx context.Context) ([]slotstats.Sample, error) {
	var out []slotstats.Sample
	err := s.Do(ctx, func() {
		out = s.stats.Samples(s.shard, s.shard)
	})
	return out, err
}

// ResetStats zeroes one slot's counters, or every slot's when slot is nil.
func (s *Server) ResetStats(ctx context.Context, slot *int) error {
	if slot != nil && !cluster.ValidSlot(*slot) {
		return fmt.Errorf("invalid slot %d", *slot)
	}
	return s.Do(ctx, func() {
		if slot == nil {
			s.stats.ResetAll()
			return
		}
		s.stats.Reset(*slot)
	})
}

// SetSlotStatsEnabled toggles cluster-slot-stats-enabled.
func (s *Server) SetSlotStatsEnabled(ctx context.Context, enabled bool) error {
	return s.Do(ctx, func() {
		s.cfg.SlotStatsEnabled = enabled
		s.syncStatsConfig()
	})
}

// AssignSlots replaces the slots the shard serves. Statistics of removed
// slots are reset.
func (s *Server) AssignSlots(ctx context.Context, ranges []cluster.SlotRange) (added, removed []int, err error) {
	if derr := s.Do(ctx, func() {
		added, removed, err = s.shard.AssignSlots(ranges)
	}); derr != nil {
		return nil, nil, derr
	}
	if err == nil {
		s.logger.Info("slots assigned",
			zap.String("slots", cluster.FormatSlotRanges(ranges)),
			zap.Int("added", len(added)),
			zap.Int("removed", len(removed)))
	}
	return added, removed, err
}

// AttachReplica adds a replica to the replication stream.
func (s *Server) AttachReplica(ctx context.Context, link replication.Link) error {
	if s.repl == nil {
		return ErrNotPrimary
	}
	return s.Do(ctx, func() {
		s.repl.Attach(link)
		s.syncStatsConfig()
	})
}

// DetachReplica removes a replica from the replication stream.
func (s *Server) DetachReplica(ctx context.Context, id string) error {
	if s.repl == nil {
		return nil
	}
	return s.Do(ctx, func() {
		s.repl.Detach(id)
		s.syncStatsConfig()
	})
}

// Info describes the node's execution state.
type Info struct {
	Shard            shard.ShardInfo      `json:"shard"`
	Ops              shard.OperationStats `json:"ops"`
	ClusterEnabled   bool                 `json:"cluster_enabled"`
	SlotStatsEnabled bool                 `json:"slot_stats_enabled"`
	Clients          int                  `json:"clients"`
	BlockedClients   int                  `json:"blocked_clients"`
	Replicas         int                  `json:"replicas"`
}

// Info reports the node's state.
func (s *Server) Info(ctx context.Context) (Info, error) {
	var info Info
	err := s.Do(ctx, func() {
		info = Info{
			Shard:            s.shard.Info(),
			Ops:              s.shard.GetStats().Ops,
			ClusterEnabled:   s.cfg.ClusterEnabled,
			SlotStatsEnabled: s.cfg.SlotStatsEnabled,
			Clients:          len(s.clients),
			Replicas:         s.stats.Config().Replicas,
		}
		for _, c := range s.clients {
			if c.block != nil {
				info.BlockedClients++
			}
		}
	})
	return info, err
}

func (s *Server) syncStatsConfig() {
	replicas := 0
	if s.repl != nil {
		replicas = s.repl.Replicas()
	}
	s.stats.SetConfig(slotstats.Config{
		Enabled:        s.cfg.SlotStatsEnabled,
		ClusterEnabled: s.cfg.ClusterEnabled,
		Primary:        s.shard.Primary,
		Replicas:       replicas,
	})
}

// errReply turns a Go error into an error reply.
func errReply(err error) resp.Error {
	var e resp.Error
	if errors.As(err, &e) {
		return e
	}
	return resp.Errorf("ERR %v", err)
}

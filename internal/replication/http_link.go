package replication

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
)

// ContentType is the media type of a replication payload.
const ContentType = "application/x-resp"

// ErrLinkClosed is returned by Send after Close.
var ErrLinkClosed = errors.New("replication link closed")

// ErrBacklogFull is returned by Send when the replica falls too far behind.
var ErrBacklogFull = errors.New("replication backlog full")

const defaultBacklog = 1024

// HTTPLink forwards the stream to a replica node's /replicate endpoint.
// Payloads are posted in order by a single worker goroutine.
type HTTPLink struct {
	addr   string
	queue  chan []byte
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewHTTPLink starts a link to the replica at addr (e.g.
// "http://127.0.0.1:8082").
func NewHTTPLink(addr string, logger *zap.Logger) *HTTPLink {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &HTTPLink{
		addr:   addr,
		queue:  make(chan []byte, defaultBacklog),
		logger: logger.Named("link").With(zap.String("replica", addr)),
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *HTTPLink) ID() string { return l.addr }

// Send queues payload for delivery. It never blocks.
func (l *HTTPLink) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLinkClosed
	}
	select {
	case l.queue <- payload:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Close stops the worker. Payloads still queued are dropped.
func (l *HTTPLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return nil
}

func (l *HTTPLink) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case payload := <-l.queue:
			if err := cluster.PostRaw(l.ctx, l.addr+"/replicate", ContentType, payload); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				l.logger.Warn("replication post failed", zap.Int("bytes", len(payload)), zap.Error(err))
			}
		}
	}
}

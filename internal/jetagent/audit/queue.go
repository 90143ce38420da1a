package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/jet-agent/common/trace"
)

// DefaultQueueSize is the buffer used when NewQueue is given no size.
const DefaultQueueSize = 64

// Queue delivers events to another Notifier from a single background
// goroutine, in the order they were queued. When the buffer is full the
// event is logged and dropped.
type Queue struct {
	next   Notifier
	events chan queued
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

type queued struct {
	ctx context.Context
	evt Event
}

// NewQueue starts a queue in front of next.
func NewQueue(next Notifier, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		next:   next,
		events: make(chan queued, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for item := range q.events {
		q.next.Notify(item.ctx, item.evt)
	}
}

// Notify queues evt without waiting for delivery. The trace ID and
// timestamp are fixed at this point.
func (q *Queue) Notify(ctx context.Context, evt Event) {
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		slog.Warn("audit: queue closed, dropping event", "kind", evt.Kind, "target", evt.Target)
		return
	}
	select {
	case q.events <- queued{ctx: context.WithoutCancel(ctx), evt: evt}:
	default:
		slog.Warn("audit: queue full, dropping event", "kind", evt.Kind, "target", evt.Target)
	}
}

// Close stops accepting events and waits until the queued ones are
// delivered or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

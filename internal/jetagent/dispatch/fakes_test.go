package dispatch_test

import (
	"context"
	"sync"
	"time"

	"github.com/bdobrica/jet-agent/internal/jetagent/audit"
	"github.com/bdobrica/jet-agent/internal/jetagent/bus"
)

type published struct {
	Subject string
	Data    string
}

type fakePublisher struct {
	mu       sync.Mutex
	out      []published
	flushes  int
	err      error
	flushErr error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.out = append(p.out, published{subject, string(data)})
	return nil
}

func (p *fakePublisher) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return p.flushErr
}

func (p *fakePublisher) Published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.out...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	commands  []string
	malformed int
	replies   []string
}

func (r *fakeRecorder) ObserveCommand(command, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command+"/"+result)
}

func (r *fakeRecorder) Malformed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed++
}

func (r *fakeRecorder) Reply(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, result)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []audit.Event
}

func (n *fakeNotifier) Notify(_ context.Context, evt audit.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *fakeNotifier) Events() []audit.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]audit.Event(nil), n.events...)
}

// chanSource feeds Run from a channel; a closed channel behaves like a
// failed subscription.
type chanSource chan bus.Message

func (c chanSource) Next(ctx context.Context) (bus.Message, error) {
	select {
	case msg, ok := <-c:
		if !ok {
			return bus.Message{}, errSourceClosed
		}
		return msg, nil
	case <-ctx.Done():
		return bus.Message{}, ctx.Err()
	}
}

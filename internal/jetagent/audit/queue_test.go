package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/jet-agent/common/trace"
	"github.com/bdobrica/jet-agent/internal/jetagent/audit"
)

// gatedNotifier blocks every delivery until release is closed. When
// entered is set it is signalled as each delivery starts.
type gatedNotifier struct {
	release chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	events []audit.Event
}

func (g *gatedNotifier) Notify(_ context.Context, evt audit.Event) {
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	<-g.release
	g.mu.Lock()
	g.events = append(g.events, evt)
	g.mu.Unlock()
}

func (g *gatedNotifier) targets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.events))
	for i, e := range g.events {
		out[i] = e.Target
	}
	return out
}

func TestQueue_NotifyDoesNotWaitForDelivery(t *testing.T) {
	next := &gatedNotifier{release: make(chan struct{})}
	q := audit.NewQueue(next, 4)

	done := make(chan struct{})
	go func() {
		q.Notify(context.Background(), audit.Event{Kind: audit.KindInstanceCreated, Target: "vm-1"})
		q.Notify(context.Background(), audit.Event{Kind: audit.KindInstanceDeleted, Target: "vm-2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled notifier")
	}

	close(next.release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := next.targets()
	if len(got) != 2 || got[0] != "vm-1" || got[1] != "vm-2" {
		t.Errorf("delivered = %v, want [vm-1 vm-2]", got)
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	next := &gatedNotifier{release: make(chan struct{}), entered: make(chan struct{}, 8)}
	q := audit.NewQueue(next, 1)

	// The worker holds vm-1 while blocked and the buffer holds vm-2.
	q.Notify(context.Background(), audit.Event{Kind: audit.KindInstanceStopped, Target: "vm-1"})
	<-next.entered
	for _, target := range []string{"vm-2", "vm-3", "vm-4"} {
		q.Notify(context.Background(), audit.Event{Kind: audit.KindInstanceStopped, Target: target})
	}
	close(next.release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := next.targets(); len(got) != 2 || got[0] != "vm-1" || got[1] != "vm-2" {
		t.Errorf("delivered = %v, want [vm-1 vm-2]", got)
	}
}

func TestQueue_FixesTraceIDAtEnqueue(t *testing.T) {
	next := &gatedNotifier{release: make(chan struct{})}
	close(next.release)
	q := audit.NewQueue(next, 0)

	ctx, cancel := context.WithCancel(trace.WithTraceID(context.Background(), "t_queued"))
	q.Notify(ctx, audit.Event{Kind: audit.KindInstanceCreated, Target: "vm-1"})
	cancel()
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	next.mu.Lock()
	defer next.mu.Unlock()
	if len(next.events) != 1 {
		t.Fatalf("delivered %d events, want 1", len(next.events))
	}
	if next.events[0].TraceID != "t_queued" || next.events[0].Timestamp.IsZero() {
		t.Errorf("event = %+v", next.events[0])
	}
}

func TestQueue_CloseHonoursDeadlineAndRejectsLateEvents(t *testing.T) {
	next := &gatedNotifier{release: make(chan struct{})}
	q := audit.NewQueue(next, 4)
	q.Notify(context.Background(), audit.Event{Kind: audit.KindInstanceCreated, Target: "vm-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close: err = %v, want deadline exceeded", err)
	}

	q.Notify(context.Background(), audit.Event{Kind: audit.KindInstanceDeleted, Target: "vm-2"})
	close(next.release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := next.targets(); len(got) != 1 || got[0] != "vm-1" {
		t.Errorf("delivered = %v, want [vm-1]", got)
	}
}

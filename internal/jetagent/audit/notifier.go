// Package audit reports mutating commands to an operator room.
//
// Every create, delete, restart, stop, description change, volume creation
// and floating IP change handled by the agent produces one Event, whether
// it succeeded or not. Events carry the trace ID of the envelope that
// caused them so they can be matched against the agent's logs.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/jet-agent/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindInstanceCreated    Kind = "instance.created"
	KindInstanceDeleted    Kind = "instance.deleted"
	KindInstanceRestarted  Kind = "instance.restarted"
	KindInstanceStopped    Kind = "instance.stopped"
	KindInstanceDescribed  Kind = "instance.described"
	KindStorageCreated     Kind = "storage.created"
	KindFloatingIPAttached Kind = "network.floating_ip"
	KindError              Kind = "error"
)

// sendTimeout bounds a single notice so a slow homeserver cannot stall
// command processing.
const sendTimeout = 5 * time.Second

// Event is one audited action.
type Event struct {
	Kind Kind
	// AgentID is the host the action ran on.
	AgentID string
	// Target is the instance or volume affected.
	Target  string
	Message string
	// TraceID defaults to the one carried by the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier receives audit events. Failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client MatrixNotifier needs.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts events as notices to a Matrix room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt and posts it.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	msg := Format(ctx, evt)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := n.sender.SendNotice(ctx, n.roomID, msg); err != nil {
		slog.Warn("audit: failed to send room notice", "room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Format renders evt as a short multi-line notice.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	msg := fmt.Sprintf("%s [%s] %s", kindIcon(evt.Kind), evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s [%s] %s: %s", kindIcon(evt.Kind), evt.Kind, evt.Target, evt.Message)
	}
	if evt.AgentID != "" {
		msg += "\n  agent: " + evt.AgentID
	}
	if tid != "" {
		msg += "\n  trace: " + tid
	}
	msg += "\n  at: " + evt.Timestamp.UTC().Format(time.RFC3339)
	return msg
}

// Log writes events to the structured log only.
type Log struct{}

func (Log) Notify(ctx context.Context, evt Event) {
	level := slog.LevelInfo
	if evt.Kind == KindError {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "audit", "kind", evt.Kind, "target", evt.Target,
		"message", evt.Message, "trace_id", trace.FromContext(ctx))
}

// Noop discards events.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}

func kindIcon(k Kind) string {
	switch k {
	case KindInstanceCreated:
		return "🟢"
	case KindInstanceDeleted:
		return "🗑️"
	case KindInstanceRestarted:
		return "🔄"
	case KindInstanceStopped:
		return "⏹️"
	case KindInstanceDescribed:
		return "📝"
	case KindStorageCreated:
		return "💾"
	case KindFloatingIPAttached:
		return "🌐"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// Package dispatch is the agent's main loop: it reads command envelopes
// one at a time, runs the matching handler and, when the sender asked for
// it, publishes the result on the reply address.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/jet-agent/common/spec/envelope"
	"github.com/bdobrica/jet-agent/common/trace"
	"github.com/bdobrica/jet-agent/internal/jetagent/audit"
	"github.com/bdobrica/jet-agent/internal/jetagent/bus"
	"github.com/bdobrica/jet-agent/internal/jetagent/config"
	"github.com/bdobrica/jet-agent/internal/jetagent/metrics"
)

// ErrHandler wraps every failure returned (or panicked) by a handler.
var ErrHandler = errors.New("dispatch: handler failed")

const (
	defaultHandlerTimeout = 30 * time.Second
	replyTimeout          = 5 * time.Second
	unknownCommand        = "unknown"
)

// Handler runs one command. The result is only used when the route replies.
type Handler func(ctx context.Context, args Args) (any, error)

// Route binds a command name to its schema and handler.
type Route struct {
	Schema  Schema
	Handler Handler
	// Replies marks inspection commands whose result is sent back.
	Replies bool
	// Audit, when set, is the event kind emitted on success.
	Audit audit.Kind
}

// Source yields inbound messages in arrival order.
type Source interface {
	Next(ctx context.Context) (bus.Message, error)
}

// Publisher sends replies.
type Publisher interface {
	Publish(subject string, data []byte) error
	Flush(ctx context.Context) error
}

// Recorder receives dispatch metrics.
type Recorder interface {
	ObserveCommand(command, result string, took time.Duration)
	Malformed()
	Reply(result string)
}

// Options tunes the loop.
type Options struct {
	AgentID        string
	HandlerTimeout time.Duration
	// OnMalformed is config.OnMalformedSkip (default) or config.OnMalformedAbort.
	OnMalformed string
	// ReplyErrors sends an envelope.ErrorReply to requesters whose command failed.
	ReplyErrors bool
}

// Router dispatches envelopes to registered routes.
type Router struct {
	routes  map[string]Route
	pub     Publisher
	audit   audit.Notifier
	metrics Recorder
	opts    Options
}

// NewRouter creates an empty router. notifier and rec may be nil.
func NewRouter(pub Publisher, notifier audit.Notifier, rec Recorder, opts Options) *Router {
	if notifier == nil {
		notifier = audit.Noop{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	if opts.OnMalformed == "" {
		opts.OnMalformed = config.OnMalformedSkip
	}
	return &Router{
		routes:  make(map[string]Route),
		pub:     pub,
		audit:   notifier,
		metrics: rec,
		opts:    opts,
	}
}

// Register adds a route, replacing any route with the same command.
func (r *Router) Register(route Route) {
	r.routes[route.Schema.Command] = route
}

// Commands lists the registered command names.
func (r *Router) Commands() []string {
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	return out
}

// Run handles messages from src until ctx is done (returns nil), the
// source fails, or a malformed message arrives under the abort policy.
func (r *Router) Run(ctx context.Context, src Source) error {
	slog.Info("dispatch: loop started", "commands", len(r.routes), "on_malformed", r.opts.OnMalformed)
	for {
		msg, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("dispatch: loop stopped")
				return nil
			}
			return fmt.Errorf("dispatch: receive: %w", err)
		}
		if err := r.Handle(ctx, msg); err != nil {
			return err
		}
	}
}

// Handle processes one message. It only returns an error for a
// malformed message under the abort policy; every other failure is
// logged and contained.
func (r *Router) Handle(ctx context.Context, msg bus.Message) error {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := logger(ctx)
	delivery := envelope.DeliveryFor(msg.Reply)

	env, err := envelope.Decode(msg.Data)
	if err != nil {
		r.metrics.Malformed()
		log.Warn("dispatch: malformed message", "subject", msg.Subject, "bytes", len(msg.Data), "err", err)
		if r.opts.OnMalformed == config.OnMalformedAbort {
			return fmt.Errorf("dispatch: aborting on malformed message: %w", err)
		}
		return nil
	}

	route, ok := r.routes[env.Command]
	if !ok {
		r.metrics.ObserveCommand(unknownCommand, metrics.ResultIgnored, 0)
		log.Debug("dispatch: ignoring unknown command", "command", env.Command)
		return nil
	}

	log = log.With("command", env.Command)
	start := time.Now()
	args, result, err := r.invoke(ctx, route, env)
	took := time.Since(start)

	if err != nil {
		kind := ErrorKind(err)
		label := metrics.ResultError
		if errors.Is(err, ErrInvalidArgs) {
			label = metrics.ResultInvalidArgs
		}
		r.metrics.ObserveCommand(env.Command, label, took)
		log.Error("dispatch: command failed", "kind", kind, "took", took, "err", err)
		if route.Audit != "" {
			r.notify(ctx, audit.KindError, args, fmt.Sprintf("%s failed (%s): %v", env.Command, kind, err))
		}
		if r.opts.ReplyErrors {
			r.reply(ctx, delivery, envelope.ErrorReply{Error: envelope.ErrorBody{
				Kind:    kind,
				Command: env.Command,
				Message: err.Error(),
				TraceID: trace.FromContext(ctx),
			}})
		}
		return nil
	}

	r.metrics.ObserveCommand(env.Command, metrics.ResultOK, took)
	log.Info("dispatch: command handled", "args", args.String(), "took", took)
	if route.Audit != "" {
		r.notify(ctx, route.Audit, args, env.Command+" "+args.String())
	}
	if route.Replies {
		r.reply(ctx, delivery, result)
	}
	return nil
}

// invoke binds args and runs the handler under the handler timeout,
// turning panics into ErrHandler.
func (r *Router) invoke(ctx context.Context, route Route, env *envelope.Envelope) (args Args, result any, err error) {
	args, err = route.Schema.Bind(env.Args)
	if err != nil {
		return Args{}, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.HandlerTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("%w: %s: panic: %v", ErrHandler, env.Command, p)
		}
	}()

	result, err = route.Handler(ctx, args)
	if err != nil && !errors.Is(err, ErrInvalidArgs) {
		err = fmt.Errorf("%w: %s: %w", ErrHandler, env.Command, err)
	}
	return args, result, err
}

// reply publishes v on the reply address of a Request and waits for the
// transport to take it. Notify deliveries never publish.
func (r *Router) reply(ctx context.Context, d envelope.Delivery, v any) {
	addr, ok := envelope.ReplyAddress(d)
	if !ok {
		return
	}
	log := logger(ctx)

	data, err := envelope.EncodeResult(v)
	if err != nil {
		r.metrics.Reply(metrics.ReplyEncodeFailed)
		log.Error("dispatch: reply dropped", "kind", ErrorKind(err), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := r.pub.Publish(addr, data); err != nil {
		r.metrics.Reply(metrics.ReplyPublishFailed)
		log.Error("dispatch: reply dropped", "kind", ErrorKind(err), "err", err)
		return
	}
	if err := r.pub.Flush(ctx); err != nil {
		r.metrics.Reply(metrics.ReplyPublishFailed)
		log.Error("dispatch: reply flush failed", "kind", ErrorKind(err), "err", err)
		return
	}
	r.metrics.Reply(metrics.ReplySent)
	log.Debug("dispatch: reply sent", "bytes", len(data))
}

func (r *Router) notify(ctx context.Context, kind audit.Kind, args Args, message string) {
	r.audit.Notify(ctx, audit.Event{
		Kind:    kind,
		AgentID: r.opts.AgentID,
		Target:  args.Get("name"),
		Message: message,
		TraceID: trace.FromContext(ctx),
	})
}

func logger(ctx context.Context) *slog.Logger {
	return slog.Default().With("trace_id", trace.FromContext(ctx))
}

type nopRecorder struct{}

func (nopRecorder) ObserveCommand(string, string, time.Duration) {}
func (nopRecorder) Malformed()                                   {}
func (nopRecorder) Reply(string)                                 {}

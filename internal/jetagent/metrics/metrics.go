// Package metrics holds the Prometheus collectors of the dispatch loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jet_agent"

// Command results used as label values.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultInvalidArgs = "invalid_args"
	ResultIgnored     = "ignored"
)

// Reply results used as label values.
const (
	ReplySent          = "sent"
	ReplyEncodeFailed  = "encode_failed"
	ReplyPublishFailed = "publish_failed"
)

// Collector owns a private registry so tests can create as many as they like.
type Collector struct {
	registry  *prometheus.Registry
	commands  *prometheus.CounterVec
	malformed prometheus.Counter
	replies   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New registers the agent's collectors plus the Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command envelopes handled, by command and result.",
		}, []string{"command", "result"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound messages that could not be decoded as a command envelope.",
		}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies attempted on request reply addresses, by result.",
		}, []string{"result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent in command handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"command"}),
	}
}

// ObserveCommand records one handled command.
func (c *Collector) ObserveCommand(command, result string, took time.Duration) {
	c.commands.WithLabelValues(command, result).Inc()
	if result != ResultIgnored {
		c.duration.WithLabelValues(command).Observe(took.Seconds())
	}
}

// Malformed records one undecodable message.
func (c *Collector) Malformed() {
	c.malformed.Inc()
}

// Reply records one reply attempt.
func (c *Collector) Reply(result string) {
	c.replies.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

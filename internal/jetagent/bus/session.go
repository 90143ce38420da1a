// Package bus owns the agent's single connection to the NATS message bus.
//
// The connection is mutually authenticated over TLS with file-backed
// material. Once established, nats.go reconnects on its own; the session
// only logs the transitions.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bdobrica/jet-agent/common/redact"
)

var (
	// ErrConnection covers TLS material, handshake and reachability failures.
	ErrConnection = errors.New("bus: connection failed")
	// ErrSubscription is returned when a subscription cannot be created.
	ErrSubscription = errors.New("bus: subscription failed")
	// ErrPublish wraps publish and flush failures.
	ErrPublish = errors.New("bus: publish failed")
)

// defaultFlushTimeout bounds Flush when the caller's context has no deadline.
const defaultFlushTimeout = 5 * time.Second

// Config describes how to reach and authenticate to the bus.
type Config struct {
	// URL is one server or a comma-separated list.
	URL string
	// Name is announced to the server for monitoring.
	Name     string
	RootCA   string
	CertFile string
	KeyFile  string
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration
	// MaxReconnects < 0 reconnects forever.
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Session is a connected bus client.
type Session struct {
	conn *nats.Conn
}

// Connect dials the bus. Any failure is wrapped in ErrConnection and is
// meant to be fatal at startup.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	tlsConfig, err := loadTLS(cfg.RootCA, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	safeURL := redact.URL(cfg.URL)
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Secure(tlsConfig),
		nats.Timeout(timeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("bus: reconnected", "server", redact.URL(nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("bus: connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("bus: async error", "subject", subject, "err", err)
		}),
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, safeURL, err)
	}

	slog.Info("bus: connected", "server", redact.URL(conn.ConnectedUrl()), "name", cfg.Name)
	return &Session{conn: conn}, nil
}

// loadTLS builds a client TLS config that trusts only rootCA and presents
// the given certificate. Each file is read here so a bad path fails fast
// with a clear message instead of during the handshake.
func loadTLS(rootCA, certFile, keyFile string) (*tls.Config, error) {
	pemData, err := os.ReadFile(rootCA)
	if err != nil {
		return nil, fmt.Errorf("read root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("root certificate %s: no PEM certificates found", rootCA)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Message is one inbound delivery.
type Message struct {
	Subject string
	Data    []byte
	// Reply is the address a response must be sent to; empty when the
	// sender does not expect one.
	Reply string
}

// Inbound yields messages of one subscription in arrival order.
type Inbound struct {
	sub *nats.Subscription
}

// Subscribe starts receiving messages on subject.
func (s *Session) Subscribe(subject string) (*Inbound, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrSubscription)
	}
	if s.conn == nil || !s.conn.IsConnected() {
		return nil, fmt.Errorf("%w: session is not connected", ErrSubscription)
	}
	sub, err := s.conn.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscription, subject, err)
	}
	// A slow handler must not make the server drop us as a slow consumer.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscription, subject, err)
	}
	// Make sure the server knows about the interest before anyone is told
	// the agent is ready.
	if err := s.conn.FlushTimeout(defaultFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscription, subject, err)
	}
	slog.Info("bus: subscribed", "subject", subject)
	return &Inbound{sub: sub}, nil
}

// Next blocks until a message arrives or ctx is done.
func (in *Inbound) Next(ctx context.Context) (Message, error) {
	for {
		msg, err := in.sub.NextMsgWithContext(ctx)
		if errors.Is(err, nats.ErrSlowConsumer) {
			slog.Warn("bus: messages dropped by slow consumer", "subject", in.sub.Subject)
			continue
		}
		if err != nil {
			return Message{}, err
		}
		return Message{Subject: msg.Subject, Data: msg.Data, Reply: msg.Reply}, nil
	}
}

// Unsubscribe stops the subscription.
func (in *Inbound) Unsubscribe() error {
	return in.sub.Unsubscribe()
}

// Publish queues data on subject (a command subject or a reply address).
func (s *Session) Publish(subject string, data []byte) error {
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, subject, err)
	}
	return nil
}

// Flush waits until the server has acknowledged everything published so far.
func (s *Session) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrPublish, err)
	}
	return nil
}

// Connected reports whether the session currently has a live connection.
func (s *Session) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// ServerURL returns the redacted URL of the connected server.
func (s *Session) ServerURL() string {
	return redact.URL(s.conn.ConnectedUrl())
}

// Close drains pending messages and closes the connection.
func (s *Session) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		slog.Warn("bus: drain failed, closing", "err", err)
		s.conn.Close()
	}
}

// SubjectFor returns the per-agent command subject.
func SubjectFor(prefix, agentID string) string {
	return prefix + agentID
}

// Package app wires the agent together: it builds every subsystem from
// the configuration, runs the startup probes and then the command loop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/jet-agent/common/retry"
	"github.com/bdobrica/jet-agent/common/version"
	"github.com/bdobrica/jet-agent/internal/jetagent/audit"
	"github.com/bdobrica/jet-agent/internal/jetagent/bus"
	"github.com/bdobrica/jet-agent/internal/jetagent/config"
	"github.com/bdobrica/jet-agent/internal/jetagent/dispatch"
	"github.com/bdobrica/jet-agent/internal/jetagent/inventory"
	"github.com/bdobrica/jet-agent/internal/jetagent/lifecycle"
	"github.com/bdobrica/jet-agent/internal/jetagent/matrix"
	"github.com/bdobrica/jet-agent/internal/jetagent/metrics"
	"github.com/bdobrica/jet-agent/internal/jetagent/network"
	"github.com/bdobrica/jet-agent/internal/jetagent/runtime/docker"
	"github.com/bdobrica/jet-agent/internal/jetagent/storage"
	"github.com/bdobrica/jet-agent/internal/jetagent/store"
)

// noticeDrainTimeout bounds how long Stop waits for queued audit notices.
const noticeDrainTimeout = 5 * time.Second

// App is one running agent.
type App struct {
	cfg     *config.Config
	docker  *docker.Adapter
	store   *store.Store
	metrics *metrics.Collector
	audit   audit.Notifier
	notices *audit.Queue
	matrix  *matrix.Sender
	collab  dispatch.Collaborators
	health  *HealthServer

	// probe controls the startup runtime health check.
	probe retry.Config

	mu      sync.Mutex
	session *bus.Session
}

// New builds every component from cfg. Nothing is contacted yet apart
// from the registry database, which is opened and migrated.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	adapter, err := docker.New(docker.Options{
		Host:        cfg.Runtime.DockerHost,
		CallTimeout: cfg.Runtime.CallTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("opening registry", "path", cfg.Registry.DatabasePath)
	reg, err := store.New(ctx, cfg.Registry.DatabasePath)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	var networking network.Networking
	if cfg.FirewallEnabled() {
		fw, err := network.NewFirewall(reg)
		if err != nil {
			reg.Close()
			adapter.Close()
			return nil, fmt.Errorf("%w: firewall.enabled is set but iptables is unusable: %v", config.ErrConfig, err)
		}
		networking = fw
	} else {
		slog.Info("firewall management disabled; floating IPs are recorded only")
		networking = network.NewDisabled(reg)
	}

	a := &App{
		cfg:     cfg,
		docker:  adapter,
		store:   reg,
		metrics: metrics.New(),
		audit:   audit.Log{},
		probe: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Name:         "runtime ping",
		},
	}

	if cfg.Audit.RoomID != "" {
		sender, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Audit.MatrixHomeserver,
			UserID:      cfg.Audit.MatrixUserID,
			AccessToken: cfg.Audit.MatrixAccessToken,
		})
		if err != nil {
			reg.Close()
			adapter.Close()
			return nil, fmt.Errorf("%w: audit: %v", config.ErrConfig, err)
		}
		a.matrix = sender
		a.notices = audit.NewQueue(audit.NewMatrixNotifier(sender, cfg.Audit.RoomID), audit.DefaultQueueSize)
		a.audit = audit.Multi{audit.Log{}, a.notices}
	}

	a.collab = dispatch.Collaborators{
		Lifecycle: lifecycle.NewRuntimeGateway(adapter, reg, lifecycle.Options{
			DefaultImage: cfg.Lifecycle.DefaultImage,
			Network:      cfg.Lifecycle.Network,
		}),
		Descriptions: reg,
		Inventory: inventory.NewProjector(reg, adapter, inventory.ProcessChecker{}, inventory.Options{
			StatsConcurrency: cfg.Runtime.StatsConcurrency,
			ListStates:       cfg.ListStates(),
		}),
		Storage: storage.NewRuntimeVolumes(adapter),
		Network: networking,
		Flavors: cfg.Lifecycle.Flavors,
	}

	if cfg.HTTP.Addr != "" {
		a.health = NewHealthServer(cfg.HTTP.Addr, HealthOptions{
			AgentID:      cfg.Identity.AgentID,
			ServerUUID:   cfg.Identity.ServerUUID,
			Instances:    reg,
			BusConnected: a.busConnected,
			Metrics:      a.metrics.Handler(),
		})
	}
	return a, nil
}

// Run probes the runtime, connects to the bus, subscribes to the agent's
// subject and handles commands until ctx is cancelled. Any error returned
// before ready is called is a startup failure. ready may be nil.
func (a *App) Run(ctx context.Context, ready func()) error {
	var runtimeVersion string
	err := retry.Do(ctx, a.probe, func() error {
		v, err := a.docker.Ping(ctx)
		runtimeVersion = v
		return err
	})
	if err != nil {
		return fmt.Errorf("runtime health check: %w", err)
	}
	slog.Info("runtime reachable", "version", runtimeVersion)

	session, err := bus.Connect(ctx, bus.Config{
		URL:            a.cfg.Networking.NATSServer,
		Name:           version.UserAgent(a.cfg.Identity.AgentID),
		RootCA:         a.cfg.Security.RootCertificate,
		CertFile:       a.cfg.Security.CertificateFile,
		KeyFile:        a.cfg.Security.KeyFile,
		ReconnectWait:  a.cfg.Networking.ReconnectWait.Std(),
		MaxReconnects:  *a.cfg.Networking.MaxReconnects,
		ConnectTimeout: a.cfg.Networking.ConnectTimeout.Std(),
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	inbound, err := session.Subscribe(a.cfg.Subject())
	if err != nil {
		return err
	}
	defer inbound.Unsubscribe()

	router := dispatch.NewRouter(session, a.audit, a.metrics, dispatch.Options{
		AgentID:        a.cfg.Identity.AgentID,
		HandlerTimeout: a.cfg.Dispatch.HandlerTimeout.Std(),
		OnMalformed:    a.cfg.Dispatch.OnMalformed,
		ReplyErrors:    a.cfg.Dispatch.ReplyErrors,
	})
	dispatch.RegisterAll(router, a.collab)

	if a.matrix != nil {
		if err := a.matrix.JoinRoom(ctx, a.cfg.Audit.RoomID); err != nil {
			slog.Warn("audit room unavailable; notices may fail", "room", a.cfg.Audit.RoomID, "err", err)
		}
	}
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("jet-agent ready",
		"agent_id", a.cfg.Identity.AgentID,
		"server_uuid", a.cfg.Identity.ServerUUID,
		"subject", a.cfg.Subject(),
		"version", version.Version,
	)
	if ready != nil {
		ready()
	}
	return router.Run(ctx, inbound)
}

// Stop releases the bus session, the HTTP listener, the runtime client and
// the registry.
func (a *App) Stop() {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()
	if session != nil {
		slog.Info("closing bus session")
		session.Close()
	}
	if a.health != nil {
		a.health.Stop()
	}
	if a.notices != nil {
		ctx, cancel := context.WithTimeout(context.Background(), noticeDrainTimeout)
		if err := a.notices.Close(ctx); err != nil {
			slog.Warn("audit notices not delivered before shutdown", "err", err)
		}
		cancel()
	}
	if err := a.docker.Close(); err != nil {
		slog.Warn("closing runtime client", "err", err)
	}
	slog.Info("closing registry")
	if err := a.store.Close(); err != nil {
		slog.Warn("closing registry", "err", err)
	}
}

func (a *App) busConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil && a.session.Connected()
}

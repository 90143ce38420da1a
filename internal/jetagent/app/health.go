package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bdobrica/jet-agent/common/version"
)

// HealthServer exposes /health, /status and /metrics. It is optional; the
// agent runs without it when http.addr is empty.
type HealthServer struct {
	addr      string
	opts      HealthOptions
	startedAt time.Time
	engine    *gin.Engine
	server    *http.Server
}

// InstanceCounter is the registry query behind /status.
type InstanceCounter interface {
	InstanceCount(ctx context.Context) (int, error)
}

// HealthOptions describes what /status reports.
type HealthOptions struct {
	AgentID    string
	ServerUUID string
	Instances  InstanceCounter
	// BusConnected reports the bus session state; nil means not connected yet.
	BusConnected func() bool
	Metrics      http.Handler
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	AgentID       string    `json:"agent_id"`
	ServerUUID    string    `json:"server_uuid"`
	BusConnected  bool      `json:"bus_connected"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSecs    float64   `json:"uptime_seconds"`
	InstanceCount int       `json:"instance_count"`
}

// NewHealthServer configures the routes. It does not listen.
func NewHealthServer(addr string, opts HealthOptions) *HealthServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	hs := &HealthServer{addr: addr, opts: opts, startedAt: time.Now(), engine: engine}
	engine.GET("/health", hs.handleHealth)
	engine.GET("/status", hs.handleStatus)
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return hs
}

// ServeHTTP lets tests drive the routes without a listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

// Start listens in the background. It returns once the port is open.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}
	h.server = &http.Server{
		Handler:      h.engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return nil
}

// Stop shuts the listener down.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

// handleStatus answers 503 while the bus session is down.
func (h *HealthServer) handleStatus(c *gin.Context) {
	count := 0
	if h.opts.Instances != nil {
		if n, err := h.opts.Instances.InstanceCount(c.Request.Context()); err == nil {
			count = n
		} else {
			slog.Warn("health: instance count failed", "err", err)
		}
	}
	connected := h.opts.BusConnected != nil && h.opts.BusConnected()

	resp := statusResponse{
		Status:        "ok",
		Version:       version.Version,
		Commit:        version.GitCommit,
		BuildTime:     version.BuildTime,
		AgentID:       h.opts.AgentID,
		ServerUUID:    h.opts.ServerUUID,
		BusConnected:  connected,
		StartedAt:     h.startedAt,
		UptimeSecs:    time.Since(h.startedAt).Seconds(),
		InstanceCount: count,
	}
	code := http.StatusOK
	if !connected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"took", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

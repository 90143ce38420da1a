// Package config loads the agent's startup configuration.
//
// The document is read once at startup and never reloaded. Its format is
// picked from the file extension: .json (the default, e.g.
// /etc/jet-agent/agent.json), .yaml/.yml, or .toml.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/jet-agent/common/environment"
	"github.com/bdobrica/jet-agent/internal/jetagent/flavor"
	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
)

// DefaultPath is where the agent looks for its configuration.
const DefaultPath = "/etc/jet-agent/agent.json"

// ErrConfig wraps every load or validation failure. It is fatal at startup.
var ErrConfig = errors.New("config error")

// Malformed-message policies.
const (
	OnMalformedSkip  = "skip"
	OnMalformedAbort = "abort"
)

// Duration is a time.Duration written as a string ("10s") in every format.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole agent configuration.
type Config struct {
	Identity   Identity   `json:"identity" yaml:"identity" toml:"identity"`
	Networking Networking `json:"networking" yaml:"networking" toml:"networking"`
	Security   Security   `json:"security" yaml:"security" toml:"security"`
	Runtime    Runtime    `json:"runtime" yaml:"runtime" toml:"runtime"`
	Registry   Registry   `json:"registry" yaml:"registry" toml:"registry"`
	Lifecycle  Lifecycle  `json:"lifecycle" yaml:"lifecycle" toml:"lifecycle"`
	Dispatch   Dispatch   `json:"dispatch" yaml:"dispatch" toml:"dispatch"`
	Firewall   Firewall   `json:"firewall" yaml:"firewall" toml:"firewall"`
	Audit      Audit      `json:"audit" yaml:"audit" toml:"audit"`
	HTTP       HTTP       `json:"http" yaml:"http" toml:"http"`
	Log        Log        `json:"log" yaml:"log" toml:"log"`
}

// Identity names this host to the control plane.
type Identity struct {
	AgentID    string `json:"agent_id" yaml:"agent_id" toml:"agent_id"`
	ServerUUID string `json:"server_uuid" yaml:"server_uuid" toml:"server_uuid"`
}

// Networking configures the message-bus session.
type Networking struct {
	NATSServer     string   `json:"nats_server" yaml:"nats_server" toml:"nats_server"`
	SubjectPrefix  string   `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"`
	ReconnectWait  Duration `json:"reconnect_wait" yaml:"reconnect_wait" toml:"reconnect_wait"`
	MaxReconnects  *int     `json:"max_reconnects" yaml:"max_reconnects" toml:"max_reconnects"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
}

// Security holds the file-backed TLS material.
type Security struct {
	RootCertificate string `json:"root_certificate" yaml:"root_certificate" toml:"root_certificate"`
	CertificateFile string `json:"certificate_file" yaml:"certificate_file" toml:"certificate_file"`
	KeyFile         string `json:"key_file" yaml:"key_file" toml:"key_file"`
}

// Runtime configures the container runtime adapter.
type Runtime struct {
	// DockerHost overrides DOCKER_HOST (e.g. "unix:///run/docker.sock").
	DockerHost       string   `json:"docker_host" yaml:"docker_host" toml:"docker_host"`
	CallTimeout      Duration `json:"call_timeout" yaml:"call_timeout" toml:"call_timeout"`
	StatsConcurrency int      `json:"stats_concurrency" yaml:"stats_concurrency" toml:"stats_concurrency"`
	// ListStates restricts list-containers; empty means every state.
	ListStates []string `json:"list_states" yaml:"list_states" toml:"list_states"`
}

// Registry locates the instance registry database.
type Registry struct {
	DatabasePath string `json:"database_path" yaml:"database_path" toml:"database_path"`
}

// Lifecycle configures the runtime-backed lifecycle gateway.
type Lifecycle struct {
	DefaultImage string                   `json:"default_image" yaml:"default_image" toml:"default_image"`
	Network      string                   `json:"network" yaml:"network" toml:"network"`
	Flavors      map[string]flavor.Flavor `json:"flavors" yaml:"flavors" toml:"flavors"`
}

// Dispatch tunes the command loop.
type Dispatch struct {
	HandlerTimeout Duration `json:"handler_timeout" yaml:"handler_timeout" toml:"handler_timeout"`
	OnMalformed    string   `json:"on_malformed" yaml:"on_malformed" toml:"on_malformed"`
	ReplyErrors    bool     `json:"reply_errors" yaml:"reply_errors" toml:"reply_errors"`
}

// Firewall toggles floating-IP rule management.
type Firewall struct {
	Enabled *bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// Audit configures the optional Matrix audit room.
type Audit struct {
	MatrixHomeserver  string `json:"matrix_homeserver" yaml:"matrix_homeserver" toml:"matrix_homeserver"`
	MatrixUserID      string `json:"matrix_user_id" yaml:"matrix_user_id" toml:"matrix_user_id"`
	MatrixAccessToken string `json:"matrix_access_token" yaml:"matrix_access_token" toml:"matrix_access_token"`
	RoomID            string `json:"room_id" yaml:"room_id" toml:"room_id"`
}

// HTTP configures the health/metrics listener. Empty Addr disables it.
type HTTP struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

// Log configures slog.
type Log struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Load reads, decodes, applies defaults and environment overrides, and
// validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".json", ".yaml", ".yml",
// ".toml"; empty means JSON) and returns a validated Config.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(ext) {
	case "", ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrConfig, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfig, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Networking.SubjectPrefix == "" {
		c.Networking.SubjectPrefix = "dockerd-"
	}
	if c.Networking.ReconnectWait == 0 {
		c.Networking.ReconnectWait = Duration(2 * time.Second)
	}
	if c.Networking.MaxReconnects == nil {
		forever := -1
		c.Networking.MaxReconnects = &forever
	}
	if c.Networking.ConnectTimeout == 0 {
		c.Networking.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.Runtime.CallTimeout == 0 {
		c.Runtime.CallTimeout = Duration(10 * time.Second)
	}
	if c.Runtime.StatsConcurrency <= 0 {
		c.Runtime.StatsConcurrency = 8
	}
	if c.Registry.DatabasePath == "" {
		c.Registry.DatabasePath = "/var/lib/jet-agent/registry.db"
	}
	if c.Lifecycle.Network == "" {
		c.Lifecycle.Network = "bridge"
	}
	if c.Dispatch.HandlerTimeout == 0 {
		c.Dispatch.HandlerTimeout = Duration(30 * time.Second)
	}
	if c.Dispatch.OnMalformed == "" {
		c.Dispatch.OnMalformed = OnMalformedSkip
	}
	if c.Firewall.Enabled == nil {
		on := true
		c.Firewall.Enabled = &on
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) applyEnv() {
	c.Networking.NATSServer = environment.StringOr("JET_AGENT_NATS_SERVER", c.Networking.NATSServer)
	c.Log.Level = environment.StringOr("JET_AGENT_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("JET_AGENT_LOG_FORMAT", c.Log.Format)
	c.HTTP.Addr = environment.StringOr("JET_AGENT_HTTP_ADDR", c.HTTP.Addr)
	c.Dispatch.HandlerTimeout = Duration(environment.DurationOr("JET_AGENT_HANDLER_TIMEOUT", c.Dispatch.HandlerTimeout.Std()))
	c.Dispatch.ReplyErrors = environment.BoolOr("JET_AGENT_REPLY_ERRORS", c.Dispatch.ReplyErrors)
	c.Runtime.StatsConcurrency = environment.IntOr("JET_AGENT_STATS_CONCURRENCY", c.Runtime.StatsConcurrency)
}

// Validate checks required fields and enumerations. It returns the first
// problem found, wrapped in ErrConfig.
func (c *Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"identity.agent_id", c.Identity.AgentID},
		{"identity.server_uuid", c.Identity.ServerUUID},
		{"networking.nats_server", c.Networking.NATSServer},
		{"security.root_certificate", c.Security.RootCertificate},
		{"security.certificate_file", c.Security.CertificateFile},
		{"security.key_file", c.Security.KeyFile},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrConfig, r.field)
		}
	}

	if strings.ContainsAny(c.Identity.AgentID, " \t*>.") {
		return fmt.Errorf("%w: identity.agent_id %q must not contain spaces, dots or wildcards", ErrConfig, c.Identity.AgentID)
	}

	switch c.Dispatch.OnMalformed {
	case OnMalformedSkip, OnMalformedAbort:
	default:
		return fmt.Errorf("%w: dispatch.on_malformed must be %q or %q, got %q",
			ErrConfig, OnMalformedSkip, OnMalformedAbort, c.Dispatch.OnMalformed)
	}

	for _, st := range c.Runtime.ListStates {
		if runtime.ParseState(st) == runtime.StateUnknown {
			return fmt.Errorf("%w: runtime.list_states: unknown state %q", ErrConfig, st)
		}
	}

	for name, f := range c.Lifecycle.Flavors {
		if f.VCPUs <= 0 || f.MemoryMiB <= 0 {
			return fmt.Errorf("%w: lifecycle.flavors.%s needs positive vcpus and memory_mib", ErrConfig, name)
		}
	}

	audit := c.Audit
	if audit.RoomID != "" && (audit.MatrixHomeserver == "" || audit.MatrixUserID == "" || audit.MatrixAccessToken == "") {
		return fmt.Errorf("%w: audit.room_id requires matrix_homeserver, matrix_user_id and matrix_access_token", ErrConfig)
	}
	return nil
}

// Subject returns the per-agent command subject.
func (c *Config) Subject() string {
	return c.Networking.SubjectPrefix + c.Identity.AgentID
}

// ListStates returns runtime.list_states as runtime states.
func (c *Config) ListStates() []runtime.State {
	if len(c.Runtime.ListStates) == 0 {
		return nil
	}
	out := make([]runtime.State, 0, len(c.Runtime.ListStates))
	for _, st := range c.Runtime.ListStates {
		out = append(out, runtime.ParseState(st))
	}
	return out
}

// FirewallEnabled reports whether floating-IP rules are managed.
func (c *Config) FirewallEnabled() bool {
	return c.Firewall.Enabled == nil || *c.Firewall.Enabled
}

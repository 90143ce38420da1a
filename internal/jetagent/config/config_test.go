package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/jet-agent/internal/jetagent/config"
	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
)

const minimalJSON = `{
	"identity": {"agent_id": "host-17", "server_uuid": "0f1e2d3c-0000-4000-8000-000000000017"},
	"networking": {"nats_server": "tls://bus.example.com:4222"},
	"security": {
		"root_certificate": "/etc/jet-agent/ca.pem",
		"certificate_file": "/etc/jet-agent/agent.pem",
		"key_file": "/etc/jet-agent/agent.key"
	}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_JSONDefaults(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "agent.json", minimalJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Identity.AgentID != "host-17" {
		t.Errorf("AgentID: got %q", cfg.Identity.AgentID)
	}
	if got := cfg.Subject(); got != "dockerd-host-17" {
		t.Errorf("Subject: got %q, want dockerd-host-17", got)
	}
	if cfg.Dispatch.OnMalformed != config.OnMalformedSkip {
		t.Errorf("OnMalformed default: got %q", cfg.Dispatch.OnMalformed)
	}
	if cfg.Dispatch.HandlerTimeout.Std() != 30*time.Second {
		t.Errorf("HandlerTimeout default: got %v", cfg.Dispatch.HandlerTimeout.Std())
	}
	if cfg.Runtime.CallTimeout.Std() != 10*time.Second {
		t.Errorf("CallTimeout default: got %v", cfg.Runtime.CallTimeout.Std())
	}
	if *cfg.Networking.MaxReconnects != -1 {
		t.Errorf("MaxReconnects default: got %d", *cfg.Networking.MaxReconnects)
	}
	if !cfg.FirewallEnabled() {
		t.Error("firewall should default to enabled")
	}
	if cfg.Registry.DatabasePath == "" {
		t.Error("registry path should have a default")
	}
}

func TestLoad_YAML(t *testing.T) {
	doc := `
identity:
  agent_id: host-18
  server_uuid: srv-18
networking:
  nats_server: tls://bus:4222
  subject_prefix: jet.cmd.
  reconnect_wait: 750ms
security:
  root_certificate: /ca.pem
  certificate_file: /agent.pem
  key_file: /agent.key
dispatch:
  handler_timeout: 1m
  on_malformed: abort
  reply_errors: true
lifecycle:
  flavors:
    small: {vcpus: 1, memory_mib: 512}
firewall:
  enabled: false
`
	cfg, err := config.Load(writeFile(t, "agent.yaml", doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Subject() != "jet.cmd.host-18" {
		t.Errorf("Subject: got %q", cfg.Subject())
	}
	if cfg.Networking.ReconnectWait.Std() != 750*time.Millisecond {
		t.Errorf("ReconnectWait: got %v", cfg.Networking.ReconnectWait.Std())
	}
	if cfg.Dispatch.HandlerTimeout.Std() != time.Minute {
		t.Errorf("HandlerTimeout: got %v", cfg.Dispatch.HandlerTimeout.Std())
	}
	if cfg.Dispatch.OnMalformed != config.OnMalformedAbort || !cfg.Dispatch.ReplyErrors {
		t.Errorf("Dispatch: got %+v", cfg.Dispatch)
	}
	if f := cfg.Lifecycle.Flavors["small"]; f.VCPUs != 1 || f.MemoryMiB != 512 {
		t.Errorf("flavor small: got %+v", f)
	}
	if cfg.FirewallEnabled() {
		t.Error("firewall.enabled=false was ignored")
	}
}

func TestLoad_TOML(t *testing.T) {
	doc := `
[identity]
agent_id = "host-19"
server_uuid = "srv-19"

[networking]
nats_server = "tls://bus:4222"
connect_timeout = "3s"

[security]
root_certificate = "/ca.pem"
certificate_file = "/agent.pem"
key_file = "/agent.key"

[runtime]
stats_concurrency = 4
list_states = ["running", "paused"]
`
	cfg, err := config.Load(writeFile(t, "agent.toml", doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Networking.ConnectTimeout.Std() != 3*time.Second {
		t.Errorf("ConnectTimeout: got %v", cfg.Networking.ConnectTimeout.Std())
	}
	if cfg.Runtime.StatsConcurrency != 4 {
		t.Errorf("StatsConcurrency: got %d", cfg.Runtime.StatsConcurrency)
	}
	if got := cfg.ListStates(); len(got) != 2 || got[0] != runtime.StateRunning || got[1] != runtime.StatePaused {
		t.Errorf("ListStates: got %v", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name    string
		doc     string
		ext     string
		wantMsg string
	}{
		{"malformed json", `{"identity":`, ".json", "decode"},
		{"unsupported ext", minimalJSON, ".ini", "unsupported"},
		{"missing agent id", strings.Replace(minimalJSON, `"host-17"`, `""`, 1), ".json", "identity.agent_id"},
		{"wildcard agent id", strings.Replace(minimalJSON, `"host-17"`, `"host.*"`, 1), ".json", "wildcards"},
		{"missing key file", strings.Replace(minimalJSON, `"/etc/jet-agent/agent.key"`, `""`, 1), ".json", "security.key_file"},
		{"bad duration", strings.Replace(minimalJSON, `"networking": {`, `"networking": {"reconnect_wait": "often", `, 1), ".json", "decode"},
		{"bad malformed policy", strings.Replace(minimalJSON, `"networking"`, `"dispatch": {"on_malformed": "panic"}, "networking"`, 1), ".json", "on_malformed"},
		{"bad flavor", strings.Replace(minimalJSON, `"networking"`, `"lifecycle": {"flavors": {"zero": {"vcpus": 0, "memory_mib": 128}}}, "networking"`, 1), ".json", "flavors.zero"},
		{"bad list state", strings.Replace(minimalJSON, `"networking"`, `"runtime": {"list_states": ["sleeping"]}, "networking"`, 1), ".json", "list_states"},
		{"partial audit", strings.Replace(minimalJSON, `"networking"`, `"audit": {"room_id": "!ops:example.com"}, "networking"`, 1), ".json", "audit.room_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.doc), tc.ext)
			if !errors.Is(err, config.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("JET_AGENT_NATS_SERVER", "tls://override:4222")
	t.Setenv("JET_AGENT_LOG_LEVEL", "debug")
	t.Setenv("JET_AGENT_REPLY_ERRORS", "true")

	cfg, err := config.Parse([]byte(minimalJSON), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Networking.NATSServer != "tls://override:4222" {
		t.Errorf("NATSServer: got %q", cfg.Networking.NATSServer)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if !cfg.Dispatch.ReplyErrors {
		t.Error("ReplyErrors override ignored")
	}
}

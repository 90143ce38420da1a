// Package runtime defines the runtime-neutral view of containers that the
// agent inspects and manages.
package runtime

import (
	"errors"
	"strings"
	"time"
)

// ErrUnavailable is returned when the runtime control socket cannot be reached.
var ErrUnavailable = errors.New("runtime: unavailable")

// ErrNotFound is returned when a container or volume does not exist.
var ErrNotFound = errors.New("runtime: not found")

// State mirrors the container lifecycle states reported by the runtime.
type State string

const (
	StateCreated    State = "created"
	StateRestarting State = "restarting"
	StateRunning    State = "running"
	StateRemoving   State = "removing"
	StatePaused     State = "paused"
	StateExited     State = "exited"
	StateDead       State = "dead"
	StateUnknown    State = "unknown"
)

// AllStates is every state the runtime can filter on.
var AllStates = []State{
	StateCreated, StateRestarting, StateRunning, StateRemoving,
	StatePaused, StateExited, StateDead,
}

// ParseState maps a runtime state string onto State.
func ParseState(s string) State {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case StateCreated, StateRestarting, StateRunning, StateRemoving,
		StatePaused, StateExited, StateDead:
		return st
	default:
		return StateUnknown
	}
}

// Port is one published or exposed container port.
type Port struct {
	IP          string `json:"ip,omitempty"`
	PrivatePort uint16 `json:"private_port"`
	PublicPort  uint16 `json:"public_port,omitempty"`
	Type        string `json:"type"`
}

// Mount is one filesystem mount inside a container.
type Mount struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Mode        string `json:"mode,omitempty"`
	RW          bool   `json:"rw"`
}

// Endpoint is a container's attachment to one network.
type Endpoint struct {
	NetworkID  string `json:"network_id"`
	IPAddress  string `json:"ip_address,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
	MacAddress string `json:"mac_address,omitempty"`
}

// ContainerSummary is one row of a container listing (a Container Runtime
// Summary). It is produced fresh on every query.
type ContainerSummary struct {
	ID              string              `json:"id"`
	Names           []string            `json:"names"`
	Image           string              `json:"image"`
	ImageID         string              `json:"image_id"`
	Command         string              `json:"command"`
	Created         time.Time           `json:"created"`
	Ports           []Port              `json:"ports"`
	SizeRw          int64               `json:"size_rw"`
	SizeRootFs      int64               `json:"size_root_fs"`
	Labels          map[string]string   `json:"labels"`
	State           State               `json:"state"`
	Status          string              `json:"status"`
	NetworkMode     string              `json:"network_mode,omitempty"`
	NetworkSettings map[string]Endpoint `json:"network_settings"`
	Mounts          []Mount             `json:"mounts"`
	Stats           *StatsSnapshot      `json:"stats,omitempty"`
}

// StatsSnapshot is one reading of a container's resource usage.
type StatsSnapshot struct {
	ContainerID   string    `json:"container_id"`
	Name          string    `json:"name"`
	Read          time.Time `json:"read"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsage   uint64    `json:"memory_usage"`
	MemoryLimit   uint64    `json:"memory_limit"`
	MemoryPercent float64   `json:"memory_percent"`
	NetworkRx     uint64    `json:"network_rx"`
	NetworkTx     uint64    `json:"network_tx"`
	BlockRead     uint64    `json:"block_read"`
	BlockWrite    uint64    `json:"block_write"`
	PIDs          uint64    `json:"pids"`
}

// InstanceInfo is what the runtime knows about a single container.
type InstanceInfo struct {
	ContainerID string
	Name        string
	State       State
	PID         int
	IPAddress   string
	Gateway     string
	// RootFS is the container's merged root directory when the storage
	// driver exposes one.
	RootFS    string
	StartedAt time.Time
}

// Resources caps a container's CPU and memory.
type Resources struct {
	VCPUs     int
	MemoryMiB int
}

// Spec describes a container to create.
type Spec struct {
	Name      string
	Image     string
	Network   string
	Resources Resources
	Labels    map[string]string
}

// Volume is one runtime-managed volume.
type Volume struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint"`
	Labels     map[string]string `json:"labels"`
	Options    map[string]string `json:"options,omitempty"`
	CreatedAt  string            `json:"created_at,omitempty"`
}

// VolumeSpec describes a volume to create.
type VolumeSpec struct {
	Name    string
	Driver  string
	Labels  map[string]string
	Options map[string]string
}

// Labels the agent puts on everything it creates.
const (
	LabelManagedBy = "jet-agent.managed-by"
	LabelInstance  = "jet-agent.instance"
	LabelSize      = "jet-agent.size"
	ManagedByValue = "jet-agent"
)

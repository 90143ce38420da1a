// Package inventory builds the read models sent back to the controller:
// instance summaries from the registry and container summaries from the
// runtime, each enriched with a live resource reading.
package inventory

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
	"github.com/bdobrica/jet-agent/internal/jetagent/store"
)

const defaultConcurrency = 8

// Summary is the Instance Summary sent for "instance" and "list".
type Summary struct {
	Name        string                 `json:"name"`
	PID         int                    `json:"pid"`
	APISocket   string                 `json:"api_socket"`
	JailPath    string                 `json:"jail_path"`
	ContainerID string                 `json:"container_id"`
	IPAddress   string                 `json:"ip_address"`
	Gateway     string                 `json:"gateway"`
	TapDevice   string                 `json:"tap_device"`
	VCPUCount   int                    `json:"vcpu_count"`
	MemSizeMiB  int                    `json:"mem_size_mib"`
	Description string                 `json:"description"`
	FloatingIP  string                 `json:"floating_ip,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	FCStatus    bool                   `json:"fc_status"`
	Stats       *runtime.StatsSnapshot `json:"stats,omitempty"`
}

// Registry is the read side of the instance store.
type Registry interface {
	GetInstance(ctx context.Context, name string) (*store.Instance, error)
	ListInstances(ctx context.Context) ([]*store.Instance, error)
}

// PIDChecker reports whether a process currently exists on the host.
type PIDChecker interface {
	Alive(ctx context.Context, pid int) bool
}

// ProcessChecker asks the host process table.
type ProcessChecker struct{}

// Alive is false for non-positive pids.
func (ProcessChecker) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// Runtime is the inspection side of the container runtime.
type Runtime interface {
	ListContainers(ctx context.Context, states []runtime.State) ([]runtime.ContainerSummary, error)
	Stats(ctx context.Context, id string) iter.Seq2[runtime.StatsSnapshot, error]
}

// Options tunes a Projector.
type Options struct {
	// StatsConcurrency bounds parallel stats queries.
	StatsConcurrency int
	// ListStates restricts ListContainers; empty means every state.
	ListStates []runtime.State
}

// Projector turns registry and runtime data into reply payloads.
type Projector struct {
	reg   Registry
	rt    Runtime
	pids  PIDChecker
	limit int
	// states is the container enumeration policy.
	states []runtime.State
}

// NewProjector wires a projector. rt may be nil, in which case no stats
// are attached and Containers returns nothing.
func NewProjector(reg Registry, rt Runtime, pids PIDChecker, opts Options) *Projector {
	limit := opts.StatsConcurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	if pids == nil {
		pids = ProcessChecker{}
	}
	return &Projector{reg: reg, rt: rt, pids: pids, limit: limit, states: opts.ListStates}
}

// Get returns the summary of one instance.
func (p *Projector) Get(ctx context.Context, name string) (Summary, error) {
	in, err := p.reg.GetInstance(ctx, name)
	if err != nil {
		return Summary{}, err
	}
	return p.project(ctx, in), nil
}

// List returns a summary per registered instance in registry order.
// Liveness and stats are gathered concurrently; each result is stored at
// its instance's index.
func (p *Projector) List(ctx context.Context) ([]Summary, error) {
	instances, err := p.reg.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, len(instances))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, in := range instances {
		g.Go(func() error {
			out[i] = p.project(ctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (p *Projector) project(ctx context.Context, in *store.Instance) Summary {
	s := Summary{
		Name:        in.Name,
		PID:         in.PID,
		APISocket:   in.APISocket,
		JailPath:    in.JailPath,
		ContainerID: in.ContainerID,
		IPAddress:   in.IPAddress,
		Gateway:     in.Gateway,
		TapDevice:   in.TapDevice,
		VCPUCount:   in.VCPUCount,
		MemSizeMiB:  in.MemSizeMiB,
		Description: in.Description,
		FloatingIP:  in.FloatingIP,
		CreatedAt:   in.CreatedAt,
		FCStatus:    p.pids.Alive(ctx, in.PID),
	}
	if s.FCStatus && in.ContainerID != "" {
		s.Stats = p.stats(ctx, in.ContainerID)
	}
	return s
}

func (p *Projector) stats(ctx context.Context, id string) *runtime.StatsSnapshot {
	if p.rt == nil {
		return nil
	}
	snap, err := runtime.FirstStats(p.rt.Stats(ctx, id))
	if err != nil {
		slog.Warn("inventory: stats unavailable", "container_id", id, "err", err)
		return nil
	}
	return &snap
}

// Containers lists runtime containers in the configured states, each with
// one stats reading. An unreachable runtime yields an empty list.
func (p *Projector) Containers(ctx context.Context) ([]runtime.ContainerSummary, error) {
	if p.rt == nil {
		return []runtime.ContainerSummary{}, nil
	}
	list, err := p.rt.ListContainers(ctx, p.states)
	if errors.Is(err, runtime.ErrUnavailable) {
		slog.Warn("inventory: runtime unavailable, returning empty container list", "err", err)
		return []runtime.ContainerSummary{}, nil
	}
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(p.limit)
	for i := range list {
		if list[i].State != runtime.StateRunning {
			continue
		}
		g.Go(func() error {
			list[i].Stats = p.stats(ctx, list[i].ID)
			return nil
		})
	}
	_ = g.Wait()
	if list == nil {
		list = []runtime.ContainerSummary{}
	}
	return list, nil
}

// Package lifecycle creates, restarts, stops and deletes managed instances.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdobrica/jet-agent/internal/jetagent/flavor"
	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
	"github.com/bdobrica/jet-agent/internal/jetagent/store"
)

var (
	// ErrExists is returned when creating an instance whose name is taken.
	ErrExists = errors.New("lifecycle: instance already exists")
	// ErrNoImage is returned when neither the command nor the config names an image.
	ErrNoImage = errors.New("lifecycle: no image given and no default image configured")
)

// Gateway is the lifecycle contract the dispatcher calls.
type Gateway interface {
	Create(ctx context.Context, name string, f flavor.Flavor, extra string) error
	// Delete reports whether the instance existed.
	Delete(ctx context.Context, name string) (bool, error)
	Restart(ctx context.Context, name string, f flavor.Flavor) error
	Stop(ctx context.Context, name string) error
}

// Registry is the part of the store the gateway writes to.
type Registry interface {
	GetInstance(ctx context.Context, name string) (*store.Instance, error)
	PutInstance(ctx context.Context, in *store.Instance) error
	DeleteInstance(ctx context.Context, name string) (bool, error)
	UpdatePID(ctx context.Context, name string, pid int) error
	UpdateResources(ctx context.Context, name string, vcpus, memMiB int) error
}

// Options holds defaults applied to every created instance.
type Options struct {
	DefaultImage string
	Network      string
}

// RuntimeGateway runs instances as runtime containers and records them in
// the registry.
type RuntimeGateway struct {
	rt   runtime.Runtime
	reg  Registry
	opts Options
}

var _ Gateway = (*RuntimeGateway)(nil)

// NewRuntimeGateway creates a gateway over rt and reg.
func NewRuntimeGateway(rt runtime.Runtime, reg Registry, opts Options) *RuntimeGateway {
	return &RuntimeGateway{rt: rt, reg: reg, opts: opts}
}

// Create starts a new container called name, sized by f. extra is the
// image reference; empty falls back to the configured default.
func (g *RuntimeGateway) Create(ctx context.Context, name string, f flavor.Flavor, extra string) error {
	if _, err := g.reg.GetInstance(ctx, name); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	image := extra
	if image == "" {
		image = g.opts.DefaultImage
	}
	if image == "" {
		return ErrNoImage
	}

	id, err := g.rt.Create(ctx, runtime.Spec{
		Name:      name,
		Image:     image,
		Network:   g.opts.Network,
		Resources: runtime.Resources{VCPUs: f.VCPUs, MemoryMiB: f.MemoryMiB},
	})
	if err != nil {
		return err
	}
	if err := g.start(ctx, name, id, f); err != nil {
		if rmErr := g.rt.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			slog.Warn("lifecycle: cleanup after failed create", "instance", name, "container_id", id, "err", rmErr)
		}
		return err
	}
	slog.Info("lifecycle: created", "instance", name, "container_id", id, "image", image, "flavor", f.String())
	return nil
}

// start runs a freshly created container and registers it. The caller
// removes the container when this fails.
func (g *RuntimeGateway) start(ctx context.Context, name, id string, f flavor.Flavor) error {
	if err := g.rt.Start(ctx, id); err != nil {
		return err
	}
	info, err := g.rt.Inspect(ctx, id)
	if err != nil {
		return err
	}
	return g.reg.PutInstance(ctx, &store.Instance{
		Name:        name,
		PID:         info.PID,
		JailPath:    info.RootFS,
		ContainerID: id,
		IPAddress:   info.IPAddress,
		Gateway:     info.Gateway,
		VCPUCount:   f.VCPUs,
		MemSizeMiB:  f.MemoryMiB,
	})
}

// Delete removes the container and the registry record.
func (g *RuntimeGateway) Delete(ctx context.Context, name string) (bool, error) {
	in, err := g.reg.GetInstance(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if in.ContainerID != "" {
		if err := g.rt.Remove(ctx, in.ContainerID); err != nil {
			return false, err
		}
	}
	if _, err := g.reg.DeleteInstance(ctx, name); err != nil {
		return false, err
	}
	slog.Info("lifecycle: deleted", "instance", name, "container_id", in.ContainerID)
	return true, nil
}

// Restart resizes the instance to f and restarts it.
func (g *RuntimeGateway) Restart(ctx context.Context, name string, f flavor.Flavor) error {
	in, err := g.reg.GetInstance(ctx, name)
	if err != nil {
		return err
	}
	res := runtime.Resources{VCPUs: f.VCPUs, MemoryMiB: f.MemoryMiB}
	if err := g.rt.Restart(ctx, in.ContainerID, res); err != nil {
		return err
	}
	if err := g.reg.UpdateResources(ctx, name, f.VCPUs, f.MemoryMiB); err != nil {
		return err
	}
	info, err := g.rt.Inspect(ctx, in.ContainerID)
	if err != nil {
		return err
	}
	return g.reg.UpdatePID(ctx, name, info.PID)
}

// Stop stops the instance and records that it has no process.
func (g *RuntimeGateway) Stop(ctx context.Context, name string) error {
	in, err := g.reg.GetInstance(ctx, name)
	if err != nil {
		return err
	}
	if err := g.rt.Stop(ctx, in.ContainerID); err != nil {
		return err
	}
	return g.reg.UpdatePID(ctx, name, 0)
}

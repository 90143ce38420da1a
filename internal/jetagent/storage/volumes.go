// Package storage manages persistent volumes for instances.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
)

// ErrInvalidSize is returned for a size that is not a positive amount.
var ErrInvalidSize = errors.New("storage: invalid size")

// DefaultDriver backs volumes when the command gives no spec.
const DefaultDriver = "local"

// VolumeRecord is one entry of a list-storage reply.
type VolumeRecord struct {
	Name       string `json:"name"`
	Driver     string `json:"driver"`
	Size       string `json:"size"`
	Mountpoint string `json:"mountpoint"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Volumes is the storage contract the dispatcher calls.
type Volumes interface {
	CreateVolume(ctx context.Context, name, spec, size string) error
	ListVolumes(ctx context.Context) ([]VolumeRecord, error)
}

// VolumeRuntime is the slice of runtime.Runtime storage needs.
type VolumeRuntime interface {
	CreateVolume(ctx context.Context, spec runtime.VolumeSpec) (runtime.Volume, error)
	ListVolumes(ctx context.Context, labels map[string]string) ([]runtime.Volume, error)
}

// RuntimeVolumes keeps volumes in the container runtime.
type RuntimeVolumes struct {
	rt VolumeRuntime
}

var _ Volumes = (*RuntimeVolumes)(nil)

// NewRuntimeVolumes returns a Volumes backed by rt.
func NewRuntimeVolumes(rt VolumeRuntime) *RuntimeVolumes {
	return &RuntimeVolumes{rt: rt}
}

var managed = map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue}

// CreateVolume creates a volume. spec names the driver (empty means
// local). size is always kept as a label and is also handed to
// non-local drivers as the "size" option.
func (v *RuntimeVolumes) CreateVolume(ctx context.Context, name, spec, size string) error {
	size = strings.TrimSpace(size)
	if !validSize(size) {
		return fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	driver := strings.TrimSpace(spec)
	if driver == "" {
		driver = DefaultDriver
	}

	labels := map[string]string{
		runtime.LabelManagedBy: runtime.ManagedByValue,
		runtime.LabelSize:      size,
	}
	var opts map[string]string
	if driver != DefaultDriver {
		opts = map[string]string{"size": size}
	}

	vol, err := v.rt.CreateVolume(ctx, runtime.VolumeSpec{
		Name:    name,
		Driver:  driver,
		Labels:  labels,
		Options: opts,
	})
	if err != nil {
		return err
	}
	slog.Info("storage: volume created", "name", vol.Name, "driver", vol.Driver, "size", size)
	return nil
}

// ListVolumes returns the volumes this agent created.
func (v *RuntimeVolumes) ListVolumes(ctx context.Context) ([]VolumeRecord, error) {
	vols, err := v.rt.ListVolumes(ctx, managed)
	if err != nil {
		return nil, err
	}
	out := make([]VolumeRecord, 0, len(vols))
	for _, vol := range vols {
		out = append(out, VolumeRecord{
			Name:       vol.Name,
			Driver:     vol.Driver,
			Size:       vol.Labels[runtime.LabelSize],
			Mountpoint: vol.Mountpoint,
			CreatedAt:  vol.CreatedAt,
		})
	}
	return out, nil
}

// validSize accepts a positive integer with an optional unit suffix
// (k, m, g, t, optionally followed by "b" or "ib"), e.g. "10G" or "512MiB".
func validSize(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || strings.Trim(s[:i], "0") == "" {
		return false
	}
	switch strings.ToLower(s[i:]) {
	case "", "b", "k", "kb", "kib", "m", "mb", "mib", "g", "gb", "gib", "t", "tb", "tib":
		return true
	}
	return false
}

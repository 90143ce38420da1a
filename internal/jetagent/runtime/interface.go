package runtime

import (
	"context"
	"iter"
)

// Runtime is the subset of the container runtime the agent depends on.
type Runtime interface {
	// Ping probes the control socket and returns the runtime version.
	Ping(ctx context.Context) (string, error)

	// ListContainers returns every container whose state is in states; an
	// empty set means all states. Unreachable runtimes yield ErrUnavailable.
	ListContainers(ctx context.Context, states []State) ([]ContainerSummary, error)

	// Stats takes a one-shot reading. The sequence yields exactly one
	// element and then ends.
	Stats(ctx context.Context, id string) iter.Seq2[StatsSnapshot, error]

	Inspect(ctx context.Context, id string) (InstanceInfo, error)
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	// Restart applies res before restarting; a zero Resources keeps the
	// current limits.
	Restart(ctx context.Context, id string, res Resources) error
	Remove(ctx context.Context, id string) error

	CreateVolume(ctx context.Context, spec VolumeSpec) (Volume, error)
	// ListVolumes returns the volumes carrying every label in labels.
	ListVolumes(ctx context.Context, labels map[string]string) ([]Volume, error)
}

// FirstStats drains a stats sequence and returns its single element.
func FirstStats(seq iter.Seq2[StatsSnapshot, error]) (StatsSnapshot, error) {
	for snap, err := range seq {
		return snap, err
	}
	return StatsSnapshot{}, ErrUnavailable
}

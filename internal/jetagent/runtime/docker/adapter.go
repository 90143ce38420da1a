// Package docker implements runtime.Runtime on top of the Docker Engine API.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"

	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
)

const (
	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second

	defaultCallTimeout = 10 * time.Second
)

// Options configures the adapter.
type Options struct {
	// Host overrides DOCKER_HOST (e.g. unix:///run/docker.sock).
	Host string
	// APIVersion pins the API version; empty negotiates with the daemon.
	APIVersion string
	// CallTimeout bounds every call into the engine.
	CallTimeout time.Duration
}

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client      *dockerclient.Client
	callTimeout time.Duration
}

var _ runtime.Runtime = (*Adapter)(nil)

// New creates a Docker runtime adapter. It does not contact the daemon;
// call Ping for that.
func New(opts Options) (*Adapter, error) {
	clientOpts := []dockerclient.Opt{dockerclient.FromEnv}
	if opts.Host != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.Host))
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, dockerclient.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, dockerclient.WithAPIVersionNegotiation())
	}
	cli, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Adapter{client: cli, callTimeout: timeout}, nil
}

// Close releases the underlying HTTP transport.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.callTimeout)
}

// Ping probes the daemon and returns its version.
func (a *Adapter) Ping(ctx context.Context) (string, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	if _, err := a.client.Ping(ctx); err != nil {
		return "", classify(err, "ping")
	}
	v, err := a.client.ServerVersion(ctx)
	if err != nil {
		return "", classify(err, "version")
	}
	return v.Version, nil
}

// ListContainers returns all containers, optionally restricted to states.
// The state filter is applied by the daemon.
func (a *Adapter) ListContainers(ctx context.Context, states []runtime.State) ([]runtime.ContainerSummary, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	args := filters.NewArgs()
	for _, s := range states {
		args.Add("status", string(s))
	}
	list, err := a.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Size:    true,
		Filters: args,
	})
	if err != nil {
		return nil, classify(err, "list containers")
	}

	out := make([]runtime.ContainerSummary, 0, len(list))
	for _, c := range list {
		s := runtime.ContainerSummary{
			ID:         c.ID,
			Names:      trimNames(c.Names),
			Image:      c.Image,
			ImageID:    c.ImageID,
			Command:    c.Command,
			Created:    time.Unix(c.Created, 0).UTC(),
			Ports:      make([]runtime.Port, 0, len(c.Ports)),
			SizeRw:     c.SizeRw,
			SizeRootFs: c.SizeRootFs,
			Labels:     c.Labels,
			State:      runtime.ParseState(c.State),
			Status:     c.Status,
			Mounts:     make([]runtime.Mount, 0, len(c.Mounts)),

			NetworkMode:     c.HostConfig.NetworkMode,
			NetworkSettings: map[string]runtime.Endpoint{},
		}
		for _, p := range c.Ports {
			s.Ports = append(s.Ports, runtime.Port{
				IP: p.IP, PrivatePort: p.PrivatePort, PublicPort: p.PublicPort, Type: p.Type,
			})
		}
		for _, m := range c.Mounts {
			s.Mounts = append(s.Mounts, runtime.Mount{
				Type: string(m.Type), Name: m.Name, Source: m.Source,
				Destination: m.Destination, Mode: m.Mode, RW: m.RW,
			})
		}
		if c.NetworkSettings != nil {
			s.NetworkSettings = endpoints(c.NetworkSettings.Networks)
		}
		out = append(out, s)
	}
	return out, nil
}

// Stats takes a one-shot (non-streaming) reading of one container.
func (a *Adapter) Stats(ctx context.Context, id string) iter.Seq2[runtime.StatsSnapshot, error] {
	return func(yield func(runtime.StatsSnapshot, error) bool) {
		yield(a.statsOnce(ctx, id))
	}
}

func (a *Adapter) statsOnce(ctx context.Context, id string) (runtime.StatsSnapshot, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	resp, err := a.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return runtime.StatsSnapshot{}, classify(err, "stats "+id)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return runtime.StatsSnapshot{}, fmt.Errorf("decode stats %s: %w", id, err)
	}
	snap := snapshot(&raw)
	if snap.ContainerID == "" {
		snap.ContainerID = id
	}
	return snap, nil
}

// Inspect returns the runtime's view of one container.
func (a *Adapter) Inspect(ctx context.Context, id string) (runtime.InstanceInfo, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	c, err := a.client.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.InstanceInfo{}, classify(err, "inspect "+id)
	}

	info := runtime.InstanceInfo{
		ContainerID: c.ID,
		Name:        strings.TrimPrefix(c.Name, "/"),
	}
	if c.State != nil {
		info.State = runtime.ParseState(c.State.Status)
		info.PID = c.State.Pid
		info.StartedAt, _ = time.Parse(time.RFC3339Nano, c.State.StartedAt)
	}
	if c.NetworkSettings != nil {
		info.IPAddress = c.NetworkSettings.IPAddress
		info.Gateway = c.NetworkSettings.Gateway
		for _, ep := range c.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" && info.IPAddress == "" {
				info.IPAddress, info.Gateway = ep.IPAddress, ep.Gateway
			}
		}
	}
	if c.GraphDriver.Data != nil {
		info.RootFS = c.GraphDriver.Data["MergedDir"]
	}
	return info, nil
}

// Create creates (but does not start) a container and returns its ID.
func (a *Adapter) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("create %s: image is required", spec.Name)
	}
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	labels := map[string]string{
		runtime.LabelManagedBy: runtime.ManagedByValue,
		runtime.LabelInstance:  spec.Name,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources:     limits(spec.Resources),
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	resp, err := a.client.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Labels: labels,
	}, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", classify(err, "create container "+spec.Name)
	}
	return resp.ID, nil
}

// Start starts a created or stopped container.
func (a *Adapter) Start(ctx context.Context, id string) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	if err := a.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(err, "start container "+id)
	}
	return nil
}

// Stop gracefully stops a container.
func (a *Adapter) Stop(ctx context.Context, id string) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify(err, "stop container "+id)
	}
	return nil
}

// Restart updates the container's limits (when res is non-zero) and
// restarts it.
func (a *Adapter) Restart(ctx context.Context, id string, res runtime.Resources) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	if res != (runtime.Resources{}) {
		if _, err := a.client.ContainerUpdate(ctx, id, container.UpdateConfig{Resources: limits(res)}); err != nil {
			return classify(err, "update container "+id)
		}
	}
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify(err, "restart container "+id)
	}
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (a *Adapter) Remove(ctx context.Context, id string) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	err := a.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return classify(err, "remove container "+id)
	}
	return nil
}

// CreateVolume creates a named volume.
func (a *Adapter) CreateVolume(ctx context.Context, spec runtime.VolumeSpec) (runtime.Volume, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	v, err := a.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:       spec.Name,
		Driver:     spec.Driver,
		DriverOpts: spec.Options,
		Labels:     spec.Labels,
	})
	if err != nil {
		return runtime.Volume{}, classify(err, "create volume "+spec.Name)
	}
	return toVolume(&v), nil
}

// ListVolumes returns volumes that carry every label in labels.
func (a *Adapter) ListVolumes(ctx context.Context, labels map[string]string) ([]runtime.Volume, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	resp, err := a.client.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, classify(err, "list volumes")
	}
	out := make([]runtime.Volume, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil {
			out = append(out, toVolume(v))
		}
	}
	return out, nil
}

// --- helpers ---

// classify maps engine errors onto the runtime sentinels.
func classify(err error, op string) error {
	switch {
	case dockerclient.IsErrConnectionFailed(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", runtime.ErrUnavailable, op, err)
	case dockerclient.IsErrNotFound(err):
		return fmt.Errorf("%w: %s: %v", runtime.ErrNotFound, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func limits(res runtime.Resources) container.Resources {
	var r container.Resources
	if res.VCPUs > 0 {
		r.NanoCPUs = int64(res.VCPUs) * 1e9
	}
	if res.MemoryMiB > 0 {
		r.Memory = int64(res.MemoryMiB) << 20
		r.MemorySwap = r.Memory
	}
	return r
}

func trimNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.TrimPrefix(n, "/"))
	}
	return out
}

func endpoints(nets map[string]*network.EndpointSettings) map[string]runtime.Endpoint {
	out := make(map[string]runtime.Endpoint, len(nets))
	for name, ep := range nets {
		if ep == nil {
			continue
		}
		out[name] = runtime.Endpoint{
			NetworkID:  ep.NetworkID,
			IPAddress:  ep.IPAddress,
			Gateway:    ep.Gateway,
			MacAddress: ep.MacAddress,
		}
	}
	return out
}

func toVolume(v *volume.Volume) runtime.Volume {
	return runtime.Volume{
		Name:       v.Name,
		Driver:     v.Driver,
		Mountpoint: v.Mountpoint,
		Labels:     v.Labels,
		Options:    v.Options,
		CreatedAt:  v.CreatedAt,
	}
}

// Package fakeruntime is an in-memory runtime.Runtime for tests.
package fakeruntime

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
)

// Container is the fake's record of one container.
type Container struct {
	ID        string
	Spec      runtime.Spec
	State     runtime.State
	PID       int
	Resources runtime.Resources
}

// Runtime records calls and keeps containers and volumes in maps.
type Runtime struct {
	mu         sync.Mutex
	nextID     int
	nextPID    int
	containers map[string]*Container
	order      []string
	volumes    map[string]runtime.Volume

	// Calls lists every method invocation as "Method arg".
	Calls []string

	// Err, when set for a method name, is returned by that method.
	Err map[string]error
	// StatsDelay is slept before each Stats reading, per container id.
	StatsDelay map[string]time.Duration
	// Summaries, when non-nil, is returned by ListContainers verbatim.
	Summaries []runtime.ContainerSummary
	// Listed records the state filter of each ListContainers call.
	Listed [][]runtime.State
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		nextPID:    1000,
		containers: map[string]*Container{},
		volumes:    map[string]runtime.Volume{},
		Err:        map[string]error{},
		StatsDelay: map[string]time.Duration{},
	}
}

func (r *Runtime) record(method, arg string) error {
	r.Calls = append(r.Calls, method+" "+arg)
	return r.Err[method]
}

// Container returns the container with id, if any.
func (r *Runtime) Container(id string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return c, ok
}

// Volume returns the volume called name, if any.
func (r *Runtime) Volume(name string) (runtime.Volume, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.volumes[name]
	return v, ok
}

func (r *Runtime) Ping(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Ping", ""); err != nil {
		return "", err
	}
	return "fake-1.0", nil
}

func (r *Runtime) ListContainers(_ context.Context, states []runtime.State) ([]runtime.ContainerSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Listed = append(r.Listed, states)
	if err := r.record("ListContainers", fmt.Sprint(states)); err != nil {
		return nil, err
	}
	if r.Summaries != nil {
		return slices.Clone(r.Summaries), nil
	}
	var out []runtime.ContainerSummary
	for _, id := range r.order {
		c := r.containers[id]
		if len(states) > 0 && !slices.Contains(states, c.State) {
			continue
		}
		out = append(out, runtime.ContainerSummary{
			ID: c.ID, Names: []string{c.Spec.Name}, Image: c.Spec.Image, State: c.State,
			Labels: maps.Clone(c.Spec.Labels),
		})
	}
	return out, nil
}

func (r *Runtime) Stats(ctx context.Context, id string) iter.Seq2[runtime.StatsSnapshot, error] {
	return func(yield func(runtime.StatsSnapshot, error) bool) {
		r.mu.Lock()
		err := r.record("Stats", id)
		delay := r.StatsDelay[id]
		r.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				yield(runtime.StatsSnapshot{}, ctx.Err())
				return
			}
		}
		if err != nil {
			yield(runtime.StatsSnapshot{}, err)
			return
		}
		yield(runtime.StatsSnapshot{ContainerID: id, Name: id, PIDs: 1, Read: time.Now()}, nil)
	}
}

func (r *Runtime) Inspect(_ context.Context, id string) (runtime.InstanceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Inspect", id); err != nil {
		return runtime.InstanceInfo{}, err
	}
	c, ok := r.containers[id]
	if !ok {
		return runtime.InstanceInfo{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	return runtime.InstanceInfo{
		ContainerID: c.ID,
		Name:        c.Spec.Name,
		State:       c.State,
		PID:         c.PID,
		IPAddress:   "172.17.0.10",
		Gateway:     "172.17.0.1",
		RootFS:      "/var/lib/fake/" + c.ID,
	}, nil
}

func (r *Runtime) Create(_ context.Context, spec runtime.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Create", spec.Name); err != nil {
		return "", err
	}
	r.nextID++
	id := fmt.Sprintf("ctr-%d", r.nextID)
	r.containers[id] = &Container{ID: id, Spec: spec, State: runtime.StateCreated, Resources: spec.Resources}
	r.order = append(r.order, id)
	return id, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Start", id); err != nil {
		return err
	}
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	r.nextPID++
	c.State, c.PID = runtime.StateRunning, r.nextPID
	return nil
}

func (r *Runtime) Stop(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Stop", id); err != nil {
		return err
	}
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	c.State, c.PID = runtime.StateExited, 0
	return nil
}

func (r *Runtime) Restart(_ context.Context, id string, res runtime.Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Restart", id); err != nil {
		return err
	}
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	if res != (runtime.Resources{}) {
		c.Resources = res
	}
	r.nextPID++
	c.State, c.PID = runtime.StateRunning, r.nextPID
	return nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("Remove", id); err != nil {
		return err
	}
	delete(r.containers, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return nil
}

func (r *Runtime) CreateVolume(_ context.Context, spec runtime.VolumeSpec) (runtime.Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CreateVolume", spec.Name); err != nil {
		return runtime.Volume{}, err
	}
	v := runtime.Volume{
		Name:       spec.Name,
		Driver:     spec.Driver,
		Mountpoint: "/var/lib/fake/volumes/" + spec.Name,
		Labels:     maps.Clone(spec.Labels),
		Options:    maps.Clone(spec.Options),
	}
	r.volumes[spec.Name] = v
	return v, nil
}

func (r *Runtime) ListVolumes(_ context.Context, labels map[string]string) ([]runtime.Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("ListVolumes", ""); err != nil {
		return nil, err
	}
	var out []runtime.Volume
	for _, name := range slices.Sorted(maps.Keys(r.volumes)) {
		v := r.volumes[name]
		match := true
		for k, want := range labels {
			if v.Labels[k] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, v)
		}
	}
	return out, nil
}

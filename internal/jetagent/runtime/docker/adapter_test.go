package docker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
	"github.com/bdobrica/jet-agent/internal/jetagent/runtime/docker"
)

var versionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

// fakeEngine answers the handful of Docker Engine endpoints the adapter uses.
type fakeEngine struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   map[string]string
	stats    map[string]string
}

func newFakeEngine(t *testing.T) (*fakeEngine, *docker.Adapter) {
	t.Helper()
	fe := &fakeEngine{bodies: map[string]string{}, stats: map[string]string{}}
	srv := httptest.NewServer(fe)
	t.Cleanup(srv.Close)

	a, err := docker.New(docker.Options{
		Host:        "tcp://" + strings.TrimPrefix(srv.URL, "http://"),
		APIVersion:  "1.45",
		CallTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("docker.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return fe, a
}

func (fe *fakeEngine) lastRequest(pathSuffix string) *http.Request {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	for i := len(fe.requests) - 1; i >= 0; i-- {
		if strings.HasSuffix(fe.requests[i].URL.Path, pathSuffix) {
			return fe.requests[i]
		}
	}
	return nil
}

func (fe *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := versionPrefix.ReplaceAllString(r.URL.Path, "")
	body, _ := io.ReadAll(r.Body)

	fe.mu.Lock()
	fe.requests = append(fe.requests, r)
	fe.bodies[r.Method+" "+path] = string(body)
	fe.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Api-Version", "1.45")

	switch {
	case path == "/_ping":
		io.WriteString(w, "OK")
	case path == "/version":
		io.WriteString(w, `{"Version":"27.5.1","ApiVersion":"1.45"}`)
	case path == "/containers/json":
		io.WriteString(w, `[
			{"Id":"c1","Names":["/vm-1"],"Image":"alpine","ImageID":"sha256:aa","Command":"sh",
			 "Created":1700000000,"Ports":[{"IP":"0.0.0.0","PrivatePort":80,"PublicPort":8080,"Type":"tcp"}],
			 "SizeRw":12,"SizeRootFs":34,"Labels":{"k":"v"},"State":"running","Status":"Up 1 minute",
			 "HostConfig":{"NetworkMode":"bridge"},
			 "NetworkSettings":{"Networks":{"bridge":{"NetworkID":"n1","IPAddress":"172.17.0.2","Gateway":"172.17.0.1"}}},
			 "Mounts":[{"Type":"volume","Name":"data","Source":"/var/lib/docker/volumes/data","Destination":"/data","RW":true}]},
			{"Id":"c2","Names":["/vm-2"],"Image":"busybox","State":"exited","Status":"Exited (0)","HostConfig":{}}
		]`)
	case strings.HasSuffix(path, "/stats"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/containers/"), "/stats")
		doc, ok := fe.stats[id]
		if !ok {
			notFound(w, "No such container: "+id)
			return
		}
		io.WriteString(w, doc)
	case path == "/containers/vm-7/json":
		io.WriteString(w, `{"Id":"c7","Name":"/vm-7",
			"State":{"Status":"running","Pid":4242,"StartedAt":"2026-01-02T03:04:05Z"},
			"NetworkSettings":{"IPAddress":"","Gateway":"","Networks":{"bridge":{"IPAddress":"172.17.0.7","Gateway":"172.17.0.1"}}},
			"GraphDriver":{"Name":"overlay2","Data":{"MergedDir":"/var/lib/docker/overlay2/x/merged"}}}`)
	case strings.HasPrefix(path, "/containers/missing"):
		notFound(w, "No such container: missing")
	case path == "/containers/create":
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"Id":"new1","Warnings":[]}`)
	case strings.HasSuffix(path, "/update"):
		io.WriteString(w, `{"Warnings":[]}`)
	case strings.HasSuffix(path, "/restart"), strings.HasSuffix(path, "/start"), strings.HasSuffix(path, "/stop"):
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/containers/"):
		w.WriteHeader(http.StatusNoContent)
	case path == "/volumes/create":
		w.WriteHeader(http.StatusCreated)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		resp := map[string]any{
			"Name": req["Name"], "Driver": req["Driver"], "Labels": req["Labels"],
			"Mountpoint": "/var/lib/docker/volumes/x", "Scope": "local",
		}
		json.NewEncoder(w).Encode(resp)
	case path == "/volumes":
		io.WriteString(w, `{"Volumes":[{"Name":"data","Driver":"local","Mountpoint":"/m","Labels":{"jet-agent.managed-by":"jet-agent"},"Scope":"local"}],"Warnings":[]}`)
	default:
		w.WriteHeader(http.StatusNotImplemented)
		io.WriteString(w, `{"message":"not implemented in fake"}`)
	}
}

func notFound(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

func TestPing(t *testing.T) {
	_, a := newFakeEngine(t)
	v, err := a.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if v != "27.5.1" {
		t.Errorf("version = %q", v)
	}
}

func TestListContainers_AllStatesWithSizes(t *testing.T) {
	fe, a := newFakeEngine(t)
	got, err := a.ListContainers(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}

	req := fe.lastRequest("/containers/json")
	if req == nil {
		t.Fatal("no list request recorded")
	}
	q := req.URL.Query()
	if q.Get("all") != "1" || q.Get("size") != "1" {
		t.Errorf("query = %v, want all=1 and size=1", q)
	}
	if q.Get("filters") != "" {
		t.Errorf("unexpected filters %q for empty state set", q.Get("filters"))
	}

	if len(got) != 2 {
		t.Fatalf("got %d containers, want 2", len(got))
	}
	c := got[0]
	if c.ID != "c1" || c.Names[0] != "vm-1" || c.State != runtime.StateRunning {
		t.Errorf("first container = %+v", c)
	}
	if c.SizeRw != 12 || c.SizeRootFs != 34 {
		t.Errorf("sizes = %d/%d", c.SizeRw, c.SizeRootFs)
	}
	if len(c.Ports) != 1 || c.Ports[0].PublicPort != 8080 {
		t.Errorf("ports = %+v", c.Ports)
	}
	if ep := c.NetworkSettings["bridge"]; ep.IPAddress != "172.17.0.2" {
		t.Errorf("network settings = %+v", c.NetworkSettings)
	}
	if len(c.Mounts) != 1 || c.Mounts[0].Destination != "/data" || !c.Mounts[0].RW {
		t.Errorf("mounts = %+v", c.Mounts)
	}
	if !c.Created.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("created = %v", c.Created)
	}
	if got[1].State != runtime.StateExited {
		t.Errorf("second container state = %q", got[1].State)
	}
}

func TestListContainers_StateFilterIsPushedToEngine(t *testing.T) {
	fe, a := newFakeEngine(t)
	if _, err := a.ListContainers(context.Background(), []runtime.State{runtime.StateRunning, runtime.StatePaused}); err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	raw := fe.lastRequest("/containers/json").URL.Query().Get("filters")
	var f map[string]map[string]bool
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("filters %q: %v", raw, err)
	}
	if !f["status"]["running"] || !f["status"]["paused"] || len(f["status"]) != 2 {
		t.Errorf("status filter = %v", f["status"])
	}
}

func TestListContainers_Unavailable(t *testing.T) {
	a, err := docker.New(docker.Options{Host: "tcp://127.0.0.1:1", APIVersion: "1.45", CallTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.ListContainers(context.Background(), nil); !errors.Is(err, runtime.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if _, err := a.Ping(context.Background()); !errors.Is(err, runtime.ErrUnavailable) {
		t.Errorf("Ping err = %v, want ErrUnavailable", err)
	}
}

func TestStats_YieldsExactlyOneSnapshot(t *testing.T) {
	fe, a := newFakeEngine(t)
	fe.stats["c1"] = `{"id":"c1","name":"/vm-1","read":"2026-01-02T03:04:05Z",
		"memory_stats":{"usage":100,"limit":1000},"pids_stats":{"current":2}}`

	var n int
	var snap runtime.StatsSnapshot
	for s, err := range a.Stats(context.Background(), "c1") {
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		snap = s
		n++
	}
	if n != 1 {
		t.Fatalf("sequence yielded %d elements, want 1", n)
	}
	if snap.Name != "vm-1" || snap.MemoryUsage != 100 || snap.PIDs != 2 {
		t.Errorf("snapshot = %+v", snap)
	}

	q := fe.lastRequest("/containers/c1/stats").URL.Query()
	if q.Get("stream") != "0" || q.Get("one-shot") != "1" {
		t.Errorf("stats query = %v, want a one-shot request", q)
	}
}

func TestStats_ErrorIsTheSingleElement(t *testing.T) {
	_, a := newFakeEngine(t)
	var n int
	for _, err := range a.Stats(context.Background(), "ghost") {
		n++
		if !errors.Is(err, runtime.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	}
	if n != 1 {
		t.Errorf("sequence yielded %d elements, want 1", n)
	}
}

func TestInspect(t *testing.T) {
	_, a := newFakeEngine(t)
	info, err := a.Inspect(context.Background(), "vm-7")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.PID != 4242 || info.Name != "vm-7" || info.ContainerID != "c7" {
		t.Errorf("info = %+v", info)
	}
	if info.IPAddress != "172.17.0.7" || info.Gateway != "172.17.0.1" {
		t.Errorf("addresses = %s/%s", info.IPAddress, info.Gateway)
	}
	if info.RootFS != "/var/lib/docker/overlay2/x/merged" {
		t.Errorf("rootfs = %q", info.RootFS)
	}

	if _, err := a.Inspect(context.Background(), "missing"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

func TestCreate_SetsLimitsAndLabels(t *testing.T) {
	fe, a := newFakeEngine(t)
	id, err := a.Create(context.Background(), runtime.Spec{
		Name:      "vm-9",
		Image:     "alpine:3",
		Network:   "bridge",
		Resources: runtime.Resources{VCPUs: 2, MemoryMiB: 256},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "new1" {
		t.Errorf("id = %q", id)
	}
	if name := fe.lastRequest("/containers/create").URL.Query().Get("name"); name != "vm-9" {
		t.Errorf("name = %q", name)
	}

	var body struct {
		Image      string
		Labels     map[string]string
		HostConfig struct {
			NanoCpus int64
			Memory   int64
		}
	}
	fe.mu.Lock()
	raw := fe.bodies["POST /containers/create"]
	fe.mu.Unlock()
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("decode create body: %v", err)
	}
	if body.HostConfig.NanoCpus != 2e9 || body.HostConfig.Memory != 256<<20 {
		t.Errorf("resources = %+v", body.HostConfig)
	}
	if body.Labels[runtime.LabelInstance] != "vm-9" || body.Labels[runtime.LabelManagedBy] != runtime.ManagedByValue {
		t.Errorf("labels = %v", body.Labels)
	}

	if _, err := a.Create(context.Background(), runtime.Spec{Name: "x"}); err == nil {
		t.Error("expected error for empty image")
	}
}

func TestRestart_UpdatesResourcesFirst(t *testing.T) {
	fe, a := newFakeEngine(t)
	if err := a.Restart(context.Background(), "c1", runtime.Resources{VCPUs: 4, MemoryMiB: 1024}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if fe.lastRequest("/containers/c1/update") == nil {
		t.Error("expected an update call before restart")
	}
	if fe.lastRequest("/containers/c1/restart") == nil {
		t.Error("expected a restart call")
	}

	if err := a.Restart(context.Background(), "c2", runtime.Resources{}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if fe.lastRequest("/containers/c2/update") != nil {
		t.Error("zero resources must not trigger an update")
	}
}

func TestRemove_MissingIsNotAnError(t *testing.T) {
	_, a := newFakeEngine(t)
	if err := a.Remove(context.Background(), "missing"); err != nil {
		t.Errorf("Remove(missing) = %v", err)
	}
	if err := a.Remove(context.Background(), "c1"); err != nil {
		t.Errorf("Remove(c1) = %v", err)
	}
}

func TestVolumes(t *testing.T) {
	fe, a := newFakeEngine(t)
	v, err := a.CreateVolume(context.Background(), runtime.VolumeSpec{
		Name:   "data",
		Driver: "local",
		Labels: map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue},
	})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if v.Name != "data" || v.Driver != "local" {
		t.Errorf("volume = %+v", v)
	}

	list, err := a.ListVolumes(context.Background(), map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue})
	if err != nil {
		t.Fatalf("ListVolumes: %v", err)
	}
	if len(list) != 1 || list[0].Name != "data" {
		t.Errorf("volumes = %+v", list)
	}
	if f := fe.lastRequest("/volumes").URL.Query().Get("filters"); !strings.Contains(f, "jet-agent.managed-by=jet-agent") {
		t.Errorf("filters = %q", f)
	}
}

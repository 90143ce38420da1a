package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bdobrica/jet-agent/internal/jetagent/app"
	"github.com/bdobrica/jet-agent/internal/jetagent/metrics"
)

type countStub struct {
	n   int
	err error
}

func (c countStub) InstanceCount(context.Context) (int, error) { return c.n, c.err }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return w, body
}

func TestHealthServer_Health(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", app.HealthOptions{})

	w, body := get(t, hs, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestHealthServer_Status(t *testing.T) {
	connected := true
	hs := app.NewHealthServer("127.0.0.1:0", app.HealthOptions{
		AgentID:      "host-17",
		ServerUUID:   "srv-17",
		Instances:    countStub{n: 4},
		BusConnected: func() bool { return connected },
	})

	w, body := get(t, hs, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	if body["agent_id"] != "host-17" || body["server_uuid"] != "srv-17" || body["bus_connected"] != true {
		t.Errorf("body = %v", body)
	}
	if int(body["instance_count"].(float64)) != 4 {
		t.Errorf("instance_count = %v", body["instance_count"])
	}

	connected = false
	w, body = get(t, hs, "/status")
	if w.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("disconnected: code = %d, status = %v", w.Code, body["status"])
	}
}

func TestHealthServer_StatusSurvivesCountFailure(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", app.HealthOptions{
		Instances:    countStub{err: errors.New("database is locked")},
		BusConnected: func() bool { return true },
	})
	w, body := get(t, hs, "/status")
	if w.Code != http.StatusOK || body["instance_count"].(float64) != 0 {
		t.Errorf("code = %d, body = %v", w.Code, body)
	}
}

func TestHealthServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.Malformed()
	hs := app.NewHealthServer("127.0.0.1:0", app.HealthOptions{Metrics: m.Handler()})

	w, _ := get(t, hs, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "jet_agent_malformed_messages_total 1") {
		t.Errorf("metrics body lacks counter:\n%s", w.Body.String())
	}
}

func TestHealthServer_NoMetricsRoute(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", app.HealthOptions{})
	w, _ := get(t, hs, "/metrics")
	if w.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", w.Code)
	}
}

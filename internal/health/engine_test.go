package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// addBackend registers a service record pointing at an httptest server.
func addBackend(t *testing.T, st *store.Store, id string, ts *httptest.Server) {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	now := store.Now()
	err = st.CreateService(context.Background(), &model.Service{
		ID:              id,
		Name:            id,
		Host:            host,
		Port:            port,
		Protocol:        model.ProtocolHTTP,
		HealthCheckPath: "/health",
		Status:          model.StatusUnknown,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}, nil)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
}

func TestCheckAllMarksHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := newTestStore(t)
	addBackend(t, st, "up", ts)

	engine := New(st, nil, Config{Timeout: time.Second, UnhealthyThreshold: 3})
	summary, err := engine.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if summary.Checked != 1 || summary.Healthy != 1 || summary.Unhealthy != 0 {
		t.Errorf("summary = %+v", summary)
	}

	svc, _ := st.GetService(context.Background(), "up")
	if svc.Status != model.StatusHealthy {
		t.Errorf("status = %s", svc.Status)
	}
}

func TestCheckAllThreshold(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	st := newTestStore(t)
	addBackend(t, st, "down", ts)

	engine := New(st, nil, Config{Timeout: time.Second, UnhealthyThreshold: 3})
	ctx := context.Background()

	// Two failures keep the service in its previous state.
	for i := 0; i < 2; i++ {
		if _, err := engine.CheckAll(ctx); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	svc, _ := st.GetService(ctx, "down")
	if svc.Status != model.StatusUnknown {
		t.Errorf("status after 2 failures = %s, want unknown", svc.Status)
	}
	if svc.ConsecutiveFailures != 2 {
		t.Errorf("failures = %d", svc.ConsecutiveFailures)
	}

	// The third crosses the threshold.
	summary, err := engine.CheckAll(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if summary.Unhealthy != 1 {
		t.Errorf("summary = %+v", summary)
	}
	svc, _ = st.GetService(ctx, "down")
	if svc.Status != model.StatusUnhealthy || svc.ConsecutiveFailures != 3 {
		t.Errorf("status=%s failures=%d", svc.Status, svc.ConsecutiveFailures)
	}
}

func TestProbeFailureLeavesHeartbeatAlone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	st := newTestStore(t)
	addBackend(t, st, "down", ts)
	ctx := context.Background()

	before, _ := st.GetService(ctx, "down")

	engine := New(st, nil, Config{Timeout: time.Second, UnhealthyThreshold: 3})
	if _, err := engine.CheckAll(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}

	after, _ := st.GetService(ctx, "down")
	if !after.LastHeartbeat.Equal(before.LastHeartbeat) {
		t.Errorf("probe mutated last_heartbeat: %v -> %v", before.LastHeartbeat, after.LastHeartbeat)
	}
}

func TestCheckAllUnreachableBackend(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing listens anymore

	st := newTestStore(t)
	addBackend(t, st, "gone", ts)

	engine := New(st, nil, Config{Timeout: 500 * time.Millisecond, UnhealthyThreshold: 1})
	summary, err := engine.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if summary.Unhealthy != 1 {
		t.Errorf("summary = %+v", summary)
	}
	svc, _ := st.GetService(context.Background(), "gone")
	if svc.Status != model.StatusUnhealthy {
		t.Errorf("status = %s", svc.Status)
	}
}

func TestSweepHeartbeats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := store.Now()
	stale := &model.Service{
		ID: "stale", Name: "stale", Host: "stale.local", Port: 8080,
		Protocol: model.ProtocolHTTP, HealthCheckPath: "/health",
		Status:       model.StatusHealthy,
		RegisteredAt: now, LastHeartbeat: now.Add(-5 * time.Minute),
	}
	fresh := &model.Service{
		ID: "fresh", Name: "fresh", Host: "fresh.local", Port: 8080,
		Protocol: model.ProtocolHTTP, HealthCheckPath: "/health",
		Status:       model.StatusHealthy,
		RegisteredAt: now, LastHeartbeat: now,
	}
	for _, svc := range []*model.Service{stale, fresh} {
		if err := st.CreateService(ctx, svc, nil); err != nil {
			t.Fatalf("create %s: %v", svc.ID, err)
		}
	}

	engine := New(st, nil, Config{HeartbeatTimeout: time.Minute})
	n, err := engine.SweepHeartbeats(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("flipped %d services, want 1", n)
	}

	got, _ := st.GetService(ctx, "stale")
	if got.Status != model.StatusUnhealthy {
		t.Errorf("stale status = %s", got.Status)
	}
	got, _ = st.GetService(ctx, "fresh")
	if got.Status != model.StatusHealthy {
		t.Errorf("fresh status = %s", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)

	engine := New(st, nil, Config{
		Interval:         50 * time.Millisecond,
		Timeout:          time.Second,
		HeartbeatTimeout: time.Minute,
	})
	engine.Start()
	time.Sleep(120 * time.Millisecond)
	engine.Stop() // must not hang or panic with an empty fleet
}

package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wudi/atlas/internal/config"
	"github.com/wudi/atlas/internal/dependency"
	"github.com/wudi/atlas/internal/registry"
	"github.com/wudi/atlas/internal/routing"
	"github.com/wudi/atlas/internal/store"
)

func newTestPreloader(t *testing.T) (*Preloader, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := registry.New(st)
	return NewPreloader(reg, dependency.New(st), routing.New(st)), st
}

func TestLoadDocumentMissingFile(t *testing.T) {
	doc, err := LoadDocument(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Services) != 0 || len(doc.Dependencies) != 0 || len(doc.Routes) != 0 {
		t.Errorf("expected empty document, got %+v", doc)
	}
}

func TestLoadDocumentMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("services: [broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDocument(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestRunPreloadsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	content := `
services:
  - id: gw
    name: Gateway
    host: gw.local
    port: 8080
    is_gateway: true
  - id: deck
    name: Deck
    host: deck.local
    port: 8000
    metadata:
      service_type: backend
dependencies:
  - source: deck
    target: gw
routes:
  - gateway: gw
    path_pattern: /extra/**
    target: deck
    priority: 20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p, st := newTestPreloader(t)
	ctx := context.Background()
	p.Run(ctx, doc)

	services, err := st.ListServices(ctx, store.ServiceFilter{})
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(services) != 2 {
		t.Errorf("expected 2 services, got %d", len(services))
	}

	deck, err := st.GetService(ctx, "deck")
	if err != nil || deck == nil {
		t.Fatalf("get deck: %v", err)
	}
	if deck.ServiceMeta.String("service_type") != "backend" {
		t.Errorf("metadata lost: %v", deck.ServiceMeta)
	}

	deps, _ := st.ListDependencies(ctx)
	if len(deps) != 1 {
		t.Errorf("expected 1 dependency, got %d", len(deps))
	}

	// The injected default route for deck plus the declared one.
	routes, _ := st.ListRoutes(ctx, store.RouteFilter{})
	if len(routes) != 2 {
		t.Errorf("expected 2 routes, got %d", len(routes))
	}
}

func TestRunToleratesBadEntries(t *testing.T) {
	p, st := newTestPreloader(t)
	ctx := context.Background()

	doc := &Document{
		Services: []ServiceEntry{
			{ID: "bad", Name: "", Host: "h", Port: 8000}, // missing name
			{ID: "good", Name: "Good", Host: "h", Port: 8000},
		},
		Dependencies: []DependencyEntry{
			{Source: "good", Target: "ghost"}, // unknown endpoint
		},
		Routes: []RouteEntry{
			{Gateway: "nope", PathPattern: "/x/**", Target: "good"}, // unknown gateway
		},
	}
	p.Run(ctx, doc)

	services, err := st.ListServices(ctx, store.ServiceFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(services) != 1 || services[0].ID != "good" {
		t.Errorf("expected only the valid service, got %+v", services)
	}
}

func TestSelfRegister(t *testing.T) {
	p, st := newTestPreloader(t)
	ctx := context.Background()

	cfg := config.Default()
	if err := p.SelfRegister(ctx, cfg, "1.2.3"); err != nil {
		t.Fatalf("self-register: %v", err)
	}

	svc, err := st.GetService(ctx, "atlas")
	if err != nil || svc == nil {
		t.Fatalf("get atlas: %v", err)
	}
	if svc.IsGateway {
		t.Error("registry must not register itself as a gateway")
	}
	if svc.Status != "healthy" {
		t.Errorf("status = %s, want healthy after initial heartbeat", svc.Status)
	}
	if svc.ServiceMeta.String("version") != "1.2.3" {
		t.Errorf("version meta = %v", svc.ServiceMeta)
	}
}

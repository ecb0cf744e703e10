package routing

import (
	"context"
	"testing"

	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

func newTestTable(t *testing.T) (*Table, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func addService(t *testing.T, st *store.Store, id string, gateway bool, meta model.JSONMap) {
	t.Helper()
	now := store.Now()
	err := st.CreateService(context.Background(), &model.Service{
		ID:              id,
		Name:            id,
		Host:            id + ".local",
		Port:            8080,
		Protocol:        model.ProtocolHTTP,
		HealthCheckPath: "/health",
		Status:          model.StatusUnknown,
		IsGateway:       gateway,
		ServiceMeta:     meta,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}, nil)
	if err != nil {
		t.Fatalf("create service %s: %v", id, err)
	}
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/deck/**", "/deck/api/cards", true},
		{"/deck/**", "/deck/x", true},
		{"/deck/**", "/deck", true},
		{"/deck/**", "/decks/api", false},
		{"/api/*/detail", "/api/users/detail", true},
		{"/api/*/detail", "/api/users/1/detail", false},
		{"/api/**", "/api/a/b/c/d", true},
		{"/exact", "/exact", true},
		{"/exact", "/exact/", false},
		{"/*", "/anything", true},
		{"/*", "/a/b", false},
	}
	for _, tt := range tests {
		if got := MatchPath(tt.pattern, tt.path); got != tt.want {
			t.Errorf("MatchPath(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestStripPathPrefix(t *testing.T) {
	tests := []struct {
		path, prefix, want string
	}{
		{"/deck/api/cards", "/deck", "/api/cards"},
		{"/deck", "/deck", "/"},
		{"/deck/", "/deck", "/"},
		{"/other/api", "/deck", "/other/api"},
	}
	for _, tt := range tests {
		if got := StripPathPrefix(tt.path, tt.prefix); got != tt.want {
			t.Errorf("StripPathPrefix(%q, %q) = %q, want %q", tt.path, tt.prefix, got, tt.want)
		}
	}
}

func TestCreateRoutePreconditions(t *testing.T) {
	table, st := newTestTable(t)
	ctx := context.Background()

	addService(t, st, "gw", true, nil)
	addService(t, st, "plain", false, nil)

	// Missing required fields.
	if _, err := table.Create(ctx, CreateInput{}); err == nil {
		t.Error("expected error for empty input")
	}
	// Gateway does not exist.
	if _, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "ghost", PathPattern: "/x/**", TargetServiceID: "plain", Enabled: true,
	}); err == nil {
		t.Error("expected error for missing gateway")
	}
	// Gateway role violation.
	if _, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "plain", PathPattern: "/x/**", TargetServiceID: "gw", Enabled: true,
	}); err == nil {
		t.Error("expected error for non-gateway owner")
	}
	// Target does not exist.
	if _, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/x/**", TargetServiceID: "ghost", Enabled: true,
	}); err == nil {
		t.Error("expected error for missing target")
	}

	route, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/plain/**", TargetServiceID: "plain", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if route.ID == 0 {
		t.Error("expected assigned route id")
	}
	if route.Methods != "*" {
		t.Errorf("methods default = %q", route.Methods)
	}
}

func TestFindMatchOrder(t *testing.T) {
	table, st := newTestTable(t)
	ctx := context.Background()

	addService(t, st, "gw", true, nil)
	addService(t, st, "a", false, nil)
	addService(t, st, "b", false, nil)

	if _, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/api/**", TargetServiceID: "a",
		Priority: 1, Enabled: true,
	}); err != nil {
		t.Fatalf("create low: %v", err)
	}
	if _, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/api/**", TargetServiceID: "b",
		Priority: 100, Enabled: true,
	}); err != nil {
		t.Fatalf("create high: %v", err)
	}
	// Disabled routes never match.
	disabled, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/api/**", TargetServiceID: "a",
		Priority: 999, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create disabled: %v", err)
	}
	off := false
	if _, err := table.Update(ctx, disabled.ID, UpdateInput{Enabled: &off}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	match, err := table.FindMatch(ctx, "gw", "/api/users")
	if err != nil {
		t.Fatalf("find match: %v", err)
	}
	if match == nil || match.TargetServiceID != "b" {
		t.Errorf("expected highest-priority enabled route to b, got %+v", match)
	}

	none, err := table.FindMatch(ctx, "gw", "/nothing")
	if err != nil {
		t.Fatalf("find match: %v", err)
	}
	if none != nil {
		t.Errorf("expected no match, got %+v", none)
	}
}

func TestFindRouteForService(t *testing.T) {
	table, st := newTestTable(t)
	ctx := context.Background()

	addService(t, st, "gw", true, nil)
	addService(t, st, "aegis", false, nil)

	if _, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/old/**", TargetServiceID: "aegis",
		Priority: 1, Enabled: true,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	want, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/aegis/**", TargetServiceID: "aegis",
		Priority: 10, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := table.FindRouteForService(ctx, "gw", "aegis")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.ID != want.ID {
		t.Errorf("expected highest-priority route %d, got %+v", want.ID, got)
	}

	missing, err := table.FindRouteForService(ctx, "gw", "nobody")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for untargeted service, got %+v", missing)
	}
}

func TestUpdateRouteTargetValidation(t *testing.T) {
	table, st := newTestTable(t)
	ctx := context.Background()

	addService(t, st, "gw", true, nil)
	addService(t, st, "a", false, nil)

	route, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/a/**", TargetServiceID: "a", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ghost := "ghost"
	if _, err := table.Update(ctx, route.ID, UpdateInput{TargetServiceID: &ghost}); err == nil {
		t.Error("expected error for missing new target")
	}

	pattern := "/renamed/**"
	updated, err := table.Update(ctx, route.ID, UpdateInput{PathPattern: &pattern})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PathPattern != "/renamed/**" {
		t.Errorf("pattern = %s", updated.PathPattern)
	}
	if updated.UpdatedAt == nil {
		t.Error("expected updated_at to be stamped")
	}
}

func TestDeleteRoute(t *testing.T) {
	table, st := newTestTable(t)
	ctx := context.Background()

	addService(t, st, "gw", true, nil)
	addService(t, st, "a", false, nil)

	route, err := table.Create(ctx, CreateInput{
		GatewayServiceID: "gw", PathPattern: "/a/**", TargetServiceID: "a", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.Delete(ctx, route.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := table.Delete(ctx, route.ID); err == nil {
		t.Error("expected not-found on second delete")
	}
}

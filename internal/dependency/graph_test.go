package dependency

import (
	"context"
	"testing"

	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

func newTestGraph(t *testing.T) (*Graph, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func addService(t *testing.T, st *store.Store, id string, gateway bool) {
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
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}, nil)
	if err != nil {
		t.Fatalf("create service %s: %v", id, err)
	}
}

func TestCreateRequiresEndpoints(t *testing.T) {
	g, st := newTestGraph(t)
	ctx := context.Background()

	addService(t, st, "a", false)

	if _, err := g.Create(ctx, "a", "ghost", nil); err == nil {
		t.Error("expected error for missing target")
	}
	if _, err := g.Create(ctx, "ghost", "a", nil); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestCreateIdempotent(t *testing.T) {
	g, st := newTestGraph(t)
	ctx := context.Background()

	addService(t, st, "a", false)
	addService(t, st, "b", false)

	first, err := g.Create(ctx, "a", "b", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	desc := "changed"
	second, err := g.Create(ctx, "a", "b", &desc)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate create produced new edge: %d vs %d", second.ID, first.ID)
	}

	all, err := g.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 edge, got %d", len(all))
	}

	// The reverse direction is a distinct edge.
	if _, err := g.Create(ctx, "b", "a", nil); err != nil {
		t.Fatalf("reverse create: %v", err)
	}
	all, _ = g.ListAll(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 edges, got %d", len(all))
	}
}

func TestListForServiceDirections(t *testing.T) {
	g, st := newTestGraph(t)
	ctx := context.Background()

	addService(t, st, "a", false)
	addService(t, st, "b", false)
	addService(t, st, "c", false)

	// a -> b, c -> a
	if _, err := g.Create(ctx, "a", "b", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := g.Create(ctx, "c", "a", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := g.ListForService(ctx, "a", Outgoing)
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if len(out) != 1 || out[0].TargetServiceID != "b" {
		t.Errorf("outgoing edges: %+v", out)
	}

	in, err := g.ListForService(ctx, "a", Incoming)
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if len(in) != 1 || in[0].SourceServiceID != "c" {
		t.Errorf("incoming edges: %+v", in)
	}
}

func TestDelete(t *testing.T) {
	g, st := newTestGraph(t)
	ctx := context.Background()

	addService(t, st, "a", false)
	addService(t, st, "b", false)

	dep, err := g.Create(ctx, "a", "b", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g.Delete(ctx, dep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := g.Delete(ctx, dep.ID); err == nil {
		t.Error("expected not-found on second delete")
	}
}

func TestTopology(t *testing.T) {
	g, st := newTestGraph(t)
	ctx := context.Background()

	addService(t, st, "gw", true)
	addService(t, st, "a", false)
	addService(t, st, "b", false)

	desc := "calls the card api"
	if _, err := g.Create(ctx, "a", "b", &desc); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Cycles are allowed.
	if _, err := g.Create(ctx, "b", "a", nil); err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	topo, err := g.Topology(ctx)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if len(topo.Nodes) != 3 {
		t.Errorf("expected 3 nodes, got %d", len(topo.Nodes))
	}
	if len(topo.Edges) != 2 {
		t.Errorf("expected 2 edges, got %d", len(topo.Edges))
	}

	var gwNode *model.TopologyNode
	for i := range topo.Nodes {
		if topo.Nodes[i].ID == "gw" {
			gwNode = &topo.Nodes[i]
		}
	}
	if gwNode == nil || !gwNode.IsGateway {
		t.Errorf("gateway node not flagged: %+v", gwNode)
	}
}

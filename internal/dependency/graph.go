// Package dependency manages the directed dependency graph between
// services and materializes the topology view.
package dependency

import (
	"context"

	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/errors"
	"github.com/wudi/atlas/internal/logging"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

// Direction selects which edges of a service to list.
type Direction string

const (
	// Outgoing lists the services this service depends on.
	Outgoing Direction = "outgoing"
	// Incoming lists the services depending on this service.
	Incoming Direction = "incoming"
)

// Graph provides dependency CRUD and topology materialization. Edges
// form an arbitrary directed multigraph; cycles are permitted.
type Graph struct {
	store *store.Store
	log   *zap.Logger
}

// New creates a Graph.
func New(st *store.Store) *Graph {
	return &Graph{store: st, log: logging.With(zap.String("component", "dependency"))}
}

// Create inserts an edge after verifying both endpoints exist. Creating
// an edge that already exists is a no-op returning the existing row.
func (g *Graph) Create(ctx context.Context, sourceID, targetID string, description *string) (*model.Dependency, error) {
	source, err := g.store.GetService(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := g.store.GetService(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if source == nil || target == nil {
		return nil, errors.BadRequest("source or target service does not exist")
	}

	existing, err := g.store.FindDependency(ctx, sourceID, targetID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	dep := &model.Dependency{
		SourceServiceID: sourceID,
		TargetServiceID: targetID,
		Description:     description,
		CreatedAt:       store.Now(),
	}
	if err := g.store.CreateDependency(ctx, dep); err != nil {
		return nil, err
	}
	g.log.Info("dependency created",
		zap.String("source", sourceID), zap.String("target", targetID))
	return dep, nil
}

// Delete removes an edge by surrogate id.
func (g *Graph) Delete(ctx context.Context, id int64) error {
	removed, err := g.store.DeleteDependency(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return errors.NotFound("dependency %d does not exist", id)
	}
	return nil
}

// ListAll returns every edge, newest first.
func (g *Graph) ListAll(ctx context.Context) ([]model.Dependency, error) {
	return g.store.ListDependencies(ctx)
}

// ListForService returns a service's edges in the given direction.
func (g *Graph) ListForService(ctx context.Context, serviceID string, dir Direction) ([]model.Dependency, error) {
	if dir == Incoming {
		return g.store.ListDependenciesByTarget(ctx, serviceID)
	}
	return g.store.ListDependenciesBySource(ctx, serviceID)
}

// Topology snapshots all services as nodes and all dependencies as
// edges. No transitive closure and no cycle detection; the view is
// always materialized from the edge table.
func (g *Graph) Topology(ctx context.Context) (*model.Topology, error) {
	services, err := g.store.ListServices(ctx, store.ServiceFilter{})
	if err != nil {
		return nil, err
	}
	deps, err := g.store.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}

	topo := &model.Topology{
		Nodes: make([]model.TopologyNode, 0, len(services)),
		Edges: make([]model.TopologyEdge, 0, len(deps)),
	}
	for _, s := range services {
		topo.Nodes = append(topo.Nodes, model.TopologyNode{
			ID:        s.ID,
			Name:      s.Name,
			Status:    s.Status,
			IsGateway: s.IsGateway,
		})
	}
	for _, d := range deps {
		topo.Edges = append(topo.Edges, model.TopologyEdge{
			Source:      d.SourceServiceID,
			Target:      d.TargetServiceID,
			Description: d.Description,
		})
	}
	return topo, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wudi/atlas/internal/model"
)

const dependencyColumns = `id, source_service_id, target_service_id, description, created_at`

// CreateDependency inserts a dependency edge and fills in its surrogate id.
func (s *Store) CreateDependency(ctx context.Context, dep *model.Dependency) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dependencies (source_service_id, target_service_id, description, created_at)
		VALUES (?, ?, ?, ?)`,
		dep.SourceServiceID, dep.TargetServiceID, dep.Description, dep.CreatedAt)
	if err != nil {
		return err
	}
	dep.ID, err = res.LastInsertId()
	return err
}

// FindDependency looks up the edge for a (source, target) pair,
// returning (nil, nil) when no such edge exists.
func (s *Store) FindDependency(ctx context.Context, sourceID, targetID string) (*model.Dependency, error) {
	var dep model.Dependency
	err := s.db.GetContext(ctx, &dep, `
		SELECT `+dependencyColumns+` FROM dependencies
		WHERE source_service_id = ? AND target_service_id = ?`,
		sourceID, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// DeleteDependency removes an edge by surrogate id.
func (s *Store) DeleteDependency(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dependencies WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListDependencies returns every edge, newest first.
func (s *Store) ListDependencies(ctx context.Context) ([]model.Dependency, error) {
	deps := []model.Dependency{}
	err := s.db.SelectContext(ctx, &deps,
		`SELECT `+dependencyColumns+` FROM dependencies ORDER BY created_at DESC`)
	return deps, err
}

// ListDependenciesBySource returns the outgoing edges of a service.
func (s *Store) ListDependenciesBySource(ctx context.Context, serviceID string) ([]model.Dependency, error) {
	deps := []model.Dependency{}
	err := s.db.SelectContext(ctx, &deps,
		`SELECT `+dependencyColumns+` FROM dependencies WHERE source_service_id = ?`, serviceID)
	return deps, err
}

// ListDependenciesByTarget returns the incoming edges of a service.
func (s *Store) ListDependenciesByTarget(ctx context.Context, serviceID string) ([]model.Dependency, error) {
	deps := []model.Dependency{}
	err := s.db.SelectContext(ctx, &deps,
		`SELECT `+dependencyColumns+` FROM dependencies WHERE target_service_id = ?`, serviceID)
	return deps, err
}

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wudi/atlas/internal/model"
)

const routeColumns = `id, gateway_service_id, path_pattern, methods, target_service_id,
	strip_prefix, strip_path, priority, enabled, auth_config, created_at, updated_at`

// RouteFilter narrows ListRoutes.
type RouteFilter struct {
	GatewayID   *string
	EnabledOnly bool
}

// CreateRoute inserts a route and fills in its surrogate id.
func (s *Store) CreateRoute(ctx context.Context, r *model.Route) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (gateway_service_id, path_pattern, methods, target_service_id,
			strip_prefix, strip_path, priority, enabled, auth_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.GatewayServiceID, r.PathPattern, r.Methods, r.TargetServiceID,
		r.StripPrefix, r.StripPath, r.Priority, r.Enabled, r.AuthConfig, r.CreatedAt)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// SaveRoute overwrites every mutable field of an existing route and
// stamps updated_at.
func (s *Store) SaveRoute(ctx context.Context, r *model.Route) error {
	r.UpdatedAt = ptrTime(Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE routes SET path_pattern = ?, methods = ?, target_service_id = ?,
			strip_prefix = ?, strip_path = ?, priority = ?, enabled = ?,
			auth_config = ?, updated_at = ?
		WHERE id = ?`,
		r.PathPattern, r.Methods, r.TargetServiceID, r.StripPrefix, r.StripPath,
		r.Priority, r.Enabled, r.AuthConfig, r.UpdatedAt, r.ID)
	return err
}

// GetRoute fetches a route by id, returning (nil, nil) when absent.
func (s *Store) GetRoute(ctx context.Context, id int64) (*model.Route, error) {
	var r model.Route
	err := s.db.GetContext(ctx, &r, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRoute removes a route by id.
func (s *Store) DeleteRoute(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRoutes returns routes in match order: priority descending,
// creation time descending. This is the order the gateway consults.
func (s *Store) ListRoutes(ctx context.Context, f RouteFilter) ([]model.Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes`
	var (
		conds []string
		args  []any
	)
	if f.GatewayID != nil {
		conds = append(conds, `gateway_service_id = ?`)
		args = append(args, *f.GatewayID)
	}
	if f.EnabledOnly {
		conds = append(conds, `enabled = 1`)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	routes := []model.Route{}
	if err := s.db.SelectContext(ctx, &routes, query, args...); err != nil {
		return nil, err
	}
	return routes, nil
}

// HasRouteTargeting reports whether any route forwards to the service.
func (s *Store) HasRouteTargeting(ctx context.Context, targetID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM routes WHERE target_service_id = ?`, targetID)
	return n > 0, err
}

// FindRouteForService returns the highest-priority enabled route from
// gateway to target, or (nil, nil) when none exists.
func (s *Store) FindRouteForService(ctx context.Context, gatewayID, targetID string) (*model.Route, error) {
	var r model.Route
	err := s.db.GetContext(ctx, &r, `
		SELECT `+routeColumns+` FROM routes
		WHERE gateway_service_id = ? AND target_service_id = ? AND enabled = 1
		ORDER BY priority DESC LIMIT 1`,
		gatewayID, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

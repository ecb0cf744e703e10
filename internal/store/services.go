package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wudi/atlas/internal/model"
)

const serviceColumns = `id, name, host, port, protocol, health_check_path, status,
	is_gateway, base_path, service_meta, registered_at, last_heartbeat, consecutive_failures`

// ServiceFilter narrows ListServices.
type ServiceFilter struct {
	Status    *string
	IsGateway *bool
}

// CreateService inserts a service and, when defaultRoute is non-nil,
// its injected default route in the same transaction.
func (s *Store) CreateService(ctx context.Context, svc *model.Service, defaultRoute *model.Route) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.Name, svc.Host, svc.Port, svc.Protocol, svc.HealthCheckPath,
		svc.Status, svc.IsGateway, svc.BasePath, svc.ServiceMeta,
		svc.RegisteredAt, svc.LastHeartbeat, svc.ConsecutiveFailures)
	if err != nil {
		return err
	}

	if defaultRoute != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO routes (gateway_service_id, path_pattern, methods, target_service_id,
				strip_prefix, strip_path, priority, enabled, auth_config, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			defaultRoute.GatewayServiceID, defaultRoute.PathPattern, defaultRoute.Methods,
			defaultRoute.TargetServiceID, defaultRoute.StripPrefix, defaultRoute.StripPath,
			defaultRoute.Priority, defaultRoute.Enabled, defaultRoute.AuthConfig,
			defaultRoute.CreatedAt)
		if err != nil {
			return err
		}
		defaultRoute.ID, _ = res.LastInsertId()
	}

	return tx.Commit()
}

// SaveService overwrites every mutable field of an existing service.
func (s *Store) SaveService(ctx context.Context, svc *model.Service) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE services SET name = ?, host = ?, port = ?, protocol = ?,
			health_check_path = ?, status = ?, is_gateway = ?, base_path = ?,
			service_meta = ?, last_heartbeat = ?, consecutive_failures = ?
		WHERE id = ?`,
		svc.Name, svc.Host, svc.Port, svc.Protocol, svc.HealthCheckPath,
		svc.Status, svc.IsGateway, svc.BasePath, svc.ServiceMeta,
		svc.LastHeartbeat, svc.ConsecutiveFailures, svc.ID)
	return err
}

// GetService fetches a service by id, returning (nil, nil) when absent.
func (s *Store) GetService(ctx context.Context, id string) (*model.Service, error) {
	var svc model.Service
	err := s.db.GetContext(ctx, &svc,
		`SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// DeleteService removes a service by id. Foreign keys cascade to its
// dependencies and routes in both roles.
func (s *Store) DeleteService(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListServices returns services newest-registered first, optionally
// filtered by status and gateway role.
func (s *Store) ListServices(ctx context.Context, f ServiceFilter) ([]model.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services`
	var (
		conds []string
		args  []any
	)
	if f.Status != nil {
		conds = append(conds, `status = ?`)
		args = append(args, *f.Status)
	}
	if f.IsGateway != nil {
		conds = append(conds, `is_gateway = ?`)
		args = append(args, *f.IsGateway)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY registered_at DESC`

	services := []model.Service{}
	if err := s.db.SelectContext(ctx, &services, query, args...); err != nil {
		return nil, err
	}
	return services, nil
}

// FirstGateway returns the gateway service with the lexicographically
// smallest id, or nil when no gateway is registered. The deterministic
// order matters to the default-route injector.
func (s *Store) FirstGateway(ctx context.Context) (*model.Service, error) {
	var svc model.Service
	err := s.db.GetContext(ctx, &svc,
		`SELECT `+serviceColumns+` FROM services WHERE is_gateway = 1 ORDER BY id LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ApplyProbeResult records the outcome of one active health probe.
// Success resets the failure counter and marks the service healthy;
// failure increments the counter and flips the status to unhealthy once
// the counter reaches threshold. last_heartbeat is untouched: probe and
// heartbeat are independent liveness signals.
func (s *Store) ApplyProbeResult(ctx context.Context, id string, healthy bool, threshold int) error {
	if healthy {
		_, err := s.db.ExecContext(ctx, `
			UPDATE services SET status = ?, consecutive_failures = 0 WHERE id = ?`,
			model.StatusHealthy, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE services SET
			consecutive_failures = consecutive_failures + 1,
			status = CASE WHEN consecutive_failures + 1 >= ? THEN ? ELSE status END
		WHERE id = ?`,
		threshold, model.StatusUnhealthy, id)
	return err
}

// SweepHeartbeats marks every service whose last heartbeat predates
// cutoff (and which is not already unhealthy) as unhealthy. Returns the
// number of services flipped.
func (s *Store) SweepHeartbeats(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET status = ?
		WHERE status != ? AND last_heartbeat < ?`,
		model.StatusUnhealthy, model.StatusUnhealthy, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats counts services by status plus the gateway count.
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var row struct {
		Total     int `db:"total"`
		Healthy   int `db:"healthy"`
		Unhealthy int `db:"unhealthy"`
		Gateways  int `db:"gateways"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS healthy,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS unhealthy,
			COALESCE(SUM(CASE WHEN is_gateway = 1 THEN 1 ELSE 0 END), 0) AS gateways
		FROM services`,
		model.StatusHealthy, model.StatusUnhealthy)
	if err != nil {
		return model.Stats{}, err
	}
	return model.Stats{
		Total:     row.Total,
		Healthy:   row.Healthy,
		Unhealthy: row.Unhealthy,
		Unknown:   row.Total - row.Healthy - row.Unhealthy,
		Gateways:  row.Gateways,
	}, nil
}

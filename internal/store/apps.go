package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/pkg/types"
)

// ErrAppNotFound is returned when an app id has no registration.
var ErrAppNotFound = errors.New("store: app not found")

// RegisterApp upserts an app backend registration. Re-registration resets the
// health state to unknown.
func (s *Store) RegisterApp(ctx context.Context, app *types.RegisteredApp) error {
	const q = `
		INSERT INTO registered_apps (app_id, container_url, manifest, status, registered_at)
		VALUES ($1, $2, $3, 'unknown', now())
		ON CONFLICT (app_id) DO UPDATE
		SET container_url = EXCLUDED.container_url,
		    manifest = EXCLUDED.manifest,
		    status = 'unknown',
		    health_check_failures = 0`
	manifest := app.Manifest
	if manifest == nil {
		manifest = map[string]any{}
	}
	if _, err := s.pool.Exec(ctx, q, app.AppID, app.ContainerURL, manifest); err != nil {
		return fmt.Errorf("store: register app: %w", err)
	}
	return nil
}

// ListApps returns all registered apps.
func (s *Store) ListApps(ctx context.Context) ([]types.RegisteredApp, error) {
	const q = `
		SELECT app_id, container_url, manifest, status, registered_at,
		       last_health_check, health_check_failures
		FROM   registered_apps
		ORDER  BY app_id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list apps: %w", err)
	}
	apps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.RegisteredApp, error) {
		var (
			a         types.RegisteredApp
			status    string
			lastCheck *time.Time
		)
		if err := row.Scan(&a.AppID, &a.ContainerURL, &a.Manifest, &status,
			&a.RegisteredAt, &lastCheck, &a.HealthCheckFailures); err != nil {
			return types.RegisteredApp{}, err
		}
		a.Status = types.AppStatus(status)
		if lastCheck != nil {
			a.LastHealthCheck = *lastCheck
		}
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan apps: %w", err)
	}
	return apps, nil
}

// GetApp returns one registered app by id.
func (s *Store) GetApp(ctx context.Context, appID string) (*types.RegisteredApp, error) {
	const q = `
		SELECT app_id, container_url, manifest, status, registered_at,
		       last_health_check, health_check_failures
		FROM   registered_apps
		WHERE  app_id = $1`
	var (
		a         types.RegisteredApp
		status    string
		lastCheck *time.Time
	)
	err := s.pool.QueryRow(ctx, q, appID).Scan(&a.AppID, &a.ContainerURL, &a.Manifest,
		&status, &a.RegisteredAt, &lastCheck, &a.HealthCheckFailures)
	if err == pgx.ErrNoRows {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get app: %w", err)
	}
	a.Status = types.AppStatus(status)
	if lastCheck != nil {
		a.LastHealthCheck = *lastCheck
	}
	return &a, nil
}

// UpdateAppHealth records the result of one health probe.
func (s *Store) UpdateAppHealth(ctx context.Context, appID string, status types.AppStatus, failures int) error {
	const q = `
		UPDATE registered_apps
		SET    status = $2, health_check_failures = $3, last_health_check = now()
		WHERE  app_id = $1`
	if _, err := s.pool.Exec(ctx, q, appID, string(status), failures); err != nil {
		return fmt.Errorf("store: update app health: %w", err)
	}
	return nil
}

// RemoveApp deletes an app registration.
func (s *Store) RemoveApp(ctx context.Context, appID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM registered_apps WHERE app_id = $1`, appID); err != nil {
		return fmt.Errorf("store: remove app: %w", err)
	}
	return nil
}

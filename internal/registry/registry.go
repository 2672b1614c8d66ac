// Package registry tracks deployed app backends, probes their health, and
// proxies state reads and action calls to their containers.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/pkg/types"
)

const (
	defaultCheckInterval    = 30 * time.Second
	defaultFailureThreshold = 3
	probeTimeout            = 5 * time.Second
	proxyTimeout            = 15 * time.Second
)

// Store is the slice of the relational store the registry uses.
type Store interface {
	RegisterApp(ctx context.Context, app *types.RegisteredApp) error
	ListApps(ctx context.Context) ([]types.RegisteredApp, error)
	GetApp(ctx context.Context, appID string) (*types.RegisteredApp, error)
	UpdateAppHealth(ctx context.Context, appID string, status types.AppStatus, failures int) error
	RemoveApp(ctx context.Context, appID string) error
}

// Registry serves the app-backend API and runs the health-check loop.
type Registry struct {
	store     Store
	interval  time.Duration
	threshold int
	client    *http.Client
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient substitutes the probe/proxy client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// New builds a Registry from config.
func New(cfg config.RegistryConfig, st Store, opts ...Option) *Registry {
	r := &Registry{
		store:     st,
		interval:  cfg.HealthCheckInterval,
		threshold: cfg.FailureThreshold,
		client:    &http.Client{Timeout: proxyTimeout},
	}
	if r.interval <= 0 {
		r.interval = defaultCheckInterval
	}
	if r.threshold <= 0 {
		r.threshold = defaultFailureThreshold
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ─── HTTP API ─────────────────────────────────────────────────────────────────

// Register mounts the registry endpoints.
func (r *Registry) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/apps", r.handleRegister)
	mux.HandleFunc("GET /api/v1/apps", r.handleList)
	mux.HandleFunc("DELETE /api/v1/apps/{app_id}", r.handleRemove)
	mux.HandleFunc("GET /api/v1/apps/{app_id}/state", r.handleState)
	mux.HandleFunc("POST /api/v1/apps/{app_id}/action", r.handleAction)
}

type registerRequest struct {
	AppID        string         `json:"app_id"`
	ContainerURL string         `json:"container_url"`
	Manifest     map[string]any `json:"manifest"`
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.AppID == "" || body.ContainerURL == "" {
		http.Error(w, "app_id and container_url are required", http.StatusBadRequest)
		return
	}
	app := &types.RegisteredApp{
		AppID:        body.AppID,
		ContainerURL: body.ContainerURL,
		Manifest:     body.Manifest,
	}
	if err := r.store.RegisterApp(req.Context(), app); err != nil {
		slog.Error("app registration failed", "app_id", body.AppID, "err", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	slog.Info("app registered", "app_id", body.AppID)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"app_id": body.AppID, "status": string(types.AppUnknown)})
}

type appView struct {
	AppID               string         `json:"app_id"`
	ContainerURL        string         `json:"container_url"`
	Manifest            map[string]any `json:"manifest"`
	Status              string         `json:"status"`
	RegisteredAt        time.Time      `json:"registered_at"`
	LastHealthCheck     *time.Time     `json:"last_health_check,omitempty"`
	HealthCheckFailures int            `json:"health_check_failures"`
}

func (r *Registry) handleList(w http.ResponseWriter, req *http.Request) {
	apps, err := r.store.ListApps(req.Context())
	if err != nil {
		slog.Error("app list failed", "err", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	views := make([]appView, 0, len(apps))
	for _, a := range apps {
		v := appView{
			AppID:               a.AppID,
			ContainerURL:        a.ContainerURL,
			Manifest:            a.Manifest,
			Status:              string(a.Status),
			RegisteredAt:        a.RegisteredAt,
			HealthCheckFailures: a.HealthCheckFailures,
		}
		if !a.LastHealthCheck.IsZero() {
			t := a.LastHealthCheck
			v.LastHealthCheck = &t
		}
		views = append(views, v)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"apps": views})
}

func (r *Registry) handleRemove(w http.ResponseWriter, req *http.Request) {
	appID := req.PathValue("app_id")
	if err := r.store.RemoveApp(req.Context(), appID); err != nil {
		slog.Error("app removal failed", "app_id", appID, "err", err)
		http.Error(w, "removal failed", http.StatusInternalServerError)
		return
	}
	slog.Info("app removed", "app_id", appID)
	w.WriteHeader(http.StatusNoContent)
}

// handleState proxies a state read to the app container.
func (r *Registry) handleState(w http.ResponseWriter, req *http.Request) {
	r.proxy(w, req, http.MethodGet, "/state", nil)
}

// handleAction proxies an action invocation to the app container.
func (r *Registry) handleAction(w http.ResponseWriter, req *http.Request) {
	r.proxy(w, req, http.MethodPost, "/action", req.Body)
}

func (r *Registry) proxy(w http.ResponseWriter, req *http.Request, method, path string, body io.Reader) {
	appID := req.PathValue("app_id")
	app, err := r.store.GetApp(req.Context(), appID)
	if errors.Is(err, store.ErrAppNotFound) {
		http.Error(w, "unknown app", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("app lookup failed", "app_id", appID, "err", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	out, err := http.NewRequestWithContext(req.Context(), method, app.ContainerURL+path, body)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusInternalServerError)
		return
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		out.Header.Set("Content-Type", ct)
	}

	resp, err := r.client.Do(out)
	if err != nil {
		slog.Warn("app proxy failed", "app_id", appID, "path", path, "err", err)
		http.Error(w, "app unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("app proxy copy failed", "app_id", appID, "err", err)
	}
}

// ─── health checks ────────────────────────────────────────────────────────────

// RunHealthChecks probes every registered app each interval until ctx is
// cancelled.
func (r *Registry) RunHealthChecks(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

// CheckAll runs one probe pass over every registered app.
func (r *Registry) CheckAll(ctx context.Context) {
	apps, err := r.store.ListApps(ctx)
	if err != nil {
		slog.Error("health check list failed", "err", err)
		return
	}
	for _, app := range apps {
		r.checkOne(ctx, app)
	}
}

// checkOne probes an app's /health endpoint. An app turns unhealthy only
// after threshold consecutive failures; one success resets the count.
func (r *Registry) checkOne(ctx context.Context, app types.RegisteredApp) {
	err := r.probe(ctx, app.ContainerURL)
	if err == nil {
		if app.Status != types.AppHealthy || app.HealthCheckFailures != 0 {
			slog.Info("app healthy", "app_id", app.AppID)
		}
		if uerr := r.store.UpdateAppHealth(ctx, app.AppID, types.AppHealthy, 0); uerr != nil {
			slog.Error("health update failed", "app_id", app.AppID, "err", uerr)
		}
		return
	}

	failures := app.HealthCheckFailures + 1
	status := app.Status
	if failures >= r.threshold {
		status = types.AppUnhealthy
	}
	slog.Warn("app health probe failed", "app_id", app.AppID,
		"failures", failures, "status", status, "err", err)
	if uerr := r.store.UpdateAppHealth(ctx, app.AppID, status, failures); uerr != nil {
		slog.Error("health update failed", "app_id", app.AppID, "err", uerr)
	}
}

func (r *Registry) probe(ctx context.Context, containerURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, containerURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: health status %d", resp.StatusCode)
	}
	return nil
}

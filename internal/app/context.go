// Package app wires a workspace together: database, migrations and
// effective configuration shared by the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"chained/internal/config"
	"chained/internal/db"
	"chained/internal/engine"
	"chained/internal/migrate"
	"chained/internal/patterns"
	"chained/internal/registry"
)

// Open opens the workspace registry, applies pending migrations and
// resolves the effective config.
func Open(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := ResolveConfig(ctx, workspace, registry.Registry{DB: conn})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// ResolveConfig prefers the workspace config file and falls back to the
// snapshot stored in the registry, so a deleted file does not strand a
// registry that was already initialized. A present file refreshes the
// snapshot.
func ResolveConfig(ctx context.Context, workspace string, r registry.Registry) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if err := r.UpsertConfigSnapshot(ctx, cfg); err != nil {
			return nil, fmt.Errorf("snapshot config: %w", err)
		}
		return cfg, nil
	}
	cfg, err = r.GetConfigSnapshot(ctx)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("workspace %s not initialized; run chd init", workspace)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

const fallbackWorkerDef = `id: general-purpose
specialization_tokens: []
tools: []
location_affinity: []
`

// InitResult lists what Init created, for CLI output.
type InitResult struct {
	Workspace string
	DBPath    string
	Created   []string
}

// Init seeds a workspace: config file, starter pattern table, a sample
// worker definition, the database schema and the protected fallback
// worker. Existing files are left untouched, so re-running is safe.
func Init(ctx context.Context, workspace, actorID string) (InitResult, error) {
	res := InitResult{Workspace: workspace, DBPath: db.Path(workspace)}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return res, err
	}

	seeds := []struct {
		path    string
		content string
	}{
		{config.Path(workspace), config.GenerateDefault()},
		{patterns.Path(workspace), patterns.GenerateDefault()},
		{filepath.Join(config.WorkersDir(workspace), "general-purpose.yaml"), fallbackWorkerDef},
	}
	for _, seed := range seeds {
		if _, err := os.Stat(seed.path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return res, err
		}
		if err := os.MkdirAll(filepath.Dir(seed.path), 0o755); err != nil {
			return res, err
		}
		if err := os.WriteFile(seed.path, []byte(seed.content), 0o644); err != nil {
			return res, err
		}
		res.Created = append(res.Created, seed.path)
	}

	conn, cfg, err := Open(ctx, workspace)
	if err != nil {
		return res, err
	}
	defer conn.Close()

	eng := engine.New(conn, cfg)
	if _, err := eng.EnsureFallbackWorker(ctx, actorID); err != nil {
		return res, fmt.Errorf("seed fallback worker: %w", err)
	}
	return res, nil
}

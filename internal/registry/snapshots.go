package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chained/internal/config"
)

// UpsertConfigSnapshot persists the applied engine config so server mode
// and status commands work without the file present.
func (r Registry) UpsertConfigSnapshot(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO config_snapshots(id, yaml, updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

// GetConfigSnapshot returns the last applied engine config.
func (r Registry) GetConfigSnapshot(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM config_snapshots WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

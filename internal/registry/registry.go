// Package registry is the persisted worker registry and task store. A
// worker row carries its definition, derived lifecycle status, and
// performance counters; the version column is the optimistic-concurrency
// precondition for every record write.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"chained/internal/domain"
)

type Registry struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("registry write conflict")
)

const workerColumns = `id, spec_tokens_json, tools_json, locations_json, status, protected, total_missions, successful_missions, version, last_updated, created_at`

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var w domain.Worker
	var specJSON, toolsJSON, locsJSON string
	var protected int
	var lastUpdated sql.NullString
	err := scan(&w.ID, &specJSON, &toolsJSON, &locsJSON, &w.Status, &protected, &w.TotalMissions, &w.SuccessfulMissions, &w.Version, &lastUpdated, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Protected = protected != 0
	w.SpecializationTokens = fromJSONStrings(specJSON)
	w.Tools = fromJSONStrings(toolsJSON)
	w.LocationAffinity = fromJSONStrings(locsJSON)
	w.SuccessRate = domain.Rate(w.TotalMissions, w.SuccessfulMissions)
	if lastUpdated.Valid {
		w.LastUpdated = lastUpdated.String
	}
	return w, nil
}

func (r Registry) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

func (r Registry) GetWorkerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

// UpsertWorkerDef writes the authored definition fields of a worker row,
// creating the row when absent. Counters, protection, and derived status
// are untouched; the version still bumps so concurrent record writes
// observe the change.
func (r Registry) UpsertWorkerDef(ctx context.Context, tx *sql.Tx, w domain.Worker, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id, spec_tokens_json, tools_json, locations_json, status, protected, total_missions, successful_missions, version, created_at)
VALUES (?,?,?,?,?,?,0,0,0,?)
ON CONFLICT(id) DO UPDATE SET
	spec_tokens_json=excluded.spec_tokens_json,
	tools_json=excluded.tools_json,
	locations_json=excluded.locations_json,
	version=workers.version+1`,
		w.ID, toJSONStrings(w.SpecializationTokens), toJSONStrings(w.Tools), toJSONStrings(w.LocationAffinity),
		domain.WorkerActive, boolInt(w.Protected), now)
	return err
}

// PutWorkerIfUnchanged writes the mutable record portion of a worker row
// (counters, derived status, protection) only when the stored version
// still equals expectedVersion. The version increments on success.
func (r Registry) PutWorkerIfUnchanged(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, w domain.Worker, now string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE workers SET total_missions=?, successful_missions=?, status=?, protected=?, last_updated=?, version=version+1
WHERE id=? AND version=?`,
		w.TotalMissions, w.SuccessfulMissions, w.Status, boolInt(w.Protected), now, id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetWorker(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

type WorkerFilters struct {
	Status    string
	Protected *bool
	Limit     int
}

func (r Registry) ListWorkers(ctx context.Context, f WorkerFilters) ([]domain.Worker, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Protected != nil {
		clauses = append(clauses, "protected=?")
		args = append(args, boolInt(*f.Protected))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workerColumns + ` FROM workers ` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ListActive returns the candidate pool: every worker not eliminated,
// ordered by id so scoring input order is deterministic.
func (r Registry) ListActive(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE status != ? ORDER BY id ASC`, domain.WorkerEliminated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// Standings ranks every worker by success rate, then total missions,
// then id.
func (r Registry) Standings(ctx context.Context) ([]domain.Standing, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, status, protected, total_missions, successful_missions FROM workers
ORDER BY CASE WHEN total_missions=0 THEN 0 ELSE CAST(successful_missions AS REAL)/total_missions END DESC, total_missions DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Standing
	for rows.Next() {
		var s domain.Standing
		var protected int
		if err := rows.Scan(&s.WorkerID, &s.Status, &protected, &s.TotalMissions, &s.SuccessfulMissions); err != nil {
			return nil, err
		}
		s.Protected = protected != 0
		s.SuccessRate = domain.Rate(s.TotalMissions, s.SuccessfulMissions)
		s.Rank = len(res) + 1
		res = append(res, s)
	}
	return res, rows.Err()
}

func toJSONStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSONStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

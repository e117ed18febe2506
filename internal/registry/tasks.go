package registry

import (
	"context"
	"database/sql"
	"strings"

	"chained/internal/domain"
)

const taskColumns = `id, title, body, locations_json, tokens_json, assigned_worker, match_score, triage_reason, status, outcome, created_at, updated_at, completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var locsJSON string
	var tokensJSON, worker, triage, outcome, completedAt sql.NullString
	err := scan(&t.ID, &t.Title, &t.Body, &locsJSON, &tokensJSON, &worker, &t.MatchScore, &triage, &t.Status, &outcome, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DeclaredLocations = fromJSONStrings(locsJSON)
	if tokensJSON.Valid {
		t.ExtractedTokens = fromJSONStrings(tokensJSON.String)
	}
	if worker.Valid {
		t.AssignedWorker = &worker.String
	}
	if triage.Valid {
		t.TriageReason = &triage.String
	}
	if outcome.Valid {
		t.Outcome = &outcome.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Registry) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id, title, body, locations_json, status, created_at, updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Body, toJSONStrings(t.DeclaredLocations), domain.TaskCreated, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Registry) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Registry) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// MarkTaskMatched records the computed assignment on a freshly created
// task. The status guard makes the write the idempotency lock: a
// concurrent dispatch that lost the race affects zero rows.
func (r Registry) MarkTaskMatched(ctx context.Context, tx *sql.Tx, id string, tokens []string, worker string, score float64, triageReason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET tokens_json=?, assigned_worker=?, match_score=?, triage_reason=?, status=?, updated_at=?
WHERE id=? AND status=?`,
		toJSONStrings(tokens), worker, score, nullable(triageReason), domain.TaskMatched, now, id, domain.TaskCreated)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkTaskAssigned locks in a matched assignment.
func (r Registry) MarkTaskAssigned(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskAssigned, now, id, domain.TaskMatched)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteTask transitions assigned→completed with the outcome. The
// status guard is what makes outcome recording exactly-once.
func (r Registry) CompleteTask(ctx context.Context, tx *sql.Tx, id, outcome, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, outcome=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskCompleted, outcome, now, now, id, domain.TaskAssigned)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type TaskFilters struct {
	Status          string
	Worker          string
	Triage          bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Registry) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Worker != "" {
		clauses = append(clauses, "assigned_worker=?")
		args = append(args, f.Worker)
	}
	if f.Triage {
		clauses = append(clauses, "triage_reason IS NOT NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Registry) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

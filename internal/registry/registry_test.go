package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"chained/internal/db"
	"chained/internal/domain"
	"chained/internal/migrate"
	"chained/internal/registry"
)

const testNow = "2024-01-01T00:00:00Z"

func newTestRegistry(t *testing.T) (registry.Registry, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return registry.Registry{DB: conn}, context.Background()
}

func inTx(t *testing.T, r registry.Registry, ctx context.Context, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedWorker(t *testing.T, r registry.Registry, ctx context.Context, id string) domain.Worker {
	t.Helper()
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpsertWorkerDef(ctx, tx, domain.Worker{ID: id}, testNow)
	})
	w, err := r.GetWorker(ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return w
}

func TestPutWorkerIfUnchangedVersionGuard(t *testing.T) {
	r, ctx := newTestRegistry(t)
	w := seedWorker(t, r, ctx, "w1")

	w.TotalMissions = 1
	if err := r.PutWorkerIfUnchanged(ctx, nil, w.ID, w.Version, w, testNow); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// Same precondition again: the version moved, so the write is stale.
	err := r.PutWorkerIfUnchanged(ctx, nil, w.ID, w.Version, w, testNow)
	if !errors.Is(err, registry.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	cur, err := r.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Version != w.Version+1 || cur.TotalMissions != 1 {
		t.Fatalf("unexpected record %+v", cur)
	}

	err = r.PutWorkerIfUnchanged(ctx, nil, "missing", 0, w, testNow)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestUpsertWorkerDefPreservesRecord(t *testing.T) {
	r, ctx := newTestRegistry(t)
	w := seedWorker(t, r, ctx, "w1")

	w.TotalMissions = 4
	w.SuccessfulMissions = 3
	w.Status = domain.WorkerActive
	if err := r.PutWorkerIfUnchanged(ctx, nil, w.ID, w.Version, w, testNow); err != nil {
		t.Fatalf("record write: %v", err)
	}

	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpsertWorkerDef(ctx, tx, domain.Worker{
			ID:                   "w1",
			SpecializationTokens: []string{"bug"},
		}, testNow)
	})
	cur, err := r.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.TotalMissions != 4 || cur.SuccessfulMissions != 3 {
		t.Fatalf("definition upsert touched counters: %+v", cur)
	}
	if len(cur.SpecializationTokens) != 1 {
		t.Fatalf("definition not applied: %+v", cur)
	}
}

func TestTaskStatusGuards(t *testing.T) {
	r, ctx := newTestRegistry(t)
	// assigned_worker is a foreign key; both candidates must exist.
	seedWorker(t, r, ctx, "w1")
	seedWorker(t, r, ctx, "other")
	task := domain.Task{ID: "t1", Title: "guarded", CreatedAt: testNow, UpdatedAt: testNow}
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertTask(ctx, tx, task)
	})

	// completed requires assigned; created and matched both refuse.
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		ok, err := r.CompleteTask(ctx, tx, "t1", domain.OutcomeSuccess, testNow)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("complete succeeded on created task")
		}
		return nil
	})
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		ok, err := r.MarkTaskMatched(ctx, tx, "t1", []string{"bug"}, "w1", 0.8, "", testNow)
		if err != nil || !ok {
			t.Fatalf("match: ok=%v err=%v", ok, err)
		}
		ok, err = r.CompleteTask(ctx, tx, "t1", domain.OutcomeSuccess, testNow)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("complete succeeded on matched task")
		}
		return nil
	})

	// Second match is a no-op: the status guard is the idempotency lock.
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		ok, err := r.MarkTaskMatched(ctx, tx, "t1", []string{"bug"}, "other", 0.9, "", testNow)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("second match overwrote the first")
		}
		return nil
	})

	inTx(t, r, ctx, func(tx *sql.Tx) error {
		ok, err := r.MarkTaskAssigned(ctx, tx, "t1", testNow)
		if err != nil || !ok {
			t.Fatalf("assign: ok=%v err=%v", ok, err)
		}
		ok, err = r.CompleteTask(ctx, tx, "t1", domain.OutcomeSuccess, testNow)
		if err != nil || !ok {
			t.Fatalf("complete: ok=%v err=%v", ok, err)
		}
		ok, err = r.CompleteTask(ctx, tx, "t1", domain.OutcomeFailure, testNow)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("second completion overwrote the first")
		}
		return nil
	})

	cur, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != domain.TaskCompleted || cur.AssignedWorker == nil || *cur.AssignedWorker != "w1" {
		t.Fatalf("unexpected task %+v", cur)
	}
	if cur.Outcome == nil || *cur.Outcome != domain.OutcomeSuccess {
		t.Fatalf("first outcome did not stand: %+v", cur)
	}
}

func TestListActiveExcludesEliminated(t *testing.T) {
	r, ctx := newTestRegistry(t)
	seedWorker(t, r, ctx, "alive")
	gone := seedWorker(t, r, ctx, "gone")
	gone.Status = domain.WorkerEliminated
	if err := r.PutWorkerIfUnchanged(ctx, nil, "gone", gone.Version, gone, testNow); err != nil {
		t.Fatalf("eliminate: %v", err)
	}
	risky := seedWorker(t, r, ctx, "risky")
	risky.Status = domain.WorkerEliminationRisk
	if err := r.PutWorkerIfUnchanged(ctx, nil, "risky", risky.Version, risky, testNow); err != nil {
		t.Fatalf("flag: %v", err)
	}

	active, err := r.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	ids := make([]string, 0, len(active))
	for _, w := range active {
		ids = append(ids, w.ID)
	}
	if len(ids) != 2 || ids[0] != "alive" || ids[1] != "risky" {
		t.Fatalf("expected [alive risky], got %v", ids)
	}
}

func TestStandingsOrder(t *testing.T) {
	r, ctx := newTestRegistry(t)
	for _, seed := range []struct {
		id         string
		total, won int
	}{
		{"mid", 10, 6},
		{"top", 10, 9},
		{"fresh", 0, 0},
	} {
		w := seedWorker(t, r, ctx, seed.id)
		if seed.total == 0 {
			continue
		}
		w.TotalMissions = seed.total
		w.SuccessfulMissions = seed.won
		if err := r.PutWorkerIfUnchanged(ctx, nil, seed.id, w.Version, w, testNow); err != nil {
			t.Fatalf("seed %s: %v", seed.id, err)
		}
	}
	standings, err := r.Standings(ctx)
	if err != nil {
		t.Fatalf("standings: %v", err)
	}
	if len(standings) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(standings))
	}
	if standings[0].WorkerID != "top" || standings[1].WorkerID != "mid" || standings[2].WorkerID != "fresh" {
		t.Fatalf("unexpected order: %+v", standings)
	}
	if standings[0].Rank != 1 || standings[2].Rank != 3 {
		t.Fatalf("ranks not sequential: %+v", standings)
	}
}

func TestAPIKeysRoundTrip(t *testing.T) {
	r, ctx := newTestRegistry(t)
	key := domain.APIKey{ID: "k1", Name: "ci", KeyHash: registry.HashKey("chd_secret"), CreatedAt: testNow}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, registry.HashKey("chd_secret"))
	if err != nil || got.Name != "ci" {
		t.Fatalf("lookup by hash: %+v %v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, registry.HashKey("wrong")); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong key, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

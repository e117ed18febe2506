// Package engine orchestrates dispatch and outcome recording. Every
// public operation is idempotent by construction: task ids are content
// hashes, task writes are status-guarded, and worker record updates
// carry a version precondition with bounded retry.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chained/internal/config"
	"chained/internal/domain"
	"chained/internal/events"
	"chained/internal/evolve"
	"chained/internal/patterns"
	"chained/internal/registry"
	"chained/internal/score"
	"chained/internal/signal"
)

var (
	ErrInvalid       = errors.New("invalid input")
	ErrOrphanOutcome = errors.New("no recorded assignment for task; retry after dispatch settles")
)

type Engine struct {
	DB       *sql.DB
	Registry registry.Registry
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Registry: registry.Registry{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e Engine) calculator() score.Calculator {
	s := e.Config.Score
	return score.Calculator{
		Weights: score.Weights{
			Pattern:     s.Weights.Pattern,
			Performance: s.Weights.Performance,
			Location:    s.Weights.Location,
		},
		NeutralPrior:    s.NeutralPrior,
		LocationPenalty: s.LocationPenalty,
		Epsilon:         s.Epsilon,
	}
}

func (e Engine) policy() evolve.Policy {
	ev := e.Config.Evolution
	return evolve.Policy{
		MinMissions:      ev.MinMissions,
		HallOfFameRate:   ev.HallOfFameRate,
		EliminationRate:  ev.EliminationRate,
		EliminationGrace: ev.EliminationGrace,
	}
}

// TaskID derives a stable id from task content, so re-ingesting the same
// document converges on the same task row.
func TaskID(title, body string, locations []string) string {
	seed := strings.Join(append([]string{title, body}, locations...), "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// DispatchOptions are parameters for dispatching a task.
type DispatchOptions struct {
	ID        string
	Title     string
	Body      string
	Locations []string
	ActorID   string
}

// Dispatch ingests the task if it is new and computes its assignment.
// Dispatching a task that already holds an assignment returns the stored
// result unchanged, even if the registry moved on since. The pattern
// table is the caller's freshly loaded copy; it is never cached between
// invocations.
func (e Engine) Dispatch(ctx context.Context, table *patterns.Table, opts DispatchOptions) (domain.AssignmentResult, error) {
	if e.Config == nil {
		return domain.AssignmentResult{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.AssignmentResult{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	locs := signal.Normalize(opts.Locations)
	id := opts.ID
	if id == "" {
		id = TaskID(opts.Title, opts.Body, locs)
	}

	t, err := e.Registry.GetTask(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		t, err = e.createTask(ctx, id, opts, locs)
	}
	if err != nil {
		return domain.AssignmentResult{}, err
	}
	if t.Status != domain.TaskCreated {
		return e.settle(ctx, t)
	}

	res, err := e.match(ctx, table, t, opts.ActorID)
	if err != nil {
		return domain.AssignmentResult{}, err
	}
	if err := e.lockAssignment(ctx, res.TaskID); err != nil {
		return domain.AssignmentResult{}, err
	}
	return res, nil
}

func (e Engine) createTask(ctx context.Context, id string, opts DispatchOptions, locs []string) (domain.Task, error) {
	now := e.now()
	t := domain.Task{
		ID:                id,
		Title:             opts.Title,
		Body:              opts.Body,
		DeclaredLocations: locs,
		Status:            domain.TaskCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Registry.InsertTask(ctx, tx, t); err != nil {
		// A concurrent dispatch may have inserted the same id first.
		if existing, getErr := e.Registry.GetTask(ctx, id); getErr == nil {
			return existing, nil
		}
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, "task", id, opts.ActorID, events.EventPayload{
		"title":     opts.Title,
		"locations": locs,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// match computes and records the assignment for a task still in created.
func (e Engine) match(ctx context.Context, table *patterns.Table, t domain.Task, actorID string) (domain.AssignmentResult, error) {
	tokens, _ := signal.Extract(table, t.Title, t.Body, t.DeclaredLocations)

	eligible, err := e.Registry.ListActive(ctx)
	if err != nil {
		return domain.AssignmentResult{}, err
	}
	byID := make(map[string]domain.Worker, len(eligible))
	for _, w := range eligible {
		byID[w.ID] = w
	}
	var candidates []domain.Worker
	var unknown []string
	for _, cid := range table.Candidates(tokens) {
		if w, ok := byID[cid]; ok {
			candidates = append(candidates, w)
		} else {
			unknown = append(unknown, cid)
		}
	}

	var (
		workerID  string
		total     float64
		breakdown domain.ScoreBreakdown
		triage    string
	)
	switch {
	case len(tokens) == 0:
		workerID = e.Config.Registry.FallbackWorker
		triage = domain.TriageNoSignalMatch
	case len(candidates) == 0:
		workerID = e.Config.Registry.FallbackWorker
		triage = domain.TriageBelowThreshold
	default:
		ranked := e.calculator().Rank(table, tokens, t, candidates)
		if top := ranked[0]; top.Breakdown.Total >= e.Config.Score.MinScore {
			workerID = top.Worker.ID
			total = top.Breakdown.Total
			breakdown = top.Breakdown
		} else {
			workerID = e.Config.Registry.FallbackWorker
			triage = domain.TriageBelowThreshold
		}
	}
	if triage != "" {
		if _, err := e.Registry.GetWorker(ctx, workerID); err != nil {
			return domain.AssignmentResult{}, fmt.Errorf("fallback worker %s: %w", workerID, err)
		}
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AssignmentResult{}, err
	}
	defer tx.Rollback()

	ok, err := e.Registry.MarkTaskMatched(ctx, tx, t.ID, tokens, workerID, total, triage, now)
	if err != nil {
		return domain.AssignmentResult{}, err
	}
	if !ok {
		// Lost the race: another dispatch matched this task first.
		tx.Rollback()
		stored, err := e.Registry.GetTask(ctx, t.ID)
		if err != nil {
			return domain.AssignmentResult{}, err
		}
		return e.settle(ctx, stored)
	}
	for _, cid := range unknown {
		if err := e.Events.Append(ctx, tx, events.UnknownWorker, "worker", cid, actorID, events.EventPayload{
			"task_id": t.ID,
		}); err != nil {
			return domain.AssignmentResult{}, err
		}
	}
	evtType := events.TaskAssigned
	payload := events.EventPayload{
		"worker_id": workerID,
		"score":     total,
		"breakdown": breakdown,
		"tokens":    tokens,
	}
	if triage != "" {
		evtType = events.TaskFallback
		payload["triage_reason"] = triage
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", t.ID, actorID, payload); err != nil {
		return domain.AssignmentResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AssignmentResult{}, err
	}

	return domain.AssignmentResult{
		TaskID:       t.ID,
		WorkerID:     workerID,
		Score:        total,
		Fallback:     triage != "",
		TriageReason: triage,
		Breakdown:    breakdown,
		AssignedAt:   now,
	}, nil
}

// lockAssignment finishes matched -> assigned. Racing callers no-op on
// the status guard.
func (e Engine) lockAssignment(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Registry.MarkTaskAssigned(ctx, tx, id, e.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// settle rebuilds the assignment result for a task past created,
// finishing the assignment lock if a previous invocation stopped at
// matched.
func (e Engine) settle(ctx context.Context, t domain.Task) (domain.AssignmentResult, error) {
	if t.Status == domain.TaskMatched {
		if err := e.lockAssignment(ctx, t.ID); err != nil {
			return domain.AssignmentResult{}, err
		}
	}
	res := domain.AssignmentResult{
		TaskID:     t.ID,
		Score:      t.MatchScore,
		AssignedAt: t.UpdatedAt,
	}
	if t.AssignedWorker != nil {
		res.WorkerID = *t.AssignedWorker
	}
	if t.TriageReason != nil {
		res.Fallback = true
		res.TriageReason = *t.TriageReason
	}
	return res, nil
}

// RecordOutcome folds a terminal outcome into the assigned worker's
// record exactly once. The task transition and the counter update commit
// in a single transaction; a version conflict on the worker row rolls
// the attempt back and retries with linear backoff.
func (e Engine) RecordOutcome(ctx context.Context, taskID, outcome, actorID string) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if outcome != domain.OutcomeSuccess && outcome != domain.OutcomeFailure {
		return domain.Task{}, fmt.Errorf("%w: outcome must be success or failure", ErrInvalid)
	}
	attempts := e.Config.Retry.Attempts
	backoff := time.Duration(e.Config.Retry.BackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Task{}, err
		}
		t, done, err := e.recordOutcomeOnce(ctx, taskID, outcome, actorID)
		if done {
			return t, err
		}
		lastErr = err
		time.Sleep(backoff * time.Duration(attempt))
	}
	return domain.Task{}, fmt.Errorf("record outcome for %s after %d attempts: %w", taskID, attempts, lastErr)
}

// recordOutcomeOnce runs one optimistic attempt. done=false means the
// version precondition failed and the caller should retry.
func (e Engine) recordOutcomeOnce(ctx context.Context, taskID, outcome, actorID string) (domain.Task, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, true, err
	}
	defer tx.Rollback()

	t, err := e.Registry.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, true, err
	}
	switch t.Status {
	case domain.TaskCompleted:
		// Duplicate delivery: the first outcome won.
		return t, true, nil
	case domain.TaskCreated, domain.TaskMatched:
		return domain.Task{}, true, fmt.Errorf("task %s: %w", taskID, ErrOrphanOutcome)
	}
	if t.AssignedWorker == nil {
		return domain.Task{}, true, fmt.Errorf("task %s: %w", taskID, ErrOrphanOutcome)
	}

	w, err := e.Registry.GetWorkerTx(ctx, tx, *t.AssignedWorker)
	if err != nil {
		return domain.Task{}, true, fmt.Errorf("assigned worker %s: %w", *t.AssignedWorker, err)
	}
	oldStatus := w.Status
	w.TotalMissions++
	if outcome == domain.OutcomeSuccess {
		w.SuccessfulMissions++
	}
	w.Status = evolve.Derive(w.TotalMissions, w.SuccessfulMissions, w.Protected, e.policy())

	now := e.now()
	ok, err := e.Registry.CompleteTask(ctx, tx, taskID, outcome, now)
	if err != nil {
		return domain.Task{}, true, err
	}
	if !ok {
		// Raced with another completion; that one's outcome stands.
		tx.Rollback()
		stored, err := e.Registry.GetTask(ctx, taskID)
		return stored, true, err
	}
	if err := e.Registry.PutWorkerIfUnchanged(ctx, tx, w.ID, w.Version, w, now); err != nil {
		if errors.Is(err, registry.ErrVersionConflict) {
			return domain.Task{}, false, err
		}
		return domain.Task{}, true, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCompleted, "task", taskID, actorID, events.EventPayload{
		"worker_id":           w.ID,
		"outcome":             outcome,
		"total_missions":      w.TotalMissions,
		"successful_missions": w.SuccessfulMissions,
		"success_rate":        domain.Rate(w.TotalMissions, w.SuccessfulMissions),
	}); err != nil {
		return domain.Task{}, true, err
	}
	if w.Status != oldStatus {
		if err := e.Events.Append(ctx, tx, evolve.EventType(oldStatus, w.Status), "worker", w.ID, actorID, events.EventPayload{
			"from":         oldStatus,
			"to":           w.Status,
			"success_rate": domain.Rate(w.TotalMissions, w.SuccessfulMissions),
			"task_id":      taskID,
		}); err != nil {
			return domain.Task{}, true, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, true, err
	}
	t, err = e.Registry.GetTask(ctx, taskID)
	return t, true, err
}

// Transition reports one worker's status change during a reindex.
type Transition struct {
	WorkerID string `json:"worker_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Reindex re-derives every worker's lifecycle status from its counters.
// Stored status is a cache of the derivation; this rebuilds the cache
// after config changes or manual registry surgery.
func (e Engine) Reindex(ctx context.Context, actorID string) ([]Transition, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	workers, err := e.Registry.ListWorkers(ctx, registry.WorkerFilters{})
	if err != nil {
		return nil, err
	}
	var transitions []Transition
	for _, w := range workers {
		derived := evolve.Derive(w.TotalMissions, w.SuccessfulMissions, w.Protected, e.policy())
		if derived == w.Status {
			continue
		}
		if err := e.reviseWorker(ctx, w.ID, actorID, func(cur domain.Worker) (domain.Worker, string, bool) {
			next := evolve.Derive(cur.TotalMissions, cur.SuccessfulMissions, cur.Protected, e.policy())
			if next == cur.Status {
				return cur, "", false
			}
			evt := evolve.EventType(cur.Status, next)
			cur.Status = next
			return cur, evt, true
		}); err != nil {
			return nil, err
		}
		transitions = append(transitions, Transition{WorkerID: w.ID, From: w.Status, To: derived})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.Reindexed, "registry", "registry", actorID, events.EventPayload{
		"workers":     len(workers),
		"transitions": len(transitions),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return transitions, nil
}

// reviseWorker applies fn under the version precondition with the
// configured retry budget. fn returns the updated record, the journal
// event type for the change, and whether a write is needed at all.
func (e Engine) reviseWorker(ctx context.Context, id, actorID string, fn func(domain.Worker) (domain.Worker, string, bool)) error {
	attempts := e.Config.Retry.Attempts
	backoff := time.Duration(e.Config.Retry.BackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := e.Registry.GetWorker(ctx, id)
		if err != nil {
			return err
		}
		updated, evtType, write := fn(w)
		if !write {
			return nil
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		err = e.Registry.PutWorkerIfUnchanged(ctx, tx, id, w.Version, updated, e.now())
		if err == nil && evtType != "" {
			err = e.Events.Append(ctx, tx, evtType, "worker", id, actorID, events.EventPayload{
				"from":         w.Status,
				"to":           updated.Status,
				"protected":    updated.Protected,
				"success_rate": domain.Rate(updated.TotalMissions, updated.SuccessfulMissions),
			})
		}
		if err == nil {
			return tx.Commit()
		}
		tx.Rollback()
		if !errors.Is(err, registry.ErrVersionConflict) {
			return err
		}
		lastErr = err
		time.Sleep(backoff * time.Duration(attempt))
	}
	return fmt.Errorf("revise worker %s after %d attempts: %w", id, attempts, lastErr)
}

// SyncWorkers upserts authored definitions into the registry. Tokens and
// affinities are normalized the same way task signal is, so score-time
// comparisons stay exact. Removing a definition file never deletes
// history; workers only leave the pool through elimination.
func (e Engine) SyncWorkers(ctx context.Context, defs []config.WorkerDef, actorID string) ([]domain.Worker, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		w := domain.Worker{
			ID:                   def.ID,
			SpecializationTokens: signal.Normalize(def.SpecializationTokens),
			Tools:                def.Tools,
			LocationAffinity:     signal.Normalize(def.LocationAffinity),
		}
		if err := e.Registry.UpsertWorkerDef(ctx, tx, w, now); err != nil {
			return nil, fmt.Errorf("sync worker %s: %w", def.ID, err)
		}
		if err := e.Events.Append(ctx, tx, events.WorkerSynced, "worker", def.ID, actorID, events.EventPayload{
			"specialization_tokens": w.SpecializationTokens,
			"location_affinity":     w.LocationAffinity,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, def.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	synced := make([]domain.Worker, 0, len(ids))
	for _, id := range ids {
		cur, err := e.Registry.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		synced = append(synced, cur)
	}
	return synced, nil
}

// EnsureFallbackWorker seeds the configured fallback worker as a
// protected generalist if it is not registered yet.
func (e Engine) EnsureFallbackWorker(ctx context.Context, actorID string) (domain.Worker, error) {
	id := e.Config.Registry.FallbackWorker
	w, err := e.Registry.GetWorker(ctx, id)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return domain.Worker{}, err
	}
	if _, err := e.SyncWorkers(ctx, []config.WorkerDef{{ID: id}}, actorID); err != nil {
		return domain.Worker{}, err
	}
	return e.ProtectWorker(ctx, id, true, actorID)
}

// ProtectWorker flips the maintainer override. Turning protection off on
// a worker whose counters already warrant elimination lets the next
// derivation eliminate it.
func (e Engine) ProtectWorker(ctx context.Context, id string, protected bool, actorID string) (domain.Worker, error) {
	err := e.reviseWorker(ctx, id, actorID, func(cur domain.Worker) (domain.Worker, string, bool) {
		cur.Protected = protected
		cur.Status = evolve.Derive(cur.TotalMissions, cur.SuccessfulMissions, protected, e.policy())
		return cur, events.WorkerProtect, true
	})
	if err != nil {
		return domain.Worker{}, err
	}
	return e.Registry.GetWorker(ctx, id)
}

// ReinstateWorker gives an eliminated worker a fresh start by resetting
// its counters; the derived status follows the data back to active.
func (e Engine) ReinstateWorker(ctx context.Context, id, actorID string) (domain.Worker, error) {
	err := e.reviseWorker(ctx, id, actorID, func(cur domain.Worker) (domain.Worker, string, bool) {
		cur.TotalMissions = 0
		cur.SuccessfulMissions = 0
		cur.Status = evolve.Derive(0, 0, cur.Protected, e.policy())
		return cur, events.WorkerReinstat, true
	})
	if err != nil {
		return domain.Worker{}, err
	}
	return e.Registry.GetWorker(ctx, id)
}

// WorkerStatus returns a worker with its recent missions, newest first.
func (e Engine) WorkerStatus(ctx context.Context, id string) (domain.Worker, []domain.Task, error) {
	w, err := e.Registry.GetWorker(ctx, id)
	if err != nil {
		return domain.Worker{}, nil, err
	}
	missions, err := e.Registry.ListTasks(ctx, registry.TaskFilters{Worker: id, Limit: 10})
	if err != nil {
		return domain.Worker{}, nil, err
	}
	return w, missions, nil
}

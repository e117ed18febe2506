// Package events appends to the journal. Every assignment, outcome fold,
// and lifecycle transition lands here; the telemetry forwarder and the
// log commands read it back.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated    = "task.created"
	TaskAssigned   = "task.assigned"
	TaskFallback   = "task.fallback"
	TaskCompleted  = "task.completed"
	WorkerSynced   = "worker.synced"
	WorkerProtect  = "worker.protected"
	WorkerReinstat = "worker.reinstated"
	UnknownWorker  = "pattern.unknown_worker"
	Reindexed      = "registry.reindexed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one journal row inside the caller's transaction so the
// record commits atomically with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor,payload) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

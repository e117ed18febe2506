package server

import (
	"encoding/json"

	"chained/internal/domain"
	"chained/internal/engine"
)

// Request payloads

type DispatchTaskRequest struct {
	ID        *string  `json:"id,omitempty"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Locations []string `json:"locations,omitempty"`
}

type RecordOutcomeRequest struct {
	Outcome string `json:"outcome" enum:"success,failure"`
}

type WorkerDefRequest struct {
	ID                   string   `json:"id"`
	SpecializationTokens []string `json:"specialization_tokens,omitempty"`
	Tools                []string `json:"tools,omitempty"`
	LocationAffinity     []string `json:"location_affinity,omitempty"`
}

type SyncWorkersRequest struct {
	Workers []WorkerDefRequest `json:"workers"`
}

type ProtectWorkerRequest struct {
	Protected bool `json:"protected"`
}

// Response payloads

type ScoreBreakdownResponse struct {
	Pattern     float64 `json:"pattern"`
	Location    float64 `json:"location"`
	Performance float64 `json:"performance"`
	Total       float64 `json:"total"`
}

type AssignmentResponse struct {
	TaskID       string                  `json:"task_id"`
	WorkerID     string                  `json:"worker_id"`
	Score        float64                 `json:"score"`
	Fallback     bool                    `json:"fallback"`
	TriageReason string                  `json:"triage_reason,omitempty" enum:"no_signal_match,below_threshold"`
	Breakdown    *ScoreBreakdownResponse `json:"breakdown,omitempty"`
	AssignedAt   string                  `json:"assigned_at" format:"date-time"`
}

type TaskResponse struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Body              string   `json:"body,omitempty"`
	DeclaredLocations []string `json:"declared_locations,omitempty"`
	ExtractedTokens   []string `json:"extracted_tokens,omitempty"`
	AssignedWorker    *string  `json:"assigned_worker,omitempty"`
	MatchScore        float64  `json:"match_score"`
	TriageReason      *string  `json:"triage_reason,omitempty" enum:"no_signal_match,below_threshold"`
	Status            string   `json:"status" enum:"created,matched,assigned,completed"`
	Outcome           *string  `json:"outcome,omitempty" enum:"success,failure"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
}

type WorkerResponse struct {
	ID                   string   `json:"id"`
	SpecializationTokens []string `json:"specialization_tokens"`
	Tools                []string `json:"tools,omitempty"`
	LocationAffinity     []string `json:"location_affinity,omitempty"`
	Status               string   `json:"status" enum:"active,hall_of_fame,elimination_risk,eliminated"`
	Protected            bool     `json:"protected"`
	TotalMissions        int      `json:"total_missions"`
	SuccessfulMissions   int      `json:"successful_missions"`
	SuccessRate          float64  `json:"success_rate"`
	Version              int64    `json:"version"`
	LastUpdated          string   `json:"last_updated" format:"date-time"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type WorkerStatusResponse struct {
	Worker         WorkerResponse           `json:"worker"`
	Record         domain.PerformanceRecord `json:"record"`
	RecentMissions []TaskResponse           `json:"recent_missions"`
}

type StandingResponse struct {
	Rank               int     `json:"rank"`
	WorkerID           string  `json:"worker_id"`
	Status             string  `json:"status" enum:"active,hall_of_fame,elimination_risk,eliminated"`
	Protected          bool    `json:"protected"`
	TotalMissions      int     `json:"total_missions"`
	SuccessfulMissions int     `json:"successful_missions"`
	SuccessRate        float64 `json:"success_rate"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ReindexResponse struct {
	Transitions []engine.Transition `json:"transitions"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func assignmentResponse(res domain.AssignmentResult) AssignmentResponse {
	out := AssignmentResponse{
		TaskID:       res.TaskID,
		WorkerID:     res.WorkerID,
		Score:        res.Score,
		Fallback:     res.Fallback,
		TriageReason: res.TriageReason,
		AssignedAt:   res.AssignedAt,
	}
	if !res.Fallback {
		out.Breakdown = &ScoreBreakdownResponse{
			Pattern:     res.Breakdown.Pattern,
			Location:    res.Breakdown.Location,
			Performance: res.Breakdown.Performance,
			Total:       res.Breakdown.Total,
		}
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                t.ID,
		Title:             t.Title,
		Body:              t.Body,
		DeclaredLocations: t.DeclaredLocations,
		ExtractedTokens:   t.ExtractedTokens,
		AssignedWorker:    t.AssignedWorker,
		MatchScore:        t.MatchScore,
		TriageReason:      t.TriageReason,
		Status:            t.Status,
		Outcome:           t.Outcome,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		CompletedAt:       t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:                   w.ID,
		SpecializationTokens: w.SpecializationTokens,
		Tools:                w.Tools,
		LocationAffinity:     w.LocationAffinity,
		Status:               w.Status,
		Protected:            w.Protected,
		TotalMissions:        w.TotalMissions,
		SuccessfulMissions:   w.SuccessfulMissions,
		SuccessRate:          w.SuccessRate,
		Version:              w.Version,
		LastUpdated:          w.LastUpdated,
		CreatedAt:            w.CreatedAt,
	}
}

func mapWorkers(items []domain.Worker) []WorkerResponse {
	out := make([]WorkerResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workerResponse(w))
	}
	return out
}

func standingResponse(s domain.Standing) StandingResponse {
	return StandingResponse{
		Rank:               s.Rank,
		WorkerID:           s.WorkerID,
		Status:             s.Status,
		Protected:          s.Protected,
		TotalMissions:      s.TotalMissions,
		SuccessfulMissions: s.SuccessfulMissions,
		SuccessRate:        s.SuccessRate,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.Actor,
		Payload:    payload,
	}
}

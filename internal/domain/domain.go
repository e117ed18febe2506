package domain

const (
	WorkerActive          = "active"
	WorkerHallOfFame      = "hall_of_fame"
	WorkerEliminationRisk = "elimination_risk"
	WorkerEliminated      = "eliminated"
)

const (
	TaskCreated   = "created"
	TaskMatched   = "matched"
	TaskAssigned  = "assigned"
	TaskCompleted = "completed"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const (
	TriageNoSignalMatch  = "no_signal_match"
	TriageBelowThreshold = "below_threshold"
)

type Worker struct {
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
	LastUpdated          string   `json:"last_updated,omitempty" format:"date-time"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type PerformanceRecord struct {
	WorkerID           string  `json:"worker_id"`
	TotalMissions      int     `json:"total_missions"`
	SuccessfulMissions int     `json:"successful_missions"`
	SuccessRate        float64 `json:"success_rate"`
	LastUpdated        string  `json:"last_updated,omitempty" format:"date-time"`
}

type Task struct {
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

type ScoreBreakdown struct {
	Pattern     float64 `json:"pattern"`
	Location    float64 `json:"location"`
	Performance float64 `json:"performance"`
	Total       float64 `json:"total"`
}

type AssignmentResult struct {
	TaskID       string         `json:"task_id"`
	WorkerID     string         `json:"worker_id"`
	Score        float64        `json:"score"`
	Fallback     bool           `json:"fallback"`
	TriageReason string         `json:"triage_reason,omitempty"`
	Breakdown    ScoreBreakdown `json:"breakdown"`
	AssignedAt   string         `json:"assigned_at" format:"date-time"`
}

type Standing struct {
	Rank               int     `json:"rank"`
	WorkerID           string  `json:"worker_id"`
	Status             string  `json:"status"`
	Protected          bool    `json:"protected"`
	TotalMissions      int     `json:"total_missions"`
	SuccessfulMissions int     `json:"successful_missions"`
	SuccessRate        float64 `json:"success_rate"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Rate recomputes a success rate from its counters. Zero missions is a
// zero rate, not a division error.
func Rate(total, successful int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(successful) / float64(total)
}

// Record is the performance view of a worker row.
func (w Worker) Record() PerformanceRecord {
	return PerformanceRecord{
		WorkerID:           w.ID,
		TotalMissions:      w.TotalMissions,
		SuccessfulMissions: w.SuccessfulMissions,
		SuccessRate:        Rate(w.TotalMissions, w.SuccessfulMissions),
		LastUpdated:        w.LastUpdated,
	}
}

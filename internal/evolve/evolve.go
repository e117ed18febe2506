// Package evolve derives worker lifecycle status from performance
// counters. Status is never patched incrementally: every write path and
// reindex recomputes it from the counters through Derive, so stored
// status cannot drift from the underlying data.
package evolve

import "chained/internal/domain"

// Policy holds the lifecycle thresholds.
type Policy struct {
	MinMissions      int
	HallOfFameRate   float64
	EliminationRate  float64
	EliminationGrace int
}

// Derive returns the status implied by the counters. Workers under the
// sample guard stay active regardless of rate. A low-rate worker enters
// elimination_risk first and is eliminated only after EliminationGrace
// further missions, unless protected, in which case it is flagged but
// never eliminated.
func Derive(total, successful int, protected bool, p Policy) string {
	if total < p.MinMissions {
		return domain.WorkerActive
	}
	rate := domain.Rate(total, successful)
	if rate >= p.HallOfFameRate {
		return domain.WorkerHallOfFame
	}
	if rate < p.EliminationRate {
		if protected || total < p.MinMissions+p.EliminationGrace {
			return domain.WorkerEliminationRisk
		}
		return domain.WorkerEliminated
	}
	return domain.WorkerActive
}

// EventType names the journal event for a status change. Callers only
// invoke it when old != new.
func EventType(old, new string) string {
	switch new {
	case domain.WorkerHallOfFame:
		return "worker.promoted"
	case domain.WorkerEliminationRisk:
		return "worker.at_risk"
	case domain.WorkerEliminated:
		return "worker.eliminated"
	default:
		if old == domain.WorkerHallOfFame {
			return "worker.demoted"
		}
		return "worker.recovered"
	}
}

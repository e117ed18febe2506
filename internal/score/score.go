// Package score turns a registry snapshot and a task's extracted signal
// into one scalar per candidate. Scoring is a pure function of its inputs
// so concurrent dispatches converge on the same ranking.
package score

import (
	"math"
	"sort"

	"chained/internal/domain"
	"chained/internal/patterns"
)

// Weights combine the three score components. They must sum to 1.
type Weights struct {
	Pattern     float64
	Performance float64
	Location    float64
}

// Calculator holds the tunables for one scoring pass.
type Calculator struct {
	Weights         Weights
	NeutralPrior    float64
	LocationPenalty float64
	Epsilon         float64
}

// Ranked pairs a worker with its score breakdown.
type Ranked struct {
	Worker    domain.Worker
	Breakdown domain.ScoreBreakdown
}

// Score computes the breakdown for a single worker against the matched
// token set and the task's declared locations.
func (c Calculator) Score(table *patterns.Table, matched []string, task domain.Task, w domain.Worker) domain.ScoreBreakdown {
	b := domain.ScoreBreakdown{
		Pattern:     PatternComponent(table, matched, w.ID),
		Location:    c.locationComponent(task.DeclaredLocations, w.LocationAffinity),
		Performance: c.performanceComponent(w),
	}
	b.Total = c.Weights.Pattern*b.Pattern + c.Weights.Location*b.Location + c.Weights.Performance*b.Performance
	return b
}

// Rank scores every worker and orders the result best-first. Scores equal
// within Epsilon order by worker id ascending, so repeated runs over the
// same inputs reproduce the same assignment.
func (c Calculator) Rank(table *patterns.Table, matched []string, task domain.Task, workers []domain.Worker) []Ranked {
	ranked := make([]Ranked, 0, len(workers))
	for _, w := range workers {
		ranked = append(ranked, Ranked{Worker: w, Breakdown: c.Score(table, matched, task, w)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		d := ranked[i].Breakdown.Total - ranked[j].Breakdown.Total
		if math.Abs(d) <= c.Epsilon {
			return ranked[i].Worker.ID < ranked[j].Worker.ID
		}
		return d > 0
	})
	return ranked
}

// PatternComponent is the matched-weight sum for the worker normalized by
// the weight sum of every rule naming it. A worker named by no rule
// scores 0.
func PatternComponent(table *patterns.Table, matched []string, workerID string) float64 {
	matchedSet := map[string]bool{}
	for _, t := range matched {
		matchedSet[t] = true
	}
	var got, achievable float64
	for _, r := range table.Rules {
		if !namesCandidate(r, workerID) {
			continue
		}
		achievable += r.Weight
		if matchedSet[r.Token] {
			got += r.Weight
		}
	}
	if achievable == 0 {
		return 0
	}
	return got / achievable
}

// locationComponent is 1.0 for location-agnostic workers and for any
// declared-location overlap; otherwise the configured penalty. Both sides
// are normalized at write time, so comparison is exact.
func (c Calculator) locationComponent(taskLocs, affinity []string) float64 {
	if len(affinity) == 0 {
		return 1.0
	}
	for _, a := range affinity {
		for _, l := range taskLocs {
			if a == l {
				return 1.0
			}
		}
	}
	return c.LocationPenalty
}

// performanceComponent is the current success rate, or the neutral prior
// for workers with no missions yet.
func (c Calculator) performanceComponent(w domain.Worker) float64 {
	if w.TotalMissions == 0 {
		return c.NeutralPrior
	}
	return domain.Rate(w.TotalMissions, w.SuccessfulMissions)
}

func namesCandidate(r patterns.Rule, workerID string) bool {
	for _, c := range r.Candidates {
		if c == workerID {
			return true
		}
	}
	return false
}

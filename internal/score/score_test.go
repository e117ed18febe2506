package score_test

import (
	"math"
	"testing"

	"chained/internal/domain"
	"chained/internal/patterns"
	"chained/internal/score"
)

func calculator() score.Calculator {
	return score.Calculator{
		Weights:         score.Weights{Pattern: 0.5, Performance: 0.3, Location: 0.2},
		NeutralPrior:    0.5,
		LocationPenalty: 0.25,
		Epsilon:         1e-9,
	}
}

func scoreTable(t *testing.T, rules []patterns.Rule) *patterns.Table {
	t.Helper()
	tbl := &patterns.Table{Version: "1", Rules: rules}
	if err := tbl.Validate(); err != nil {
		t.Fatalf("validate table: %v", err)
	}
	return tbl
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-6
}

func TestScoreComponents(t *testing.T) {
	c := calculator()
	tbl := scoreTable(t, []patterns.Rule{
		{Token: "bug", Candidates: []string{"fix-master"}, Weight: 0.8},
		{Token: "crash", Candidates: []string{"fix-master"}, Weight: 0.6},
	})
	task := domain.Task{DeclaredLocations: []string{"backend"}}
	w := domain.Worker{
		ID:                 "fix-master",
		LocationAffinity:   []string{"backend"},
		TotalMissions:      15,
		SuccessfulMissions: 2,
	}
	b := c.Score(tbl, []string{"bug"}, task, w)
	if !approx(b.Pattern, 0.8/1.4) {
		t.Fatalf("pattern component = %v, want %v", b.Pattern, 0.8/1.4)
	}
	if !approx(b.Location, 1.0) {
		t.Fatalf("location component = %v, want 1.0", b.Location)
	}
	if !approx(b.Performance, 2.0/15.0) {
		t.Fatalf("performance component = %v, want %v", b.Performance, 2.0/15.0)
	}
	want := 0.5*(0.8/1.4) + 0.2*1.0 + 0.3*(2.0/15.0)
	if !approx(b.Total, want) {
		t.Fatalf("total = %v, want %v", b.Total, want)
	}
}

func TestStrongPatternMatchOutweighsPoorHistory(t *testing.T) {
	// A worker whose tokens all match scores far above its raw success
	// rate: the pattern component dominates the blend.
	c := calculator()
	tbl := scoreTable(t, []patterns.Rule{
		{Token: "claude", Candidates: []string{"investigate-champion"}, Weight: 0.9},
		{Token: "ai/ml", Candidates: []string{"investigate-champion"}, Weight: 0.8},
	})
	w := domain.Worker{ID: "investigate-champion", TotalMissions: 100, SuccessfulMissions: 13}
	b := c.Score(tbl, []string{"ai/ml", "claude"}, domain.Task{}, w)
	want := 0.5*1.0 + 0.2*1.0 + 0.3*0.13
	if !approx(b.Total, want) {
		t.Fatalf("total = %v, want %v", b.Total, want)
	}
	if b.Total <= 0.13 {
		t.Fatalf("score %v should exceed the bare success rate", b.Total)
	}
}

func TestNeutralPriorBeatsLowPerformer(t *testing.T) {
	c := calculator()
	tbl := scoreTable(t, []patterns.Rule{
		{Token: "bug", Candidates: []string{"newcomer", "veteran"}, Weight: 0.8},
	})
	veteran := domain.Worker{ID: "veteran", TotalMissions: 15, SuccessfulMissions: 2}
	newcomer := domain.Worker{ID: "newcomer"}
	ranked := c.Rank(tbl, []string{"bug"}, domain.Task{}, []domain.Worker{veteran, newcomer})
	if ranked[0].Worker.ID != "newcomer" {
		t.Fatalf("expected newcomer first, got %s", ranked[0].Worker.ID)
	}
	// Full pattern + no affinity + neutral prior.
	if want := 0.5 + 0.2 + 0.3*0.5; !approx(ranked[0].Breakdown.Total, want) {
		t.Fatalf("newcomer total = %v, want %v", ranked[0].Breakdown.Total, want)
	}
}

func TestRankTieBreaksByWorkerID(t *testing.T) {
	c := calculator()
	tbl := scoreTable(t, []patterns.Rule{
		{Token: "bug", Candidates: []string{"zeta", "alpha"}, Weight: 0.8},
	})
	zeta := domain.Worker{ID: "zeta"}
	alpha := domain.Worker{ID: "alpha"}
	for _, workers := range [][]domain.Worker{{zeta, alpha}, {alpha, zeta}} {
		ranked := c.Rank(tbl, []string{"bug"}, domain.Task{}, workers)
		if ranked[0].Worker.ID != "alpha" {
			t.Fatalf("expected alpha to win the tie, got %s", ranked[0].Worker.ID)
		}
	}
}

func TestLocationComponent(t *testing.T) {
	c := calculator()
	tbl := scoreTable(t, []patterns.Rule{
		{Token: "bug", Candidates: []string{"w"}, Weight: 0.8},
	})
	cases := []struct {
		name     string
		taskLocs []string
		affinity []string
		want     float64
	}{
		{"agnostic worker", []string{"backend"}, nil, 1.0},
		{"overlap", []string{"backend", "api"}, []string{"api"}, 1.0},
		{"mismatch", []string{"frontend"}, []string{"backend"}, 0.25},
		{"task without locations", nil, []string{"backend"}, 0.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := domain.Task{DeclaredLocations: tc.taskLocs}
			w := domain.Worker{ID: "w", LocationAffinity: tc.affinity}
			b := c.Score(tbl, []string{"bug"}, task, w)
			if !approx(b.Location, tc.want) {
				t.Fatalf("location = %v, want %v", b.Location, tc.want)
			}
		})
	}
}

func TestPatternComponentUnnamedWorker(t *testing.T) {
	tbl := scoreTable(t, []patterns.Rule{
		{Token: "bug", Candidates: []string{"fix-master"}, Weight: 0.8},
	})
	if got := score.PatternComponent(tbl, []string{"bug"}, "stranger"); got != 0 {
		t.Fatalf("expected 0 for worker named by no rule, got %v", got)
	}
}

func TestPatternComponentNormalizesPerWorker(t *testing.T) {
	// A specialist named by one matched rule must not be outscored on the
	// pattern component by a generalist named by many unmatched rules.
	tbl := scoreTable(t, []patterns.Rule{
		{Token: "bug", Candidates: []string{"specialist", "generalist"}, Weight: 0.8},
		{Token: "docs", Candidates: []string{"generalist"}, Weight: 0.6},
		{Token: "ui", Candidates: []string{"generalist"}, Weight: 0.5},
	})
	specialist := score.PatternComponent(tbl, []string{"bug"}, "specialist")
	generalist := score.PatternComponent(tbl, []string{"bug"}, "generalist")
	if !approx(specialist, 1.0) {
		t.Fatalf("specialist = %v, want 1.0", specialist)
	}
	if !approx(generalist, 0.8/1.9) {
		t.Fatalf("generalist = %v, want %v", generalist, 0.8/1.9)
	}
	if generalist >= specialist {
		t.Fatalf("generalist %v should trail specialist %v", generalist, specialist)
	}
}

package evolve_test

import (
	"testing"

	"chained/internal/domain"
	"chained/internal/evolve"
)

func defaultPolicy() evolve.Policy {
	return evolve.Policy{
		MinMissions:      5,
		HallOfFameRate:   0.85,
		EliminationRate:  0.30,
		EliminationGrace: 5,
	}
}

func TestDerive(t *testing.T) {
	p := defaultPolicy()
	cases := []struct {
		name       string
		total      int
		successful int
		protected  bool
		want       string
	}{
		{"no missions", 0, 0, false, domain.WorkerActive},
		{"under sample guard even at zero rate", 4, 0, false, domain.WorkerActive},
		{"steady performer", 10, 6, false, domain.WorkerActive},
		{"promotion at threshold", 20, 17, false, domain.WorkerHallOfFame},
		{"promotion above threshold", 20, 18, false, domain.WorkerHallOfFame},
		{"just below promotion", 20, 16, false, domain.WorkerActive},
		{"low rate within grace", 6, 1, false, domain.WorkerEliminationRisk},
		{"low rate at grace boundary", 9, 2, false, domain.WorkerEliminationRisk},
		{"low rate past grace", 10, 2, false, domain.WorkerEliminated},
		{"protected never eliminated", 10, 2, true, domain.WorkerEliminationRisk},
		{"protected low rate within grace", 6, 1, true, domain.WorkerEliminationRisk},
		{"rate exactly at elimination threshold", 10, 3, false, domain.WorkerActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := evolve.Derive(tc.total, tc.successful, tc.protected, p)
			if got != tc.want {
				t.Fatalf("Derive(%d, %d, %v) = %s, want %s", tc.total, tc.successful, tc.protected, got, tc.want)
			}
		})
	}
}

func TestDeriveDemotionIsNotSticky(t *testing.T) {
	p := defaultPolicy()
	// 18/20 promotes; two failures later the rate drops below the
	// threshold and the derived status follows the counters back down.
	if got := evolve.Derive(20, 18, false, p); got != domain.WorkerHallOfFame {
		t.Fatalf("expected hall_of_fame at 18/20, got %s", got)
	}
	if got := evolve.Derive(22, 18, false, p); got != domain.WorkerActive {
		t.Fatalf("expected active at 18/22, got %s", got)
	}
}

func TestDeriveRecoveryFromRisk(t *testing.T) {
	p := defaultPolicy()
	if got := evolve.Derive(7, 2, false, p); got != domain.WorkerEliminationRisk {
		t.Fatalf("expected elimination_risk at 2/7, got %s", got)
	}
	// Successes lift the rate back over the threshold before grace runs out.
	if got := evolve.Derive(9, 4, false, p); got != domain.WorkerActive {
		t.Fatalf("expected active at 4/9, got %s", got)
	}
}

func TestEventType(t *testing.T) {
	cases := []struct {
		old, new, want string
	}{
		{domain.WorkerActive, domain.WorkerHallOfFame, "worker.promoted"},
		{domain.WorkerActive, domain.WorkerEliminationRisk, "worker.at_risk"},
		{domain.WorkerEliminationRisk, domain.WorkerEliminated, "worker.eliminated"},
		{domain.WorkerHallOfFame, domain.WorkerActive, "worker.demoted"},
		{domain.WorkerEliminationRisk, domain.WorkerActive, "worker.recovered"},
		{domain.WorkerEliminated, domain.WorkerActive, "worker.recovered"},
	}
	for _, tc := range cases {
		if got := evolve.EventType(tc.old, tc.new); got != tc.want {
			t.Fatalf("EventType(%s, %s) = %s, want %s", tc.old, tc.new, got, tc.want)
		}
	}
}

package tui

import (
	"strings"
	"testing"

	"chained/internal/domain"
)

func TestStandingRows(t *testing.T) {
	rows := standingRows([]domain.Standing{
		{Rank: 1, WorkerID: "fix-master", Status: domain.WorkerHallOfFame, TotalMissions: 20, SuccessfulMissions: 18, SuccessRate: 0.9},
		{Rank: 2, WorkerID: "general-purpose", Status: domain.WorkerActive, Protected: true, TotalMissions: 4, SuccessfulMissions: 2, SuccessRate: 0.5},
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][1] != "fix-master" || rows[0][5] != "0.90" {
		t.Fatalf("unexpected first row: %v", rows[0])
	}
	if rows[1][6] != "yes" {
		t.Fatalf("protected marker missing: %v", rows[1])
	}
}

func TestTaskSummary(t *testing.T) {
	if got := taskSummary(nil); got != "no tasks yet" {
		t.Fatalf("empty summary = %q", got)
	}
	got := taskSummary(map[string]int{
		domain.TaskCompleted: 3,
		domain.TaskAssigned:  1,
	})
	if !strings.Contains(got, "assigned 1") || !strings.Contains(got, "completed 3") {
		t.Fatalf("summary = %q", got)
	}
	// Fixed status order, not map order.
	if strings.Index(got, "assigned") > strings.Index(got, "completed") {
		t.Fatalf("summary out of order: %q", got)
	}
}

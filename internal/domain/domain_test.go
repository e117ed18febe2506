package domain

import "testing"

func TestRate(t *testing.T) {
	if got := Rate(0, 0); got != 0 {
		t.Fatalf("zero missions rate = %v, want 0", got)
	}
	if got := Rate(-1, 3); got != 0 {
		t.Fatalf("negative total rate = %v, want 0", got)
	}
	if got := Rate(4, 3); got != 0.75 {
		t.Fatalf("rate = %v, want 0.75", got)
	}
}

func TestWorkerRecord(t *testing.T) {
	w := Worker{
		ID:                 "fix-master",
		TotalMissions:      8,
		SuccessfulMissions: 6,
		LastUpdated:        "2024-01-01T00:00:00Z",
		// Stale stored rate: the record view recomputes from counters.
		SuccessRate: 0.1,
	}
	rec := w.Record()
	if rec.WorkerID != "fix-master" || rec.TotalMissions != 8 || rec.SuccessfulMissions != 6 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.SuccessRate != 0.75 {
		t.Fatalf("record rate = %v, want 0.75", rec.SuccessRate)
	}
	if rec.LastUpdated != w.LastUpdated {
		t.Fatalf("record timestamp %q, want %q", rec.LastUpdated, w.LastUpdated)
	}
}

package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordRunStart("run-1", 12, "out.jpg"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := s.RecordRunResult("run-1", "completed", ""); err != nil {
		t.Fatalf("record result: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.ID != "run-1" || r.Status != "completed" || r.InputCount != 12 || r.OutputPath != "out.jpg" {
		t.Fatalf("unexpected run record %+v", r)
	}
	if r.CompletedAt == nil {
		t.Fatal("completed run should carry a completion time")
	}
}

func TestFailedRunKeepsError(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordRunStart("run-2", 3, "out.jpg"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := s.RecordRunResult("run-2", "failed", "alignment did not converge"); err != nil {
		t.Fatalf("record result: %v", err)
	}

	runs, err := s.RecentRuns(1)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if runs[0].Error != "alignment did not converge" {
		t.Fatalf("error message lost: %+v", runs[0])
	}
}

func TestTaskRecordsOrdered(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordRunStart("run-3", 2, "out.jpg"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	names := []string{"Load a.jpg", "Load b.jpg", "Merge"}
	for _, n := range names {
		if err := s.RecordTask("run-3", n, "done", 42*time.Millisecond, ""); err != nil {
			t.Fatalf("record task: %v", err)
		}
	}

	recs, err := s.RunTasks("run-3")
	if err != nil {
		t.Fatalf("run tasks: %v", err)
	}
	if len(recs) != len(names) {
		t.Fatalf("got %d task records, want %d", len(recs), len(names))
	}
	for i, r := range recs {
		if r.TaskName != names[i] {
			t.Fatalf("task order: got %q at %d, want %q", r.TaskName, i, names[i])
		}
		if r.DurationMS != 42 {
			t.Fatalf("duration %d ms, want 42", r.DurationMS)
		}
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart("x", 1, "y"); err != nil {
		t.Fatalf("nil store should no-op, got %v", err)
	}
	if err := s.RecordTask("x", "t", "done", 0, ""); err != nil {
		t.Fatalf("nil store should no-op, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil store close: %v", err)
	}
}

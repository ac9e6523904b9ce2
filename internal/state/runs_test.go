package state

import (
	"testing"
	"time"
)

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	started := time.Now().Add(-time.Minute).Truncate(time.Second)

	run := &Run{ID: "run-1", Request: "implement search", WorkspaceID: "ws-1", Status: RunActive, StartedAt: started}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil || got.Request != "implement search" || got.Status != RunActive {
		t.Fatalf("unexpected run: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}

	if err := db.FinishRun("run-1", RunFailed, "task failed", time.Now()); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, _ = db.GetRun("run-1")
	if got.Status != RunFailed || got.Error != "task failed" || got.FinishedAt == nil {
		t.Errorf("unexpected finished run: %+v", got)
	}

	missing, err := db.GetRun("nope")
	if err != nil || missing != nil {
		t.Errorf("GetRun(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestRunTasksUpsert(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateRun(&Run{ID: "run-1", Request: "x", Status: RunActive, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	rt := &RunTask{RunID: "run-1", TaskID: "backend-auth", Title: "Backend", Role: "backend", Status: "pending", UpdatedAt: time.Now()}
	if err := db.UpsertRunTask(rt); err != nil {
		t.Fatalf("UpsertRunTask: %v", err)
	}
	dep := &RunTask{RunID: "run-1", TaskID: "security-audit", Title: "Audit", Role: "security", Status: "pending",
		DependsOn: []string{"backend-auth"}, UpdatedAt: time.Now()}
	if err := db.UpsertRunTask(dep); err != nil {
		t.Fatalf("UpsertRunTask: %v", err)
	}

	rt.Status = "completed"
	rt.SessionID = "s-1"
	if err := db.UpsertRunTask(rt); err != nil {
		t.Fatalf("UpsertRunTask update: %v", err)
	}

	tasks, err := db.ListRunTasks("run-1")
	if err != nil {
		t.Fatalf("ListRunTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Status != "completed" || tasks[0].SessionID != "s-1" {
		t.Errorf("update not applied: %+v", tasks[0])
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != "backend-auth" {
		t.Errorf("depends_on = %v", tasks[1].DependsOn)
	}
}

func TestListRunsAndInterrupted(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		if err := db.CreateRun(&Run{ID: id, Request: id, Status: RunActive, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := db.FinishRun("a", RunCompleted, "", time.Now()); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	n, err := db.MarkInterruptedRuns(time.Now())
	if err != nil {
		t.Fatalf("MarkInterruptedRuns: %v", err)
	}
	if n != 2 {
		t.Errorf("interrupted = %d, want 2", n)
	}

	status := RunInterrupted
	runs, err := db.ListRuns(&status, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" {
		t.Errorf("unexpected interrupted runs: %+v", runs)
	}

	all, err := db.ListRuns(nil, 1)
	if err != nil || len(all) != 1 {
		t.Errorf("ListRuns limit = %d, %v", len(all), err)
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := setupTestDB(t)
	old := time.Now().Add(-48 * time.Hour)
	db.CreateRun(&Run{ID: "old-done", Request: "x", Status: RunActive, StartedAt: old})
	db.FinishRun("old-done", RunCompleted, "", old)
	db.CreateRun(&Run{ID: "old-active", Request: "x", Status: RunActive, StartedAt: old})
	db.CreateRun(&Run{ID: "new", Request: "x", Status: RunActive, StartedAt: time.Now()})

	n, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if r, _ := db.GetRun("old-active"); r == nil {
		t.Error("active run should not be purged")
	}
}

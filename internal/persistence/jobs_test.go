package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "godispatch.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSaveAndGetJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := persistence.JobRecord{
		JobID:    "j1",
		Status:   persistence.JobPending,
		Mode:     persistence.ModeLocal,
		Payload:  json.RawMessage(`{"type":"echo","data":1}`),
		Metadata: map[string]string{"source": "test"},
	}
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("save job: %v", err)
	}

	got, err := store.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got == nil {
		t.Fatal("job not found after save")
	}
	if got.Status != persistence.JobPending || got.Mode != persistence.ModeLocal {
		t.Fatalf("got status=%s mode=%s", got.Status, got.Mode)
	}
	if got.Metadata["source"] != "test" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if got.StartTime.IsZero() || got.LastUpdated.IsZero() {
		t.Fatal("timestamps should be set on save")
	}
}

func TestGetJob_Missing(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get missing job: %v", err)
	}
	if got != nil {
		t.Fatal("missing job should be nil, not an error")
	}
}

func TestSaveJob_FullOverwrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := persistence.JobRecord{JobID: "j1", Status: persistence.JobPending, Mode: persistence.ModeLocal, Progress: 10}
	if err := store.SaveJob(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Overwrite without progress: callers merge, the store does not.
	second := persistence.JobRecord{JobID: "j1", Status: persistence.JobRunning, Mode: persistence.ModeLocal}
	if err := store.SaveJob(ctx, second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ := store.GetJob(ctx, "j1")
	if got.Progress != 0 {
		t.Fatalf("progress = %d, want 0 (full overwrite)", got.Progress)
	}
}

func TestSaveJob_TerminalIsAbsorbing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := persistence.JobRecord{JobID: "j1", Status: persistence.JobCompleted, Mode: persistence.ModeLocal}
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("save terminal: %v", err)
	}

	rec.Status = persistence.JobRunning
	err := store.SaveJob(ctx, rec)
	if !errors.Is(err, persistence.ErrTerminalJob) {
		t.Fatalf("terminal->running save err = %v, want ErrTerminalJob", err)
	}

	got, _ := store.GetJob(ctx, "j1")
	if got.Status != persistence.JobCompleted {
		t.Fatalf("status mutated to %s after rejected save", got.Status)
	}

	// Re-saving the same terminal status (result merge) is allowed.
	rec.Status = persistence.JobCompleted
	rec.Result = json.RawMessage(`55`)
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("same-terminal save: %v", err)
	}
}

func TestListJobs_Filtered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seed := []persistence.JobRecord{
		{JobID: "a", Status: persistence.JobPending, Mode: persistence.ModeRemote},
		{JobID: "b", Status: persistence.JobRunning, Mode: persistence.ModeRemote},
		{JobID: "c", Status: persistence.JobCompleted, Mode: persistence.ModeRemote},
		{JobID: "d", Status: persistence.JobRunning, Mode: persistence.ModeLocal},
	}
	for _, rec := range seed {
		if err := store.SaveJob(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", rec.JobID, err)
		}
	}

	got, err := store.ListJobs(ctx, persistence.JobFilter{
		Statuses: []persistence.JobStatus{persistence.JobPending, persistence.JobRunning},
		Mode:     persistence.ModeRemote,
	})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d jobs, want 2", len(got))
	}
	for _, rec := range got {
		if rec.Mode != persistence.ModeRemote || rec.Status.IsTerminal() {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
}

func TestDeleteJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.SaveJob(ctx, persistence.JobRecord{JobID: "j1", Status: persistence.JobPending, Mode: persistence.ModeLocal})
	if err := store.DeleteJob(ctx, "j1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := store.GetJob(ctx, "j1")
	if got != nil {
		t.Fatal("job should be gone after delete")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to persistence.JobStatus
		want     bool
	}{
		{persistence.JobPending, persistence.JobRunning, true},
		{persistence.JobRunning, persistence.JobCompleted, true},
		{persistence.JobRunning, persistence.JobFailed, true},
		{persistence.JobRunning, persistence.JobAborted, true},
		{persistence.JobCompleted, persistence.JobRunning, false},
		{persistence.JobFailed, persistence.JobPending, false},
		{persistence.JobAborted, persistence.JobAborted, false},
		{persistence.JobRunning, persistence.JobRunning, true},
		{persistence.JobRunning, persistence.JobPending, false},
	}
	for _, c := range cases {
		if got := persistence.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "godispatch.db")
	ctx := context.Background()

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = store.SaveJob(ctx, persistence.JobRecord{JobID: "j1", Status: persistence.JobRunning, Mode: persistence.ModeRemote})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetJob(ctx, "j1")
	if err != nil || got == nil {
		t.Fatalf("job lost across restart: %v %v", got, err)
	}
	if got.Status != persistence.JobRunning {
		t.Fatalf("status after reopen = %s", got.Status)
	}
}

func TestSchedules_CRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSchedule(ctx, "*/5 * * * *", persistence.ModeLocal, json.RawMessage(`{"type":"echo"}`))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	scheds, err := store.ListSchedules(ctx, true)
	if err != nil || len(scheds) != 1 {
		t.Fatalf("list schedules = %v, err %v", scheds, err)
	}
	if scheds[0].ScheduleID != id || scheds[0].LastFiredAt != nil {
		t.Fatalf("unexpected schedule %+v", scheds[0])
	}

	fired := time.Now()
	if err := store.MarkScheduleFired(ctx, id, fired); err != nil {
		t.Fatalf("mark fired: %v", err)
	}
	scheds, _ = store.ListSchedules(ctx, true)
	if scheds[0].LastFiredAt == nil {
		t.Fatal("last_fired_at not recorded")
	}

	if err := store.SetScheduleEnabled(ctx, id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	enabled, _ := store.ListSchedules(ctx, true)
	if len(enabled) != 0 {
		t.Fatal("disabled schedule still listed as enabled")
	}

	if err := store.DeleteSchedule(ctx, id); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	all, _ := store.ListSchedules(ctx, false)
	if len(all) != 0 {
		t.Fatal("schedule should be gone")
	}
}

package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	return NewService(storePath, nil), storePath
}

func TestNewCronJob(t *testing.T) {
	job := NewCronJob("learner", Every(10*time.Minute), Payload{Task: "learn"})
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Name != "learner" {
		t.Errorf("name = %q, want learner", job.Name)
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
	if job.Payload.Task != "learn" {
		t.Errorf("task = %q, want learn", job.Payload.Task)
	}
}

func TestSchedule_Spec(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		want    string
		wantErr bool
	}{
		{"every", Every(10 * time.Minute), "@every 10m0s", false},
		{"every string", Schedule{Kind: KindEvery, Every: "90s"}, "@every 1m30s", false},
		{"cron", Schedule{Kind: KindCron, Expr: "0 0 * * * *"}, "0 0 * * * *", false},
		{"bad interval", Schedule{Kind: KindEvery, Every: "soon"}, "", true},
		{"zero interval", Schedule{Kind: KindEvery, Every: "0s"}, "", true},
		{"empty expr", Schedule{Kind: KindCron}, "", true},
		{"unknown kind", Schedule{Kind: "at"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.s.Spec()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("spec = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	s, storePath := newTestService(t)

	job, err := s.AddJob("job1", Every(time.Minute), Payload{Task: "digest"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "job1" {
		t.Errorf("name = %q, want job1", job.Name)
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != "job1" {
		t.Fatalf("jobs = %+v", jobs)
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("stored jobs = %d, want 1", len(stored))
	}
}

func TestService_AddJob_InvalidSchedule(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.AddJob("bad", Schedule{Kind: KindEvery, Every: "-1m"}, Payload{Task: "x"}); err == nil {
		t.Error("expected error for negative interval")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("invalid job must not be stored")
	}
}

func TestService_EnsureJob_Idempotent(t *testing.T) {
	s, storePath := newTestService(t)

	first, err := s.EnsureJob("learner", Every(10*time.Minute), Payload{Task: "learn"})
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	second, err := s.EnsureJob("learner", Every(10*time.Minute), Payload{Task: "learn"})
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}

	reloaded := NewService(storePath, nil)
	third, err := reloaded.EnsureJob("learner", Every(5*time.Minute), Payload{Task: "learn"})
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	if third.ID != first.ID {
		t.Error("job should survive a restart with the same ID")
	}
	if third.Schedule.Every != "5m0s" {
		t.Errorf("schedule = %+v, want updated interval", third.Schedule)
	}
	if n := len(reloaded.ListJobs()); n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
}

func TestService_EnsureJob_KeepsDisabled(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.EnsureJob("digest", Every(time.Hour), Payload{Task: "digest"})
	if _, err := s.EnableJob(job.ID, false); err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	again, _ := s.EnsureJob("digest", Every(time.Hour), Payload{Task: "digest"})
	if again.Enabled {
		t.Error("EnsureJob must not re-enable a disabled job")
	}
}

func TestService_RemoveJob(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.AddJob("rm-test", Every(time.Second), Payload{Task: "x"})

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nonexistent") {
		t.Error("RemoveJob should return false for nonexistent")
	}
}

func TestService_EnableJob(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.AddJob("toggle", Every(time.Second), Payload{Task: "x"})

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}
	updated, err = s.EnableJob(job.ID, true)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if !updated.Enabled {
		t.Error("job should be enabled")
	}
	if _, err := s.EnableJob("nonexistent", true); err == nil {
		t.Error("expected error for nonexistent job")
	}
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil && s.stopCh == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.Stop()
	t.Fatal("expected parent context cancellation to trigger Stop")
}

func TestService_StopWithoutStart(t *testing.T) {
	s, _ := newTestService(t)
	s.Stop()
}

func TestService_RunsEveryJobUntilStopped(t *testing.T) {
	s, _ := newTestService(t)

	var executeCount atomic.Int32
	var gotTask atomic.Value
	s.OnJob = func(_ context.Context, job CronJob) (string, error) {
		executeCount.Add(1)
		gotTask.Store(job.Payload.Task)
		return "ok", nil
	}
	if _, err := s.EnsureJob("fast", Every(time.Second), Payload{Task: "prune"}); err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for executeCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if executeCount.Load() == 0 {
		s.Stop()
		t.Fatal("expected at least one execution before Stop")
	}
	if gotTask.Load() != "prune" {
		t.Errorf("task = %v", gotTask.Load())
	}

	s.Stop()
	countAfterStop := executeCount.Load()
	time.Sleep(1300 * time.Millisecond)
	if executeCount.Load() != countAfterStop {
		t.Fatalf("jobs kept running after Stop: %d -> %d", countAfterStop, executeCount.Load())
	}

	jobs := s.ListJobs()
	if jobs[0].State.Runs == 0 || jobs[0].State.LastStatus != "ok" {
		t.Errorf("state = %+v", jobs[0].State)
	}
}

func TestService_Persistence(t *testing.T) {
	s1, storePath := newTestService(t)
	if _, err := s1.AddJob("persist1", Every(time.Minute), Payload{Task: "learn"}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if _, err := s1.AddJob("persist2", Every(2*time.Minute), Payload{Task: "digest"}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	s2 := NewService(storePath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s2.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s2.Stop()

	if jobs := s2.ListJobs(); len(jobs) != 2 {
		t.Fatalf("expected 2 persisted jobs, got %d", len(jobs))
	}
	s2.mu.Lock()
	entries := len(s2.entryMap)
	s2.mu.Unlock()
	if entries != 2 {
		t.Errorf("entries = %d, want 2", entries)
	}
}

func TestService_Load(t *testing.T) {
	s1, storePath := newTestService(t)
	_, _ = s1.AddJob("persist1", Every(time.Minute), Payload{Task: "learn"})

	s2 := NewService(storePath, nil)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(s2.ListJobs()) != 1 {
		t.Error("expected loaded job")
	}
}

func TestService_ExecuteJob_WithHandler(t *testing.T) {
	s, _ := newTestService(t)

	var received CronJob
	s.OnJob = func(_ context.Context, job CronJob) (string, error) {
		received = job
		return "success", nil
	}
	job, _ := s.AddJob("exec-test", Every(time.Second), Payload{Task: "learn"})
	s.executeJob(*job)

	if received.Name != "exec-test" {
		t.Errorf("job name = %q, want exec-test", received.Name)
	}
	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" || jobs[0].State.LastResult != "success" || jobs[0].State.Runs != 1 {
		t.Errorf("state = %+v", jobs[0].State)
	}
}

func TestService_ExecuteJob_NoHandler(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.AddJob("no-handler", Every(time.Second), Payload{Task: "x"})
	s.executeJob(*job)
}

func TestService_ExecuteJob_HandlerError(t *testing.T) {
	s, _ := newTestService(t)
	s.OnJob = func(context.Context, CronJob) (string, error) {
		return "", fmt.Errorf("handler error")
	}
	job, _ := s.AddJob("error-test", Every(time.Second), Payload{Task: "x"})
	s.executeJob(*job)

	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "error" {
		t.Errorf("lastStatus = %q, want error", jobs[0].State.LastStatus)
	}
	if jobs[0].State.LastError != "handler error" {
		t.Errorf("lastError = %q, want 'handler error'", jobs[0].State.LastError)
	}
}

func TestService_ExecuteJob_DeleteAfterRun_RemovesEntry(t *testing.T) {
	s, _ := newTestService(t)
	s.OnJob = func(context.Context, CronJob) (string, error) { return "done", nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("delete-cron", Schedule{Kind: KindCron, Expr: "0 0 * * * *"}, Payload{Task: "x"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	var jobCopy CronJob
	s.mu.Lock()
	if len(s.entryMap) != 1 {
		t.Errorf("expected 1 cron entry after add, got %d", len(s.entryMap))
	}
	for i := range s.jobs {
		if s.jobs[i].ID == job.ID {
			s.jobs[i].DeleteAfterRun = true
			jobCopy = s.jobs[i]
		}
	}
	s.mu.Unlock()

	s.executeJob(jobCopy)

	if len(s.ListJobs()) != 0 {
		t.Fatal("expected no jobs after delete-after-run execution")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entryMap) != 0 {
		t.Fatalf("expected no cron entries, got %d", len(s.entryMap))
	}
}

func TestService_EnableJob_TogglesEntry(t *testing.T) {
	s, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	job, _ := s.AddJob("toggle-cron", Schedule{Kind: KindCron, Expr: "*/5 * * * * *"}, Payload{Task: "x"})

	entries := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.entryMap)
	}
	if entries() != 1 {
		t.Fatalf("expected 1 entry after add, got %d", entries())
	}
	if _, err := s.EnableJob(job.ID, false); err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if entries() != 0 {
		t.Fatalf("expected 0 entries after disable, got %d", entries())
	}
	if _, err := s.EnableJob(job.ID, true); err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if entries() != 1 {
		t.Fatalf("expected 1 entry after re-enable, got %d", entries())
	}
}

func TestService_InvalidPersistedExpr(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	jobs := []CronJob{{
		ID: "bad-cron", Name: "invalid-cron", Enabled: true,
		Schedule: Schedule{Kind: KindCron, Expr: "invalid"},
		Payload:  Payload{Task: "x"},
	}}
	data, _ := json.MarshalIndent(jobs, "", "  ")
	if err := os.WriteFile(storePath, data, 0644); err != nil {
		t.Fatal(err)
	}

	s := NewService(storePath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Errorf("Start should not error on invalid cron: %v", err)
	}
	s.Stop()
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer than ten", 10, "this is lo..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	rcron "github.com/robfig/cron/v3"
	"github.com/stellarlinkco/peacy/internal/logging"
)

// Handler runs one job and returns a short result for the job state.
type Handler func(ctx context.Context, job CronJob) (string, error)

// Service schedules the background jobs and persists their state as JSON so
// operators can inspect last runs with `peacy status`.
type Service struct {
	storePath string
	logger    *log.Logger

	mu       sync.Mutex
	jobs     []CronJob
	OnJob    Handler
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService(storePath string, logger *log.Logger) *Service {
	return &Service{
		storePath: storePath,
		logger:    logging.OrDiscard(logger).WithPrefix("cron"),
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
}

// Load reads persisted jobs without starting the scheduler.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.jobs == nil {
		if err := s.load(); err != nil {
			s.logger.Warn("failed to load jobs", "path", s.storePath, "err", err)
		}
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	adapter := cronLogger{s.logger}
	s.cron = rcron.New(
		rcron.WithSeconds(),
		rcron.WithLogger(adapter),
		rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
	)
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", "jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *CronJob) {
	spec, err := job.Schedule.Spec()
	if err != nil {
		s.logger.Error("invalid schedule", "job", job.Name, "err", err)
		return
	}
	id := job.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		s.runByID(id)
	})
	if err != nil {
		s.logger.Error("failed to register job", "job", job.Name, "spec", spec, "err", err)
		return
	}
	s.entryMap[job.ID] = entryID
}

func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) runByID(id string) {
	s.mu.Lock()
	var (
		job   CronJob
		found bool
	)
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			job, found = s.jobs[i], true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.executeJob(job)
	}
}

func (s *Service) executeJob(job CronJob) {
	s.logger.Debug("executing job", "job", job.Name, "task", job.Payload.Task)

	if s.OnJob == nil {
		s.logger.Warn("no job handler set")
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		st.Runs++
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			st.LastResult = ""
			s.logger.Error("job failed", "job", job.Name, "err", err)
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			st.LastResult = truncate(result, 200)
			s.logger.Info("job done", "job", job.Name, "result", truncate(result, 100))
		}

		if s.jobs[i].DeleteAfterRun {
			s.unregisterJob(job.ID)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		s.logger.Warn("failed to save jobs", "err", err)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if _, err := schedule.Spec(); err != nil {
		return nil, fmt.Errorf("add job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob registers a job by name. An existing job keeps its ID, state and
// enabled flag; its schedule and payload are brought up to date.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if _, err := schedule.Spec(); err != nil {
		return nil, fmt.Errorf("ensure job %s: %w", name, err)
	}

	s.mu.Lock()
	if s.jobs == nil {
		if err := s.load(); err != nil {
			s.logger.Warn("failed to load jobs", "path", s.storePath, "err", err)
		}
	}
	for i := range s.jobs {
		job := &s.jobs[i]
		if job.Name != name {
			continue
		}
		if job.Schedule != schedule || job.Payload != payload {
			job.Schedule = schedule
			job.Payload = payload
			if s.cron != nil {
				s.unregisterJob(job.ID)
				if job.Enabled {
					s.registerJob(job)
				}
			}
			if err := s.save(); err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("save jobs: %w", err)
			}
			s.logger.Info("job updated", "job", name, "every", schedule.Every, "expr", schedule.Expr)
		}
		out := *job
		s.mu.Unlock()
		return &out, nil
	}
	s.mu.Unlock()
	return s.AddJob(name, schedule, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregisterJob(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else {
				s.unregisterJob(id)
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.jobs = []CronJob{}
			return nil
		}
		return err
	}
	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}
	s.jobs = jobs
	return nil
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

// cronLogger adapts charmbracelet/log to robfig/cron's Logger.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

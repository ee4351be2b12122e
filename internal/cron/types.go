package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	KindEvery = "every"
	KindCron  = "cron"
)

// Schedule is either a fixed interval ("every", Every like "10m") or a
// six-field cron expression with seconds ("cron", Expr).
type Schedule struct {
	Kind  string `json:"kind"`
	Every string `json:"every,omitempty"`
	Expr  string `json:"expr,omitempty"`
}

// Spec renders the schedule for robfig/cron.
func (s Schedule) Spec() (string, error) {
	switch s.Kind {
	case KindEvery:
		d, err := time.ParseDuration(strings.TrimSpace(s.Every))
		if err != nil {
			return "", fmt.Errorf("invalid interval %q: %w", s.Every, err)
		}
		if d <= 0 {
			return "", fmt.Errorf("invalid interval %q: must be positive", s.Every)
		}
		return "@every " + d.String(), nil
	case KindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return "", fmt.Errorf("empty cron expression")
		}
		return s.Expr, nil
	default:
		return "", fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, Every: d.String()}
}

// Payload names the task a job runs.
type Payload struct {
	Task string `json:"task"`
	Note string `json:"note,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
	Runs        int    `json:"runs,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

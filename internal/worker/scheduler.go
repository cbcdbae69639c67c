package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job names used by serve mode.
const (
	JobDiscovery    = "discovery"
	JobReleaseStale = "release-stale"
	JobStatusGauge  = "status-gauge"
)

// JobInfo describes a scheduled job for the ops API.
type JobInfo struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int64     `json:"runs"`
}

// Scheduler wraps a gocron scheduler. Jobs never overlap with themselves: a run that is
// still going when the next one is due makes the scheduler skip that tick.
type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	infos     map[string]*JobInfo
	mu        sync.RWMutex
	logger    *zap.Logger
}

func NewScheduler(logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		infos:     make(map[string]*JobInfo),
		logger:    logger.With(zap.String("component", "scheduler")),
	}, nil
}

// AddCron runs job on a five-field cron expression.
func (s *Scheduler) AddCron(ctx context.Context, name, cronExpr string, job func(context.Context) error) error {
	return s.add(ctx, name, cronExpr, gocron.CronJob(cronExpr, false), job)
}

// AddInterval runs job every d, starting immediately.
func (s *Scheduler) AddInterval(ctx context.Context, name string, d time.Duration, job func(context.Context) error) error {
	if d <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.add(ctx, name, "every "+d.String(), gocron.DurationJob(d), job,
		gocron.WithStartAt(gocron.WithStartImmediately()))
}

func (s *Scheduler) add(ctx context.Context, name, schedule string, def gocron.JobDefinition, job func(context.Context) error, extra ...gocron.JobOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job with name %s already exists", name)
	}

	task := func(ctx context.Context) error {
		start := time.Now()
		err := job(ctx)
		s.logger.Debug("job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return err
	}

	opts := append([]gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithEventListeners(
			gocron.AfterJobRuns(func(jobID uuid.UUID, jobName string) {
				s.recordRun(jobName, nil)
			}),
			gocron.AfterJobRunsWithError(func(jobID uuid.UUID, jobName string, err error) {
				s.logger.Error("job failed", zap.String("job", jobName), zap.Error(err))
				s.recordRun(jobName, err)
			}),
			gocron.AfterJobRunsWithPanic(func(jobID uuid.UUID, jobName string, recoverData any) {
				s.logger.Error("job panicked", zap.String("job", jobName), zap.Any("panic", recoverData))
				s.recordRun(jobName, fmt.Errorf("panic: %v", recoverData))
			}),
		),
	}, extra...)

	j, err := s.scheduler.NewJob(def, gocron.NewTask(task, ctx), opts...)
	if err != nil {
		return fmt.Errorf("add job %s: %w", name, err)
	}
	s.jobs[name] = j
	s.infos[name] = &JobInfo{Name: name, Schedule: schedule}
	s.logger.Info("job added", zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) recordRun(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[name]
	if !ok {
		return
	}
	info.Runs++
	info.LastRun = time.Now()
	info.LastError = ""
	if err != nil {
		info.LastError = err.Error()
	}
}

// Jobs returns a snapshot of every job, sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.infos))
	for name, info := range s.infos {
		cp := *info
		if next, err := s.jobs[name].NextRun(); err == nil {
			cp.NextRun = next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Shutdown stops scheduling and waits for running jobs to return.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

// Package scheduler runs periodic maintenance jobs on a gocron scheduler.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "facelinker_scheduler_job_runs_total",
	Help: "Maintenance job runs by job and outcome",
}, []string{"job", "outcome"})

// Task is the body of a job. The context is cancelled when the scheduler stops.
type Task func(ctx context.Context) error

// JobInfo is a snapshot of a registered job.
type JobInfo struct {
	Name      string        `json:"name"`
	Every     time.Duration `json:"every"`
	Runs      int           `json:"runs"`
	LastRun   *time.Time    `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

// Scheduler wraps gocron. Every job runs in singleton mode, so a slow run
// is never overlapped by the next tick.
type Scheduler struct {
	cron   *gocron.Scheduler
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	jobs    map[string]*JobInfo
	running bool
}

// New creates a stopped scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron,
		logger: logger.With(zap.String("component", "scheduler")),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*JobInfo),
	}
}

// AddJob registers a task that runs every interval. The first run happens
// one interval after Start.
func (s *Scheduler) AddJob(name string, every time.Duration, task Task) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job with ID %s already exists", name)
	}

	_, err := s.cron.Every(every).WaitForSchedule().Tag(name).Do(func() {
		s.run(name, task)
	})
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", name, err)
	}
	s.jobs[name] = &JobInfo{Name: name, Every: every}
	s.logger.Info("job added", zap.String("job", name), zap.Duration("every", every))
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	started := time.Now()
	err := task(s.ctx)

	s.mu.Lock()
	if info, ok := s.jobs[name]; ok {
		info.Runs++
		info.LastRun = &started
		info.LastError = ""
		if err != nil {
			info.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		jobRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
		return
	}
	jobRuns.WithLabelValues(name, "ok").Inc()
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(started)))
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("scheduler is already running")
		return
	}
	s.cron.StartAsync()
	s.running = true
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// Jobs take mu when they finish, so it is released before waiting on them.
	s.cancel()
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether Start was called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Jobs returns a snapshot of the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, info := range s.jobs {
		c := *info
		if info.LastRun != nil {
			last := *info.LastRun
			c.LastRun = &last
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Package housekeeping runs the periodic jobs that sit outside request
// handling: the nightly visit stats rebuild and the deposit history archive.
package housekeeping

import (
	"aidstock/internal/core"
	"aidstock/internal/stats"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron"
)

const defaultJobTimeout = 10 * time.Minute

// Job is one scheduled unit of work.
type Job struct {
	Name string
	// Spec is a robfig/cron expression: six fields with seconds, or a
	// descriptor such as @midnight or @every 1h.
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler owns a cron instance and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	logger  core.Logger
	timeout time.Duration
	ctx     context.Context

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool
}

// NewScheduler returns a stopped scheduler. Jobs inherit values from ctx but
// not its cancellation; each run is bounded by timeout (default 10m).
func NewScheduler(ctx context.Context, logger core.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = nopLogger{}
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		timeout: timeout,
		ctx:     context.WithoutCancel(ctx),
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
	}
}

// Add validates and registers job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if _, err := cron.Parse(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	if _, dup := s.jobs[job.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = job
	s.mu.Unlock()

	return s.cron.AddFunc(job.Spec, func() {
		if err := s.RunNow(job.Name); err != nil {
			s.logger.Error("housekeeping job failed", "job", job.Name, "error", err)
		}
	})
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow executes a job immediately. A job never overlaps with itself; a
// run requested while one is in flight is skipped.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %s", name)
	}
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("housekeeping job still running; skipped", "job", name)
		return nil
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	started := time.Now()
	err := job.Run(ctx)
	s.logger.Info("housekeeping job finished", "job", name, "duration", time.Since(started), "ok", err == nil)
	return err
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule. Runs already in flight finish on their own.
func (s *Scheduler) Stop() { s.cron.Stop() }

// Schedules holds the cron expressions for the standard jobs.
type Schedules struct {
	VisitStats string
	Archive    string
}

// RegisterStandardJobs adds the visit stats rebuild and, when archiver is
// non-nil, the history archive.
func RegisterStandardJobs(s *Scheduler, svc *core.Service, archiver *stats.Archiver, sched Schedules) error {
	if sched.VisitStats == "" {
		sched.VisitStats = "@midnight"
	}
	if sched.Archive == "" {
		sched.Archive = "@daily"
	}
	err := s.Add(Job{
		Name: JobVisitStats,
		Spec: sched.VisitStats,
		Run: func(ctx context.Context) error {
			_, err := svc.RebuildPendingVisitStats(ctx)
			return err
		},
	})
	if err != nil || archiver == nil {
		return err
	}
	return s.Add(Job{
		Name: JobHistoryArchive,
		Spec: sched.Archive,
		Run: func(ctx context.Context) error {
			_, err := archiver.ArchiveAll(ctx)
			return err
		},
	})
}

// Standard job names.
const (
	JobVisitStats     = "visit-stats-rebuild"
	JobHistoryArchive = "history-archive"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Package scheduler runs the recurring pipeline jobs (outcome tracking and
// the pending-reward sweep) on fixed intervals.
//
// Jobs are registered by name so operators can also trigger a single run
// on demand through the batch API, sharing one code path with the ticker
// loops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownJob is returned by RunJob for a name nothing was registered under.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is one run of a recurring job. Implementations are expected to be
// idempotent: every job here converges to a no-op when there is no pending
// work.
type JobFunc func(ctx context.Context) error

// Job pairs a named JobFunc with its schedule.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// Scheduler holds the registered jobs.
type Scheduler struct {
	jobs   map[string]Job
	logger *slog.Logger
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:   make(map[string]Job),
		logger: logger,
	}
}

// Register adds a job. Registering a duplicate name is a programming error
// and panics at startup rather than silently shadowing a job.
func (s *Scheduler) Register(name string, interval time.Duration, run JobFunc) {
	if _, exists := s.jobs[name]; exists {
		panic(fmt.Sprintf("scheduler: duplicate job %q", name))
	}
	s.jobs[name] = Job{Name: name, Interval: interval, Run: run}
}

// JobNames returns the registered job names, sorted.
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob executes one registered job immediately.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: %w: %q", ErrUnknownJob, name)
	}
	return s.runOnce(ctx, job)
}

// Run drives every registered job on its interval until ctx is cancelled.
// Each job gets its own ticker loop; a failing run is logged and the loop
// keeps going. Returns once all loops have stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.logger.Info("job loop started", "job", job.Name, "interval", job.Interval)
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					s.logger.Info("job loop stopped", "job", job.Name)
					return nil
				case <-ticker.C:
					if err := s.runOnce(ctx, job); err != nil {
						s.logger.Error("job run failed", "job", job.Name, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) error {
	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
	}
	s.logger.Debug("job run complete", "job", job.Name, "elapsed", elapsed)
	return nil
}

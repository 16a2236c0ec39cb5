/*
scheduler.go - Background sweeps

PURPOSE:
  Runs the engine's time-driven work on cron schedules:
    - recover_due:      recover terminated contracts whose delay elapsed,
                        and retry failed manager recoveries
    - renewal_windows:  move contracts near their renewal date to
                        RENEWAL_PENDING
    - outbox:           deliver pending notifications

DESIGN:
  - robfig/cron with one entry per job; each run gets its own timeout
  - A job that is still running when its next tick fires is skipped
  - Every job acts as affiliate.SystemActor inside the engine
  - RunNow runs a job synchronously for the admin endpoint and tests

USAGE:
  s := NewScheduler(engine, DefaultSchedule(), logger, metrics)
  if err := s.Start(); err != nil { ... }
  defer s.Stop()

SEE ALSO:
  - affiliate/recovery.go: RecoverDue
  - affiliate/contract.go: OpenRenewalWindows
  - affiliate/outbox.go: Dispatcher.Flush
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/affiliate-engine/affiliate"
)

const (
	JobRecoverDue     = "recover_due"
	JobRenewalWindows = "renewal_windows"
	JobOutbox         = "outbox"
)

var ErrUnknownJob = errors.New("unknown job")

// Schedule holds one cron spec per job. An empty spec disables the job.
type Schedule struct {
	RecoverDue     string
	RenewalWindows string
	Outbox         string
	Timeout        time.Duration
}

func DefaultSchedule() Schedule {
	return Schedule{
		RecoverDue:     "*/15 * * * *",
		RenewalWindows: "0 6 * * *",
		Outbox:         "* * * * *",
		Timeout:        5 * time.Minute,
	}
}

// JobObserver receives one call per job run. metrics.Metrics implements it.
type JobObserver interface {
	ObserveJob(job string, started time.Time, err error)
}

type Scheduler struct {
	engine   *affiliate.Engine
	schedule Schedule
	logger   *slog.Logger
	observer JobObserver
	now      func() time.Time

	cron    *cron.Cron
	running map[string]*sync.Mutex
}

func NewScheduler(engine *affiliate.Engine, schedule Schedule, logger *slog.Logger, observer JobObserver) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule.Timeout <= 0 {
		schedule.Timeout = DefaultSchedule().Timeout
	}
	return &Scheduler{
		engine:   engine,
		schedule: schedule,
		logger:   logger.With("component", "scheduler"),
		observer: observer,
		now:      time.Now,
		cron:     cron.New(),
		running: map[string]*sync.Mutex{
			JobRecoverDue:     {},
			JobRenewalWindows: {},
			JobOutbox:         {},
		},
	}
}

// Start registers every enabled job and starts the cron loop.
func (s *Scheduler) Start() error {
	for job, spec := range map[string]string{
		JobRecoverDue:     s.schedule.RecoverDue,
		JobRenewalWindows: s.schedule.RenewalWindows,
		JobOutbox:         s.schedule.Outbox,
	} {
		if spec == "" {
			s.logger.Info("job disabled", "job", job)
			continue
		}
		if _, err := s.cron.AddFunc(spec, func() { s.tick(job) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job, spec, err)
		}
		s.logger.Info("job scheduled", "job", job, "spec", spec)
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(job string) {
	mu := s.running[job]
	if !mu.TryLock() {
		s.logger.Warn("previous run still in progress, skipping", "job", job)
		return
	}
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.schedule.Timeout)
	defer cancel()
	if _, err := s.run(ctx, job); err != nil {
		s.logger.Error("job failed", "job", job, "error", err)
	}
}

// RunNow runs one job synchronously and returns its result.
func (s *Scheduler) RunNow(ctx context.Context, job string) (any, error) {
	mu, ok := s.running[job]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	mu.Lock()
	defer mu.Unlock()
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job string) (result any, err error) {
	started := time.Now()
	defer func() {
		if s.observer != nil {
			s.observer.ObserveJob(job, started, err)
		}
	}()

	now := s.now()
	switch job {
	case JobRecoverDue:
		sweep, err := s.engine.Contracts.RecoverDue(ctx, now)
		if err != nil {
			return nil, err
		}
		if sweep.Recovered > 0 || sweep.Failed > 0 {
			s.logger.Info("recovery sweep", "recovered", sweep.Recovered, "failed", sweep.Failed, "skipped", sweep.Skipped)
		}
		return sweep, nil

	case JobRenewalWindows:
		opened, err := s.engine.Contracts.OpenRenewalWindows(ctx, now)
		if err != nil {
			return nil, err
		}
		if opened > 0 {
			s.logger.Info("renewal windows opened", "contracts", opened)
		}
		return map[string]int{"opened": opened}, nil

	case JobOutbox:
		if s.engine.Dispatcher == nil {
			return map[string]int{"sent": 0}, nil
		}
		sent, err := s.engine.Dispatcher.Flush(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"sent": sent}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
}

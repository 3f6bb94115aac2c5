package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Scheduler runs the job on a fixed interval. At most one run is in
// flight; a tick that fires while a run is still going is skipped.
type Scheduler struct {
	Job      *Job
	Interval time.Duration
	Logger   *zap.Logger

	mu     sync.Mutex
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	last   *Report
}

func NewScheduler(job *Job, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{Job: job, Interval: interval, Logger: logger}
}

// Start registers the interval job and starts the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched != nil {
		return nil
	}
	if s.Interval <= 0 {
		s.Logger.Info("reconciliation scheduler disabled")
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	_, err = sched.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(func() { _, _ = s.RunNow(s.ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("reconcile-all"),
	)
	if err != nil {
		s.cancel()
		return errors.Wrap(err, "register reconciliation job")
	}

	sched.Start()
	s.sched = sched
	s.Logger.Info("reconciliation scheduler started", zap.Duration("interval", s.Interval))
	return nil
}

// Stop cancels any in-flight run and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	if sched != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if sched == nil {
		return nil
	}
	// Shutdown waits for the running task, which takes s.mu on its way out.
	err := sched.Shutdown()
	s.Logger.Info("reconciliation scheduler stopped")
	return err
}

// RunNow runs one pass immediately and remembers its report.
func (s *Scheduler) RunNow(ctx context.Context) (Report, error) {
	report, err := s.Job.Run(ctx, Options{})
	if err != nil {
		s.Logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report, err
}

// LastReport returns the report of the most recent run, if any.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Package scheduler runs the engine's maintenance jobs periodically, one
// goroutine per job, off the request path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/memory"
)

// Runner executes one maintenance job. *memory.Engine implements it.
type Runner interface {
	RunMaintenance(ctx context.Context, kind memory.JobKind) (*memory.JobReport, error)
}

// Locker hands out a named lock shared by every scheduler of a fleet.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
	// Extend renews a lock this instance holds for another ttl. It reports
	// false when the lock expired or was taken over.
	Extend(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Publisher receives the report of every finished run.
type Publisher interface {
	Publish(ctx context.Context, report *memory.JobReport) error
}

// Config sets the interval of each job. Missing or zero intervals use
// DefaultInterval; a negative interval disables the job.
type Config struct {
	Intervals map[memory.JobKind]time.Duration
	// LockTTL bounds how long a crashed node can hold a job lock. A live run
	// renews its lock every LockTTL/3.
	LockTTL time.Duration
	// Timeout bounds one run. Zero means no bound.
	Timeout time.Duration
}

// DefaultInterval is the gap between two runs of a job.
const DefaultInterval = 24 * time.Hour

// ErrLocked is returned by RunNow when another instance holds the job.
var ErrLocked = errors.New("job already running")

// Scheduler owns the per-job tickers.
type Scheduler struct {
	runner    Runner
	locker    Locker
	publisher Publisher
	cfg       Config
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	last      map[memory.JobKind]*memory.JobReport
	logger    *zap.Logger
}

// New creates a scheduler. publisher may be nil.
func New(runner Runner, locker Locker, publisher Publisher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	return &Scheduler{
		runner:    runner,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		last:      make(map[memory.JobKind]*memory.JobReport),
		logger:    logger,
	}
}

func (s *Scheduler) interval(kind memory.JobKind) time.Duration {
	if d, ok := s.cfg.Intervals[kind]; ok && d != 0 {
		return d
	}
	return DefaultInterval
}

// Start launches one loop per enabled job. The loops end when ctx is
// canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, kind := range memory.JobKinds {
		every := s.interval(kind)
		if every < 0 {
			s.logger.Info("maintenance job disabled", zap.String("job", string(kind)))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, kind, every)
	}
	s.logger.Info("scheduler started")
}

// Stop cancels every loop and waits for running jobs to observe it.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, kind memory.JobKind, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx, kind); err != nil && !errors.Is(err, ErrLocked) {
				s.logger.Warn("scheduled maintenance failed",
					zap.String("job", string(kind)),
					zap.Error(err))
			}
		}
	}
}

// RunNow runs kind immediately under its lock and publishes the report.
func (s *Scheduler) RunNow(ctx context.Context, kind memory.JobKind) (*memory.JobReport, error) {
	unlock, ok, err := s.locker.Lock(ctx, string(kind), s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", kind, err)
	}
	if !ok {
		s.logger.Debug("maintenance job held elsewhere", zap.String("job", string(kind)))
		return nil, ErrLocked
	}
	defer unlock()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := s.renew(ctx, kind, cancel)
	report, err := s.runner.RunMaintenance(ctx, kind)
	stop()
	if report != nil {
		s.mu.Lock()
		s.last[kind] = report
		s.mu.Unlock()
		s.logger.Info("maintenance job finished",
			zap.String("job", string(kind)),
			zap.Int("batches", report.Batches),
			zap.Int64("affected", report.Affected),
			zap.Int("failures", report.Failures),
			zap.Bool("canceled", report.Canceled),
			zap.Duration("took", report.Finished.Sub(report.Started)))
		s.publish(report)
	}
	return report, err
}

// renew keeps the lock of kind alive until stop is called. When the lock
// is lost the run is canceled so two nodes never work the same job.
func (s *Scheduler) renew(ctx context.Context, kind memory.JobKind, lost context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := s.locker.Extend(ctx, string(kind), s.cfg.LockTTL)
				if err != nil {
					s.logger.Warn("renew job lock failed",
						zap.String("job", string(kind)),
						zap.Error(err))
					continue
				}
				if !ok {
					s.logger.Error("job lock lost, canceling run", zap.String("job", string(kind)))
					lost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Scheduler) publish(report *memory.JobReport) {
	if s.publisher == nil {
		return
	}
	// The run context may already be canceled; reports of interrupted jobs
	// still go out.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, report); err != nil {
		s.logger.Warn("publish job report failed",
			zap.String("job", string(report.Job)),
			zap.Error(err))
	}
}

// LastReport returns the most recent report of kind run by this instance.
func (s *Scheduler) LastReport(kind memory.JobKind) (*memory.JobReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[kind]
	return r, ok
}

// Package scheduler runs periodic background jobs such as the HODL token
// distribution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"
)

type Scheduler struct {
	cron   gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func New(logger *slog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "scheduler"),
	}, nil
}

// Every registers fn to run each interval. Runs never overlap; a tick that
// arrives while fn is still running is skipped.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			if err := fn(s.ctx); err != nil {
				s.logger.Error("job failed", "job", name, "error", err)
				return
			}
			s.logger.Debug("job finished", "job", name, "took", time.Since(start))
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.cron.Shutdown()
}

type Distributor interface {
	Distribute(ctx context.Context, amount decimal.Decimal) (int64, error)
}

// DistributionJob credits amount to every user on each run. report may be
// nil; it sees the outcome of every run.
func DistributionJob(d Distributor, amount decimal.Decimal, report func(users int64, err error)) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := d.Distribute(ctx, amount)
		if report != nil {
			report(n, err)
		}
		return err
	}
}

package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type countingDistributor struct {
	runs   int32
	amount decimal.Decimal
	err    error
}

func (c *countingDistributor) Distribute(_ context.Context, amount decimal.Decimal) (int64, error) {
	atomic.AddInt32(&c.runs, 1)
	c.amount = amount
	return 4, c.err
}

func TestDistributionJobReports(t *testing.T) {
	d := &countingDistributor{}
	var gotUsers int64
	job := DistributionJob(d, decimal.NewFromInt(10), func(n int64, err error) { gotUsers = n })

	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if gotUsers != 4 || !d.amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected report users=%d amount=%s", gotUsers, d.amount)
	}

	d.err = errors.New("db down")
	var reported error
	job = DistributionJob(d, decimal.NewFromInt(1), func(_ int64, err error) { reported = err })
	if err := job(context.Background()); err == nil || reported == nil {
		t.Fatalf("error should propagate and be reported")
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ran := make(chan struct{}, 1)
	if err := s.Every("tick", 10*time.Millisecond, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("every: %v", err)
	}
	s.Start()
	defer func() { _ = s.Shutdown() }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job never ran")
	}
}

func TestEveryRejectsZeroInterval(t *testing.T) {
	s, _ := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer func() { _ = s.Shutdown() }()
	if err := s.Every("bad", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
}

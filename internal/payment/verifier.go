package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// ErrUnavailable means the payment API could not be consulted. It is
// neither a confirmation nor a failure.
var ErrUnavailable = errors.New("payment verifier unavailable")

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

const remoteStatusFailed = "failed"

// Fetcher reads a single transaction from the payment API.
type Fetcher interface {
	Transaction(ctx context.Context, txID string) (*Transaction, error)
}

// Policy bounds the polling loop. The wait before attempt n+1 is
// InitialDelay * Multiplier^n.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 12, InitialDelay: 5 * time.Second, Multiplier: 1.5}
}

func AggressivePolicy() Policy {
	return Policy{MaxAttempts: 15, InitialDelay: 2 * time.Second, Multiplier: 1.5}
}

func (p Policy) delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1.5
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt)))
}

type Result struct {
	Outcome     Outcome
	Attempts    int
	Transaction *Transaction
}

// Observer receives one call per attempt. result is "confirmed", "failed",
// "not_found", "mismatch" or "error".
type Observer func(result string)

type Verifier struct {
	fetcher  Fetcher
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
	logger   *slog.Logger
}

type VerifierOption func(*Verifier)

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) VerifierOption {
	return func(v *Verifier) { v.sleep = fn }
}

func WithObserver(fn Observer) VerifierOption {
	return func(v *Verifier) { v.observer = fn }
}

func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func NewVerifier(fetcher Fetcher, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		fetcher: fetcher,
		sleep:   sleepContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify polls the payment API until the transaction is confirmed against
// reference, reported failed, or the policy is exhausted. It never writes
// anything. A non-404 transport or HTTP error stops the loop and is returned
// wrapped in ErrUnavailable.
func (v *Verifier) Verify(ctx context.Context, txID, reference string, policy Policy) (Result, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	log := v.logger.With("component", "payment_verifier", "transaction_id", txID)

	for i := 0; i < attempts; i++ {
		tx, err := v.fetcher.Transaction(ctx, txID)
		switch {
		case err != nil && isNotFound(err):
			v.observe("not_found")
			log.Debug("transaction not visible yet", "attempt", i+1)
		case err != nil:
			if ctx.Err() != nil {
				return Result{Outcome: OutcomePending, Attempts: i + 1}, nil
			}
			v.observe("error")
			log.Warn("payment api error", "attempt", i+1, "error", err)
			return Result{Attempts: i + 1}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case tx.Reference == reference && tx.TransactionStatus != remoteStatusFailed:
			v.observe("confirmed")
			log.Info("payment confirmed", "attempt", i+1, "status", tx.TransactionStatus)
			return Result{Outcome: OutcomeConfirmed, Attempts: i + 1, Transaction: tx}, nil
		case tx.TransactionStatus == remoteStatusFailed:
			v.observe("failed")
			log.Info("payment failed", "attempt", i+1)
			return Result{Outcome: OutcomeFailed, Attempts: i + 1, Transaction: tx}, nil
		default:
			v.observe("mismatch")
			log.Debug("inconclusive payment status", "attempt", i+1, "status", tx.TransactionStatus)
		}

		if i == attempts-1 {
			break
		}
		if err := v.sleep(ctx, policy.delay(i)); err != nil {
			return Result{Outcome: OutcomePending, Attempts: i + 1}, nil
		}
	}

	log.Info("payment still pending", "attempts", attempts)
	return Result{Outcome: OutcomePending, Attempts: attempts}, nil
}

func (v *Verifier) observe(result string) {
	if v.observer != nil {
		v.observer(result)
	}
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

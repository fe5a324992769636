package participation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"hodl/internal/domain"
	"hodl/internal/payment"
	"hodl/internal/store"

	"github.com/shopspring/decimal"
)

// stubVerifier returns scripted results per call.
type stubVerifier struct {
	mu       sync.Mutex
	results  []payment.Result
	errs     []error
	calls    int
	policies []payment.Policy
	refs     []string
}

func (s *stubVerifier) Verify(_ context.Context, _, reference string, policy payment.Policy) (payment.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.policies = append(s.policies, policy)
	s.refs = append(s.refs, reference)
	if i < len(s.errs) && s.errs[i] != nil {
		return payment.Result{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return s.results[len(s.results)-1], nil
}

type fixture struct {
	svc       *Service
	st        *store.MemoryStore
	verifier  *stubVerifier
	user      domain.User
	challenge domain.Challenge
}

func newFixture(t *testing.T, price string, max, current int, results ...payment.Result) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	u, _, err := st.UpsertUserByWallet(ctx, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", decimal.Zero)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	c, err := st.CreateChallenge(ctx, domain.Challenge{
		Title:               "endurance",
		Status:              domain.ChallengeActive,
		ParticipationPrice:  decimal.RequireFromString(price),
		MaxParticipants:     max,
		CurrentParticipants: current,
	})
	if err != nil {
		t.Fatalf("seed challenge: %v", err)
	}
	if len(results) == 0 {
		results = []payment.Result{{Outcome: payment.OutcomeConfirmed}}
	}
	v := &stubVerifier{results: results}
	svc := NewService(st, v, Config{
		PaymentAddress: "0xpay",
		FreeEntryBonus: decimal.NewFromInt(3),
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{svc: svc, st: st, verifier: v, user: u, challenge: c}
}

func (f *fixture) participants(t *testing.T) int {
	t.Helper()
	c, err := f.st.GetChallenge(context.Background(), f.challenge.ID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	return c.CurrentParticipants
}

func TestHappyPathPaidEntry(t *testing.T) {
	f := newFixture(t, "1", 10, 2)
	ctx := context.Background()

	intent, err := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if len(intent.Reference) != 32 || intent.PaymentAddress != "0xpay" || !intent.ParticipationPrice.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected intent %+v", intent)
	}
	p, _ := f.st.FindParticipation(ctx, f.user.ID, f.challenge.ID)
	if p.PaymentStatus != domain.PaymentPending || !p.WLDPaid.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected pending record %+v", p)
	}

	out, err := f.svc.Confirm(ctx, f.user.ID, intent.Reference, "tx-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Status != StatusCompleted || out.ParticipationID != p.ID {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.verifier.refs[0] != intent.Reference {
		t.Fatalf("verifier got reference %s", f.verifier.refs[0])
	}
	if got := f.participants(t); got != 3 {
		t.Fatalf("expected 3/10, got %d", got)
	}
}

func TestRetryAfterOracleLag(t *testing.T) {
	f := newFixture(t, "1", 10, 0,
		payment.Result{Outcome: payment.OutcomePending, Attempts: 12},
		payment.Result{Outcome: payment.OutcomeConfirmed, Attempts: 1},
	)
	ctx := context.Background()

	intent, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	out, err := f.svc.Confirm(ctx, f.user.ID, intent.Reference, "tx-lag")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Status != StatusPendingVerification {
		t.Fatalf("expected pending_verification, got %s", out.Status)
	}
	p, _ := f.st.GetParticipation(ctx, out.ParticipationID)
	if p.PaymentStatus != domain.PaymentPending || p.TransactionID != "tx-lag" {
		t.Fatalf("expected pending with stored tx, got %+v", p)
	}

	retry, err := f.svc.RetryVerification(ctx, f.user.ID, p.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.PaymentStatus != domain.PaymentCompleted {
		t.Fatalf("expected completed, got %+v", retry)
	}
	if f.verifier.policies[1] != payment.AggressivePolicy() {
		t.Fatalf("retry should use the aggressive policy, got %+v", f.verifier.policies[1])
	}

	again, err := f.svc.RetryVerification(ctx, f.user.ID, p.ID)
	if err != nil || again.Status != StatusCompleted {
		t.Fatalf("second retry: %+v %v", again, err)
	}
	if got := f.participants(t); got != 1 {
		t.Fatalf("counter incremented %d times", got)
	}
	if f.verifier.calls != 2 {
		t.Fatalf("completed record should not be re-verified, calls=%d", f.verifier.calls)
	}
}

func TestConfirmVerifierUnavailableStaysPending(t *testing.T) {
	f := newFixture(t, "1", 0, 0)
	f.verifier.errs = []error{fmt.Errorf("%w: 502", payment.ErrUnavailable)}
	ctx := context.Background()

	intent, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	out, err := f.svc.Confirm(ctx, f.user.ID, intent.Reference, "tx-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if out.Status != StatusPendingVerification || !out.Unavailable {
		t.Fatalf("expected pending with unavailable flag, got %+v", out)
	}
}

func TestInitiateKeepsPaidPendingRecord(t *testing.T) {
	f := newFixture(t, "1", 10, 0,
		payment.Result{Outcome: payment.OutcomePending},
		payment.Result{Outcome: payment.OutcomeConfirmed},
	)
	ctx := context.Background()

	first, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	out, err := f.svc.Confirm(ctx, f.user.ID, first.Reference, "tx-paid")
	if err != nil || out.Status != StatusPendingVerification {
		t.Fatalf("confirm: %+v %v", out, err)
	}

	_, err = f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	if !errors.Is(err, ErrVerificationPending) || !strings.Contains(err.Error(), out.ParticipationID) {
		t.Fatalf("expected ErrVerificationPending naming %s, got %v", out.ParticipationID, err)
	}
	p, err := f.st.GetParticipation(ctx, out.ParticipationID)
	if err != nil || p.TransactionID != "tx-paid" || p.PaymentReference != first.Reference {
		t.Fatalf("pending record lost: %+v %v", p, err)
	}

	retry, err := f.svc.RetryVerification(ctx, f.user.ID, p.ID)
	if err != nil || retry.Status != StatusCompleted {
		t.Fatalf("retry: %+v %v", retry, err)
	}
}

func TestInitiateReplacesUnpaidPendingRecord(t *testing.T) {
	f := newFixture(t, "1", 10, 0)
	ctx := context.Background()

	first, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	second, err := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	if second.Reference == first.Reference {
		t.Fatalf("expected a fresh reference")
	}
	if _, err := f.svc.Confirm(ctx, f.user.ID, first.Reference, "tx"); !errors.Is(err, ErrParticipationNotFound) {
		t.Fatalf("stale reference still confirmable: %v", err)
	}
}

func TestConfirmFailedPayment(t *testing.T) {
	f := newFixture(t, "1", 0, 0,
		payment.Result{Outcome: payment.OutcomeFailed},
		payment.Result{Outcome: payment.OutcomeFailed},
	)
	ctx := context.Background()

	intent, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	out, err := f.svc.Confirm(ctx, f.user.ID, intent.Reference, "tx-1")
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	p, _ := f.st.GetParticipation(ctx, out.ParticipationID)
	if p.PaymentStatus != domain.PaymentFailed {
		t.Fatalf("expected failed record, got %s", p.PaymentStatus)
	}
	if _, err := f.svc.RetryVerification(ctx, f.user.ID, p.ID); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("retry of failed payment should fail again, got %v", err)
	}

	// A fresh initiate replaces the failed attempt.
	next, err := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	if err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	if next.Reference == intent.Reference {
		t.Fatalf("reference reused")
	}
	if _, err := f.st.GetParticipation(ctx, p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed record should be deleted, got %v", err)
	}
}

func TestConcurrentConfirmCountsOnce(t *testing.T) {
	f := newFixture(t, "1", 10, 0)
	ctx := context.Background()
	intent, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Confirm(ctx, f.user.ID, intent.Reference, "tx-1"); err != nil {
				t.Errorf("confirm: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.participants(t); got != 1 {
		t.Fatalf("expected counter 1, got %d", got)
	}
	p, _ := f.st.FindParticipation(ctx, f.user.ID, f.challenge.ID)
	if p.PaymentStatus != domain.PaymentCompleted {
		t.Fatalf("expected completed, got %s", p.PaymentStatus)
	}
}

func TestDoubleParticipationRejected(t *testing.T) {
	f := newFixture(t, "1", 10, 0)
	ctx := context.Background()
	intent, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	if _, err := f.svc.Confirm(ctx, f.user.ID, intent.Reference, "tx-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	before, _ := f.st.FindParticipation(ctx, f.user.ID, f.challenge.ID)

	if _, err := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID); !errors.Is(err, ErrAlreadyParticipated) {
		t.Fatalf("expected ErrAlreadyParticipated, got %v", err)
	}
	after, _ := f.st.FindParticipation(ctx, f.user.ID, f.challenge.ID)
	if after.ID != before.ID {
		t.Fatalf("a new record was created")
	}
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()

	free := newFixture(t, "0", 0, 0)
	if _, err := free.svc.Initiate(ctx, free.user.ID, free.challenge.ID); !errors.Is(err, ErrFreeChallenge) {
		t.Fatalf("expected ErrFreeChallenge, got %v", err)
	}

	full := newFixture(t, "1", 2, 2)
	if _, err := full.svc.Initiate(ctx, full.user.ID, full.challenge.ID); !errors.Is(err, ErrChallengeFull) {
		t.Fatalf("expected ErrChallengeFull, got %v", err)
	}

	if _, err := full.svc.Initiate(ctx, full.user.ID, "missing"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}

	ended := newFixture(t, "1", 0, 0)
	c, _ := ended.st.CreateChallenge(ctx, domain.Challenge{Title: "old", Status: domain.ChallengeEnded, ParticipationPrice: decimal.NewFromInt(1)})
	if _, err := ended.svc.Initiate(ctx, ended.user.ID, c.ID); !errors.Is(err, ErrChallengeInactive) {
		t.Fatalf("expected ErrChallengeInactive, got %v", err)
	}
}

func TestConfirmRechecksCapacity(t *testing.T) {
	f := newFixture(t, "1", 1, 0)
	ctx := context.Background()
	intent, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)

	other, _, _ := f.st.UpsertUserByWallet(ctx, "0x0000000000000000000000000000000000000001", decimal.Zero)
	if _, err := f.st.CreateCompletedParticipation(ctx, domain.Participation{UserID: other.ID, ChallengeID: f.challenge.ID}); err != nil {
		t.Fatalf("fill challenge: %v", err)
	}

	if _, err := f.svc.Confirm(ctx, f.user.ID, intent.Reference, "tx-1"); !errors.Is(err, ErrChallengeFull) {
		t.Fatalf("expected ErrChallengeFull, got %v", err)
	}
	if f.verifier.calls != 0 {
		t.Fatalf("verifier should not run for a full challenge")
	}
}

func TestConfirmUnknownReference(t *testing.T) {
	f := newFixture(t, "1", 0, 0)
	if _, err := f.svc.Confirm(context.Background(), f.user.ID, "nope", "tx"); !errors.Is(err, ErrParticipationNotFound) {
		t.Fatalf("expected ErrParticipationNotFound, got %v", err)
	}
}

func TestRetryWithoutTransaction(t *testing.T) {
	f := newFixture(t, "1", 0, 0)
	ctx := context.Background()
	intent, _ := f.svc.Initiate(ctx, f.user.ID, f.challenge.ID)
	p, _ := f.st.FindParticipationByReference(ctx, f.user.ID, intent.Reference)

	if _, err := f.svc.RetryVerification(ctx, f.user.ID, p.ID); !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}
	if _, err := f.svc.RetryVerification(ctx, "someone-else", p.ID); !errors.Is(err, ErrParticipationNotFound) {
		t.Fatalf("expected ErrParticipationNotFound, got %v", err)
	}
}

func TestJoinFree(t *testing.T) {
	f := newFixture(t, "0", 5, 0)
	ctx := context.Background()

	p, err := f.svc.JoinFree(ctx, f.user.ID, f.challenge.ID, 42_000)
	if err != nil {
		t.Fatalf("join free: %v", err)
	}
	if p.PaymentStatus != domain.PaymentCompleted || p.DurationMs != 42_000 {
		t.Fatalf("unexpected record %+v", p)
	}
	if got := f.participants(t); got != 1 {
		t.Fatalf("expected 1 participant, got %d", got)
	}
	u, _ := f.st.GetUser(ctx, f.user.ID)
	if !u.HodlTokenBalance.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("bonus not credited: %s", u.HodlTokenBalance)
	}
	if _, err := f.svc.JoinFree(ctx, f.user.ID, f.challenge.ID, 1); !errors.Is(err, ErrAlreadyParticipated) {
		t.Fatalf("expected ErrAlreadyParticipated, got %v", err)
	}

	tiny := newFixture(t, "0", 5, 0)
	tiny.svc.cfg.FreeEntryBonus = decimal.RequireFromString("0.0000000000000000001")
	if _, err := tiny.svc.JoinFree(ctx, tiny.user.ID, tiny.challenge.ID, 1); err != nil {
		t.Fatalf("join free with sub-wei bonus: %v", err)
	}
	if u, _ := tiny.st.GetUser(ctx, tiny.user.ID); !u.HodlTokenBalance.IsZero() {
		t.Fatalf("sub-wei bonus credited: %s", u.HodlTokenBalance)
	}

	paid := newFixture(t, "1", 0, 0)
	if _, err := paid.svc.JoinFree(ctx, paid.user.ID, paid.challenge.ID, 1); !errors.Is(err, ErrPaidChallenge) {
		t.Fatalf("expected ErrPaidChallenge, got %v", err)
	}
}

func TestCreateChallenge(t *testing.T) {
	f := newFixture(t, "1", 10, 0)
	ctx := context.Background()

	c, err := f.svc.CreateChallenge(ctx, NewChallenge{
		Title:              "  sprint ",
		ParticipationPrice: decimal.RequireFromString("0.5"),
		MaxParticipants:    4,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.ChallengeActive || c.Title != "sprint" {
		t.Fatalf("unexpected challenge %+v", c)
	}
	if _, err := f.svc.Initiate(ctx, f.user.ID, c.ID); err != nil {
		t.Fatalf("initiate on new challenge: %v", err)
	}

	bad := []NewChallenge{
		{Title: ""},
		{Title: "x", ParticipationPrice: decimal.NewFromInt(-1)},
		{Title: "x", MaxParticipants: -1},
		{Title: "x", Status: "paused"},
		{Title: "x", ParticipationPrice: decimal.RequireFromString("0.0000000000000000001")},
	}
	for _, in := range bad {
		if _, err := f.svc.CreateChallenge(ctx, in); err == nil {
			t.Fatalf("expected error for %+v", in)
		}
	}
}

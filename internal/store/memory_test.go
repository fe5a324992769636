package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"hodl/internal/domain"

	"github.com/shopspring/decimal"
)

func seedPair(t *testing.T, s *MemoryStore) (domain.User, domain.Challenge) {
	t.Helper()
	ctx := context.Background()
	u, created, err := s.UpsertUserByWallet(ctx, "0xABC", decimal.NewFromInt(10))
	if err != nil || !created {
		t.Fatalf("upsert user: %v created=%v", err, created)
	}
	c, err := s.CreateChallenge(ctx, domain.Challenge{
		Title:              "hold",
		Status:             domain.ChallengeActive,
		ParticipationPrice: decimal.NewFromInt(1),
		MaxParticipants:    10,
	})
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return u, c
}

func TestUpsertUserByWalletIsCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, _, _ := s.UpsertUserByWallet(ctx, "0xABC", decimal.NewFromInt(10))
	second, created, err := s.UpsertUserByWallet(ctx, "0xabc", decimal.NewFromInt(99))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing user, got new=%v id=%s", created, second.ID)
	}
	if !second.HodlTokenBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("starting balance applied twice: %s", second.HodlTokenBalance)
	}
}

func TestSettleClaimRequiresBalance(t *testing.T) {
	s := NewMemoryStore()
	u, _ := seedPair(t, s)
	ctx := context.Background()

	iss, err := s.CreateIssuance(ctx, domain.VoucherIssuance{
		UserID: u.ID, Wallet: u.WalletAddress, Nonce: "1", Amount: decimal.NewFromInt(11),
	})
	if err != nil {
		t.Fatalf("create issuance: %v", err)
	}
	if _, _, err := s.SettleClaim(ctx, iss.ID, "0xhash"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	got, _ := s.GetUser(ctx, u.ID)
	if !got.HodlTokenBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance changed on failed settle: %s", got.HodlTokenBalance)
	}
	if _, err := s.FindClaimByTransaction(ctx, "0xhash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim recorded on failed settle: %v", err)
	}
}

func TestCompleteParticipationCountsOnce(t *testing.T) {
	s := NewMemoryStore()
	u, c := seedPair(t, s)
	ctx := context.Background()

	p, err := s.CreateParticipation(ctx, domain.Participation{
		UserID: u.ID, ChallengeID: c.ID, PaymentStatus: domain.PaymentPending, PaymentReference: "ref",
	})
	if err != nil {
		t.Fatalf("create participation: %v", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.CompleteParticipation(ctx, p.ID)
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one completion, got %d", wins)
	}
	got, _ := s.GetChallenge(ctx, c.ID)
	if got.CurrentParticipants != 1 {
		t.Fatalf("expected counter 1, got %d", got.CurrentParticipants)
	}
}

func TestParticipationUniquePerPair(t *testing.T) {
	s := NewMemoryStore()
	u, c := seedPair(t, s)
	ctx := context.Background()

	base := domain.Participation{UserID: u.ID, ChallengeID: c.ID, PaymentStatus: domain.PaymentPending}
	if _, err := s.CreateParticipation(ctx, base); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateParticipation(ctx, base); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	n, err := s.DeleteStaleParticipations(ctx, u.ID, c.ID)
	if err != nil || n != 1 {
		t.Fatalf("delete stale: n=%d err=%v", n, err)
	}
	done, err := s.CreateCompletedParticipation(ctx, base)
	if err != nil {
		t.Fatalf("create completed: %v", err)
	}
	if n, _ := s.DeleteStaleParticipations(ctx, u.ID, c.ID); n != 0 {
		t.Fatalf("completed record must survive stale cleanup")
	}
	if err := s.MarkParticipationFailed(ctx, done.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := s.GetParticipation(ctx, done.ID)
	if got.PaymentStatus != domain.PaymentCompleted {
		t.Fatalf("completed record was mutated to %s", got.PaymentStatus)
	}
}

func TestSettleClaim(t *testing.T) {
	s := NewMemoryStore()
	u, _ := seedPair(t, s)
	ctx := context.Background()

	iss, err := s.CreateIssuance(ctx, domain.VoucherIssuance{
		UserID: u.ID, Wallet: u.WalletAddress, Nonce: "1", Amount: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("create issuance: %v", err)
	}
	if _, err := s.CreateIssuance(ctx, domain.VoucherIssuance{UserID: u.ID, Wallet: "0xABC", Nonce: "1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate nonce rejection, got %v", err)
	}

	// A distribution tick between issuance and claim must survive.
	if _, err := s.CreditAll(ctx, decimal.NewFromInt(3)); err != nil {
		t.Fatalf("credit all: %v", err)
	}

	rec, bal, err := s.SettleClaim(ctx, iss.ID, "0xhash")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(3)) || !rec.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected balance %s amount %s", bal, rec.Amount)
	}
	if _, _, err := s.SettleClaim(ctx, iss.ID, "0xhash"); !errors.Is(err, ErrNotOutstanding) {
		t.Fatalf("expected ErrNotOutstanding, got %v", err)
	}
	if found, err := s.FindClaimByTransaction(ctx, "0xhash"); err != nil || found.IssuanceID != iss.ID {
		t.Fatalf("claim lookup: %+v %v", found, err)
	}
}

func TestLatestIssuance(t *testing.T) {
	s := NewMemoryStore()
	u, _ := seedPair(t, s)
	ctx := context.Background()

	if _, err := s.LatestIssuance(ctx, u.ID, domain.IssuanceIssued); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var last domain.VoucherIssuance
	for _, nonce := range []string{"1", "2", "3"} {
		iss, err := s.CreateIssuance(ctx, domain.VoucherIssuance{UserID: u.ID, Wallet: u.WalletAddress, Nonce: nonce, Amount: decimal.NewFromInt(1)})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		last = iss
	}
	got, err := s.LatestIssuance(ctx, u.ID, domain.IssuanceIssued)
	if err != nil || got.ID != last.ID {
		t.Fatalf("expected latest %s, got %s (%v)", last.ID, got.ID, err)
	}
	if err := s.FailIssuance(ctx, last.ID, "user rejected"); err != nil {
		t.Fatalf("fail issuance: %v", err)
	}
	if err := s.FailIssuance(ctx, last.ID, "again"); !errors.Is(err, ErrNotOutstanding) {
		t.Fatalf("expected ErrNotOutstanding, got %v", err)
	}
}

// Package claims owns the off-chain HODL balance and the voucher claim
// lifecycle: generate a signed voucher, then settle it as claimed or failed.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"hodl/internal/chain"
	"hodl/internal/domain"
	"hodl/internal/events"
	"hodl/internal/ratelimit"
	"hodl/internal/store"
	"hodl/internal/voucher"

	"github.com/shopspring/decimal"
)

var (
	ErrNothingToClaim         = errors.New("nothing to claim")
	ErrServerMisconfigured    = errors.New("voucher signing is not configured")
	ErrMissingTransactionHash = errors.New("transactionHash is required")
	ErrNoOutstandingVoucher   = errors.New("no outstanding voucher")
	ErrInsufficientBalance    = errors.New("balance no longer covers the voucher")
	ErrInvalidAmount          = errors.New("amount must be positive with at most 18 decimals")
	ErrUserNotFound           = errors.New("user not found")
	ErrClaimNotVerified       = errors.New("claim transaction could not be verified")
	ErrTransactionReused      = errors.New("transaction hash already used for another claim")
)

// RateLimitError is returned when a user signs vouchers too often.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many voucher requests, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ratelimit.ErrLimited }

type Signer interface {
	Sign(to string, amount decimal.Decimal) (voucher.Signed, error)
}

type Store interface {
	store.Users
	store.Vouchers
}

const (
	maxNonceAttempts  = 3
	voucherLimitScope = "generate_voucher"
)

type Service struct {
	store    Store
	signer   Signer
	verifier chain.ClaimVerifier
	limiter  ratelimit.Limiter
	events   events.Publisher
	logger   *slog.Logger
}

type Option func(*Service)

func WithClaimVerifier(v chain.ClaimVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// NewService builds the orchestrator. signer may be nil, in which case
// voucher generation fails with ErrServerMisconfigured.
func NewService(st Store, signer Signer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		signer:   signer,
		verifier: chain.NopVerifier{},
		limiter:  ratelimit.Unlimited{},
		events:   events.NopPublisher{},
		logger:   logger.With("component", "claims"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BalanceView struct {
	Balance       decimal.Decimal `json:"balance"`
	WalletAddress string          `json:"walletAddress"`
}

func (s *Service) Balance(ctx context.Context, userID string) (BalanceView, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{Balance: u.HodlTokenBalance, WalletAddress: u.WalletAddress}, nil
}

func (s *Service) user(ctx context.Context, userID string) (domain.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

type IssuedVoucher struct {
	voucher.Signed
	IssuanceID string          `json:"issuanceId"`
	Amount     decimal.Decimal `json:"amount"`
}

// GenerateVoucher signs a voucher for the whole current balance. The
// balance is not touched until the claim is confirmed.
func (s *Service) GenerateVoucher(ctx context.Context, userID string) (IssuedVoucher, error) {
	decision, err := s.limiter.Allow(ctx, voucherLimitScope, userID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "error", err)
	} else if !decision.Allowed {
		return IssuedVoucher{}, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	u, err := s.user(ctx, userID)
	if err != nil {
		return IssuedVoucher{}, err
	}
	if !u.HodlTokenBalance.IsPositive() {
		return IssuedVoucher{}, ErrNothingToClaim
	}
	if s.signer == nil {
		s.logger.Error("voucher requested but no signing key is configured", "user_id", userID)
		return IssuedVoucher{}, ErrServerMisconfigured
	}

	amount := u.HodlTokenBalance
	for attempt := 1; ; attempt++ {
		signed, err := s.signer.Sign(u.WalletAddress, amount)
		if err != nil {
			return IssuedVoucher{}, fmt.Errorf("sign voucher: %w", err)
		}
		deadline, _ := strconv.ParseInt(signed.Voucher.Deadline, 10, 64)

		iss, err := s.store.CreateIssuance(ctx, domain.VoucherIssuance{
			UserID:    u.ID,
			Wallet:    signed.Voucher.To,
			Nonce:     signed.Voucher.Nonce,
			Amount:    amount,
			AmountWei: signed.Voucher.Amount,
			Deadline:  deadline,
			Signature: signed.Signature,
			Status:    domain.IssuanceIssued,
		})
		if errors.Is(err, store.ErrDuplicate) && attempt < maxNonceAttempts {
			s.logger.Warn("voucher nonce collision, re-signing", "user_id", u.ID, "nonce", signed.Voucher.Nonce)
			continue
		}
		if err != nil {
			return IssuedVoucher{}, fmt.Errorf("record voucher: %w", err)
		}

		s.logger.Info("voucher issued", "user_id", u.ID, "amount", amount.String(), "nonce", iss.Nonce)
		events.Emit(ctx, s.events, s.logger, events.VoucherIssued, map[string]any{
			"userId": u.ID, "issuanceId": iss.ID, "amount": amount.String(), "nonce": iss.Nonce,
		})
		return IssuedVoucher{Signed: signed, IssuanceID: iss.ID, Amount: amount}, nil
	}
}

type ClaimSuccessRequest struct {
	TransactionHash string
	Nonce           string
	// Amount is what the client believes it claimed. It is only compared
	// against the voucher for logging.
	Amount *decimal.Decimal
}

type ClaimResult struct {
	ClaimedAmount decimal.Decimal
	Balance       decimal.Decimal
	Replayed      bool
}

// ClaimSucceeded debits exactly the voucher amount. Repeating the call with
// the same transaction hash returns the original result.
func (s *Service) ClaimSucceeded(ctx context.Context, userID string, req ClaimSuccessRequest) (ClaimResult, error) {
	if req.TransactionHash == "" {
		return ClaimResult{}, ErrMissingTransactionHash
	}
	if res, ok, err := s.replay(ctx, userID, req.TransactionHash); ok || err != nil {
		return res, err
	}

	iss, err := s.outstanding(ctx, userID, req.Nonce)
	if err != nil {
		return ClaimResult{}, err
	}
	if req.Amount != nil && !req.Amount.Equal(iss.Amount) {
		s.logger.Warn("client reported a different claim amount",
			"user_id", userID, "reported", req.Amount.String(), "voucher", iss.Amount.String())
	}

	if err := s.verifier.VerifyClaim(ctx, req.TransactionHash, iss.Wallet); err != nil {
		s.logger.Warn("claim transaction rejected", "user_id", userID, "tx_hash", req.TransactionHash, "error", err)
		return ClaimResult{}, fmt.Errorf("%w: %v", ErrClaimNotVerified, err)
	}

	rec, balance, err := s.store.SettleClaim(ctx, iss.ID, req.TransactionHash)
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return ClaimResult{}, ErrInsufficientBalance
	case errors.Is(err, store.ErrNotOutstanding), errors.Is(err, store.ErrNotFound):
		return ClaimResult{}, ErrNoOutstandingVoucher
	case errors.Is(err, store.ErrDuplicate):
		if res, ok, rerr := s.replay(ctx, userID, req.TransactionHash); ok || rerr != nil {
			return res, rerr
		}
		return ClaimResult{}, ErrTransactionReused
	case err != nil:
		return ClaimResult{}, fmt.Errorf("settle claim: %w", err)
	}

	s.logger.Info("claim settled", "user_id", userID, "amount", rec.Amount.String(), "tx_hash", rec.TransactionHash)
	events.Emit(ctx, s.events, s.logger, events.VoucherClaimed, rec)
	return ClaimResult{ClaimedAmount: rec.Amount, Balance: balance}, nil
}

func (s *Service) replay(ctx context.Context, userID, txHash string) (ClaimResult, bool, error) {
	rec, err := s.store.FindClaimByTransaction(ctx, txHash)
	if errors.Is(err, store.ErrNotFound) {
		return ClaimResult{}, false, nil
	}
	if err != nil {
		return ClaimResult{}, false, fmt.Errorf("lookup claim: %w", err)
	}
	if rec.UserID != userID {
		return ClaimResult{}, false, ErrTransactionReused
	}
	u, err := s.user(ctx, userID)
	if err != nil {
		return ClaimResult{}, false, err
	}
	return ClaimResult{ClaimedAmount: rec.Amount, Balance: u.HodlTokenBalance, Replayed: true}, true, nil
}

func (s *Service) outstanding(ctx context.Context, userID, nonce string) (domain.VoucherIssuance, error) {
	var (
		iss domain.VoucherIssuance
		err error
	)
	if nonce != "" {
		iss, err = s.store.FindIssuanceByNonce(ctx, userID, nonce)
	} else {
		iss, err = s.store.LatestIssuance(ctx, userID, domain.IssuanceIssued)
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.VoucherIssuance{}, ErrNoOutstandingVoucher
	}
	if err != nil {
		return domain.VoucherIssuance{}, fmt.Errorf("lookup voucher: %w", err)
	}
	if iss.Status != domain.IssuanceIssued {
		return domain.VoucherIssuance{}, ErrNoOutstandingVoucher
	}
	return iss, nil
}

type ClaimFailureRequest struct {
	Reason        string
	TransactionID string
	Nonce         string
}

// ClaimFailed records a failed or declined claim and returns the untouched balance.
func (s *Service) ClaimFailed(ctx context.Context, userID string, req ClaimFailureRequest) (decimal.Decimal, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	rec := domain.ClaimRecord{
		UserID:          userID,
		Kind:            domain.ClaimFailed,
		TransactionHash: req.TransactionID,
		Reason:          req.Reason,
	}
	iss, err := s.outstanding(ctx, userID, req.Nonce)
	switch {
	case err == nil:
		if ferr := s.store.FailIssuance(ctx, iss.ID, req.Reason); ferr != nil && !errors.Is(ferr, store.ErrNotOutstanding) {
			return decimal.Zero, fmt.Errorf("fail voucher: %w", ferr)
		}
		rec.IssuanceID = iss.ID
		rec.Amount = iss.Amount
	case errors.Is(err, ErrNoOutstandingVoucher):
	default:
		return decimal.Zero, err
	}

	if err := s.store.RecordClaim(ctx, rec); err != nil {
		s.logger.Error("record claim failure", "user_id", userID, "error", err)
	}
	s.logger.Warn("claim failed", "user_id", userID, "reason", req.Reason, "transaction_id", req.TransactionID)
	events.Emit(ctx, s.events, s.logger, events.VoucherClaimFailed, rec)
	return u.HodlTokenBalance, nil
}

func (s *Service) AddTokens(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() || !voucher.Representable(amount) {
		return decimal.Zero, ErrInvalidAmount
	}
	balance, err := s.store.CreditBalance(ctx, userID, amount)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

// Distribute credits amount to every user.
func (s *Service) Distribute(ctx context.Context, amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() || !voucher.Representable(amount) {
		return 0, ErrInvalidAmount
	}
	n, err := s.store.CreditAll(ctx, amount)
	if err != nil {
		return 0, fmt.Errorf("distribute: %w", err)
	}
	s.logger.Info("tokens distributed", "users", n, "amount", amount.String())
	events.Emit(ctx, s.events, s.logger, events.TokensDistributed, map[string]any{
		"users": n, "amount": amount.String(),
	})
	return n, nil
}

// Package participation runs the paid entry flow for challenges: reserve a
// payment reference, confirm the World App payment, count the participant.
package participation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hodl/internal/domain"
	"hodl/internal/events"
	"hodl/internal/payment"
	"hodl/internal/store"
	"hodl/internal/voucher"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrChallengeNotFound     = errors.New("challenge not found")
	ErrChallengeInactive     = errors.New("challenge is not active")
	ErrChallengeFull         = errors.New("challenge is full")
	ErrFreeChallenge         = errors.New("challenge is free to enter")
	ErrPaidChallenge         = errors.New("challenge requires payment")
	ErrAlreadyParticipated   = errors.New("already participated in this challenge")
	ErrParticipationNotFound = errors.New("participation not found")
	ErrNoTransaction         = errors.New("participation has no transaction to verify")
	ErrPaymentFailed         = errors.New("payment failed")
	ErrMissingField          = errors.New("missing required field")
	ErrInvalidChallenge      = errors.New("invalid challenge definition")
	ErrVerificationPending   = errors.New("payment awaiting verification; retry verification instead")
)

// Status is what the client sees after a confirm or retry call.
type Status string

const (
	StatusCompleted           Status = "completed"
	StatusPendingVerification Status = "pending_verification"
)

type Verifier interface {
	Verify(ctx context.Context, txID, reference string, policy payment.Policy) (payment.Result, error)
}

type Store interface {
	store.Challenges
	store.Participations
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
}

type Config struct {
	PaymentAddress string
	ConfirmPolicy  payment.Policy
	RetryPolicy    payment.Policy
	// VerifyBudget caps one verification run. It is detached from the
	// request, so a client hanging up does not stop it.
	VerifyBudget   time.Duration
	FreeEntryBonus decimal.Decimal
}

type Service struct {
	store    Store
	verifier Verifier
	events   events.Publisher
	cfg      Config
	logger   *slog.Logger
	newRef   func() string
}

func NewService(st Store, verifier Verifier, cfg Config, pub events.Publisher, logger *slog.Logger) *Service {
	if cfg.ConfirmPolicy.MaxAttempts == 0 {
		cfg.ConfirmPolicy = payment.DefaultPolicy()
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = payment.AggressivePolicy()
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{
		store:    st,
		verifier: verifier,
		events:   pub,
		cfg:      cfg,
		logger:   logger.With("component", "participation"),
		newRef:   newReference,
	}
}

func newReference() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Service) challenge(ctx context.Context, id string) (domain.Challenge, error) {
	c, err := s.store.GetChallenge(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Challenge{}, ErrChallengeNotFound
	}
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("load challenge: %w", err)
	}
	return c, nil
}

func (s *Service) checkOpen(c domain.Challenge) error {
	if c.Status != domain.ChallengeActive {
		return ErrChallengeInactive
	}
	if c.Full() {
		return ErrChallengeFull
	}
	return nil
}

type PaymentIntent struct {
	Reference          string          `json:"reference"`
	ChallengeID        string          `json:"challengeId"`
	ParticipationPrice decimal.Decimal `json:"participationPrice"`
	PaymentAddress     string          `json:"paymentAddress"`
}

type NewChallenge struct {
	Title              string
	ParticipationPrice decimal.Decimal
	MaxParticipants    int
	Status             domain.ChallengeStatus
	EndsAt             *time.Time
}

// CreateChallenge registers a challenge. Status defaults to active.
func (s *Service) CreateChallenge(ctx context.Context, in NewChallenge) (domain.Challenge, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Challenge{}, fmt.Errorf("%w: title", ErrMissingField)
	}
	if in.ParticipationPrice.IsNegative() || !voucher.Representable(in.ParticipationPrice) || in.MaxParticipants < 0 {
		return domain.Challenge{}, ErrInvalidChallenge
	}
	status := in.Status
	switch status {
	case "":
		status = domain.ChallengeActive
	case domain.ChallengeDraft, domain.ChallengeActive, domain.ChallengeEnded:
	default:
		return domain.Challenge{}, fmt.Errorf("%w: unknown status %q", ErrInvalidChallenge, status)
	}
	c, err := s.store.CreateChallenge(ctx, domain.Challenge{
		Title:              title,
		Status:             status,
		ParticipationPrice: in.ParticipationPrice,
		MaxParticipants:    in.MaxParticipants,
		EndsAt:             in.EndsAt,
	})
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("create challenge: %w", err)
	}
	s.logger.Info("challenge created", "challenge_id", c.ID, "price", c.ParticipationPrice.String(), "capacity", c.MaxParticipants)
	return c, nil
}

// Initiate opens a pending participation with a fresh payment reference.
// Earlier pending or failed attempts for the same pair are discarded.
func (s *Service) Initiate(ctx context.Context, userID, challengeID string) (PaymentIntent, error) {
	if challengeID == "" {
		return PaymentIntent{}, fmt.Errorf("%w: challengeId", ErrMissingField)
	}
	c, err := s.challenge(ctx, challengeID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if err := s.checkOpen(c); err != nil {
		return PaymentIntent{}, err
	}
	if c.Free() {
		return PaymentIntent{}, ErrFreeChallenge
	}

	existing, err := s.store.FindParticipation(ctx, userID, challengeID)
	switch {
	case err == nil && existing.PaymentStatus == domain.PaymentCompleted:
		return PaymentIntent{}, ErrAlreadyParticipated
	case err == nil && existing.PaymentStatus == domain.PaymentPending && existing.HasTransaction():
		// The user already paid; a fresh reference would orphan that payment.
		return PaymentIntent{}, fmt.Errorf("%w: participation %s", ErrVerificationPending, existing.ID)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return PaymentIntent{}, fmt.Errorf("lookup participation: %w", err)
	}
	if _, err := s.store.DeleteStaleParticipations(ctx, userID, challengeID); err != nil {
		return PaymentIntent{}, fmt.Errorf("clear stale participation: %w", err)
	}

	ref := s.newRef()
	_, err = s.store.CreateParticipation(ctx, domain.Participation{
		UserID:           userID,
		ChallengeID:      challengeID,
		PaymentReference: ref,
		TransactionID:    domain.PendingTransactionID,
		WLDPaid:          c.ParticipationPrice,
		PaymentStatus:    domain.PaymentPending,
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent initiate or completion won the race.
		if p, ferr := s.store.FindParticipation(ctx, userID, challengeID); ferr == nil && p.PaymentStatus == domain.PaymentCompleted {
			return PaymentIntent{}, ErrAlreadyParticipated
		}
		return PaymentIntent{}, fmt.Errorf("create participation: %w", err)
	}
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("create participation: %w", err)
	}

	s.logger.Info("payment initiated", "user_id", userID, "challenge_id", challengeID, "reference", ref)
	return PaymentIntent{
		Reference:          ref,
		ChallengeID:        challengeID,
		ParticipationPrice: c.ParticipationPrice,
		PaymentAddress:     s.cfg.PaymentAddress,
	}, nil
}

type Outcome struct {
	Status          Status               `json:"status"`
	ParticipationID string               `json:"participationId"`
	PaymentStatus   domain.PaymentStatus `json:"paymentStatus"`
	TransactionID   string               `json:"transactionId,omitempty"`
	// Unavailable is set when the payment API could not be reached.
	Unavailable bool `json:"-"`
}

// Confirm checks the payment behind reference and completes the
// participation when the payment API confirms it. Pending and unreachable
// outcomes leave the record pending with the transaction id stored.
func (s *Service) Confirm(ctx context.Context, userID, reference, transactionID string) (Outcome, error) {
	if reference == "" {
		return Outcome{}, fmt.Errorf("%w: reference", ErrMissingField)
	}
	if transactionID == "" {
		return Outcome{}, fmt.Errorf("%w: transaction_id", ErrMissingField)
	}

	p, err := s.store.FindParticipationByReference(ctx, userID, reference)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, ErrParticipationNotFound
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup participation: %w", err)
	}
	if p.PaymentStatus == domain.PaymentCompleted {
		return completedOutcome(p), nil
	}

	c, err := s.challenge(ctx, p.ChallengeID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Full() {
		return Outcome{}, ErrChallengeFull
	}

	if err := s.store.SetTransactionID(ctx, p.ID, transactionID); err != nil {
		return Outcome{}, fmt.Errorf("store transaction id: %w", err)
	}
	p.TransactionID = transactionID

	return s.verify(ctx, p, s.cfg.ConfirmPolicy)
}

// RetryVerification re-runs verification for a stored transaction with the
// more aggressive retry policy.
func (s *Service) RetryVerification(ctx context.Context, userID, participationID string) (Outcome, error) {
	if participationID == "" {
		return Outcome{}, fmt.Errorf("%w: participationId", ErrMissingField)
	}
	p, err := s.store.GetParticipation(ctx, participationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.UserID != userID) {
		return Outcome{}, ErrParticipationNotFound
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load participation: %w", err)
	}
	if p.PaymentStatus == domain.PaymentCompleted {
		return completedOutcome(p), nil
	}
	if !p.HasTransaction() {
		return Outcome{}, ErrNoTransaction
	}
	return s.verify(ctx, p, s.cfg.RetryPolicy)
}

func completedOutcome(p domain.Participation) Outcome {
	return Outcome{
		Status:          StatusCompleted,
		ParticipationID: p.ID,
		PaymentStatus:   domain.PaymentCompleted,
		TransactionID:   p.TransactionID,
	}
}

func (s *Service) verify(ctx context.Context, p domain.Participation, policy payment.Policy) (Outcome, error) {
	vctx := context.WithoutCancel(ctx)
	if s.cfg.VerifyBudget > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(vctx, s.cfg.VerifyBudget)
		defer cancel()
	}
	log := s.logger.With("participation_id", p.ID, "transaction_id", p.TransactionID)

	res, err := s.verifier.Verify(vctx, p.TransactionID, p.PaymentReference, policy)
	pending := Outcome{
		Status:          StatusPendingVerification,
		ParticipationID: p.ID,
		PaymentStatus:   domain.PaymentPending,
		TransactionID:   p.TransactionID,
	}
	if err != nil {
		if errors.Is(err, payment.ErrUnavailable) {
			log.Warn("payment verifier unavailable, leaving pending", "error", err)
			pending.Unavailable = true
			return pending, nil
		}
		return Outcome{}, fmt.Errorf("verify payment: %w", err)
	}

	switch res.Outcome {
	case payment.OutcomeConfirmed:
		counted, err := s.store.CompleteParticipation(vctx, p.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("complete participation: %w", err)
		}
		if counted {
			log.Info("participation completed", "attempts", res.Attempts)
			events.Emit(vctx, s.events, s.logger, events.ParticipationCompleted, map[string]any{
				"participationId": p.ID, "userId": p.UserID, "challengeId": p.ChallengeID, "paid": true,
			})
		}
		return completedOutcome(p), nil
	case payment.OutcomeFailed:
		if err := s.store.MarkParticipationFailed(vctx, p.ID); err != nil {
			return Outcome{}, fmt.Errorf("mark participation failed: %w", err)
		}
		log.Info("payment reported failed", "attempts", res.Attempts)
		events.Emit(vctx, s.events, s.logger, events.ParticipationFailed, map[string]any{
			"participationId": p.ID, "userId": p.UserID, "challengeId": p.ChallengeID,
		})
		return Outcome{
			ParticipationID: p.ID,
			PaymentStatus:   domain.PaymentFailed,
			TransactionID:   p.TransactionID,
		}, ErrPaymentFailed
	default:
		log.Info("payment not visible yet", "attempts", res.Attempts)
		return pending, nil
	}
}

// JoinFree records a completed participation for a free challenge.
func (s *Service) JoinFree(ctx context.Context, userID, challengeID string, durationMs int64) (domain.Participation, error) {
	if challengeID == "" {
		return domain.Participation{}, fmt.Errorf("%w: challengeId", ErrMissingField)
	}
	c, err := s.challenge(ctx, challengeID)
	if err != nil {
		return domain.Participation{}, err
	}
	if err := s.checkOpen(c); err != nil {
		return domain.Participation{}, err
	}
	if !c.Free() {
		return domain.Participation{}, ErrPaidChallenge
	}

	p, err := s.store.CreateCompletedParticipation(ctx, domain.Participation{
		UserID:        userID,
		ChallengeID:   challengeID,
		TransactionID: domain.PendingTransactionID,
		WLDPaid:       decimal.Zero,
		DurationMs:    durationMs,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return domain.Participation{}, ErrAlreadyParticipated
	}
	if err != nil {
		return domain.Participation{}, fmt.Errorf("create participation: %w", err)
	}

	switch bonus := s.cfg.FreeEntryBonus; {
	case !bonus.IsPositive():
	case !voucher.Representable(bonus):
		s.logger.Error("free entry bonus exceeds token precision", "user_id", userID, "bonus", bonus.String())
	default:
		if _, err := s.store.CreditBalance(ctx, userID, bonus); err != nil {
			s.logger.Error("free entry bonus not credited", "user_id", userID, "error", err)
		}
	}
	events.Emit(ctx, s.events, s.logger, events.ParticipationCompleted, map[string]any{
		"participationId": p.ID, "userId": userID, "challengeId": challengeID, "paid": false, "durationMs": durationMs,
	})
	return p, nil
}

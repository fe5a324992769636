// Package store persists users, challenges, participations and voucher
// issuances. Every balance and counter mutation is a single atomic store
// operation so concurrent requests cannot lose or double-apply updates.
package store

import (
	"context"
	"errors"
	"strings"

	"hodl/internal/domain"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicate           = errors.New("record already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotOutstanding      = errors.New("voucher is not outstanding")
)

type Users interface {
	// UpsertUserByWallet returns the user for wallet, creating it with
	// startingBalance on first sight.
	UpsertUserByWallet(ctx context.Context, wallet string, startingBalance decimal.Decimal) (domain.User, bool, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	CreditAll(ctx context.Context, amount decimal.Decimal) (int64, error)
}

type Challenges interface {
	CreateChallenge(ctx context.Context, c domain.Challenge) (domain.Challenge, error)
	GetChallenge(ctx context.Context, id string) (domain.Challenge, error)
}

type Participations interface {
	GetParticipation(ctx context.Context, id string) (domain.Participation, error)
	FindParticipation(ctx context.Context, userID, challengeID string) (domain.Participation, error)
	FindParticipationByReference(ctx context.Context, userID, reference string) (domain.Participation, error)
	// DeleteStaleParticipations removes pending and failed records for the pair.
	DeleteStaleParticipations(ctx context.Context, userID, challengeID string) (int64, error)
	CreateParticipation(ctx context.Context, p domain.Participation) (domain.Participation, error)
	// CreateCompletedParticipation inserts a completed record and bumps the
	// challenge counter in one step.
	CreateCompletedParticipation(ctx context.Context, p domain.Participation) (domain.Participation, error)
	SetTransactionID(ctx context.Context, id, txID string) error
	MarkParticipationFailed(ctx context.Context, id string) error
	// CompleteParticipation moves a non-completed record to completed and
	// increments the challenge counter. It reports false when the record was
	// already completed, in which case nothing changes.
	CompleteParticipation(ctx context.Context, id string) (bool, error)
}

type Vouchers interface {
	CreateIssuance(ctx context.Context, iss domain.VoucherIssuance) (domain.VoucherIssuance, error)
	FindIssuanceByNonce(ctx context.Context, userID, nonce string) (domain.VoucherIssuance, error)
	LatestIssuance(ctx context.Context, userID string, status domain.IssuanceStatus) (domain.VoucherIssuance, error)
	// SettleClaim debits the issuance amount, marks it claimed and records
	// the claim. Nothing is written unless all three succeed.
	SettleClaim(ctx context.Context, issuanceID, txHash string) (domain.ClaimRecord, decimal.Decimal, error)
	FailIssuance(ctx context.Context, issuanceID, reason string) error
	FindClaimByTransaction(ctx context.Context, txHash string) (domain.ClaimRecord, error)
	RecordClaim(ctx context.Context, rec domain.ClaimRecord) error
}

type Store interface {
	Users
	Challenges
	Participations
	Vouchers
}

func newID() string {
	return ulid.Make().String()
}

func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

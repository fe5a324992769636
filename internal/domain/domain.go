// Package domain holds the records shared by the store and the services.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID               string          `json:"id"`
	WalletAddress    string          `json:"walletAddress"`
	Username         string          `json:"username,omitempty"`
	HodlTokenBalance decimal.Decimal `json:"hodlTokenBalance"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastLoginAt      time.Time       `json:"lastLoginAt"`
}

type ChallengeStatus string

const (
	ChallengeDraft  ChallengeStatus = "draft"
	ChallengeActive ChallengeStatus = "active"
	ChallengeEnded  ChallengeStatus = "ended"
)

type Challenge struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Status              ChallengeStatus `json:"status"`
	ParticipationPrice  decimal.Decimal `json:"participationPrice"`
	MaxParticipants     int             `json:"maxParticipants"`
	CurrentParticipants int             `json:"currentParticipants"`
	EndsAt              *time.Time      `json:"endsAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// Full reports whether no seat is left. Zero capacity means unlimited.
func (c Challenge) Full() bool {
	return c.MaxParticipants > 0 && c.CurrentParticipants >= c.MaxParticipants
}

func (c Challenge) Free() bool {
	return !c.ParticipationPrice.IsPositive()
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PendingTransactionID marks a participation whose chain transaction is not known yet.
const PendingTransactionID = "pending"

type Participation struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	ChallengeID      string          `json:"challengeId"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	TransactionID    string          `json:"transactionId"`
	WLDPaid          decimal.Decimal `json:"wldPaid"`
	PaymentStatus    PaymentStatus   `json:"paymentStatus"`
	DurationMs       int64           `json:"durationMs,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

func (p Participation) HasTransaction() bool {
	return p.TransactionID != "" && p.TransactionID != PendingTransactionID
}

type IssuanceStatus string

const (
	IssuanceIssued  IssuanceStatus = "issued"
	IssuanceClaimed IssuanceStatus = "claimed"
	IssuanceFailed  IssuanceStatus = "failed"
)

// VoucherIssuance records every signed voucher. (Wallet, Nonce) is unique.
type VoucherIssuance struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Wallet          string          `json:"wallet"`
	Nonce           string          `json:"nonce"`
	Amount          decimal.Decimal `json:"amount"`
	AmountWei       string          `json:"amountWei"`
	Deadline        int64           `json:"deadline"`
	Signature       string          `json:"signature"`
	Status          IssuanceStatus  `json:"status"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type ClaimKind string

const (
	ClaimSuccess ClaimKind = "success"
	ClaimFailed  ClaimKind = "failed"
)

type ClaimRecord struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	IssuanceID      string          `json:"issuanceId,omitempty"`
	Kind            ClaimKind       `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

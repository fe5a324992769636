package store

import (
	"context"
	"sync"
	"time"

	"hodl/internal/domain"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. It enforces the same uniqueness
// and conditional-update rules as PostgresStore, so services can be tested
// against it.
type MemoryStore struct {
	mu             sync.Mutex
	now            func() time.Time
	users          map[string]domain.User
	wallets        map[string]string
	challenges     map[string]domain.Challenge
	participations map[string]domain.Participation
	issuances      map[string]domain.VoucherIssuance
	claims         []domain.ClaimRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:            time.Now,
		users:          make(map[string]domain.User),
		wallets:        make(map[string]string),
		challenges:     make(map[string]domain.Challenge),
		participations: make(map[string]domain.Participation),
		issuances:      make(map[string]domain.VoucherIssuance),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) UpsertUserByWallet(_ context.Context, wallet string, startingBalance decimal.Decimal) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet = normalizeWallet(wallet)
	now := m.now()
	if id, ok := m.wallets[wallet]; ok {
		u := m.users[id]
		u.LastLoginAt = now
		m.users[id] = u
		return u, false, nil
	}
	u := domain.User{
		ID:               newID(),
		WalletAddress:    wallet,
		HodlTokenBalance: startingBalance,
		CreatedAt:        now,
		LastLoginAt:      now,
	}
	m.users[u.ID] = u
	m.wallets[wallet] = u.ID
	return u, true, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) CreditBalance(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	u.HodlTokenBalance = u.HodlTokenBalance.Add(amount)
	m.users[userID] = u
	return u.HodlTokenBalance, nil
}

func (m *MemoryStore) debitLocked(userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	u, ok := m.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	if u.HodlTokenBalance.LessThan(amount) {
		return u.HodlTokenBalance, ErrInsufficientBalance
	}
	u.HodlTokenBalance = u.HodlTokenBalance.Sub(amount)
	m.users[userID] = u
	return u.HodlTokenBalance, nil
}

func (m *MemoryStore) CreditAll(_ context.Context, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		u.HodlTokenBalance = u.HodlTokenBalance.Add(amount)
		m.users[id] = u
	}
	return int64(len(m.users)), nil
}

func (m *MemoryStore) CreateChallenge(_ context.Context, c domain.Challenge) (domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	if _, exists := m.challenges[c.ID]; exists {
		return domain.Challenge{}, ErrDuplicate
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.challenges[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetChallenge(_ context.Context, id string) (domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return domain.Challenge{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) GetParticipation(_ context.Context, id string) (domain.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participations[id]
	if !ok {
		return domain.Participation{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) FindParticipation(_ context.Context, userID, challengeID string) (domain.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pairLocked(userID, challengeID); ok {
		return p, nil
	}
	return domain.Participation{}, ErrNotFound
}

func (m *MemoryStore) pairLocked(userID, challengeID string) (domain.Participation, bool) {
	for _, p := range m.participations {
		if p.UserID == userID && p.ChallengeID == challengeID {
			return p, true
		}
	}
	return domain.Participation{}, false
}

func (m *MemoryStore) FindParticipationByReference(_ context.Context, userID, reference string) (domain.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participations {
		if p.UserID == userID && p.PaymentReference == reference {
			return p, nil
		}
	}
	return domain.Participation{}, ErrNotFound
}

func (m *MemoryStore) DeleteStaleParticipations(_ context.Context, userID, challengeID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.participations {
		if p.UserID == userID && p.ChallengeID == challengeID && p.PaymentStatus != domain.PaymentCompleted {
			delete(m.participations, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateParticipation(_ context.Context, p domain.Participation) (domain.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertParticipationLocked(p)
}

func (m *MemoryStore) insertParticipationLocked(p domain.Participation) (domain.Participation, error) {
	if _, ok := m.pairLocked(p.UserID, p.ChallengeID); ok {
		return domain.Participation{}, ErrDuplicate
	}
	if _, ok := m.challenges[p.ChallengeID]; !ok {
		return domain.Participation{}, ErrNotFound
	}
	if p.ID == "" {
		p.ID = newID()
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.TransactionID == "" {
		p.TransactionID = domain.PendingTransactionID
	}
	m.participations[p.ID] = p
	return p, nil
}

func (m *MemoryStore) CreateCompletedParticipation(_ context.Context, p domain.Participation) (domain.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	p.PaymentStatus = domain.PaymentCompleted
	p.CompletedAt = &now
	created, err := m.insertParticipationLocked(p)
	if err != nil {
		return domain.Participation{}, err
	}
	c := m.challenges[p.ChallengeID]
	c.CurrentParticipants++
	m.challenges[p.ChallengeID] = c
	return created, nil
}

func (m *MemoryStore) SetTransactionID(_ context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participations[id]
	if !ok {
		return ErrNotFound
	}
	if p.PaymentStatus == domain.PaymentCompleted {
		return nil
	}
	p.TransactionID = txID
	p.UpdatedAt = m.now()
	m.participations[id] = p
	return nil
}

func (m *MemoryStore) MarkParticipationFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participations[id]
	if !ok {
		return ErrNotFound
	}
	if p.PaymentStatus == domain.PaymentCompleted {
		return nil
	}
	p.PaymentStatus = domain.PaymentFailed
	p.UpdatedAt = m.now()
	m.participations[id] = p
	return nil
}

func (m *MemoryStore) CompleteParticipation(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participations[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.PaymentStatus == domain.PaymentCompleted {
		return false, nil
	}
	now := m.now()
	p.PaymentStatus = domain.PaymentCompleted
	p.UpdatedAt = now
	p.CompletedAt = &now
	m.participations[id] = p

	c := m.challenges[p.ChallengeID]
	c.CurrentParticipants++
	m.challenges[p.ChallengeID] = c
	return true, nil
}

func (m *MemoryStore) CreateIssuance(_ context.Context, iss domain.VoucherIssuance) (domain.VoucherIssuance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iss.Wallet = normalizeWallet(iss.Wallet)
	for _, existing := range m.issuances {
		if existing.Wallet == iss.Wallet && existing.Nonce == iss.Nonce {
			return domain.VoucherIssuance{}, ErrDuplicate
		}
	}
	if iss.ID == "" {
		iss.ID = newID()
	}
	now := m.now()
	iss.CreatedAt, iss.UpdatedAt = now, now
	if iss.Status == "" {
		iss.Status = domain.IssuanceIssued
	}
	m.issuances[iss.ID] = iss
	return iss, nil
}

func (m *MemoryStore) FindIssuanceByNonce(_ context.Context, userID, nonce string) (domain.VoucherIssuance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, iss := range m.issuances {
		if iss.UserID == userID && iss.Nonce == nonce {
			return iss, nil
		}
	}
	return domain.VoucherIssuance{}, ErrNotFound
}

func (m *MemoryStore) LatestIssuance(_ context.Context, userID string, status domain.IssuanceStatus) (domain.VoucherIssuance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest domain.VoucherIssuance
		found  bool
	)
	for _, iss := range m.issuances {
		if iss.UserID != userID || iss.Status != status {
			continue
		}
		// ULIDs sort by creation time.
		if !found || iss.ID > latest.ID {
			latest, found = iss, true
		}
	}
	if !found {
		return domain.VoucherIssuance{}, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) SettleClaim(_ context.Context, issuanceID, txHash string) (domain.ClaimRecord, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iss, ok := m.issuances[issuanceID]
	if !ok {
		return domain.ClaimRecord{}, decimal.Zero, ErrNotFound
	}
	if iss.Status != domain.IssuanceIssued {
		return domain.ClaimRecord{}, decimal.Zero, ErrNotOutstanding
	}
	for _, c := range m.claims {
		if c.Kind == domain.ClaimSuccess && c.TransactionHash == txHash {
			return domain.ClaimRecord{}, decimal.Zero, ErrDuplicate
		}
	}
	balance, err := m.debitLocked(iss.UserID, iss.Amount)
	if err != nil {
		return domain.ClaimRecord{}, balance, err
	}

	now := m.now()
	iss.Status = domain.IssuanceClaimed
	iss.TransactionHash = txHash
	iss.UpdatedAt = now
	m.issuances[issuanceID] = iss

	rec := domain.ClaimRecord{
		ID:              newID(),
		UserID:          iss.UserID,
		IssuanceID:      iss.ID,
		Kind:            domain.ClaimSuccess,
		Amount:          iss.Amount,
		TransactionHash: txHash,
		CreatedAt:       now,
	}
	m.claims = append(m.claims, rec)
	return rec, balance, nil
}

func (m *MemoryStore) FailIssuance(_ context.Context, issuanceID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	iss, ok := m.issuances[issuanceID]
	if !ok {
		return ErrNotFound
	}
	if iss.Status != domain.IssuanceIssued {
		return ErrNotOutstanding
	}
	iss.Status = domain.IssuanceFailed
	iss.FailureReason = reason
	iss.UpdatedAt = m.now()
	m.issuances[issuanceID] = iss
	return nil
}

func (m *MemoryStore) FindClaimByTransaction(_ context.Context, txHash string) (domain.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.Kind == domain.ClaimSuccess && c.TransactionHash == txHash {
			return c, nil
		}
	}
	return domain.ClaimRecord{}, ErrNotFound
}

func (m *MemoryStore) RecordClaim(_ context.Context, rec domain.ClaimRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.claims = append(m.claims, rec)
	return nil
}

// Claims returns a copy of the claim audit trail.
func (m *MemoryStore) Claims() []domain.ClaimRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ClaimRecord, len(m.claims))
	copy(out, m.claims)
	return out
}

var _ Store = (*MemoryStore)(nil)

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hodl/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists records in PostgreSQL. Amounts are NUMERIC columns
// exchanged as text so no precision is lost in either direction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    wallet_address TEXT NOT NULL UNIQUE,
    username TEXT NOT NULL DEFAULT '',
    hodl_token_balance NUMERIC(78, 18) NOT NULL DEFAULT 0 CHECK (hodl_token_balance >= 0),
    created_at TIMESTAMPTZ NOT NULL,
    last_login_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS challenges (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    status TEXT NOT NULL,
    participation_price NUMERIC(78, 18) NOT NULL DEFAULT 0,
    max_participants INT NOT NULL DEFAULT 0,
    current_participants INT NOT NULL DEFAULT 0,
    ends_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS participations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users (id),
    challenge_id TEXT NOT NULL REFERENCES challenges (id),
    payment_reference TEXT NOT NULL DEFAULT '',
    transaction_id TEXT NOT NULL DEFAULT 'pending',
    wld_paid NUMERIC(78, 18) NOT NULL DEFAULT 0,
    payment_status TEXT NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    UNIQUE (user_id, challenge_id)
);

CREATE INDEX IF NOT EXISTS participations_reference_idx ON participations (payment_reference, user_id);

CREATE TABLE IF NOT EXISTS voucher_issuances (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users (id),
    wallet TEXT NOT NULL,
    nonce TEXT NOT NULL,
    amount NUMERIC(78, 18) NOT NULL,
    amount_wei TEXT NOT NULL,
    deadline BIGINT NOT NULL,
    signature TEXT NOT NULL,
    status TEXT NOT NULL,
    transaction_hash TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (wallet, nonce)
);

CREATE TABLE IF NOT EXISTS claim_records (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users (id),
    issuance_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    amount NUMERIC(78, 18) NOT NULL DEFAULT 0,
    transaction_hash TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS claim_records_success_tx_idx
    ON claim_records (transaction_hash) WHERE kind = 'success';
`

// NewPostgresStore connects using dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

const userColumns = `id, wallet_address, username, hodl_token_balance::text, created_at, last_login_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u       domain.User
		balance string
	)
	if err := row.Scan(&u.ID, &u.WalletAddress, &u.Username, &balance, &u.CreatedAt, &u.LastLoginAt); err != nil {
		return domain.User{}, notFound(err)
	}
	var err error
	u.HodlTokenBalance, err = parseDecimal(balance)
	return u, err
}

func (p *PostgresStore) UpsertUserByWallet(ctx context.Context, wallet string, startingBalance decimal.Decimal) (domain.User, bool, error) {
	now := time.Now().UTC()
	var created bool
	row := p.pool.QueryRow(ctx, `
INSERT INTO users (id, wallet_address, hodl_token_balance, created_at, last_login_at)
VALUES ($1, $2, $3::text::numeric, $4, $4)
ON CONFLICT (wallet_address) DO UPDATE SET last_login_at = EXCLUDED.last_login_at
RETURNING `+userColumns+`, (xmax = 0)
`, newID(), normalizeWallet(wallet), startingBalance.String(), now)

	var (
		u       domain.User
		balance string
	)
	if err := row.Scan(&u.ID, &u.WalletAddress, &u.Username, &balance, &u.CreatedAt, &u.LastLoginAt, &created); err != nil {
		return domain.User{}, false, err
	}
	var err error
	u.HodlTokenBalance, err = parseDecimal(balance)
	return u, created, err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := p.pool.QueryRow(ctx, `
UPDATE users SET hodl_token_balance = hodl_token_balance + $2::text::numeric
WHERE id = $1
RETURNING hodl_token_balance::text
`, userID, amount.String()).Scan(&balance)
	if err != nil {
		return decimal.Zero, notFound(err)
	}
	return parseDecimal(balance)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// debit subtracts amount only when the balance covers it.
func debit(ctx context.Context, q querier, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := q.QueryRow(ctx, `
UPDATE users SET hodl_token_balance = hodl_token_balance - $2::text::numeric
WHERE id = $1 AND hodl_token_balance >= $2::text::numeric
RETURNING hodl_token_balance::text
`, userID, amount.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return decimal.Zero, err
		}
		if !exists {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(balance)
}

func (p *PostgresStore) CreditAll(ctx context.Context, amount decimal.Decimal) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET hodl_token_balance = hodl_token_balance + $1::text::numeric`, amount.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const challengeColumns = `id, title, status, participation_price::text, max_participants, current_participants, ends_at, created_at`

func scanChallenge(row pgx.Row) (domain.Challenge, error) {
	var (
		c     domain.Challenge
		price string
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Status, &price, &c.MaxParticipants, &c.CurrentParticipants, &c.EndsAt, &c.CreatedAt); err != nil {
		return domain.Challenge{}, notFound(err)
	}
	var err error
	c.ParticipationPrice, err = parseDecimal(price)
	return c, err
}

func (p *PostgresStore) CreateChallenge(ctx context.Context, c domain.Challenge) (domain.Challenge, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	created, err := scanChallenge(p.pool.QueryRow(ctx, `
INSERT INTO challenges (id, title, status, participation_price, max_participants, current_participants, ends_at, created_at)
VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8)
RETURNING `+challengeColumns,
		c.ID, c.Title, c.Status, c.ParticipationPrice.String(), c.MaxParticipants, c.CurrentParticipants, c.EndsAt, c.CreatedAt))
	if isUniqueViolation(err) {
		return domain.Challenge{}, ErrDuplicate
	}
	return created, err
}

func (p *PostgresStore) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	return scanChallenge(p.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
}

const participationColumns = `id, user_id, challenge_id, payment_reference, transaction_id, wld_paid::text,
payment_status, duration_ms, created_at, updated_at, completed_at`

func scanParticipation(row pgx.Row) (domain.Participation, error) {
	var (
		pt   domain.Participation
		paid string
	)
	err := row.Scan(&pt.ID, &pt.UserID, &pt.ChallengeID, &pt.PaymentReference, &pt.TransactionID, &paid,
		&pt.PaymentStatus, &pt.DurationMs, &pt.CreatedAt, &pt.UpdatedAt, &pt.CompletedAt)
	if err != nil {
		return domain.Participation{}, notFound(err)
	}
	pt.WLDPaid, err = parseDecimal(paid)
	return pt, err
}

func (p *PostgresStore) GetParticipation(ctx context.Context, id string) (domain.Participation, error) {
	return scanParticipation(p.pool.QueryRow(ctx, `SELECT `+participationColumns+` FROM participations WHERE id = $1`, id))
}

func (p *PostgresStore) FindParticipation(ctx context.Context, userID, challengeID string) (domain.Participation, error) {
	return scanParticipation(p.pool.QueryRow(ctx, `
SELECT `+participationColumns+` FROM participations WHERE user_id = $1 AND challenge_id = $2`, userID, challengeID))
}

func (p *PostgresStore) FindParticipationByReference(ctx context.Context, userID, reference string) (domain.Participation, error) {
	return scanParticipation(p.pool.QueryRow(ctx, `
SELECT `+participationColumns+` FROM participations WHERE payment_reference = $1 AND user_id = $2`, reference, userID))
}

func (p *PostgresStore) DeleteStaleParticipations(ctx context.Context, userID, challengeID string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
DELETE FROM participations
WHERE user_id = $1 AND challenge_id = $2 AND payment_status IN ('pending', 'failed')
`, userID, challengeID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func insertParticipation(ctx context.Context, q querier, pt domain.Participation) (domain.Participation, error) {
	if pt.ID == "" {
		pt.ID = newID()
	}
	if pt.TransactionID == "" {
		pt.TransactionID = domain.PendingTransactionID
	}
	now := time.Now().UTC()
	created, err := scanParticipation(q.QueryRow(ctx, `
INSERT INTO participations (id, user_id, challenge_id, payment_reference, transaction_id, wld_paid,
    payment_status, duration_ms, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $9, $10)
RETURNING `+participationColumns,
		pt.ID, pt.UserID, pt.ChallengeID, pt.PaymentReference, pt.TransactionID, pt.WLDPaid.String(),
		pt.PaymentStatus, pt.DurationMs, now, pt.CompletedAt))
	if isUniqueViolation(err) {
		return domain.Participation{}, ErrDuplicate
	}
	return created, err
}

func (p *PostgresStore) CreateParticipation(ctx context.Context, pt domain.Participation) (domain.Participation, error) {
	return insertParticipation(ctx, p.pool, pt)
}

func (p *PostgresStore) CreateCompletedParticipation(ctx context.Context, pt domain.Participation) (domain.Participation, error) {
	now := time.Now().UTC()
	pt.PaymentStatus = domain.PaymentCompleted
	pt.CompletedAt = &now

	var created domain.Participation
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = insertParticipation(ctx, tx, pt)
		if err != nil {
			return err
		}
		return incrementParticipants(ctx, tx, pt.ChallengeID)
	})
	return created, err
}

func incrementParticipants(ctx context.Context, tx pgx.Tx, challengeID string) error {
	tag, err := tx.Exec(ctx, `UPDATE challenges SET current_participants = current_participants + 1 WHERE id = $1`, challengeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetTransactionID(ctx context.Context, id, txID string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE participations SET transaction_id = $2, updated_at = now()
WHERE id = $1 AND payment_status <> 'completed'
`, id, txID)
	return err
}

func (p *PostgresStore) MarkParticipationFailed(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE participations SET payment_status = 'failed', updated_at = now()
WHERE id = $1 AND payment_status <> 'completed'
`, id)
	return err
}

func (p *PostgresStore) CompleteParticipation(ctx context.Context, id string) (bool, error) {
	var completed bool
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var challengeID string
		err := tx.QueryRow(ctx, `
UPDATE participations
SET payment_status = 'completed', updated_at = now(), completed_at = now()
WHERE id = $1 AND payment_status <> 'completed'
RETURNING challenge_id
`, id).Scan(&challengeID)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := scanParticipation(tx.QueryRow(ctx, `SELECT `+participationColumns+` FROM participations WHERE id = $1`, id)); err != nil {
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}
		if err := incrementParticipants(ctx, tx, challengeID); err != nil {
			return err
		}
		completed = true
		return nil
	})
	return completed, err
}

const issuanceColumns = `id, user_id, wallet, nonce, amount::text, amount_wei, deadline, signature, status,
transaction_hash, failure_reason, created_at, updated_at`

func scanIssuance(row pgx.Row) (domain.VoucherIssuance, error) {
	var (
		iss    domain.VoucherIssuance
		amount string
	)
	err := row.Scan(&iss.ID, &iss.UserID, &iss.Wallet, &iss.Nonce, &amount, &iss.AmountWei, &iss.Deadline,
		&iss.Signature, &iss.Status, &iss.TransactionHash, &iss.FailureReason, &iss.CreatedAt, &iss.UpdatedAt)
	if err != nil {
		return domain.VoucherIssuance{}, notFound(err)
	}
	iss.Amount, err = parseDecimal(amount)
	return iss, err
}

func (p *PostgresStore) CreateIssuance(ctx context.Context, iss domain.VoucherIssuance) (domain.VoucherIssuance, error) {
	if iss.ID == "" {
		iss.ID = newID()
	}
	if iss.Status == "" {
		iss.Status = domain.IssuanceIssued
	}
	now := time.Now().UTC()
	created, err := scanIssuance(p.pool.QueryRow(ctx, `
INSERT INTO voucher_issuances (id, user_id, wallet, nonce, amount, amount_wei, deadline, signature, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $10)
RETURNING `+issuanceColumns,
		iss.ID, iss.UserID, normalizeWallet(iss.Wallet), iss.Nonce, iss.Amount.String(), iss.AmountWei,
		iss.Deadline, iss.Signature, iss.Status, now))
	if isUniqueViolation(err) {
		return domain.VoucherIssuance{}, ErrDuplicate
	}
	return created, err
}

func (p *PostgresStore) FindIssuanceByNonce(ctx context.Context, userID, nonce string) (domain.VoucherIssuance, error) {
	return scanIssuance(p.pool.QueryRow(ctx, `
SELECT `+issuanceColumns+` FROM voucher_issuances WHERE user_id = $1 AND nonce = $2`, userID, nonce))
}

func (p *PostgresStore) LatestIssuance(ctx context.Context, userID string, status domain.IssuanceStatus) (domain.VoucherIssuance, error) {
	return scanIssuance(p.pool.QueryRow(ctx, `
SELECT `+issuanceColumns+` FROM voucher_issuances
WHERE user_id = $1 AND status = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, userID, status))
}

func (p *PostgresStore) SettleClaim(ctx context.Context, issuanceID, txHash string) (domain.ClaimRecord, decimal.Decimal, error) {
	var (
		rec     domain.ClaimRecord
		balance decimal.Decimal
	)
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		iss, err := scanIssuance(tx.QueryRow(ctx, `
SELECT `+issuanceColumns+` FROM voucher_issuances WHERE id = $1 FOR UPDATE`, issuanceID))
		if err != nil {
			return err
		}
		if iss.Status != domain.IssuanceIssued {
			return ErrNotOutstanding
		}

		balance, err = debit(ctx, tx, iss.UserID, iss.Amount)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
UPDATE voucher_issuances SET status = 'claimed', transaction_hash = $2, updated_at = now()
WHERE id = $1`, iss.ID, txHash); err != nil {
			return err
		}

		rec = domain.ClaimRecord{
			ID:              newID(),
			UserID:          iss.UserID,
			IssuanceID:      iss.ID,
			Kind:            domain.ClaimSuccess,
			Amount:          iss.Amount,
			TransactionHash: txHash,
			CreatedAt:       time.Now().UTC(),
		}
		return insertClaim(ctx, tx, rec)
	})
	if isUniqueViolation(err) {
		return domain.ClaimRecord{}, decimal.Zero, ErrDuplicate
	}
	if err != nil {
		return domain.ClaimRecord{}, decimal.Zero, err
	}
	return rec, balance, nil
}

func (p *PostgresStore) FailIssuance(ctx context.Context, issuanceID, reason string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE voucher_issuances SET status = 'failed', failure_reason = $2, updated_at = now()
WHERE id = $1 AND status = 'issued'`, issuanceID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOutstanding
	}
	return nil
}

const claimColumns = `id, user_id, issuance_id, kind, amount::text, transaction_hash, reason, created_at`

func (p *PostgresStore) FindClaimByTransaction(ctx context.Context, txHash string) (domain.ClaimRecord, error) {
	var (
		rec    domain.ClaimRecord
		amount string
	)
	err := p.pool.QueryRow(ctx, `
SELECT `+claimColumns+` FROM claim_records WHERE transaction_hash = $1 AND kind = 'success'`, txHash).
		Scan(&rec.ID, &rec.UserID, &rec.IssuanceID, &rec.Kind, &amount, &rec.TransactionHash, &rec.Reason, &rec.CreatedAt)
	if err != nil {
		return domain.ClaimRecord{}, notFound(err)
	}
	rec.Amount, err = parseDecimal(amount)
	return rec, err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertClaim(ctx context.Context, e execer, rec domain.ClaimRecord) error {
	_, err := e.Exec(ctx, `
INSERT INTO claim_records (id, user_id, issuance_id, kind, amount, transaction_hash, reason, created_at)
VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8)`,
		rec.ID, rec.UserID, rec.IssuanceID, rec.Kind, rec.Amount.String(), rec.TransactionHash, rec.Reason, rec.CreatedAt)
	return err
}

func (p *PostgresStore) RecordClaim(ctx context.Context, rec domain.ClaimRecord) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return insertClaim(ctx, p.pool, rec)
}

var _ Store = (*PostgresStore)(nil)

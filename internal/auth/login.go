package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hodl/internal/domain"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidNonce     = errors.New("login nonce is unknown or expired")
	ErrInvalidSignature = errors.New("signature does not match wallet")
	ErrInvalidWallet    = errors.New("invalid wallet address")
)

// UserStore is the slice of the store login needs.
type UserStore interface {
	UpsertUserByWallet(ctx context.Context, wallet string, startingBalance decimal.Decimal) (domain.User, bool, error)
}

type Service struct {
	users           UserStore
	nonces          NonceStore
	tokens          *Tokens
	nonceTTL        time.Duration
	startingBalance decimal.Decimal
	logger          *slog.Logger
}

type ServiceConfig struct {
	NonceTTL        time.Duration
	StartingBalance decimal.Decimal
}

func NewService(users UserStore, nonces NonceStore, tokens *Tokens, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 5 * time.Minute
	}
	return &Service{
		users:           users,
		nonces:          nonces,
		tokens:          tokens,
		nonceTTL:        cfg.NonceTTL,
		startingBalance: cfg.StartingBalance,
		logger:          logger.With("component", "auth"),
	}
}

func (s *Service) Tokens() *Tokens { return s.tokens }

type Challenge struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Service) NewChallenge(ctx context.Context) (Challenge, error) {
	nonce, err := newNonce()
	if err != nil {
		return Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	if err := s.nonces.Put(ctx, nonce, s.nonceTTL); err != nil {
		return Challenge{}, fmt.Errorf("store nonce: %w", err)
	}
	return Challenge{Nonce: nonce, ExpiresAt: time.Now().Add(s.nonceTTL)}, nil
}

type LoginRequest struct {
	WalletAddress string
	Nonce         string
	Message       string
	Signature     string
}

type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
	NewUser   bool        `json:"newUser"`
}

// Login checks a personal_sign signature over a message embedding a nonce
// from NewChallenge and returns a session for the wallet.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	if !common.IsHexAddress(req.WalletAddress) {
		return Session{}, ErrInvalidWallet
	}
	if req.Nonce == "" || !strings.Contains(req.Message, req.Nonce) {
		return Session{}, ErrInvalidNonce
	}
	ok, err := s.nonces.Consume(ctx, req.Nonce)
	if err != nil {
		return Session{}, fmt.Errorf("consume nonce: %w", err)
	}
	if !ok {
		return Session{}, ErrInvalidNonce
	}

	signer, err := RecoverPersonalSign(req.Message, req.Signature)
	if err != nil || !strings.EqualFold(signer, req.WalletAddress) {
		return Session{}, ErrInvalidSignature
	}

	user, created, err := s.users.UpsertUserByWallet(ctx, req.WalletAddress, s.startingBalance)
	if err != nil {
		return Session{}, fmt.Errorf("upsert user: %w", err)
	}
	token, exp, err := s.tokens.Issue(user.ID, user.WalletAddress)
	if err != nil {
		return Session{}, err
	}
	if created {
		s.logger.Info("user registered", "user_id", user.ID, "wallet", user.WalletAddress)
	}
	return Session{Token: token, ExpiresAt: exp, User: user, NewUser: created}, nil
}

// RecoverPersonalSign returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSign(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", err
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

package voucher

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidKey     = errors.New("invalid signing key")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidAddress = errors.New("invalid recipient address")
)

// Validity is how long a voucher can be redeemed after issuance.
const Validity = time.Hour

// Voucher is the EIP-712 struct redeemed by the distributor contract.
// All numeric fields are base-10 integer strings.
type Voucher struct {
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
}

type Signed struct {
	Voucher   Voucher `json:"voucher"`
	Signature string  `json:"signature"`
	Message   string  `json:"message"`
}

// Domain is the EIP-712 separator of the distributor contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

func DefaultDomain(chainID int64, distributor string) Domain {
	return Domain{
		Name:              "Distributor",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: distributor,
	}
}

// Signer issues vouchers. It holds no mutable state and is safe for concurrent use.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  Domain
	nonces  NonceSource
	now     func() time.Time
}

type Option func(*Signer)

func WithNonceSource(src NonceSource) Option {
	return func(s *Signer) { s.nonces = src }
}

func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func NewSigner(privateKeyHex string, domain Domain, opts ...Option) (*Signer, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(domain.VerifyingContract) {
		return nil, fmt.Errorf("invalid verifying contract %q", domain.VerifyingContract)
	}
	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		domain:  domain,
		nonces:  RandomNonce{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrInvalidKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Address is the signer account the distributor contract must trust.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign converts amount to base units and signs a fresh voucher for to.
func (s *Signer) Sign(to string, amount decimal.Decimal) (Signed, error) {
	if !amount.IsPositive() {
		return Signed{}, ErrInvalidAmount
	}
	wei, err := TokensToWei(amount)
	if err != nil {
		return Signed{}, err
	}
	nonce, err := s.nonces.Next()
	if err != nil {
		return Signed{}, fmt.Errorf("voucher nonce: %w", err)
	}
	nowMs := s.now().UnixMilli()
	deadline := (nowMs + Validity.Milliseconds()) / 1000

	return s.SignVoucher(Voucher{
		To:       to,
		Amount:   wei.String(),
		Nonce:    nonce.String(),
		Deadline: strconv.FormatInt(deadline, 10),
	})
}

// SignVoucher signs a fully specified voucher. The result depends only on
// the voucher, the domain and the key.
func (s *Signer) SignVoucher(v Voucher) (Signed, error) {
	if !common.IsHexAddress(v.To) {
		return Signed{}, ErrInvalidAddress
	}
	v.To = strings.ToLower(v.To)
	amount, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return Signed{}, ErrInvalidAmount
	}

	hash, err := s.domain.hash(v)
	if err != nil {
		return Signed{}, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return Signed{}, fmt.Errorf("sign voucher: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return Signed{
		Voucher:   v,
		Signature: hexutil.Encode(sig),
		Message:   describe(v),
	}, nil
}

// Verify reports whether signature over v was produced by expectedSigner.
func (s *Signer) Verify(v Voucher, signature, expectedSigner string) bool {
	return Verify(s.domain, v, signature, expectedSigner)
}

func Verify(domain Domain, v Voucher, signature, expectedSigner string) bool {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	hash, err := domain.hash(v)
	if err != nil {
		return false
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), expectedSigner)
}

func (d Domain) hash(v Voucher) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(d.typedData(v))
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

func (d Domain) typedData(v Voucher) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Voucher": {
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Voucher",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"to":       v.To,
			"amount":   v.Amount,
			"nonce":    v.Nonce,
			"deadline": v.Deadline,
		},
	}
}

func describe(v Voucher) string {
	tokens := v.Amount
	if wei, ok := new(big.Int).SetString(v.Amount, 10); ok {
		tokens = WeiToTokens(wei).String()
	}
	return fmt.Sprintf("Claim %s HODL to %s (nonce %s, valid until %s)", tokens, v.To, v.Nonce, v.Deadline)
}

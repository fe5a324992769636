package voucher

import (
	"crypto/rand"
	"math/big"
	"time"
)

// NonceSource yields voucher nonces.
type NonceSource interface {
	Next() (*big.Int, error)
}

var maxUint256 = new(big.Int).Lsh(big.NewInt(1), 256)

// RandomNonce draws uniformly from [0, 2^256).
type RandomNonce struct{}

func (RandomNonce) Next() (*big.Int, error) {
	return rand.Int(rand.Reader, maxUint256)
}

// ClockNonce uses the wall clock in milliseconds. Two vouchers issued in the
// same millisecond share a nonce; the issuance index rejects the second one.
type ClockNonce struct {
	Now func() time.Time
}

func (c ClockNonce) Next() (*big.Int, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return big.NewInt(now().UnixMilli()), nil
}

// FixedNonce always returns the same value. Useful in tests.
type FixedNonce struct {
	Value *big.Int
}

func (f FixedNonce) Next() (*big.Int, error) {
	return new(big.Int).Set(f.Value), nil
}

package chain

import (
	"context"
	"errors"
)

var (
	ErrReceiptNotFound = errors.New("transaction receipt not found")
	ErrReverted        = errors.New("transaction reverted")
	ErrWrongContract   = errors.New("transaction emitted no distributor event")
	ErrWrongRecipient  = errors.New("distributor event does not name the claiming wallet")
)

// ClaimVerifier checks that a claim transaction landed on chain for wallet.
type ClaimVerifier interface {
	VerifyClaim(ctx context.Context, txHash, wallet string) error
}

// NopVerifier accepts every transaction hash. Used when no RPC endpoint is configured.
type NopVerifier struct{}

func (NopVerifier) VerifyClaim(context.Context, string, string) error { return nil }

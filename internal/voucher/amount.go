package voucher

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the token's fixed-point precision.
const Decimals = 18

// TokensToWei scales a token amount to base units. Amounts with more than
// 18 fractional digits are rejected rather than rounded.
func TokensToWei(tokens decimal.Decimal) (*big.Int, error) {
	scaled := tokens.Shift(Decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, tokens, Decimals)
	}
	return scaled.BigInt(), nil
}

// Representable reports whether tokens fits the token's precision exactly.
func Representable(tokens decimal.Decimal) bool {
	return tokens.Shift(Decimals).IsInteger()
}

func WeiToTokens(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -Decimals)
}

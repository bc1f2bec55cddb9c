package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const nativeDecimals = 18

// ToWei converts a native amount to its smallest unit, truncating dust.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(nativeDecimals).BigInt()
}

// FromWei converts the smallest unit back to a native amount.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals)
}

package query

import (
	"math/big"

	"github.com/shopspring/decimal"

	"PerpClient/internal/risk"
)

// Fixed-point exponents of the ledger's stored values.
const (
	usdExp      = -6
	rateExp     = -6
	bpsExp      = -4
	leverageExp = -2
)

// USD converts a USD-precision amount (1e6 = $1).
func USD(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), usdExp)
}

// SignedUSD converts a signed USD-precision amount such as PnL.
func SignedUSD(v int64) decimal.Decimal {
	return decimal.New(v, usdExp)
}

// Price converts a PRICE-precision quote.
func Price(v uint64) decimal.Decimal { return USD(v) }

// Tokens converts native units of a mint into whole tokens.
func Tokens(v uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -int32(decimals))
}

// Rate converts a RATE-precision ratio (1e6 = 1.0). Infinite ratios have no
// decimal form and return nil.
func Rate(v int64) *decimal.Decimal {
	if v == risk.Infinite {
		return nil
	}
	d := decimal.New(v, rateExp)
	return &d
}

// UnsignedRate is Rate for the unsigned utilization and borrow figures.
func UnsignedRate(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), rateExp)
}

// Bps converts basis points into a fraction.
func Bps(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), bpsExp)
}

// Leverage converts stored leverage (100 = 1x) into a multiple.
func Leverage(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), leverageExp)
}

// TokenValue is amount × price in USD, adjusted for the mint decimals.
func TokenValue(amount, price uint64, decimals uint8) decimal.Decimal {
	return Tokens(amount, decimals).Mul(Price(price))
}

package risk

import (
	"math"
	"math/big"

	"PerpClient/internal/account"
	fp "PerpClient/internal/math"
	"PerpClient/internal/protocol"
)

// Infinite is returned for ratios whose denominator is zero.
const Infinite int64 = math.MaxInt64

// CollateralUSD values the position's collateral at the custody price:
// collateral × price / 10^decimals, in USD precision.
func CollateralUSD(pos *account.Position, custody *account.Custody) int64 {
	return CollateralUSDAt(pos, custody, custody.Pricing.CurrentPrice)
}

// CollateralUSDAt is CollateralUSD at an explicit price.
func CollateralUSDAt(pos *account.Position, custody *account.Custody, price uint64) int64 {
	value := fp.MultiplyUint128(pos.CollateralAmount, price)
	defer fp.Release(value)
	return fp.DivideInt128(value, fp.Pow10(custody.Decimals), fp.RoundDown)
}

// LeverageRatio is size / collateral value at RATE precision (1e6 = 1x).
// A position with no collateral value has Infinite leverage.
func LeverageRatio(pos *account.Position, custody *account.Custody) int64 {
	// size × 10^d × 1e6 / (collateral × price), one rounding step.
	den := new(big.Int).Mul(
		new(big.Int).SetUint64(pos.CollateralAmount),
		new(big.Int).SetUint64(custody.Pricing.CurrentPrice),
	)
	if den.Sign() == 0 {
		return Infinite
	}
	num := new(big.Int).SetUint64(pos.SizeUSD)
	num.Mul(num, fp.Pow10Big(int(custody.Decimals)))
	num.Mul(num, big.NewInt(protocol.RatePrecision))
	return fp.SaturateInt64(fp.DivideBig(num, den, fp.RoundHalfEven))
}

// UnrealizedPnL follows the program: long (P-E)·S/E, short (E-P)·S/E,
// truncated toward zero.
func UnrealizedPnL(pos *account.Position, price uint64) (int64, error) {
	if price == 0 || pos.EntryPrice == 0 {
		return 0, protocol.NewCodedValidationError("pnl", "price", protocol.CodeInvalidOraclePrice,
			"price %d and entry %d must be positive", price, pos.EntryPrice)
	}
	diff := new(big.Int).Sub(new(big.Int).SetUint64(price), new(big.Int).SetUint64(pos.EntryPrice))
	if pos.Side == account.SideShort {
		diff.Neg(diff)
	}
	diff.Mul(diff, new(big.Int).SetUint64(pos.SizeUSD))
	pnl := fp.DivideBig(diff, new(big.Int).SetUint64(pos.EntryPrice), fp.RoundDown)
	if !pnl.IsInt64() {
		return 0, protocol.NewCodedValidationError("pnl", "size_usd", protocol.CodeMathOverflow, "pnl overflows i64")
	}
	return pnl.Int64(), nil
}

// MarginRatio is (collateral value + unrealized PnL) / size at the custody's
// current price, RATE precision. Size 0 means no exposure and yields Infinite.
func MarginRatio(pos *account.Position, custody *account.Custody) int64 {
	return MarginRatioAt(pos, custody, custody.Pricing.CurrentPrice)
}

// MarginRatioAt evaluates the margin ratio at price P without intermediate
// truncation. With A collateral tokens, D = 10^decimals, S size, E entry:
//
//	long:  (A·P·E + S·D·(P−E)) · 1e6 / (D·E·S)
//	short: (A·P·E + S·D·(E−P)) · 1e6 / (D·E·S)
func MarginRatioAt(pos *account.Position, custody *account.Custody, price uint64) int64 {
	if pos.SizeUSD == 0 {
		return Infinite
	}
	a := new(big.Int).SetUint64(pos.CollateralAmount)
	p := new(big.Int).SetUint64(price)
	e := new(big.Int).SetUint64(pos.EntryPrice)
	s := new(big.Int).SetUint64(pos.SizeUSD)
	d := fp.Pow10Big(int(custody.Decimals))

	if e.Sign() == 0 {
		// No entry reference: collateral value only.
		num := new(big.Int).Mul(a, p)
		num.Mul(num, big.NewInt(protocol.RatePrecision))
		return fp.SaturateInt64(fp.DivideBig(num, new(big.Int).Mul(d, s), fp.RoundHalfEven))
	}

	collateral := new(big.Int).Mul(a, p)
	collateral.Mul(collateral, e)

	move := new(big.Int).Sub(p, e)
	if pos.Side == account.SideShort {
		move.Neg(move)
	}
	pnl := new(big.Int).Mul(s, d)
	pnl.Mul(pnl, move)

	num := collateral.Add(collateral, pnl)
	num.Mul(num, big.NewInt(protocol.RatePrecision))

	den := new(big.Int).Mul(d, e)
	den.Mul(den, s)
	return fp.SaturateInt64(fp.DivideBig(num, den, fp.RoundHalfEven))
}

// LiquidationPrice solves MarginRatioAt(P) = threshold for P.
//
// With A collateral tokens, D = 10^decimals, S size, E entry and T the
// threshold as a fraction of notional:
//
//	long:  A·P/D + S·(P−E)/E = T·S  ⇒  P = S·(1+T)·E·D / (A·E + S·D)
//	short: A·P/D + S·(E−P)/E = T·S  ⇒  P = S·(1−T)·E·D / (S·D − A·E)
//
// A long's ratio rises with price, so it is liquidatable at or below P.
// A short's ratio falls with price only when S·D > A·E; otherwise the
// collateral gains at least as fast as the short loses and no liquidation
// price exists (ok is false). ok is also false for positions with no
// exposure or no entry price.
func LiquidationPrice(pos *account.Position, custody *account.Custody, thresholdBps int64) (uint64, bool) {
	if pos.SizeUSD == 0 || pos.EntryPrice == 0 {
		return 0, false
	}
	a := new(big.Int).SetUint64(pos.CollateralAmount)
	e := new(big.Int).SetUint64(pos.EntryPrice)
	s := new(big.Int).SetUint64(pos.SizeUSD)
	d := fp.Pow10Big(int(custody.Decimals))
	bps := big.NewInt(protocol.BPSPrecision)

	sd := new(big.Int).Mul(s, d)
	ae := new(big.Int).Mul(a, e)

	var factor, den *big.Int
	switch pos.Side {
	case account.SideLong:
		factor = new(big.Int).Add(bps, big.NewInt(thresholdBps))
		den = new(big.Int).Add(ae, sd)
	case account.SideShort:
		factor = new(big.Int).Sub(bps, big.NewInt(thresholdBps))
		den = new(big.Int).Sub(sd, ae)
		if den.Sign() <= 0 || factor.Sign() <= 0 {
			return 0, false
		}
	default:
		return 0, false
	}
	if den.Sign() == 0 {
		return 0, false
	}

	num := new(big.Int).Mul(sd, e)
	num.Mul(num, factor)
	den.Mul(den, bps)

	price := fp.DivideBig(num, den, fp.RoundHalfEven)
	if price.Sign() <= 0 || !price.IsUint64() {
		return 0, false
	}
	return price.Uint64(), true
}

// IsLiquidatable compares the custody price with the liquidation price the
// way the program does: long at or below, short at or above.
func IsLiquidatable(pos *account.Position, custody *account.Custody, thresholdBps int64) bool {
	return IsLiquidatableAt(pos, custody, custody.Pricing.CurrentPrice, thresholdBps)
}

func IsLiquidatableAt(pos *account.Position, custody *account.Custody, price uint64, thresholdBps int64) bool {
	liq, ok := LiquidationPrice(pos, custody, thresholdBps)
	if !ok {
		return false
	}
	if pos.Side == account.SideLong {
		return price <= liq
	}
	return price >= liq
}

// Classify maps the current margin ratio onto a Health bucket.
func Classify(pos *account.Position, custody *account.Custody, params Params) Health {
	if pos.SizeUSD == 0 {
		return HealthNoExposure
	}
	if IsLiquidatable(pos, custody, params.LiquidationThresholdBps) {
		return HealthLiquidatable
	}
	ratio := MarginRatio(pos, custody)
	if ratio < params.ThresholdRatio()+BpsToRatio(params.AtRiskBufferBps) {
		return HealthAtRisk
	}
	return HealthHealthy
}

// SizeUSD is the notional opened with the given collateral and leverage
// (100 = 1x): collateral value × leverage / 100.
func SizeUSD(collateral uint64, price uint64, decimals uint8, leverage uint64) (uint64, error) {
	num := new(big.Int).Mul(new(big.Int).SetUint64(collateral), new(big.Int).SetUint64(price))
	num.Mul(num, new(big.Int).SetUint64(leverage))
	den := new(big.Int).Mul(fp.Pow10Big(int(decimals)), big.NewInt(protocol.LeverageOne))
	size := num.Quo(num, den)
	if !size.IsUint64() {
		return 0, protocol.NewCodedValidationError("size", "leverage", protocol.CodeMathOverflow, "notional overflows u64")
	}
	return size.Uint64(), nil
}

// SizeInTokens converts a USD notional back into custody tokens at price.
func SizeInTokens(sizeUSD, price uint64, decimals uint8) uint64 {
	if price == 0 {
		return 0
	}
	num := new(big.Int).Mul(new(big.Int).SetUint64(sizeUSD), fp.Pow10Big(int(decimals)))
	num.Quo(num, new(big.Int).SetUint64(price))
	if !num.IsUint64() {
		return math.MaxUint64
	}
	return num.Uint64()
}

package risk

import (
	"math/big"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	fp "PerpClient/internal/math"
	"PerpClient/internal/protocol"
)

// UtilizationRate is locked / owned at RATE precision, clamped to [0, 1e6].
// An empty custody has zero utilization.
func UtilizationRate(custody *account.Custody) uint64 {
	return Utilization(custody.Assets.Locked, custody.Assets.Owned)
}

func Utilization(locked, owned uint64) uint64 {
	if owned == 0 || locked == 0 {
		return 0
	}
	if locked >= owned {
		return uint64(protocol.RatePrecision)
	}
	u, _ := fp.MulDivU64(locked, uint64(protocol.RatePrecision), owned)
	return u
}

// BorrowRate is the kinked annual rate for the custody's current
// utilization.
func BorrowRate(custody *account.Custody) uint64 {
	return BorrowRateAt(custody.BorrowRate, UtilizationRate(custody))
}

// BorrowRateAt evaluates the kinked curve at utilization u:
//
//	u ≤ opt: base + slope1·u/opt
//	u > opt: base + slope1 + slope2·(u−opt)/(1e6−opt)
func BorrowRateAt(params account.BorrowRateParams, u uint64) uint64 {
	one := uint64(protocol.RatePrecision)
	if u > one {
		u = one
	}
	opt := params.OptimalUtilization
	if opt > 0 && u <= opt {
		step, _ := fp.MulDivU64(params.Slope1, u, opt)
		return params.BaseRate + step
	}
	rate := params.BaseRate + params.Slope1
	if opt >= one {
		return rate
	}
	step, _ := fp.MulDivU64(params.Slope2, u-opt, one-opt)
	return rate + step
}

// BorrowFeeAccrued is the borrow owed by a position from its entry to now at
// the custody's current rate.
func BorrowFeeAccrued(pos *account.Position, custody *account.Custody, now int64) int64 {
	return fp.ComputeBorrowFee(pos.SizeUSD, BorrowRate(custody), now-pos.EntryTimestamp)
}

// PendingBorrow totals the borrow accrued up to now by the custody's open
// positions, keyed by position address, at the custody's current rate.
func PendingBorrow(custody *account.Custody, positions map[address.Pubkey]*account.Position, now int64) int64 {
	open := make([]fp.PositionForBorrow, 0, len(positions))
	for id, p := range positions {
		open = append(open, fp.PositionForBorrow{ID: id, SizeUSD: p.SizeUSD, Since: p.EntryTimestamp})
	}
	return fp.ComputeBorrowSettlement(BorrowRate(custody), now, open).Total
}

func bpsOf(amount, bps uint64) uint64 {
	v, ok := fp.MulDivU64(amount, bps, uint64(protocol.BPSPrecision))
	if !ok {
		return 0
	}
	return v
}

// OpenFee is charged on notional when a position opens.
func OpenFee(sizeUSD uint64, fees account.Fees) uint64 { return bpsOf(sizeUSD, fees.OpenPosition) }

// CloseFee is charged on notional when a position closes.
func CloseFee(sizeUSD uint64, fees account.Fees) uint64 { return bpsOf(sizeUSD, fees.ClosePosition) }

// LiquidationFee is the liquidator's reward, capped by what is left.
func LiquidationFee(remaining, size uint64, fees account.Fees) uint64 {
	fee := bpsOf(size, fees.Liquidation)
	if fee > remaining {
		return remaining
	}
	return fee
}

func AddLiquidityFee(amount uint64, fees account.Fees) uint64 {
	return bpsOf(amount, fees.AddLiquidity)
}

func RemoveLiquidityFee(amount uint64, fees account.Fees) uint64 {
	return bpsOf(amount, fees.RemoveLiquidity)
}

// ProtocolShare is the protocol's cut of a fee.
func ProtocolShare(fee uint64, fees account.Fees) uint64 {
	return bpsOf(fee, fees.ProtocolShare)
}

// PoolValue sums owned × price over the custodies, floored at 1 so it can
// serve as a divisor.
func PoolValue(custodies []*account.Custody) uint64 {
	total := new(big.Int)
	for _, c := range custodies {
		if c == nil {
			continue
		}
		v := fp.MultiplyUint128(c.Assets.Owned, c.Pricing.CurrentPrice)
		total.Add(total, v.Quo(v, big.NewInt(protocol.PricePrecision)))
		fp.Release(v)
	}
	if total.Sign() == 0 {
		return 1
	}
	if !total.IsUint64() {
		return ^uint64(0)
	}
	return total.Uint64()
}

// LPTokensOut mints 1:1 into an empty pool, otherwise pro rata to value.
func LPTokensOut(amountIn, lpSupply, poolValue uint64) (uint64, error) {
	if lpSupply == 0 {
		return amountIn, nil
	}
	if poolValue == 0 {
		poolValue = 1
	}
	out, ok := fp.MulDivU64(amountIn, lpSupply, poolValue)
	if !ok {
		return 0, protocol.NewCodedValidationError("add_liquidity", "amount_in", protocol.CodeMathOverflow, "lp amount overflows u64")
	}
	return out, nil
}

// Withdrawal is the split of a remove_liquidity payout.
type Withdrawal struct {
	Gross uint64
	Fee   uint64
	Net   uint64
}

// RemoveAmountOut redeems lpIn against the custody's owned balance.
func RemoveAmountOut(lpIn, owned, lpSupply uint64, fees account.Fees) (Withdrawal, error) {
	if lpSupply == 0 {
		return Withdrawal{}, protocol.NewCodedValidationError("remove_liquidity", "lp_amount_in",
			protocol.CodeInsufficientLiquidity, "lp supply is zero")
	}
	gross, ok := fp.MulDivU64(lpIn, owned, lpSupply)
	if !ok {
		return Withdrawal{}, protocol.NewCodedValidationError("remove_liquidity", "lp_amount_in",
			protocol.CodeMathOverflow, "payout overflows u64")
	}
	fee := RemoveLiquidityFee(gross, fees)
	return Withdrawal{Gross: gross, Fee: fee, Net: gross - fee}, nil
}

// NextEMA blends a new price into the EMA. Weight grows linearly with the
// time since the last update and saturates after one window.
func NextEMA(ema, price uint64, elapsed int64) uint64 {
	if elapsed <= 0 {
		return ema
	}
	if elapsed > protocol.EMAWindowSeconds {
		elapsed = protocol.EMAWindowSeconds
	}
	alpha := uint64(elapsed * protocol.EMAAlphaScale / protocol.EMAWindowSeconds)
	scale := uint64(protocol.EMAAlphaScale)

	sum := new(big.Int).Mul(new(big.Int).SetUint64(ema), new(big.Int).SetUint64(scale-alpha))
	sum.Add(sum, new(big.Int).Mul(new(big.Int).SetUint64(price), new(big.Int).SetUint64(alpha)))
	sum.Quo(sum, new(big.Int).SetUint64(scale))
	return sum.Uint64()
}

package math

import (
	"bytes"
	"math/big"
	"sort"
)

// SecondsPerYear is the time base of annual borrow rates.
const SecondsPerYear int64 = 365 * 24 * 60 * 60

// ComputeBorrowFee returns the USD fee accrued by a notional over elapsed
// seconds at an annual rate (RATE scale).
//
//	fee = size × rate × elapsed / (SecondsPerYear × 1e6)
func ComputeBorrowFee(sizeUSD uint64, annualRate uint64, elapsedSeconds int64) int64 {
	if sizeUSD == 0 || annualRate == 0 || elapsedSeconds <= 0 {
		return 0
	}
	temp := MultiplyUint128(sizeUSD, annualRate)
	defer putInt128(temp)
	temp.Mul(temp, big.NewInt(elapsedSeconds))

	denominator := getInt128()
	defer putInt128(denominator)
	denominator.SetInt64(SecondsPerYear)
	denominator.Mul(denominator, big.NewInt(RateScale.Factor))

	return SaturateInt64(DivideBig(temp, denominator, RoundHalfEven))
}

// PositionForBorrow is the minimal view of a position needed for accrual.
type PositionForBorrow struct {
	ID      [32]byte
	SizeUSD uint64
	Since   int64 // unix seconds the position started accruing
}

type BorrowAccrual struct {
	ID  [32]byte
	Fee int64
}

// BorrowSettlement is the accrued borrow across one custody's positions.
type BorrowSettlement struct {
	Rate     uint64
	AsOf     int64
	Accruals []BorrowAccrual
	Total    int64
}

// ComputeBorrowSettlement accrues borrow for each position up to asOf.
// Output order is by position id so repeated runs are identical.
func ComputeBorrowSettlement(rate uint64, asOf int64, positions []PositionForBorrow) *BorrowSettlement {
	sorted := make([]PositionForBorrow, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID[:], sorted[j].ID[:]) < 0
	})

	out := &BorrowSettlement{Rate: rate, AsOf: asOf, Accruals: make([]BorrowAccrual, 0, len(sorted))}
	for _, p := range sorted {
		if p.SizeUSD == 0 {
			continue
		}
		fee := ComputeBorrowFee(p.SizeUSD, rate, asOf-p.Since)
		if fee == 0 {
			continue
		}
		out.Accruals = append(out.Accruals, BorrowAccrual{ID: p.ID, Fee: fee})
		out.Total += fee
	}
	return out
}

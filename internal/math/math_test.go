package math_test

import (
	stdmath "math"
	"math/big"
	"testing"

	pmath "PerpClient/internal/math"
)

// ============================================================================
// Test: rounding
// ============================================================================

func TestDivideInt128_Rounding(t *testing.T) {
	cases := []struct {
		num, den int64
		mode     pmath.RoundingMode
		want     int64
	}{
		{5, 2, pmath.RoundHalfEven, 2},
		{7, 2, pmath.RoundHalfEven, 4},
		{-5, 2, pmath.RoundHalfEven, -2},
		{-7, 2, pmath.RoundHalfEven, -4},
		{10, 3, pmath.RoundHalfEven, 3},
		{11, 3, pmath.RoundHalfEven, 4},
		{10, 3, pmath.RoundDown, 3},
		{10, 3, pmath.RoundUp, 4},
		{-10, 3, pmath.RoundDown, -3},
		{-10, 3, pmath.RoundUp, -4},
		{-10, 3, pmath.RoundFloor, -4},
		{10, -3, pmath.RoundFloor, -4},
		{9, 3, pmath.RoundUp, 3},
	}
	for _, tc := range cases {
		got := pmath.DivideInt128(big.NewInt(tc.num), tc.den, tc.mode)
		if got != tc.want {
			t.Errorf("%d/%d mode %d: got %d, want %d", tc.num, tc.den, tc.mode, got, tc.want)
		}
	}
}

func TestMulDiv_NoOverflow(t *testing.T) {
	// 9e18 * 1e6 overflows int64 but the quotient fits.
	got := pmath.MulDiv(9_000_000_000_000_000_000, 1_000_000, 10_000_000, pmath.RoundDown)
	if got != 900_000_000_000_000_000 {
		t.Fatalf("got %d", got)
	}
	if sat := pmath.MulDiv(stdmath.MaxInt64, 10, 1, pmath.RoundDown); sat != stdmath.MaxInt64 {
		t.Errorf("expected saturation, got %d", sat)
	}
}

func TestMulDivU64(t *testing.T) {
	v, ok := pmath.MulDivU64(stdmath.MaxUint64, 2, 4)
	if !ok || v != stdmath.MaxUint64/2 {
		t.Fatalf("got %d %v", v, ok)
	}
	if _, ok := pmath.MulDivU64(stdmath.MaxUint64, 2, 1); ok {
		t.Error("expected overflow")
	}
	if _, ok := pmath.MulDivU64(1, 1, 0); ok {
		t.Error("expected division by zero to fail")
	}
}

func TestPow10(t *testing.T) {
	if pmath.Pow10(0) != 1 || pmath.Pow10(6) != 1_000_000 || pmath.Pow10(9) != 1_000_000_000 {
		t.Fatal("pow10 broken")
	}
	if pmath.Pow10Big(20).String() != "100000000000000000000" {
		t.Fatal("pow10 big broken")
	}
}

// ============================================================================
// Test: borrow accrual
// ============================================================================

func TestComputeBorrowFee(t *testing.T) {
	// 1000 USD at 10% for one year accrues 100 USD.
	fee := pmath.ComputeBorrowFee(1_000_000_000, 100_000, pmath.SecondsPerYear)
	if fee != 100_000_000 {
		t.Fatalf("got %d", fee)
	}
	if pmath.ComputeBorrowFee(1_000_000_000, 100_000, 0) != 0 {
		t.Error("no time, no fee")
	}
	if pmath.ComputeBorrowFee(1_000_000_000, 100_000, -5) != 0 {
		t.Error("negative elapsed must not refund")
	}
}

func TestComputeBorrowSettlement_Deterministic(t *testing.T) {
	a := pmath.PositionForBorrow{ID: [32]byte{2}, SizeUSD: 1_000_000_000, Since: 0}
	b := pmath.PositionForBorrow{ID: [32]byte{1}, SizeUSD: 2_000_000_000, Since: 0}
	flat := pmath.PositionForBorrow{ID: [32]byte{3}}

	s1 := pmath.ComputeBorrowSettlement(100_000, pmath.SecondsPerYear, []pmath.PositionForBorrow{a, b, flat})
	s2 := pmath.ComputeBorrowSettlement(100_000, pmath.SecondsPerYear, []pmath.PositionForBorrow{flat, b, a})

	if len(s1.Accruals) != 2 || s1.Accruals[0].ID != b.ID {
		t.Fatalf("unexpected accruals: %+v", s1.Accruals)
	}
	if s1.Total != 300_000_000 || s1.Total != s2.Total {
		t.Errorf("totals: %d %d", s1.Total, s2.Total)
	}
	for i := range s1.Accruals {
		if s1.Accruals[i] != s2.Accruals[i] {
			t.Errorf("order differs at %d", i)
		}
	}
}

package math

import (
	stdmath "math"
	"math/big"
	"sync"
)

// Scale names a fixed-point unit.
type Scale struct {
	Decimals int
	Factor   int64
}

var (
	PriceScale = Scale{Decimals: 6, Factor: 1_000_000}
	USDScale   = Scale{Decimals: 6, Factor: 1_000_000}
	RateScale  = Scale{Decimals: 6, Factor: 1_000_000}
	BPSScale   = Scale{Decimals: 4, Factor: 10_000}
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding (default)
	RoundDown                         // toward zero
	RoundUp                           // away from zero
	RoundFloor                        // toward negative infinity
)

// Pooled big.Int scratch values for 128-bit intermediates.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 returns a*b without overflow. Release with Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// MultiplyUint128 is MultiplyInt128 for unsigned operands.
func MultiplyUint128(a, b uint64) *big.Int {
	result := getInt128()
	result.Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	return result
}

// Release returns a value obtained from this package to the pool.
func Release(v *big.Int) {
	if v != nil {
		putInt128(v)
	}
}

// DivideBig returns numerator/denominator rounded per mode. The result is a
// fresh big.Int owned by the caller. Denominator must be non-zero.
func DivideBig(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	// QuoRem truncates toward zero, so the remainder has the numerator's sign.
	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)
	awayFromZero := func() {
		if negative {
			quotient.Sub(quotient, big.NewInt(1))
		} else {
			quotient.Add(quotient, big.NewInt(1))
		}
	}

	switch mode {
	case RoundDown:
	case RoundUp:
		awayFromZero()
	case RoundFloor:
		if negative {
			quotient.Sub(quotient, big.NewInt(1))
		}
	default:
		twice := getInt128()
		defer putInt128(twice)
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDen := new(big.Int).Abs(denominator)

		switch twice.Cmp(absDen) {
		case 1:
			awayFromZero()
		case 0:
			if quotient.Bit(0) == 1 {
				awayFromZero()
			}
		}
	}
	return quotient
}

// DivideInt128 divides by an int64 denominator with rounding and saturates
// to the int64 range.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	return SaturateInt64(DivideBig(numerator, big.NewInt(denominator), roundingMode))
}

// MulDiv computes a*b/c with a 128-bit intermediate.
func MulDiv(a, b, c int64, mode RoundingMode) int64 {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, c, mode)
}

// MulDivU64 computes a*b/c truncated, reporting false when the result does
// not fit in 64 bits or c is zero.
func MulDivU64(a, b, c uint64) (uint64, bool) {
	if c == 0 {
		return 0, false
	}
	product := MultiplyUint128(a, b)
	defer putInt128(product)
	product.Quo(product, new(big.Int).SetUint64(c))
	if !product.IsUint64() {
		return 0, false
	}
	return product.Uint64(), true
}

// SaturateInt64 clamps v into the int64 range.
func SaturateInt64(v *big.Int) int64 {
	if v.IsInt64() {
		return v.Int64()
	}
	if v.Sign() > 0 {
		return stdmath.MaxInt64
	}
	return stdmath.MinInt64
}

// Pow10 returns 10^n as an int64 for n in [0, 18].
func Pow10(n uint8) int64 {
	p := int64(1)
	for i := uint8(0); i < n && i < 18; i++ {
		p *= 10
	}
	return p
}

// Pow10Big returns 10^n.
func Pow10Big(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// AbsDiff returns |a-b| for unsigned values.
func AbsDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

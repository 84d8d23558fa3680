package risk

import (
	"encoding/binary"
	"math/big"

	"PerpClient/internal/account"
	fp "PerpClient/internal/math"
	"PerpClient/internal/protocol"
)

// NormalizeOraclePrice converts a Pyth-style (price, exponent) pair into
// PRICE precision.
func NormalizeOraclePrice(price int64, expo int32) (uint64, error) {
	if price < 0 {
		return 0, protocol.NewCodedValidationError("oracle", "price", protocol.CodeInvalidOraclePrice,
			"negative oracle price %d", price)
	}
	v := new(big.Int).SetInt64(price)
	v.Mul(v, big.NewInt(protocol.PricePrecision))
	if expo >= 0 {
		v.Mul(v, fp.Pow10Big(int(expo)))
	} else {
		v.Quo(v, fp.Pow10Big(int(-expo)))
	}
	if !v.IsUint64() {
		return 0, protocol.NewCodedValidationError("oracle", "price", protocol.CodeMathOverflow,
			"price %de%d overflows u64", price, expo)
	}
	return v.Uint64(), nil
}

// DecodeCustomOraclePrice reads a custom oracle account: the first eight
// bytes are a little-endian u64 price.
func DecodeCustomOraclePrice(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, protocol.NewCodedValidationError("oracle", "data", protocol.CodeInvalidOraclePrice,
			"custom oracle account has %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data[:8]), nil
}

// EncodeCustomOraclePrice is the inverse of DecodeCustomOraclePrice.
func EncodeCustomOraclePrice(price uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, price)
	return out
}

// IsPriceStale reports whether the custody price is older than maxAge
// seconds at now.
func IsPriceStale(custody *account.Custody, now, maxAgeSeconds int64) bool {
	return now-custody.Pricing.LastUpdateTime > maxAgeSeconds
}

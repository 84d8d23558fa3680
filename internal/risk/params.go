package risk

import (
	"PerpClient/internal/protocol"
)

// Params tunes the threshold-based classifications. Pure formulas do not
// depend on it.
type Params struct {
	// LiquidationThresholdBps is the margin ratio, in basis points of
	// notional, at or below which a position is liquidatable.
	LiquidationThresholdBps int64
	// AtRiskBufferBps widens the threshold for the AtRisk classification.
	AtRiskBufferBps int64
	// MaxPriceAgeSeconds bounds how old a custody price may be.
	MaxPriceAgeSeconds int64
}

// DefaultParams mirrors the program constants.
func DefaultParams() Params {
	return Params{
		LiquidationThresholdBps: protocol.LiquidationThreshold,
		AtRiskBufferBps:         1000,
		MaxPriceAgeSeconds:      int64(protocol.MaxPriceAge.Seconds()),
	}
}

// ThresholdRatio is the liquidation threshold at RATE precision.
func (p Params) ThresholdRatio() int64 {
	return BpsToRatio(p.LiquidationThresholdBps)
}

// BpsToRatio converts basis points to RATE precision (1e4 bps = 1e6).
func BpsToRatio(bps int64) int64 {
	return bps * (protocol.RatePrecision / protocol.BPSPrecision)
}

// Health classifies a position against the liquidation threshold.
type Health int32

const (
	HealthNoExposure Health = iota
	HealthHealthy
	HealthAtRisk
	HealthLiquidatable
)

func (h Health) String() string {
	switch h {
	case HealthNoExposure:
		return "NoExposure"
	case HealthHealthy:
		return "Healthy"
	case HealthAtRisk:
		return "AtRisk"
	case HealthLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

package protocol

import "time"

// Fixed-point scales shared by stored fields and every risk computation.
const (
	PricePrecision int64 = 1_000_000 // 6 decimals
	USDPrecision   int64 = 1_000_000 // 6 decimals
	BPSPrecision   int64 = 10_000    // basis points
	RatePrecision  int64 = 1_000_000 // ratios, utilization, borrow params

	// LeverageOne is the stored leverage value for 1x.
	LeverageOne int64 = 100
)

// Program limits.
const (
	MaxLeverage          uint64 = 8000 // 80x
	LiquidationThreshold int64  = 8000 // bps of notional
	MinCollateral        uint64 = 10_000_000
	MaxPriceAge                 = 60 * time.Second

	MaxPoolNameLen = 64
	MaxAdmins      = 5
	MaxPools       = 10
	MaxCustodies   = 10
	MaxFeedIDLen   = 64

	// MaxSeedLen and MaxSeeds bound a single program address derivation.
	MaxSeedLen = 32
	MaxSeeds   = 16
)

// EMA smoothing window used by update_price.
const (
	EMAWindowSeconds int64 = 3600
	EMAAlphaScale    int64 = 1000
)

// Default custody parameters written by add_custody.
const (
	DefaultTradeSpreadBps  uint64 = 50
	DefaultSwapSpreadBps   uint64 = 30
	DefaultCustodyLeverage uint64 = 50_000
	DefaultMaxGlobalSize   uint64 = 10_000_000 * uint64(USDPrecision)

	DefaultSwapFeeBps         uint64 = 30
	DefaultStableSwapFeeBps   uint64 = 10
	DefaultAddLiquidityFee    uint64 = 30
	DefaultRemoveLiquidityFee uint64 = 30
	DefaultOpenPositionFee    uint64 = 100
	DefaultClosePositionFee   uint64 = 100
	DefaultLiquidationFee     uint64 = 500
	DefaultProtocolShare      uint64 = 2000

	DefaultBorrowBaseRate     uint64 = 0
	DefaultBorrowSlope1       uint64 = 80_000
	DefaultBorrowSlope2       uint64 = 800_000
	DefaultOptimalUtilization uint64 = 800_000
)

// LPTokenDecimals is the decimals of every pool's liquidity token mint.
const LPTokenDecimals = 6

// SecondsPerYear is the time base for annualised borrow rates.
const SecondsPerYear int64 = 365 * 24 * 60 * 60

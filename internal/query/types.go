package query

import (
	"time"

	"github.com/shopspring/decimal"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
)

// RegistryView is the program-wide configuration.
type RegistryView struct {
	ID             address.Pubkey      `json:"id"`
	AdminAuthority address.Pubkey      `json:"admin_authority"`
	MinSignatures  uint8               `json:"min_signatures"`
	Admins         []address.Pubkey    `json:"admins"`
	Pools          []address.Pubkey    `json:"pools"`
	Permissions    account.Permissions `json:"permissions"`
}

// PoolView is a pool with its value recomputed from the custody prices.
type PoolView struct {
	ID            address.Pubkey   `json:"id"`
	Name          string           `json:"name"`
	Custodies     []address.Pubkey `json:"custodies"`
	AumUSD        decimal.Decimal  `json:"aum_usd"`
	ValueUSD      decimal.Decimal  `json:"value_usd"`
	InceptionTime time.Time        `json:"inception_time"`
}

// CustodyView is one pool asset with its derived risk figures.
type CustodyView struct {
	ID          address.Pubkey  `json:"id"`
	Pool        address.Pubkey  `json:"pool"`
	Mint        address.Pubkey  `json:"mint"`
	Decimals    uint8           `json:"decimals"`
	IsStable    bool            `json:"is_stable"`
	OracleType  string          `json:"oracle_type"`
	Price       decimal.Decimal `json:"price"`
	EMAPrice    decimal.Decimal `json:"ema_price"`
	PriceAt     time.Time       `json:"price_updated_at"`
	PriceStale  bool            `json:"price_stale"`
	Owned       decimal.Decimal `json:"owned"`
	Locked      decimal.Decimal `json:"locked"`
	Collateral  decimal.Decimal `json:"collateral"`
	Fees        decimal.Decimal `json:"protocol_fees"`
	ValueUSD    decimal.Decimal `json:"value_usd"`
	Utilization decimal.Decimal `json:"utilization"`
	BorrowRate  decimal.Decimal `json:"borrow_rate"`
	OILongUSD   decimal.Decimal `json:"oi_long_usd"`
	OIShortUSD  decimal.Decimal `json:"oi_short_usd"`
	MaxLeverage decimal.Decimal `json:"max_leverage"`
	OpenFee     decimal.Decimal `json:"open_fee"`
	CloseFee    decimal.Decimal `json:"close_fee"`
}

// PositionView is a position marked at its custody's current price.
type PositionView struct {
	ID                address.Pubkey   `json:"id"`
	Owner             address.Pubkey   `json:"owner"`
	Pool              address.Pubkey   `json:"pool"`
	Custody           address.Pubkey   `json:"custody"`
	Side              string           `json:"side"`
	Collateral        decimal.Decimal  `json:"collateral"`
	CollateralUSD     decimal.Decimal  `json:"collateral_usd"`
	Leverage          decimal.Decimal  `json:"leverage"`
	EffectiveLeverage *decimal.Decimal `json:"effective_leverage"`
	SizeUSD           decimal.Decimal  `json:"size_usd"`
	EntryPrice        decimal.Decimal  `json:"entry_price"`
	MarkPrice         decimal.Decimal  `json:"mark_price"`
	UnrealizedPnL     decimal.Decimal  `json:"unrealized_pnl"`
	MarginRatio       *decimal.Decimal `json:"margin_ratio"`
	LiquidationPrice  *decimal.Decimal `json:"liquidation_price"`
	BorrowFee         decimal.Decimal  `json:"borrow_fee"`
	Health            string           `json:"health"`
	OpenedAt          time.Time        `json:"opened_at"`
}

// DashboardStats aggregates every pool, custody and position.
type DashboardStats struct {
	Pools         int             `json:"pools"`
	Custodies     int             `json:"custodies"`
	Positions     int             `json:"positions"`
	Longs         int             `json:"longs"`
	Shorts        int             `json:"shorts"`
	AtRisk        int             `json:"at_risk"`
	Liquidatable  int             `json:"liquidatable"`
	StalePrices   int             `json:"stale_prices"`
	TVL           decimal.Decimal `json:"tvl"`
	AumUSD        decimal.Decimal `json:"aum_usd"`
	OILongUSD     decimal.Decimal `json:"oi_long_usd"`
	OIShortUSD    decimal.Decimal `json:"oi_short_usd"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PendingBorrow decimal.Decimal `json:"pending_borrow_usd"`
	ComputedAt    time.Time       `json:"computed_at"`
}

// OpenQuote previews an open at the custody's current price.
type OpenQuote struct {
	Custody          address.Pubkey   `json:"custody"`
	Side             string           `json:"side"`
	Price            decimal.Decimal  `json:"price"`
	SizeUSD          decimal.Decimal  `json:"size_usd"`
	SizeTokens       decimal.Decimal  `json:"size_tokens"`
	FeeUSD           decimal.Decimal  `json:"fee_usd"`
	Deposit          decimal.Decimal  `json:"deposit"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price"`
	Available        decimal.Decimal  `json:"available_liquidity"`
	Fillable         bool             `json:"fillable"`
}

// SnapshotView is one persisted account version.
type SnapshotView struct {
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	Slot      uint64         `json:"slot"`
	Entity    account.Entity `json:"entity"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// IntegrityReport is the result of cross-checking cached accounts.
type IntegrityReport struct {
	Healthy    bool      `json:"healthy"`
	Checked    int       `json:"checked"`
	Violations []string  `json:"violations,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

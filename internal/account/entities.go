package account

import (
	"fmt"
	"math/big"
	"math/bits"

	"PerpClient/internal/address"
)

// Entity is any decoded program account.
type Entity interface {
	Kind() Kind
}

// Permissions gate user-facing actions globally.
type Permissions struct {
	AllowSwap                 bool `json:"allow_swap"`
	AllowAddLiquidity         bool `json:"allow_add_liquidity"`
	AllowRemoveLiquidity      bool `json:"allow_remove_liquidity"`
	AllowOpenPosition         bool `json:"allow_open_position"`
	AllowClosePosition        bool `json:"allow_close_position"`
	AllowPnLWithdrawal        bool `json:"allow_pnl_withdrawal"`
	AllowCollateralWithdrawal bool `json:"allow_collateral_withdrawal"`
	AllowSizeChange           bool `json:"allow_size_change"`
}

// AllowAll is the permission set written by initialize.
func AllowAll() Permissions {
	return Permissions{true, true, true, true, true, true, true, true}
}

// Registry is the program singleton ("Perpetuals" on chain).
type Registry struct {
	AdminAuthority address.Pubkey   `json:"admin_authority"`
	MinSignatures  uint8            `json:"min_signatures"`
	Admins         []address.Pubkey `json:"admins"`
	Pools          []address.Pubkey `json:"pools"`
	Permissions    Permissions      `json:"permissions"`
	Bump           uint8            `json:"bump"`
}

func (*Registry) Kind() Kind { return KindRegistry }

// IsAdmin reports whether key may perform admin-only operations.
func (r *Registry) IsAdmin(key address.Pubkey) bool {
	if r.AdminAuthority == key {
		return true
	}
	for _, a := range r.Admins {
		if a == key {
			return true
		}
	}
	return false
}

func (r *Registry) HasPool(pool address.Pubkey) bool {
	return containsKey(r.Pools, pool)
}

// Pool groups custodies under a unique name.
type Pool struct {
	Name          string           `json:"name"`
	Custodies     []address.Pubkey `json:"custodies"`
	AumUSD        uint64           `json:"aum_usd"`
	Bump          uint8            `json:"bump"`
	LPTokenBump   uint8            `json:"lp_token_bump"`
	InceptionTime int64            `json:"inception_time"`
}

func (*Pool) Kind() Kind { return KindPool }

func (p *Pool) HasCustody(custody address.Pubkey) bool {
	return containsKey(p.Custodies, custody)
}

// OracleType selects where a custody reads its price.
type OracleType uint8

const (
	OraclePyth OracleType = iota
	OracleCustom
	OracleNone
)

func (o OracleType) String() string {
	switch o {
	case OraclePyth:
		return "pyth"
	case OracleCustom:
		return "custom"
	case OracleNone:
		return "none"
	default:
		return "unknown"
	}
}

func (o OracleType) Valid() bool { return o <= OracleNone }

type PricingParams struct {
	UseEMA                bool   `json:"use_ema"`
	UseUnrealizedPnLInAum bool   `json:"use_unrealized_pnl_in_aum"`
	TradeSpreadLong       uint64 `json:"trade_spread_long"`
	TradeSpreadShort      uint64 `json:"trade_spread_short"`
	SwapSpread            uint64 `json:"swap_spread"`
	MaxLeverage           uint64 `json:"max_leverage"`
	MaxGlobalShortSizeUSD uint64 `json:"max_global_short_size_usd"`
	MaxGlobalLongSizeUSD  uint64 `json:"max_global_long_size_usd"`
	CurrentPrice          uint64 `json:"current_price"`
	EMAPrice              uint64 `json:"ema_price"`
	LastUpdateTime        int64  `json:"last_update_time"`
}

// Fees are in basis points, except ProtocolShare which is bps of the fee.
type Fees struct {
	SwapIn          uint64 `json:"swap_in"`
	SwapOut         uint64 `json:"swap_out"`
	StableSwapIn    uint64 `json:"stable_swap_in"`
	StableSwapOut   uint64 `json:"stable_swap_out"`
	AddLiquidity    uint64 `json:"add_liquidity"`
	RemoveLiquidity uint64 `json:"remove_liquidity"`
	OpenPosition    uint64 `json:"open_position"`
	ClosePosition   uint64 `json:"close_position"`
	Liquidation     uint64 `json:"liquidation"`
	ProtocolShare   uint64 `json:"protocol_share"`
}

// BorrowRateParams are annual rates at RATE precision.
type BorrowRateParams struct {
	BaseRate           uint64 `json:"base_rate"`
	Slope1             uint64 `json:"slope1"`
	Slope2             uint64 `json:"slope2"`
	OptimalUtilization uint64 `json:"optimal_utilization"`
}

// Assets are token amounts in the custody mint's native units.
type Assets struct {
	Collateral   uint64 `json:"collateral"`
	ProtocolFees uint64 `json:"protocol_fees"`
	Owned        uint64 `json:"owned"`
	Locked       uint64 `json:"locked"`
}

type VolumeStats struct {
	SwapUSD            U128 `json:"swap_usd"`
	AddLiquidityUSD    U128 `json:"add_liquidity_usd"`
	RemoveLiquidityUSD U128 `json:"remove_liquidity_usd"`
	OpenPositionUSD    U128 `json:"open_position_usd"`
	ClosePositionUSD   U128 `json:"close_position_usd"`
	LiquidationUSD     U128 `json:"liquidation_usd"`
}

type TradeStats struct {
	OILongUSD         uint64 `json:"oi_long_usd"`
	OIShortUSD        uint64 `json:"oi_short_usd"`
	TotalLongFunding  int64  `json:"total_long_funding"`
	TotalShortFunding int64  `json:"total_short_funding"`
}

// Custody is one token held by a pool.
type Custody struct {
	Pool             address.Pubkey   `json:"pool"`
	Mint             address.Pubkey   `json:"mint"`
	Decimals         uint8            `json:"decimals"`
	IsStable         bool             `json:"is_stable"`
	Oracle           address.Pubkey   `json:"oracle"`
	OracleType       OracleType       `json:"oracle_type"`
	Pricing          PricingParams    `json:"pricing"`
	Fees             Fees             `json:"fees"`
	BorrowRate       BorrowRateParams `json:"borrow_rate"`
	Assets           Assets           `json:"assets"`
	VolumeStats      VolumeStats      `json:"volume_stats"`
	TradeStats       TradeStats       `json:"trade_stats"`
	FeedID           *string          `json:"feed_id,omitempty" bin:"optional"`
	Bump             uint8            `json:"bump"`
	TokenAccountBump uint8            `json:"token_account_bump"`
}

func (*Custody) Kind() Kind { return KindCustody }

// Side is the direction of a position.
type Side uint8

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s <= SideShort }

// ParseSide accepts "long" or "short".
func ParseSide(s string) (Side, bool) {
	switch s {
	case "long", "Long", "LONG":
		return SideLong, true
	case "short", "Short", "SHORT":
		return SideShort, true
	}
	return 0, false
}

// Position is a leveraged exposure. One per (owner, pool, custody).
type Position struct {
	Owner            address.Pubkey `json:"owner"`
	Pool             address.Pubkey `json:"pool"`
	Custody          address.Pubkey `json:"custody"`
	Side             Side           `json:"side"`
	CollateralAmount uint64         `json:"collateral_amount"`
	Leverage         uint64         `json:"leverage"`
	SizeUSD          uint64         `json:"size_usd"`
	EntryPrice       uint64         `json:"entry_price"`
	EntryTimestamp   int64          `json:"entry_timestamp"`
	UnrealizedPnL    int64          `json:"unrealized_pnl"`
	Bump             uint8          `json:"bump"`
}

func (*Position) Kind() Kind { return KindPosition }

// U128 is a little-endian unsigned 128-bit counter.
type U128 struct {
	Lo uint64
	Hi uint64
}

// AddUint64 returns u+v, wrapping on overflow of the full 128 bits.
func (u U128) AddUint64(v uint64) U128 {
	lo, carry := bits.Add64(u.Lo, v, 0)
	hi, _ := bits.Add64(u.Hi, 0, carry)
	return U128{Lo: lo, Hi: hi}
}

func (u U128) BigInt() *big.Int {
	n := new(big.Int).SetUint64(u.Hi)
	n.Lsh(n, 64)
	return n.Or(n, new(big.Int).SetUint64(u.Lo))
}

func (u U128) String() string {
	return u.BigInt().String()
}

func (u U128) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *U128) UnmarshalText(text []byte) error {
	n, ok := new(big.Int).SetString(string(text), 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 128 {
		return fmt.Errorf("invalid u128 %q", text)
	}
	mask := new(big.Int).SetUint64(^uint64(0))
	u.Lo = new(big.Int).And(n, mask).Uint64()
	u.Hi = new(big.Int).Rsh(n, 64).Uint64()
	return nil
}

func containsKey(keys []address.Pubkey, key address.Pubkey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

package instruction

import (
	"fmt"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
)

// Params is the typed request for one builder. Identifiers that can be
// derived are not part of the request.
type Params interface {
	Op() Op
}

type InitializeParams struct {
	Admin         address.Pubkey   `json:"admin"`
	MinSignatures uint8            `json:"min_signatures"`
	Admins        []address.Pubkey `json:"admins"`
}

type AddPoolParams struct {
	Authority address.Pubkey `json:"authority"`
	Name      string         `json:"name"`
}

type AddCustodyParams struct {
	Authority    address.Pubkey     `json:"authority"`
	Pool         address.Pubkey     `json:"pool"`
	Mint         address.Pubkey     `json:"mint"`
	IsStable     bool               `json:"is_stable"`
	OracleType   account.OracleType `json:"oracle_type"`
	InitialPrice uint64             `json:"initial_price"`
}

type UpdatePriceParams struct {
	Authority address.Pubkey `json:"authority"`
	Pool      address.Pubkey `json:"pool"`
	Mint      address.Pubkey `json:"mint"`
	NewPrice  uint64         `json:"new_price"`
}

type AddLiquidityParams struct {
	Owner          address.Pubkey `json:"owner"`
	Pool           address.Pubkey `json:"pool"`
	Mint           address.Pubkey `json:"mint"`
	FundingAccount address.Pubkey `json:"funding_account"`
	LPTokenAccount address.Pubkey `json:"lp_token_account"`
	AmountIn       uint64         `json:"amount_in"`
	MinLPAmountOut uint64         `json:"min_lp_amount_out"`
}

type RemoveLiquidityParams struct {
	Owner            address.Pubkey `json:"owner"`
	Pool             address.Pubkey `json:"pool"`
	Mint             address.Pubkey `json:"mint"`
	LPTokenAccount   address.Pubkey `json:"lp_token_account"`
	ReceivingAccount address.Pubkey `json:"receiving_account"`
	LPAmountIn       uint64         `json:"lp_amount_in"`
	MinAmountOut     uint64         `json:"min_amount_out"`
}

// PositionTarget identifies a position and its price source.
// A zero Oracle is replaced by the custody id; the program only reads it
// for Pyth and Custom custodies.
type PositionTarget struct {
	Owner  address.Pubkey `json:"owner"`
	Pool   address.Pubkey `json:"pool"`
	Mint   address.Pubkey `json:"mint"`
	Oracle address.Pubkey `json:"oracle"`
}

type OpenPositionParams struct {
	PositionTarget
	Side             account.Side `json:"side"`
	CollateralAmount uint64       `json:"collateral_amount"`
	Leverage         uint64       `json:"leverage"`
	AcceptablePrice  uint64       `json:"acceptable_price"`
}

type ClosePositionParams struct {
	PositionTarget
}

type UpdatePositionParams struct {
	PositionTarget
}

type LiquidatePositionParams struct {
	PositionTarget
	Liquidator address.Pubkey `json:"liquidator"`
}

func (InitializeParams) Op() Op        { return OpInitialize }
func (AddPoolParams) Op() Op           { return OpAddPool }
func (AddCustodyParams) Op() Op        { return OpAddCustody }
func (UpdatePriceParams) Op() Op       { return OpUpdatePrice }
func (AddLiquidityParams) Op() Op      { return OpAddLiquidity }
func (RemoveLiquidityParams) Op() Op   { return OpRemoveLiquidity }
func (OpenPositionParams) Op() Op      { return OpOpenPosition }
func (ClosePositionParams) Op() Op     { return OpClosePosition }
func (UpdatePositionParams) Op() Op    { return OpUpdatePosition }
func (LiquidatePositionParams) Op() Op { return OpLiquidatePosition }

// NewParams returns a pointer to an empty request for op, suitable for
// decoding a JSON body into.
func NewParams(op Op) (Params, error) {
	switch op {
	case OpInitialize:
		return &InitializeParams{}, nil
	case OpAddPool:
		return &AddPoolParams{}, nil
	case OpAddCustody:
		return &AddCustodyParams{}, nil
	case OpUpdatePrice:
		return &UpdatePriceParams{}, nil
	case OpAddLiquidity:
		return &AddLiquidityParams{}, nil
	case OpRemoveLiquidity:
		return &RemoveLiquidityParams{}, nil
	case OpOpenPosition:
		return &OpenPositionParams{}, nil
	case OpClosePosition:
		return &ClosePositionParams{}, nil
	case OpUpdatePosition:
		return &UpdatePositionParams{}, nil
	case OpLiquidatePosition:
		return &LiquidatePositionParams{}, nil
	default:
		return nil, fmt.Errorf("no params for %s", op)
	}
}

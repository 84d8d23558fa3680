package instruction

import (
	"context"
	"errors"
	"fmt"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/protocol"
)

// StateReader exposes the cached entities builders validate against.
// The ledger re-validates everything; these checks only avoid spending a
// round trip on requests that cannot succeed.
type StateReader interface {
	Registry(ctx context.Context) (*account.Registry, error)
	Pool(ctx context.Context, id address.Pubkey) (*account.Pool, error)
}

// Builder assembles instructions for one program deployment.
// It holds no mutable state and does not serialise callers.
type Builder struct {
	deriver *address.Deriver
	state   StateReader
}

// NewBuilder returns a builder. With a nil state reader only stateless
// checks run.
func NewBuilder(deriver *address.Deriver, state StateReader) *Builder {
	return &Builder{deriver: deriver, state: state}
}

func (b *Builder) Deriver() *address.Deriver {
	return b.deriver
}

// Build dispatches on the request type.
func (b *Builder) Build(ctx context.Context, p Params) (*Instruction, error) {
	switch v := p.(type) {
	case InitializeParams:
		return b.Initialize(v)
	case *InitializeParams:
		return b.Initialize(*v)
	case AddPoolParams:
		return b.AddPool(v)
	case *AddPoolParams:
		return b.AddPool(*v)
	case AddCustodyParams:
		return b.AddCustody(ctx, v)
	case *AddCustodyParams:
		return b.AddCustody(ctx, *v)
	case UpdatePriceParams:
		return b.UpdatePrice(ctx, v)
	case *UpdatePriceParams:
		return b.UpdatePrice(ctx, *v)
	case AddLiquidityParams:
		return b.AddLiquidity(v)
	case *AddLiquidityParams:
		return b.AddLiquidity(*v)
	case RemoveLiquidityParams:
		return b.RemoveLiquidity(v)
	case *RemoveLiquidityParams:
		return b.RemoveLiquidity(*v)
	case OpenPositionParams:
		return b.OpenPosition(v)
	case *OpenPositionParams:
		return b.OpenPosition(*v)
	case ClosePositionParams:
		return b.ClosePosition(v)
	case *ClosePositionParams:
		return b.ClosePosition(*v)
	case UpdatePositionParams:
		return b.UpdatePosition(v)
	case *UpdatePositionParams:
		return b.UpdatePosition(*v)
	case LiquidatePositionParams:
		return b.LiquidatePosition(v)
	case *LiquidatePositionParams:
		return b.LiquidatePosition(*v)
	default:
		return nil, fmt.Errorf("build: unsupported params %T", p)
	}
}

// Initialize creates the registry singleton.
func (b *Builder) Initialize(p InitializeParams) (*Instruction, error) {
	const op = OpInitialize
	if err := requireKeys(op, "admin", p.Admin); err != nil {
		return nil, err
	}
	if len(p.Admins) > protocol.MaxAdmins {
		return nil, protocol.NewValidationError(op.String(), "admins",
			"%d admins exceeds limit %d", len(p.Admins), protocol.MaxAdmins)
	}
	for i, a := range p.Admins {
		if a.IsZero() {
			return nil, protocol.NewValidationError(op.String(), "admins", "admin %d is the zero key", i)
		}
	}
	if p.MinSignatures < 1 || int(p.MinSignatures) > len(p.Admins) {
		return nil, protocol.NewValidationError(op.String(), "min_signatures",
			"threshold %d must be between 1 and %d admins", p.MinSignatures, len(p.Admins))
	}

	registry, err := b.deriver.Registry()
	if err != nil {
		return nil, wrapDerive(op, err)
	}

	args := InitializeArgs{MinSignatures: p.MinSignatures, Admins: p.Admins}
	return b.assemble(op, args,
		[]AccountMeta{
			signerW("admin", p.Admin),
			writable("perpetuals", registry),
			readonly("system_program", address.SystemProgramID),
		},
		refs(account.KindRegistry, registry),
		refs(account.KindRegistry, registry),
	)
}

// AddPool creates a named pool and its liquidity token mint.
func (b *Builder) AddPool(p AddPoolParams) (*Instruction, error) {
	const op = OpAddPool
	if err := requireKeys(op, "authority", p.Authority); err != nil {
		return nil, err
	}
	if len(p.Name) == 0 || len(p.Name) > protocol.MaxPoolNameLen {
		return nil, protocol.NewCodedValidationError(op.String(), "name", protocol.CodeInvalidPoolName,
			"length %d outside 1..%d bytes", len(p.Name), protocol.MaxPoolNameLen)
	}

	pool, err := b.deriver.Pool(p.Name)
	if err != nil {
		return nil, wrapDerive(op, err)
	}
	lpMint, err := b.deriver.LPTokenMint(pool)
	if err != nil {
		return nil, wrapDerive(op, err)
	}
	registry, err := b.deriver.Registry()
	if err != nil {
		return nil, wrapDerive(op, err)
	}

	return b.assemble(op, AddPoolArgs{Name: p.Name},
		[]AccountMeta{
			signerW("authority", p.Authority),
			writable("pool", pool),
			writable("lp_token_mint", lpMint),
			writable("perpetuals", registry),
			readonly("token_program", address.TokenProgramID),
			readonly("system_program", address.SystemProgramID),
		},
		[]account.Ref{{Kind: account.KindPool, ID: pool}, {Kind: account.KindRegistry, ID: registry}},
		refs(account.KindPool, pool),
	)
}

// AddCustody registers an asset with a pool.
func (b *Builder) AddCustody(ctx context.Context, p AddCustodyParams) (*Instruction, error) {
	const op = OpAddCustody
	if err := requireKeys(op, "authority", p.Authority, "pool", p.Pool, "mint", p.Mint); err != nil {
		return nil, err
	}
	if p.InitialPrice == 0 {
		return nil, protocol.NewCodedValidationError(op.String(), "initial_price", protocol.CodeInvalidPrice, "must be positive")
	}
	if !p.OracleType.Valid() {
		return nil, protocol.NewValidationError(op.String(), "oracle_type", "unknown oracle type %d", p.OracleType)
	}

	custody, err := b.deriver.Custody(p.Pool, p.Mint)
	if err != nil {
		return nil, wrapDerive(op, err)
	}
	tokenAccount, err := b.deriver.CustodyTokenAccount(p.Pool, p.Mint)
	if err != nil {
		return nil, wrapDerive(op, err)
	}
	registry, err := b.deriver.Registry()
	if err != nil {
		return nil, wrapDerive(op, err)
	}

	if b.state != nil {
		pool, err := b.state.Pool(ctx, p.Pool)
		if errors.Is(err, protocol.ErrNotFound) {
			return nil, protocol.NewCodedValidationError(op.String(), "pool", protocol.CodeAccountNotInitialized,
				"pool %s does not exist", p.Pool)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: load pool: %w", op, err)
		}
		if pool.HasCustody(custody) {
			return nil, protocol.NewCodedValidationError(op.String(), "mint", protocol.CodeAccountAlreadyInUse,
				"asset %s already has custody %s in pool %q", p.Mint, custody, pool.Name)
		}
		if len(pool.Custodies) >= protocol.MaxCustodies {
			return nil, protocol.NewValidationError(op.String(), "pool",
				"pool %q already holds %d custodies", pool.Name, len(pool.Custodies))
		}
	}

	args := AddCustodyArgs{IsStable: p.IsStable, OracleType: p.OracleType, InitialPrice: p.InitialPrice}
	return b.assemble(op, args,
		[]AccountMeta{
			signerW("authority", p.Authority),
			writable("custody", custody),
			readonly("custody_token_mint", p.Mint),
			writable("pool", p.Pool),
			readonly("perpetuals", registry),
			writable("custody_token_account", tokenAccount),
			readonly("system_program", address.SystemProgramID),
			readonly("token_program", address.TokenProgramID),
		},
		[]account.Ref{{Kind: account.KindCustody, ID: custody}, {Kind: account.KindPool, ID: p.Pool}},
		refs(account.KindCustody, custody),
	)
}

// UpdatePrice pushes a new price to a custody.
func (b *Builder) UpdatePrice(ctx context.Context, p UpdatePriceParams) (*Instruction, error) {
	const op = OpUpdatePrice
	if err := requireKeys(op, "authority", p.Authority, "pool", p.Pool, "mint", p.Mint); err != nil {
		return nil, err
	}
	if p.NewPrice == 0 {
		return nil, protocol.NewCodedValidationError(op.String(), "new_price", protocol.CodeInvalidPrice, "must be positive")
	}

	if b.state != nil {
		reg, err := b.state.Registry(ctx)
		if errors.Is(err, protocol.ErrNotFound) {
			return nil, protocol.NewCodedValidationError(op.String(), "perpetuals", protocol.CodeAccountNotInitialized,
				"registry is not initialized")
		}
		if err != nil {
			return nil, fmt.Errorf("%s: load registry: %w", op, err)
		}
		if !reg.IsAdmin(p.Authority) {
			return nil, protocol.NewCodedValidationError(op.String(), "authority", protocol.CodeConstraintRaw,
				"%s is not a registered admin", p.Authority)
		}
	}

	custody, err := b.deriver.Custody(p.Pool, p.Mint)
	if err != nil {
		return nil, wrapDerive(op, err)
	}
	registry, err := b.deriver.Registry()
	if err != nil {
		return nil, wrapDerive(op, err)
	}

	return b.assemble(op, UpdatePriceArgs{NewPrice: p.NewPrice},
		[]AccountMeta{
			signerW("authority", p.Authority),
			writable("custody", custody),
			readonly("pool", p.Pool),
			readonly("mint", p.Mint),
			readonly("perpetuals", registry),
		},
		refs(account.KindCustody, custody),
		nil,
	)
}

// AddLiquidity deposits custody tokens for pool shares.
func (b *Builder) AddLiquidity(p AddLiquidityParams) (*Instruction, error) {
	const op = OpAddLiquidity
	if err := requireKeys(op, "owner", p.Owner, "pool", p.Pool, "mint", p.Mint,
		"funding_account", p.FundingAccount, "lp_token_account", p.LPTokenAccount); err != nil {
		return nil, err
	}
	if p.AmountIn == 0 {
		return nil, protocol.NewCodedValidationError(op.String(), "amount_in", protocol.CodeInvalidAmount, "must be positive")
	}

	k, err := b.liquidityKeys(op, p.Pool, p.Mint)
	if err != nil {
		return nil, err
	}

	args := AddLiquidityArgs{AmountIn: p.AmountIn, MinLPAmountOut: p.MinLPAmountOut}
	return b.assemble(op, args,
		[]AccountMeta{
			signerW("owner", p.Owner),
			readonly("perpetuals", k.registry),
			readonly("pool", p.Pool),
			writable("custody", k.custody),
			readonly("custody_token_mint", p.Mint),
			writable("lp_token_mint", k.lpMint),
			writable("funding_account", p.FundingAccount),
			writable("lp_token_account", p.LPTokenAccount),
			writable("custody_token_account", k.tokenAccount),
			readonly("token_program", address.TokenProgramID),
		},
		[]account.Ref{{Kind: account.KindCustody, ID: k.custody}, {Kind: account.KindPool, ID: p.Pool}},
		nil,
	)
}

// RemoveLiquidity burns pool shares for custody tokens.
func (b *Builder) RemoveLiquidity(p RemoveLiquidityParams) (*Instruction, error) {
	const op = OpRemoveLiquidity
	if err := requireKeys(op, "owner", p.Owner, "pool", p.Pool, "mint", p.Mint,
		"lp_token_account", p.LPTokenAccount, "receiving_account", p.ReceivingAccount); err != nil {
		return nil, err
	}
	if p.LPAmountIn == 0 {
		return nil, protocol.NewCodedValidationError(op.String(), "lp_amount_in", protocol.CodeInvalidAmount, "must be positive")
	}

	k, err := b.liquidityKeys(op, p.Pool, p.Mint)
	if err != nil {
		return nil, err
	}

	args := RemoveLiquidityArgs{LPAmountIn: p.LPAmountIn, MinAmountOut: p.MinAmountOut}
	return b.assemble(op, args,
		[]AccountMeta{
			signerW("owner", p.Owner),
			readonly("perpetuals", k.registry),
			readonly("pool", p.Pool),
			writable("custody", k.custody),
			readonly("custody_token_mint", p.Mint),
			writable("lp_token_mint", k.lpMint),
			writable("lp_token_account", p.LPTokenAccount),
			writable("receiving_account", p.ReceivingAccount),
			writable("custody_token_account", k.tokenAccount),
			readonly("token_program", address.TokenProgramID),
		},
		[]account.Ref{{Kind: account.KindCustody, ID: k.custody}, {Kind: account.KindPool, ID: p.Pool}},
		nil,
	)
}

// OpenPosition creates the position for (owner, pool, custody).
func (b *Builder) OpenPosition(p OpenPositionParams) (*Instruction, error) {
	const op = OpOpenPosition
	if err := requireKeys(op, "owner", p.Owner, "pool", p.Pool, "mint", p.Mint); err != nil {
		return nil, err
	}
	if !p.Side.Valid() {
		return nil, protocol.NewValidationError(op.String(), "side", "must be long or short, got %d", p.Side)
	}
	if p.Leverage == 0 || p.Leverage > protocol.MaxLeverage {
		return nil, protocol.NewCodedValidationError(op.String(), "leverage", protocol.CodeInvalidLeverage,
			"%d outside 1..%d", p.Leverage, protocol.MaxLeverage)
	}
	if p.CollateralAmount < protocol.MinCollateral {
		return nil, protocol.NewCodedValidationError(op.String(), "collateral_amount", protocol.CodeInvalidCollateralAmount,
			"%d below minimum %d", p.CollateralAmount, protocol.MinCollateral)
	}
	if p.AcceptablePrice == 0 {
		return nil, protocol.NewCodedValidationError(op.String(), "acceptable_price", protocol.CodePriceSlippageExceeded,
			"must be positive")
	}

	k, err := b.positionKeys(op, p.PositionTarget)
	if err != nil {
		return nil, err
	}

	args := OpenPositionArgs{
		Side:             p.Side,
		CollateralAmount: p.CollateralAmount,
		Leverage:         p.Leverage,
		AcceptablePrice:  p.AcceptablePrice,
	}
	return b.assemble(op, args,
		[]AccountMeta{
			signerW("owner", p.Owner),
			writable("position", k.position),
			readonly("perpetuals", k.registry),
			readonly("pool", p.Pool),
			writable("custody", k.custody),
			readonly("mint", p.Mint),
			writable("custody_token_account", k.tokenAccount),
			readonly("oracle_account", k.oracle),
			readonly("system_program", address.SystemProgramID),
		},
		k.touches(),
		refs(account.KindPosition, k.position),
	)
}

// ClosePosition settles and closes the owner's position.
func (b *Builder) ClosePosition(p ClosePositionParams) (*Instruction, error) {
	const op = OpClosePosition
	if err := requireKeys(op, "owner", p.Owner, "pool", p.Pool, "mint", p.Mint); err != nil {
		return nil, err
	}
	k, err := b.positionKeys(op, p.PositionTarget)
	if err != nil {
		return nil, err
	}
	return b.assemble(op, NoArgs{},
		[]AccountMeta{
			signerW("owner", p.Owner),
			writable("position", k.position),
			readonly("perpetuals", k.registry),
			readonly("pool", p.Pool),
			writable("custody", k.custody),
			readonly("mint", p.Mint),
			writable("custody_token_account", k.tokenAccount),
			readonly("oracle_account", k.oracle),
		},
		k.touches(),
		nil,
	)
}

// UpdatePosition recomputes the stored unrealized PnL. It needs no signer
// beyond the fee payer.
func (b *Builder) UpdatePosition(p UpdatePositionParams) (*Instruction, error) {
	const op = OpUpdatePosition
	if err := requireKeys(op, "owner", p.Owner, "pool", p.Pool, "mint", p.Mint); err != nil {
		return nil, err
	}
	k, err := b.positionKeys(op, p.PositionTarget)
	if err != nil {
		return nil, err
	}
	return b.assemble(op, NoArgs{},
		[]AccountMeta{
			writable("position", k.position),
			readonly("pool", p.Pool),
			readonly("custody", k.custody),
			readonly("mint", p.Mint),
			readonly("oracle_account", k.oracle),
		},
		refs(account.KindPosition, k.position),
		nil,
	)
}

// LiquidatePosition closes an under-margined position on the owner's behalf.
func (b *Builder) LiquidatePosition(p LiquidatePositionParams) (*Instruction, error) {
	const op = OpLiquidatePosition
	if err := requireKeys(op, "liquidator", p.Liquidator, "owner", p.Owner, "pool", p.Pool, "mint", p.Mint); err != nil {
		return nil, err
	}
	k, err := b.positionKeys(op, p.PositionTarget)
	if err != nil {
		return nil, err
	}
	return b.assemble(op, NoArgs{},
		[]AccountMeta{
			signerW("liquidator", p.Liquidator),
			writable("position_owner", p.Owner),
			writable("position", k.position),
			readonly("pool", p.Pool),
			writable("custody", k.custody),
			readonly("mint", p.Mint),
			writable("custody_token_account", k.tokenAccount),
			readonly("oracle_account", k.oracle),
		},
		k.touches(),
		nil,
	)
}

func (b *Builder) assemble(op Op, args any, metas []AccountMeta, touches, creates []account.Ref) (*Instruction, error) {
	data, err := encodeData(op, args)
	if err != nil {
		return nil, err
	}
	return &Instruction{
		Op:        op,
		ProgramID: b.deriver.ProgramID(),
		Accounts:  metas,
		Data:      data,
		Args:      args,
		Touches:   touches,
		Creates:   creates,
	}, nil
}

type liquidityKeys struct {
	registry     address.Pubkey
	custody      address.Pubkey
	tokenAccount address.Pubkey
	lpMint       address.Pubkey
}

func (b *Builder) liquidityKeys(op Op, pool, mint address.Pubkey) (liquidityKeys, error) {
	var k liquidityKeys
	var err error
	if k.registry, err = b.deriver.Registry(); err != nil {
		return k, wrapDerive(op, err)
	}
	if k.custody, err = b.deriver.Custody(pool, mint); err != nil {
		return k, wrapDerive(op, err)
	}
	if k.tokenAccount, err = b.deriver.CustodyTokenAccount(pool, mint); err != nil {
		return k, wrapDerive(op, err)
	}
	if k.lpMint, err = b.deriver.LPTokenMint(pool); err != nil {
		return k, wrapDerive(op, err)
	}
	return k, nil
}

type positionKeys struct {
	registry     address.Pubkey
	custody      address.Pubkey
	tokenAccount address.Pubkey
	position     address.Pubkey
	oracle       address.Pubkey
}

func (k positionKeys) touches() []account.Ref {
	return []account.Ref{
		{Kind: account.KindPosition, ID: k.position},
		{Kind: account.KindCustody, ID: k.custody},
	}
}

func (b *Builder) positionKeys(op Op, t PositionTarget) (positionKeys, error) {
	var k positionKeys
	var err error
	if k.registry, err = b.deriver.Registry(); err != nil {
		return k, wrapDerive(op, err)
	}
	if k.custody, err = b.deriver.Custody(t.Pool, t.Mint); err != nil {
		return k, wrapDerive(op, err)
	}
	if k.tokenAccount, err = b.deriver.CustodyTokenAccount(t.Pool, t.Mint); err != nil {
		return k, wrapDerive(op, err)
	}
	if k.position, err = b.deriver.Position(t.Owner, t.Pool, k.custody); err != nil {
		return k, wrapDerive(op, err)
	}
	k.oracle = t.Oracle
	if k.oracle.IsZero() {
		k.oracle = k.custody
	}
	return k, nil
}

// requireKeys takes alternating field names and keys.
func requireKeys(op Op, pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		key, _ := pairs[i+1].(address.Pubkey)
		if key.IsZero() {
			return protocol.NewValidationError(op.String(), name, "missing account reference")
		}
	}
	return nil
}

func wrapDerive(op Op, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func refs(kind account.Kind, id address.Pubkey) []account.Ref {
	return []account.Ref{{Kind: kind, ID: id}}
}

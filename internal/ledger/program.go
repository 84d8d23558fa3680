package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/protocol"
	"PerpClient/internal/risk"
)

// layouts are the positional account roles of every instruction. The
// simulator binds by position, as the program does, so a misordered account
// list fails on a constraint instead of being silently repaired.
var layouts = map[instruction.Op][]string{
	instruction.OpInitialize: {"admin", "perpetuals", "system_program"},
	instruction.OpAddPool: {"authority", "pool", "lp_token_mint", "perpetuals",
		"token_program", "system_program"},
	instruction.OpAddCustody: {"authority", "custody", "custody_token_mint", "pool", "perpetuals",
		"custody_token_account", "system_program", "token_program"},
	instruction.OpUpdatePrice: {"authority", "custody", "pool", "mint", "perpetuals"},
	instruction.OpAddLiquidity: {"owner", "perpetuals", "pool", "custody", "custody_token_mint",
		"lp_token_mint", "funding_account", "lp_token_account", "custody_token_account", "token_program"},
	instruction.OpRemoveLiquidity: {"owner", "perpetuals", "pool", "custody", "custody_token_mint",
		"lp_token_mint", "lp_token_account", "receiving_account", "custody_token_account", "token_program"},
	instruction.OpOpenPosition: {"owner", "position", "perpetuals", "pool", "custody", "mint",
		"custody_token_account", "oracle_account", "system_program"},
	instruction.OpClosePosition: {"owner", "position", "perpetuals", "pool", "custody", "mint",
		"custody_token_account", "oracle_account"},
	instruction.OpUpdatePosition: {"position", "pool", "custody", "mint", "oracle_account"},
	instruction.OpLiquidatePosition: {"liquidator", "position_owner", "position", "pool", "custody", "mint",
		"custody_token_account", "oracle_account"},
}

// mutable are the accounts each instruction writes. They must be passed
// writable.
var mutable = map[instruction.Op][]string{
	instruction.OpInitialize:    {"admin", "perpetuals"},
	instruction.OpAddPool:       {"authority", "pool", "lp_token_mint", "perpetuals"},
	instruction.OpAddCustody:    {"authority", "custody", "pool", "custody_token_account"},
	instruction.OpUpdatePrice:   {"custody"},
	instruction.OpAddLiquidity: {"custody", "lp_token_mint", "funding_account", "lp_token_account",
		"custody_token_account"},
	instruction.OpRemoveLiquidity: {"custody", "lp_token_mint", "lp_token_account", "receiving_account",
		"custody_token_account"},
	instruction.OpOpenPosition:      {"owner", "position", "custody", "custody_token_account"},
	instruction.OpClosePosition:     {"owner", "position", "custody", "custody_token_account"},
	instruction.OpUpdatePosition:    {"position"},
	instruction.OpLiquidatePosition: {"position_owner", "position", "custody", "custody_token_account"},
}

// execCtx carries one instruction through account validation and its
// handler.
type execCtx struct {
	s    *Simulator
	op   instruction.Op
	args any
	keys map[string]instruction.AccountMeta
	now  int64
	logs []string
}

func (s *Simulator) bind(ix *instruction.Instruction) (*execCtx, error) {
	if ix.ProgramID != s.program {
		return nil, ledgerErr(protocol.CodeDeclaredProgramIDMismatch, "instruction targets %s", ix.ProgramID.Short())
	}
	op, args, err := instruction.DecodeData(ix.Data)
	if err != nil {
		if knownDiscriminator(ix.Data) {
			return nil, ledgerErr(protocol.CodeInstructionDidNotDeserialize, "%v", err)
		}
		return nil, ledgerErr(protocol.CodeInstructionFallbackNotFound, "%v", err)
	}
	if err := validEnums(args); err != nil {
		return nil, err
	}

	names := layouts[op]
	if len(ix.Accounts) < len(names) {
		return nil, ledgerErr(protocol.CodeAccountNotEnoughKeys, "%s needs %d accounts, got %d",
			op, len(names), len(ix.Accounts))
	}
	keys := make(map[string]instruction.AccountMeta, len(names))
	for i, name := range names {
		keys[name] = ix.Accounts[i]
	}
	return &execCtx{s: s, op: op, args: args, keys: keys, now: s.now().Unix()}, nil
}

func knownDiscriminator(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	for _, op := range instruction.Ops {
		d := op.Discriminator()
		if bytes.Equal(d[:], data[:8]) {
			return true
		}
	}
	return false
}

// validEnums rejects enum discriminants the program could not deserialize.
func validEnums(args any) error {
	switch a := args.(type) {
	case instruction.AddCustodyArgs:
		if !a.OracleType.Valid() {
			return ledgerErr(protocol.CodeInstructionDidNotDeserialize, "oracle type %d", a.OracleType)
		}
	case instruction.OpenPositionArgs:
		if !a.Side.Valid() {
			return ledgerErr(protocol.CodeInstructionDidNotDeserialize, "side %d", a.Side)
		}
	}
	return nil
}

func (x *execCtx) run() error {
	switch a := x.args.(type) {
	case instruction.InitializeArgs:
		return x.initialize(a)
	case instruction.AddPoolArgs:
		return x.addPool(a)
	case instruction.AddCustodyArgs:
		return x.addCustody(a)
	case instruction.UpdatePriceArgs:
		return x.updatePrice(a)
	case instruction.AddLiquidityArgs:
		return x.addLiquidity(a)
	case instruction.RemoveLiquidityArgs:
		return x.removeLiquidity(a)
	case instruction.OpenPositionArgs:
		return x.openPosition(a)
	}
	switch x.op {
	case instruction.OpClosePosition:
		return x.closePosition()
	case instruction.OpUpdatePosition:
		return x.updatePosition()
	case instruction.OpLiquidatePosition:
		return x.liquidatePosition()
	}
	return ledgerErr(protocol.CodeInstructionFallbackNotFound, "%s", x.op)
}

// === Account constraints ===

func (x *execCtx) key(name string) address.Pubkey { return x.keys[name].Key }

func (x *execCtx) logf(format string, args ...any) {
	x.logs = append(x.logs, "Program log: "+fmt.Sprintf(format, args...))
}

func (x *execCtx) signer(name string) error {
	if !x.keys[name].Signer {
		return ledgerErr(protocol.CodeAccountNotSigner, "%s did not sign", name)
	}
	return nil
}

// writable checks the mut constraint of every account the instruction
// wrote. It runs after the handler, so failures of accounts earlier in the
// list take precedence.
func (x *execCtx) writable() error {
	for _, name := range mutable[x.op] {
		if !x.keys[name].Writable {
			return ledgerErr(protocol.CodeConstraintMut, "%s is not writable", name)
		}
	}
	return nil
}

func (x *execCtx) program(name string, want address.Pubkey) error {
	if x.key(name) != want {
		return ledgerErr(protocol.CodeInvalidProgramID, "%s is %s, want %s", name, x.key(name).Short(), want.Short())
	}
	return nil
}

// seeds checks that the named account is the program address of the seeds.
func (x *execCtx) seeds(name string, kind address.Kind, seeds ...[]byte) (uint8, error) {
	d, err := x.s.deriver.Derive(kind, seeds...)
	if err != nil || d.Address != x.key(name) {
		return 0, ledgerErr(protocol.CodeConstraintSeeds, "%s: seeds constraint violated", name)
	}
	return d.Bump, nil
}

func (x *execCtx) uninitialized(name string) error {
	if x.s.exists(x.key(name)) {
		return ledgerErr(protocol.CodeAccountAlreadyInUse, "Allocate: account %s already in use", x.key(name))
	}
	return nil
}

func (x *execCtx) registry() (*account.Registry, error) {
	e, err := x.s.loadEntity(x.key("perpetuals"), account.KindRegistry)
	if err != nil {
		return nil, err
	}
	if _, err := x.seeds("perpetuals", address.KindRegistry); err != nil {
		return nil, err
	}
	return e.(*account.Registry), nil
}

func (x *execCtx) pool() (*account.Pool, error) {
	e, err := x.s.loadEntity(x.key("pool"), account.KindPool)
	if err != nil {
		return nil, err
	}
	p := e.(*account.Pool)
	if _, err := x.seeds("pool", address.KindPool, []byte(p.Name)); err != nil {
		return nil, err
	}
	return p, nil
}

func (x *execCtx) custody(mintRole string) (*account.Custody, error) {
	e, err := x.s.loadEntity(x.key("custody"), account.KindCustody)
	if err != nil {
		return nil, err
	}
	if _, err := x.seeds("custody", address.KindCustody, x.key("pool").Bytes(), x.key(mintRole).Bytes()); err != nil {
		return nil, err
	}
	return e.(*account.Custody), nil
}

func (x *execCtx) mint(name string) (Mint, error) {
	m, ok := x.s.state.tokens.Mint(x.key(name))
	if !ok {
		return Mint{}, ledgerErr(protocol.CodeAccountNotInitialized, "mint %s", x.key(name).Short())
	}
	return m, nil
}

func (x *execCtx) custodyTokenAccount(mintRole string) error {
	_, err := x.seeds("custody_token_account", address.KindCustodyTokenAccount,
		x.key("pool").Bytes(), x.key(mintRole).Bytes())
	return err
}

func (x *execCtx) position() (*account.Position, error) {
	e, err := x.s.loadEntity(x.key("position"), account.KindPosition)
	if err != nil {
		return nil, err
	}
	return e.(*account.Position), nil
}

func (x *execCtx) positionSeeds(owner address.Pubkey) error {
	_, err := x.seeds("position", address.KindPosition, owner.Bytes(), x.key("pool").Bytes(), x.key("custody").Bytes())
	return err
}

func adminConstraint(reg *account.Registry, authority address.Pubkey) error {
	if reg.AdminAuthority != authority {
		return ledgerErr(protocol.CodeConstraintRaw, "perpetuals: %s is not the admin authority", authority.Short())
	}
	return nil
}

func (x *execCtx) oraclePrice(c *account.Custody) (uint64, error) {
	oracle := x.key("oracle_account")
	switch c.OracleType {
	case account.OracleCustom:
		return risk.DecodeCustomOraclePrice(x.s.state.custom[oracle])
	case account.OraclePyth:
		p, ok := x.s.state.pyth[oracle]
		if !ok {
			return 0, ledgerErr(protocol.CodeInvalidOraclePrice, "no price update at %s", oracle.Short())
		}
		if x.now-p.PublishTime > int64(protocol.MaxPriceAge.Seconds()) {
			return 0, ledgerErr(protocol.CodePriceTooOld, "published at %d, now %d", p.PublishTime, x.now)
		}
		return risk.NormalizeOraclePrice(p.Price, p.Expo)
	default:
		return c.Pricing.CurrentPrice, nil
	}
}

// === Handlers ===

func (x *execCtx) initialize(a instruction.InitializeArgs) error {
	if err := x.signer("admin"); err != nil {
		return err
	}
	bump, err := x.seeds("perpetuals", address.KindRegistry)
	if err != nil {
		return err
	}
	if err := x.uninitialized("perpetuals"); err != nil {
		return err
	}
	if err := x.program("system_program", address.SystemProgramID); err != nil {
		return err
	}
	if len(a.Admins) > protocol.MaxAdmins {
		return ledgerErr(protocol.CodeAccountDidNotSerialize, "%d admins exceed %d", len(a.Admins), protocol.MaxAdmins)
	}

	reg := &account.Registry{
		AdminAuthority: x.key("admin"),
		MinSignatures:  a.MinSignatures,
		Admins:         a.Admins,
		Pools:          []address.Pubkey{},
		Permissions:    account.AllowAll(),
		Bump:           bump,
	}
	return x.s.store(x.key("perpetuals"), reg)
}

func (x *execCtx) addPool(a instruction.AddPoolArgs) error {
	if err := x.signer("authority"); err != nil {
		return err
	}
	poolBump, err := x.seeds("pool", address.KindPool, []byte(a.Name))
	if err != nil {
		return err
	}
	if err := x.uninitialized("pool"); err != nil {
		return err
	}
	poolID := x.key("pool")
	lpBump, err := x.seeds("lp_token_mint", address.KindLPTokenMint, poolID.Bytes())
	if err != nil {
		return err
	}
	if err := x.uninitialized("lp_token_mint"); err != nil {
		return err
	}
	reg, err := x.registry()
	if err != nil {
		return err
	}
	if err := adminConstraint(reg, x.key("authority")); err != nil {
		return err
	}
	if err := x.program("token_program", address.TokenProgramID); err != nil {
		return err
	}
	if err := x.program("system_program", address.SystemProgramID); err != nil {
		return err
	}

	if len(a.Name) > protocol.MaxPoolNameLen {
		return ledgerErr(protocol.CodeInvalidPoolName, "name is %d bytes", len(a.Name))
	}
	if len(reg.Pools) >= protocol.MaxPools {
		return ledgerErr(protocol.CodeAccountDidNotSerialize, "registry holds %d pools", len(reg.Pools))
	}

	pool := &account.Pool{
		Name:          a.Name,
		Custodies:     []address.Pubkey{},
		Bump:          poolBump,
		LPTokenBump:   lpBump,
		InceptionTime: x.now,
	}
	if err := x.s.store(poolID, pool); err != nil {
		return err
	}
	x.s.state.tokens.CreateMint(x.key("lp_token_mint"), protocol.LPTokenDecimals, poolID)

	reg.Pools = append(reg.Pools, poolID)
	x.logf("pool %q created", a.Name)
	return x.s.store(x.key("perpetuals"), reg)
}

func (x *execCtx) addCustody(a instruction.AddCustodyArgs) error {
	if err := x.signer("authority"); err != nil {
		return err
	}
	poolID, mintID := x.key("pool"), x.key("custody_token_mint")
	custodyBump, err := x.seeds("custody", address.KindCustody, poolID.Bytes(), mintID.Bytes())
	if err != nil {
		return err
	}
	if err := x.uninitialized("custody"); err != nil {
		return err
	}
	mint, err := x.mint("custody_token_mint")
	if err != nil {
		return err
	}
	pool, err := x.pool()
	if err != nil {
		return err
	}
	reg, err := x.registry()
	if err != nil {
		return err
	}
	if err := adminConstraint(reg, x.key("authority")); err != nil {
		return err
	}
	tokenBump, err := x.seeds("custody_token_account", address.KindCustodyTokenAccount, poolID.Bytes(), mintID.Bytes())
	if err != nil {
		return err
	}
	if err := x.uninitialized("custody_token_account"); err != nil {
		return err
	}
	if err := x.program("system_program", address.SystemProgramID); err != nil {
		return err
	}
	if err := x.program("token_program", address.TokenProgramID); err != nil {
		return err
	}

	if a.InitialPrice == 0 {
		return ledgerErr(protocol.CodeInvalidPrice, "initial price is zero")
	}
	if len(pool.Custodies) >= protocol.MaxCustodies {
		return ledgerErr(protocol.CodeAccountDidNotSerialize, "pool holds %d custodies", len(pool.Custodies))
	}

	custodyID := x.key("custody")
	custody := newCustody(poolID, mintID, mint.Decimals, a, x.now)
	custody.Bump = custodyBump
	custody.TokenAccountBump = tokenBump
	if err := x.s.store(custodyID, custody); err != nil {
		return err
	}
	x.s.state.tokens.CreateAccount(x.key("custody_token_account"), mintID, custodyID)

	pool.Custodies = append(pool.Custodies, custodyID)
	return x.s.store(poolID, pool)
}

// newCustody applies the program's default pricing, fee and borrow
// parameters.
func newCustody(pool, mint address.Pubkey, decimals uint8, a instruction.AddCustodyArgs, now int64) *account.Custody {
	return &account.Custody{
		Pool:       pool,
		Mint:       mint,
		Decimals:   decimals,
		IsStable:   a.IsStable,
		OracleType: a.OracleType,
		Pricing: account.PricingParams{
			UseEMA:                true,
			UseUnrealizedPnLInAum: true,
			TradeSpreadLong:       protocol.DefaultTradeSpreadBps,
			TradeSpreadShort:      protocol.DefaultTradeSpreadBps,
			SwapSpread:            protocol.DefaultSwapSpreadBps,
			MaxLeverage:           protocol.DefaultCustodyLeverage,
			MaxGlobalShortSizeUSD: protocol.DefaultMaxGlobalSize,
			MaxGlobalLongSizeUSD:  protocol.DefaultMaxGlobalSize,
			CurrentPrice:          a.InitialPrice,
			EMAPrice:              a.InitialPrice,
			LastUpdateTime:        now,
		},
		Fees: account.Fees{
			SwapIn:          protocol.DefaultSwapFeeBps,
			SwapOut:         protocol.DefaultSwapFeeBps,
			StableSwapIn:    protocol.DefaultStableSwapFeeBps,
			StableSwapOut:   protocol.DefaultStableSwapFeeBps,
			AddLiquidity:    protocol.DefaultAddLiquidityFee,
			RemoveLiquidity: protocol.DefaultRemoveLiquidityFee,
			OpenPosition:    protocol.DefaultOpenPositionFee,
			ClosePosition:   protocol.DefaultClosePositionFee,
			Liquidation:     protocol.DefaultLiquidationFee,
			ProtocolShare:   protocol.DefaultProtocolShare,
		},
		BorrowRate: account.BorrowRateParams{
			BaseRate:           protocol.DefaultBorrowBaseRate,
			Slope1:             protocol.DefaultBorrowSlope1,
			Slope2:             protocol.DefaultBorrowSlope2,
			OptimalUtilization: protocol.DefaultOptimalUtilization,
		},
	}
}

func (x *execCtx) updatePrice(a instruction.UpdatePriceArgs) error {
	if err := x.signer("authority"); err != nil {
		return err
	}
	custody, err := x.custody("mint")
	if err != nil {
		return err
	}
	if _, err := x.pool(); err != nil {
		return err
	}
	if _, err := x.mint("mint"); err != nil {
		return err
	}
	reg, err := x.registry()
	if err != nil {
		return err
	}
	if err := adminConstraint(reg, x.key("authority")); err != nil {
		return err
	}

	if a.NewPrice == 0 {
		return ledgerErr(protocol.CodeInvalidPrice, "new price is zero")
	}
	p := &custody.Pricing
	p.EMAPrice = risk.NextEMA(p.EMAPrice, a.NewPrice, x.now-p.LastUpdateTime)
	p.CurrentPrice = a.NewPrice
	p.LastUpdateTime = x.now
	return x.s.store(x.key("custody"), custody)
}

// liquidityAccounts validates the accounts shared by add and remove
// liquidity.
func (x *execCtx) liquidityAccounts() (*account.Registry, *account.Pool, *account.Custody, error) {
	if err := x.signer("owner"); err != nil {
		return nil, nil, nil, err
	}
	reg, err := x.registry()
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := x.pool()
	if err != nil {
		return nil, nil, nil, err
	}
	custody, err := x.custody("custody_token_mint")
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := x.mint("custody_token_mint"); err != nil {
		return nil, nil, nil, err
	}
	if _, err := x.seeds("lp_token_mint", address.KindLPTokenMint, x.key("pool").Bytes()); err != nil {
		return nil, nil, nil, err
	}
	return reg, pool, custody, nil
}

func (x *execCtx) tokenAccount(name, mintRole string) error {
	_, err := x.s.state.tokens.checkedAccount(x.key(name), x.key(mintRole), x.key("owner"))
	return err
}

func (x *execCtx) addLiquidity(a instruction.AddLiquidityArgs) error {
	reg, pool, custody, err := x.liquidityAccounts()
	if err != nil {
		return err
	}
	if err := x.tokenAccount("funding_account", "custody_token_mint"); err != nil {
		return err
	}
	if err := x.tokenAccount("lp_token_account", "lp_token_mint"); err != nil {
		return err
	}
	if err := x.custodyTokenAccount("custody_token_mint"); err != nil {
		return err
	}
	if err := x.program("token_program", address.TokenProgramID); err != nil {
		return err
	}

	if a.AmountIn == 0 {
		return ledgerErr(protocol.CodeInvalidAmount, "amount_in is zero")
	}
	if !reg.Permissions.AllowAddLiquidity {
		return ledgerErr(protocol.CodeActionNotAllowed, "add liquidity disabled")
	}

	tokens := x.s.state.tokens
	lpMint, _ := tokens.Mint(x.key("lp_token_mint"))
	poolValue := risk.PoolValue([]*account.Custody{custody})
	lpOut, err := risk.LPTokensOut(a.AmountIn, lpMint.Supply, poolValue)
	if err != nil {
		return err
	}
	if lpOut < a.MinLPAmountOut {
		return ledgerErr(protocol.CodeSlippageExceeded, "lp out %d below minimum %d", lpOut, a.MinLPAmountOut)
	}
	fee := risk.AddLiquidityFee(a.AmountIn, custody.Fees)

	if err := tokens.Transfer(x.key("custody_token_mint"), x.key("funding_account"),
		x.key("custody_token_account"), x.key("owner"), a.AmountIn); err != nil {
		return err
	}
	if err := tokens.MintTo(x.key("lp_token_mint"), x.key("lp_token_account"), lpOut); err != nil {
		return err
	}

	custody.Assets.Owned += a.AmountIn - fee
	custody.Assets.ProtocolFees += fee
	custody.VolumeStats.AddLiquidityUSD = custody.VolumeStats.AddLiquidityUSD.AddUint64(a.AmountIn)
	if err := x.s.store(x.key("custody"), custody); err != nil {
		return err
	}
	x.logf("minted %d lp for %d in", lpOut, a.AmountIn)
	return x.refreshAUM(pool)
}

func (x *execCtx) removeLiquidity(a instruction.RemoveLiquidityArgs) error {
	reg, pool, custody, err := x.liquidityAccounts()
	if err != nil {
		return err
	}
	if err := x.tokenAccount("lp_token_account", "lp_token_mint"); err != nil {
		return err
	}
	if err := x.tokenAccount("receiving_account", "custody_token_mint"); err != nil {
		return err
	}
	if err := x.custodyTokenAccount("custody_token_mint"); err != nil {
		return err
	}
	if err := x.program("token_program", address.TokenProgramID); err != nil {
		return err
	}

	if a.LPAmountIn == 0 {
		return ledgerErr(protocol.CodeInvalidAmount, "lp_amount_in is zero")
	}
	if !reg.Permissions.AllowRemoveLiquidity {
		return ledgerErr(protocol.CodeActionNotAllowed, "remove liquidity disabled")
	}

	tokens := x.s.state.tokens
	lpMint, _ := tokens.Mint(x.key("lp_token_mint"))
	w, err := risk.RemoveAmountOut(a.LPAmountIn, custody.Assets.Owned, lpMint.Supply, custody.Fees)
	if err != nil {
		return err
	}
	if w.Net < a.MinAmountOut {
		return ledgerErr(protocol.CodeSlippageExceeded, "amount out %d below minimum %d", w.Net, a.MinAmountOut)
	}
	if w.Gross > custody.Assets.Owned-custody.Assets.Locked {
		return ledgerErr(protocol.CodeInsufficientLiquidity, "withdraw %d, unlocked %d",
			w.Gross, custody.Assets.Owned-custody.Assets.Locked)
	}

	if err := tokens.Burn(x.key("lp_token_mint"), x.key("lp_token_account"), x.key("owner"), a.LPAmountIn); err != nil {
		return err
	}
	if err := tokens.Transfer(x.key("custody_token_mint"), x.key("custody_token_account"),
		x.key("receiving_account"), address.Pubkey{}, w.Net); err != nil {
		return err
	}

	custody.Assets.Owned -= w.Gross
	custody.Assets.ProtocolFees += w.Fee
	custody.VolumeStats.RemoveLiquidityUSD = custody.VolumeStats.RemoveLiquidityUSD.AddUint64(w.Gross)
	if err := x.s.store(x.key("custody"), custody); err != nil {
		return err
	}
	return x.refreshAUM(pool)
}

// refreshAUM recomputes the pool's value from its stored custodies.
func (x *execCtx) refreshAUM(pool *account.Pool) error {
	custodies := make([]*account.Custody, 0, len(pool.Custodies))
	for _, id := range pool.Custodies {
		e, err := x.s.loadEntity(id, account.KindCustody)
		if err != nil {
			return err
		}
		custodies = append(custodies, e.(*account.Custody))
	}
	if len(custodies) == 0 {
		pool.AumUSD = 0
	} else {
		pool.AumUSD = risk.PoolValue(custodies)
	}
	return x.s.store(x.key("pool"), pool)
}

func (x *execCtx) openPosition(a instruction.OpenPositionArgs) error {
	if err := x.signer("owner"); err != nil {
		return err
	}
	owner := x.key("owner")
	bump, err := x.seeds("position", address.KindPosition, owner.Bytes(), x.key("pool").Bytes(), x.key("custody").Bytes())
	if err != nil {
		return err
	}
	if err := x.uninitialized("position"); err != nil {
		return err
	}
	reg, err := x.registry()
	if err != nil {
		return err
	}
	if _, err := x.pool(); err != nil {
		return err
	}
	custody, err := x.custody("mint")
	if err != nil {
		return err
	}
	if _, err := x.mint("mint"); err != nil {
		return err
	}
	if err := x.custodyTokenAccount("mint"); err != nil {
		return err
	}
	if err := x.program("system_program", address.SystemProgramID); err != nil {
		return err
	}

	if a.Leverage == 0 || a.Leverage > protocol.MaxLeverage {
		return ledgerErr(protocol.CodeInvalidLeverage, "leverage %d outside 1..%d", a.Leverage, protocol.MaxLeverage)
	}
	if a.CollateralAmount < protocol.MinCollateral {
		return ledgerErr(protocol.CodeInvalidCollateralAmount, "collateral %d below %d", a.CollateralAmount, protocol.MinCollateral)
	}
	if !reg.Permissions.AllowOpenPosition {
		return ledgerErr(protocol.CodeActionNotAllowed, "open position disabled")
	}
	price, err := x.oraclePrice(custody)
	if err != nil {
		return err
	}
	if (a.Side == account.SideLong && price > a.AcceptablePrice) ||
		(a.Side == account.SideShort && price < a.AcceptablePrice) {
		return ledgerErr(protocol.CodePriceSlippageExceeded, "price %d, acceptable %d", price, a.AcceptablePrice)
	}

	size, err := risk.SizeUSD(a.CollateralAmount, price, custody.Decimals, a.Leverage)
	if err != nil {
		return err
	}
	feeTokens := risk.SizeInTokens(risk.OpenFee(size, custody.Fees), price, custody.Decimals)
	lock := risk.SizeInTokens(size, price, custody.Decimals)
	if lock > custody.Assets.Owned-custody.Assets.Locked {
		return ledgerErr(protocol.CodeInsufficientLiquidity, "lock %d, unlocked %d",
			lock, custody.Assets.Owned-custody.Assets.Locked)
	}
	if err := x.s.state.tokens.Deposit(owner, x.key("custody_token_account"), a.CollateralAmount+feeTokens); err != nil {
		return err
	}

	custody.Assets.Collateral += a.CollateralAmount
	custody.Assets.ProtocolFees += feeTokens
	custody.Assets.Locked += lock
	if a.Side == account.SideLong {
		custody.TradeStats.OILongUSD += size
	} else {
		custody.TradeStats.OIShortUSD += size
	}
	custody.VolumeStats.OpenPositionUSD = custody.VolumeStats.OpenPositionUSD.AddUint64(size)
	if err := x.s.store(x.key("custody"), custody); err != nil {
		return err
	}

	pos := &account.Position{
		Owner:            owner,
		Pool:             x.key("pool"),
		Custody:          x.key("custody"),
		Side:             a.Side,
		CollateralAmount: a.CollateralAmount,
		Leverage:         a.Leverage,
		SizeUSD:          size,
		EntryPrice:       price,
		EntryTimestamp:   x.now,
		Bump:             bump,
	}
	if err := x.s.store(x.key("position"), pos); err != nil {
		return err
	}
	if err := x.s.state.tokens.Charge(owner, x.s.state.accounts[x.key("position")].lamports); err != nil {
		return err
	}
	x.logf("opened %s size %d at %d", a.Side, size, price)
	return nil
}

// release frees the liquidity and open interest held by pos.
func release(c *account.Custody, pos *account.Position) {
	lock := risk.SizeInTokens(pos.SizeUSD, pos.EntryPrice, c.Decimals)
	c.Assets.Locked = subFloor(c.Assets.Locked, lock)
	c.Assets.Collateral = subFloor(c.Assets.Collateral, pos.CollateralAmount)
	if pos.Side == account.SideLong {
		c.TradeStats.OILongUSD = subFloor(c.TradeStats.OILongUSD, pos.SizeUSD)
	} else {
		c.TradeStats.OIShortUSD = subFloor(c.TradeStats.OIShortUSD, pos.SizeUSD)
	}
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// tradingAccounts validates the accounts shared by close and liquidate once
// the position is loaded.
func (x *execCtx) tradingAccounts() (*account.Custody, error) {
	if _, err := x.pool(); err != nil {
		return nil, err
	}
	custody, err := x.custody("mint")
	if err != nil {
		return nil, err
	}
	if _, err := x.mint("mint"); err != nil {
		return nil, err
	}
	if err := x.custodyTokenAccount("mint"); err != nil {
		return nil, err
	}
	return custody, nil
}

func (x *execCtx) closePosition() error {
	if err := x.signer("owner"); err != nil {
		return err
	}
	owner := x.key("owner")
	pos, err := x.position()
	if err != nil {
		return err
	}
	if pos.Owner != owner {
		return ledgerErr(protocol.CodeConstraintHasOne, "position owned by %s", pos.Owner.Short())
	}
	if err := x.positionSeeds(owner); err != nil {
		return err
	}
	reg, err := x.registry()
	if err != nil {
		return err
	}
	custody, err := x.tradingAccounts()
	if err != nil {
		return err
	}

	if !reg.Permissions.AllowClosePosition {
		return ledgerErr(protocol.CodeActionNotAllowed, "close position disabled")
	}
	price, err := x.oraclePrice(custody)
	if err != nil {
		return err
	}
	pnl, err := risk.UnrealizedPnL(pos, price)
	if err != nil {
		return err
	}

	dec := custody.Decimals
	gross := pos.CollateralAmount
	if pnl >= 0 {
		gross += risk.SizeInTokens(uint64(pnl), price, dec)
	} else {
		gross = subFloor(gross, risk.SizeInTokens(uint64(-pnl), price, dec))
	}
	fee := risk.SizeInTokens(risk.CloseFee(pos.SizeUSD, custody.Fees), price, dec)
	if fee > gross {
		fee = gross
	}
	net := gross - fee

	release(custody, pos)
	// Payouts come from the position's collateral plus unlocked liquidity.
	available := custody.Assets.Owned - custody.Assets.Locked + pos.CollateralAmount
	if fee > available {
		fee = available
	}
	if net > available-fee {
		net = available - fee
	}
	custody.Assets.Owned = custody.Assets.Owned + pos.CollateralAmount - net - fee
	custody.Assets.ProtocolFees += fee
	custody.VolumeStats.ClosePositionUSD = custody.VolumeStats.ClosePositionUSD.AddUint64(pos.SizeUSD)

	if err := x.s.state.tokens.Withdraw(x.key("custody_token_account"), owner, net); err != nil {
		return err
	}
	if err := x.s.store(x.key("custody"), custody); err != nil {
		return err
	}
	x.logf("closed at %d pnl %d paid %d", price, pnl, net)
	x.s.close(x.key("position"), owner)
	return nil
}

func (x *execCtx) updatePosition() error {
	pos, err := x.position()
	if err != nil {
		return err
	}
	if err := x.positionSeeds(pos.Owner); err != nil {
		return err
	}
	if _, err := x.pool(); err != nil {
		return err
	}
	custody, err := x.custody("mint")
	if err != nil {
		return err
	}
	if _, err := x.mint("mint"); err != nil {
		return err
	}

	price, err := x.oraclePrice(custody)
	if err != nil {
		return err
	}
	pnl, err := risk.UnrealizedPnL(pos, price)
	if err != nil {
		return err
	}
	pos.UnrealizedPnL = pnl
	return x.s.store(x.key("position"), pos)
}

func (x *execCtx) liquidatePosition() error {
	if err := x.signer("liquidator"); err != nil {
		return err
	}
	pos, err := x.position()
	if err != nil {
		return err
	}
	if err := x.positionSeeds(pos.Owner); err != nil {
		return err
	}
	custody, err := x.tradingAccounts()
	if err != nil {
		return err
	}

	price, err := x.oraclePrice(custody)
	if err != nil {
		return err
	}
	if !risk.IsLiquidatableAt(pos, custody, price, x.s.thresholdBps) {
		return ledgerErr(protocol.CodePositionNotLiquidatable, "price %d", price)
	}
	pnl, err := risk.UnrealizedPnL(pos, price)
	if err != nil {
		return err
	}

	dec := custody.Decimals
	remaining := pos.CollateralAmount
	if pnl < 0 {
		remaining = subFloor(remaining, risk.SizeInTokens(uint64(-pnl), price, dec))
	}
	reward := risk.LiquidationFee(remaining, risk.SizeInTokens(pos.SizeUSD, price, dec), custody.Fees)
	toOwner := remaining - reward

	release(custody, pos)
	custody.Assets.Owned += pos.CollateralAmount - remaining
	custody.VolumeStats.LiquidationUSD = custody.VolumeStats.LiquidationUSD.AddUint64(pos.SizeUSD)

	tokens := x.s.state.tokens
	if err := tokens.Withdraw(x.key("custody_token_account"), x.key("liquidator"), reward); err != nil {
		return err
	}
	if err := tokens.Withdraw(x.key("custody_token_account"), x.key("position_owner"), toOwner); err != nil {
		return err
	}
	if err := x.s.store(x.key("custody"), custody); err != nil {
		return err
	}
	x.logf("liquidated at %d reward %d", price, reward)
	x.s.close(x.key("position"), x.key("liquidator"))
	return nil
}

// camel turns a snake_case instruction name into the program's log form.
func camel(snake string) string {
	parts := strings.Split(snake, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

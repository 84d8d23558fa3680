package instruction_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/protocol"
)

func key(b byte) address.Pubkey {
	var pk address.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

var (
	admin    = key(0x01)
	mint     = key(0x07)
	owner    = key(0x09)
	funding  = key(0x0b)
	lpTokens = key(0x0c)
)

// fakeState serves a fixed registry and pools.
type fakeState struct {
	registry *account.Registry
	pools    map[address.Pubkey]*account.Pool
	err      error
}

func (f *fakeState) Registry(context.Context) (*account.Registry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.registry == nil {
		return nil, protocol.ErrNotFound
	}
	return f.registry, nil
}

func (f *fakeState) Pool(_ context.Context, id address.Pubkey) (*account.Pool, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.pools[id]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return p, nil
}

func newBuilder(t *testing.T, state instruction.StateReader) (*instruction.Builder, address.Pubkey) {
	t.Helper()
	d := address.NewDeriver(address.DefaultProgramID)
	pool, err := d.Pool("alpha")
	if err != nil {
		t.Fatal(err)
	}
	return instruction.NewBuilder(d, state), pool
}

// layout renders accounts as "name:flags" where flags are w and s.
func layout(ix *instruction.Instruction) string {
	parts := make([]string, 0, len(ix.Accounts))
	for _, m := range ix.Accounts {
		flags := ""
		if m.Writable {
			flags += "w"
		}
		if m.Signer {
			flags += "s"
		}
		parts = append(parts, m.Name+":"+flags)
	}
	return strings.Join(parts, " ")
}

func mustBuild(t *testing.T) func(*instruction.Instruction, error) *instruction.Instruction {
	return func(ix *instruction.Instruction, err error) *instruction.Instruction {
		t.Helper()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return ix
	}
}

func requireCode(t *testing.T, err error, code protocol.ErrorCode) {
	t.Helper()
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("expected local validation error, got %v", err)
	}
	if !protocol.HasCode(err, code) {
		t.Fatalf("expected code %s, got %v", code, err)
	}
}

// ============================================================================
// Test: discriminators
// ============================================================================

func TestDiscriminators_MatchIDL(t *testing.T) {
	want := map[instruction.Op][8]byte{
		instruction.OpInitialize:        {175, 175, 109, 31, 13, 152, 155, 237},
		instruction.OpAddPool:           {115, 230, 212, 211, 175, 49, 39, 169},
		instruction.OpAddCustody:        {247, 254, 126, 17, 26, 6, 215, 117},
		instruction.OpUpdatePrice:       {61, 34, 117, 155, 75, 34, 123, 208},
		instruction.OpAddLiquidity:      {181, 157, 89, 67, 143, 182, 52, 72},
		instruction.OpRemoveLiquidity:   {80, 85, 209, 72, 24, 206, 177, 108},
		instruction.OpOpenPosition:      {135, 128, 47, 77, 15, 152, 240, 49},
		instruction.OpClosePosition:     {123, 134, 81, 0, 49, 68, 98, 98},
		instruction.OpLiquidatePosition: {187, 74, 229, 149, 102, 81, 221, 68},
		instruction.OpUpdatePosition:    {102, 75, 42, 126, 57, 196, 156, 9},
	}
	if len(want) != len(instruction.Ops) {
		t.Fatalf("op count: %d", len(instruction.Ops))
	}
	for op, d := range want {
		if got := op.Discriminator(); got != d {
			t.Errorf("%s: got %v, want %v", op, got, d)
		}
	}
}

func TestParseOp(t *testing.T) {
	for _, s := range []string{"open_position", "OpenPosition", "open-position"} {
		op, err := instruction.ParseOp(s)
		if err != nil || op != instruction.OpOpenPosition {
			t.Errorf("%q: got %v %v", s, op, err)
		}
	}
	if _, err := instruction.ParseOp("swap"); err == nil {
		t.Error("swap is not an instruction")
	}
}

// ============================================================================
// Test: account layouts
// ============================================================================

func TestLayouts(t *testing.T) {
	ctx := context.Background()
	d := address.NewDeriver(address.DefaultProgramID)
	pool, _ := d.Pool("alpha")
	custody, _ := d.Custody(pool, mint)
	state := &fakeState{
		registry: &account.Registry{AdminAuthority: admin},
		pools:    map[address.Pubkey]*account.Pool{pool: {Name: "alpha"}},
	}
	b := instruction.NewBuilder(d, state)
	target := instruction.PositionTarget{Owner: owner, Pool: pool, Mint: mint}

	cases := []struct {
		name  string
		build func() (*instruction.Instruction, error)
		want  string
	}{
		{"initialize", func() (*instruction.Instruction, error) {
			return b.Initialize(instruction.InitializeParams{Admin: admin, MinSignatures: 1, Admins: []address.Pubkey{admin}})
		}, "admin:ws perpetuals:w system_program:"},
		{"add_pool", func() (*instruction.Instruction, error) {
			return b.AddPool(instruction.AddPoolParams{Authority: admin, Name: "alpha"})
		}, "authority:ws pool:w lp_token_mint:w perpetuals:w token_program: system_program:"},
		{"add_custody", func() (*instruction.Instruction, error) {
			return b.AddCustody(ctx, instruction.AddCustodyParams{Authority: admin, Pool: pool, Mint: mint, OracleType: account.OracleNone, InitialPrice: 50_000000})
		}, "authority:ws custody:w custody_token_mint: pool:w perpetuals: custody_token_account:w system_program: token_program:"},
		{"update_price", func() (*instruction.Instruction, error) {
			return b.UpdatePrice(ctx, instruction.UpdatePriceParams{Authority: admin, Pool: pool, Mint: mint, NewPrice: 55_000000})
		}, "authority:ws custody:w pool: mint: perpetuals:"},
		{"add_liquidity", func() (*instruction.Instruction, error) {
			return b.AddLiquidity(instruction.AddLiquidityParams{Owner: owner, Pool: pool, Mint: mint, FundingAccount: funding, LPTokenAccount: lpTokens, AmountIn: 1})
		}, "owner:ws perpetuals: pool: custody:w custody_token_mint: lp_token_mint:w funding_account:w lp_token_account:w custody_token_account:w token_program:"},
		{"remove_liquidity", func() (*instruction.Instruction, error) {
			return b.RemoveLiquidity(instruction.RemoveLiquidityParams{Owner: owner, Pool: pool, Mint: mint, LPTokenAccount: lpTokens, ReceivingAccount: funding, LPAmountIn: 1})
		}, "owner:ws perpetuals: pool: custody:w custody_token_mint: lp_token_mint:w lp_token_account:w receiving_account:w custody_token_account:w token_program:"},
		{"open_position", func() (*instruction.Instruction, error) {
			return b.OpenPosition(instruction.OpenPositionParams{PositionTarget: target, Side: account.SideLong, CollateralAmount: protocol.MinCollateral, Leverage: 500, AcceptablePrice: 60_000000})
		}, "owner:ws position:w perpetuals: pool: custody:w mint: custody_token_account:w oracle_account: system_program:"},
		{"close_position", func() (*instruction.Instruction, error) {
			return b.ClosePosition(instruction.ClosePositionParams{PositionTarget: target})
		}, "owner:ws position:w perpetuals: pool: custody:w mint: custody_token_account:w oracle_account:"},
		{"update_position", func() (*instruction.Instruction, error) {
			return b.UpdatePosition(instruction.UpdatePositionParams{PositionTarget: target})
		}, "position:w pool: custody: mint: oracle_account:"},
		{"liquidate_position", func() (*instruction.Instruction, error) {
			return b.LiquidatePosition(instruction.LiquidatePositionParams{PositionTarget: target, Liquidator: admin})
		}, "liquidator:ws position_owner:w position:w pool: custody:w mint: custody_token_account:w oracle_account:"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ix := mustBuild(t)(tc.build())
			if got := layout(ix); got != tc.want {
				t.Errorf("layout:\n got  %s\n want %s", got, tc.want)
			}
			if ix.Op.String() != tc.name {
				t.Errorf("op: got %s", ix.Op)
			}
			if ix.ProgramID != address.DefaultProgramID {
				t.Error("wrong program id")
			}
		})
	}

	// The oracle falls back to the custody id.
	ix := mustBuild(t)(b.ClosePosition(instruction.ClosePositionParams{PositionTarget: target}))
	if m, _ := ix.Account("oracle_account"); m.Key != custody {
		t.Errorf("oracle placeholder: got %s", m.Key)
	}
}

func TestOpenPosition_DerivesPositionAndTouches(t *testing.T) {
	b, pool := newBuilder(t, nil)
	ix := mustBuild(t)(b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget:   instruction.PositionTarget{Owner: owner, Pool: pool, Mint: mint, Oracle: key(0x33)},
		Side:             account.SideShort,
		CollateralAmount: 20_000_000,
		Leverage:         1000,
		AcceptablePrice:  45_000000,
	}))

	d := b.Deriver()
	custody, _ := d.Custody(pool, mint)
	position, _ := d.Position(owner, pool, custody)

	if m, _ := ix.Account("position"); m.Key != position {
		t.Fatalf("position: got %s want %s", m.Key, position)
	}
	if m, _ := ix.Account("oracle_account"); m.Key != key(0x33) {
		t.Errorf("explicit oracle not used")
	}

	want := []account.Ref{{Kind: account.KindPosition, ID: position}, {Kind: account.KindCustody, ID: custody}}
	if len(ix.Touches) != 2 || ix.Touches[0] != want[0] || ix.Touches[1] != want[1] {
		t.Errorf("touches: %v", ix.Touches)
	}
	if len(ix.Creates) != 1 || ix.Creates[0] != want[0] {
		t.Errorf("creates: %v", ix.Creates)
	}
	if signers := ix.Signers(); len(signers) != 1 || signers[0] != owner {
		t.Errorf("signers: %v", signers)
	}
}

// ============================================================================
// Test: argument encoding
// ============================================================================

func TestDecodeData_RoundTrip(t *testing.T) {
	b, pool := newBuilder(t, nil)
	ix := mustBuild(t)(b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget:   instruction.PositionTarget{Owner: owner, Pool: pool, Mint: mint},
		Side:             account.SideShort,
		CollateralAmount: 20_000_000,
		Leverage:         1000,
		AcceptablePrice:  45_000000,
	}))

	// 8 discriminator + 1 side + 3 u64.
	if len(ix.Data) != 8+1+24 {
		t.Fatalf("data length: %d", len(ix.Data))
	}
	op, args, err := instruction.DecodeData(ix.Data)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := args.(instruction.OpenPositionArgs)
	if op != instruction.OpOpenPosition || !ok {
		t.Fatalf("got %s %T", op, args)
	}
	if got.Side != account.SideShort || got.Leverage != 1000 || got.AcceptablePrice != 45_000000 {
		t.Errorf("args: %+v", got)
	}

	closeIx := mustBuild(t)(b.ClosePosition(instruction.ClosePositionParams{
		PositionTarget: instruction.PositionTarget{Owner: owner, Pool: pool, Mint: mint},
	}))
	if len(closeIx.Data) != 8 {
		t.Errorf("close carries no args, got %d bytes", len(closeIx.Data))
	}
}

func TestDecodeData_AddPoolName(t *testing.T) {
	b, _ := newBuilder(t, nil)
	ix := mustBuild(t)(b.AddPool(instruction.AddPoolParams{Authority: admin, Name: "alpha"}))
	_, args, err := instruction.DecodeData(ix.Data)
	if err != nil {
		t.Fatal(err)
	}
	if args.(instruction.AddPoolArgs).Name != "alpha" {
		t.Errorf("name: %+v", args)
	}
	if _, _, err := instruction.DecodeData([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err == nil {
		t.Error("unknown discriminator should fail")
	}
}

// ============================================================================
// Test: local validation
// ============================================================================

func TestOpenPosition_InvalidLeverage(t *testing.T) {
	b, pool := newBuilder(t, nil)
	target := instruction.PositionTarget{Owner: owner, Pool: pool, Mint: mint}

	_, err := b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget: target, Side: account.SideLong, CollateralAmount: protocol.MinCollateral,
		Leverage: 9000, AcceptablePrice: 1,
	})
	requireCode(t, err, protocol.CodeInvalidLeverage)

	_, err = b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget: target, Side: account.SideLong, CollateralAmount: protocol.MinCollateral,
		Leverage: 0, AcceptablePrice: 1,
	})
	requireCode(t, err, protocol.CodeInvalidLeverage)

	// The maximum itself is allowed.
	mustBuild(t)(b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget: target, Side: account.SideLong, CollateralAmount: protocol.MinCollateral,
		Leverage: protocol.MaxLeverage, AcceptablePrice: 1,
	}))
}

func TestOpenPosition_OtherChecks(t *testing.T) {
	b, pool := newBuilder(t, nil)
	target := instruction.PositionTarget{Owner: owner, Pool: pool, Mint: mint}

	_, err := b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget: target, Side: account.SideLong, CollateralAmount: protocol.MinCollateral - 1,
		Leverage: 100, AcceptablePrice: 1,
	})
	requireCode(t, err, protocol.CodeInvalidCollateralAmount)

	_, err = b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget: target, Side: account.Side(2), CollateralAmount: protocol.MinCollateral,
		Leverage: 100, AcceptablePrice: 1,
	})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("side: got %v", err)
	}

	_, err = b.OpenPosition(instruction.OpenPositionParams{
		PositionTarget: instruction.PositionTarget{Pool: pool, Mint: mint}, Side: account.SideLong,
		CollateralAmount: protocol.MinCollateral, Leverage: 100, AcceptablePrice: 1,
	})
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) || ve.Field != "owner" {
		t.Fatalf("missing owner: got %v", err)
	}
}

func TestInitialize_Threshold(t *testing.T) {
	b, _ := newBuilder(t, nil)
	admins := []address.Pubkey{key(1), key(2)}

	for _, n := range []uint8{0, 3} {
		_, err := b.Initialize(instruction.InitializeParams{Admin: admin, MinSignatures: n, Admins: admins})
		if !errors.Is(err, protocol.ErrValidation) {
			t.Errorf("threshold %d: got %v", n, err)
		}
	}
	mustBuild(t)(b.Initialize(instruction.InitializeParams{Admin: admin, MinSignatures: 2, Admins: admins}))

	tooMany := make([]address.Pubkey, protocol.MaxAdmins+1)
	for i := range tooMany {
		tooMany[i] = key(byte(i + 1))
	}
	if _, err := b.Initialize(instruction.InitializeParams{Admin: admin, MinSignatures: 1, Admins: tooMany}); err == nil {
		t.Error("expected admin limit error")
	}
}

func TestAddPool_NameLimits(t *testing.T) {
	b, _ := newBuilder(t, nil)

	_, err := b.AddPool(instruction.AddPoolParams{Authority: admin, Name: strings.Repeat("n", 65)})
	requireCode(t, err, protocol.CodeInvalidPoolName)

	_, err = b.AddPool(instruction.AddPoolParams{Authority: admin, Name: ""})
	requireCode(t, err, protocol.CodeInvalidPoolName)

	// Within the program limit but too long for a single derivation seed.
	_, err = b.AddPool(instruction.AddPoolParams{Authority: admin, Name: strings.Repeat("n", 40)})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("expected seed validation error, got %v", err)
	}
}

func TestAddCustody_DuplicateAssetRejected(t *testing.T) {
	d := address.NewDeriver(address.DefaultProgramID)
	pool, _ := d.Pool("alpha")
	custody, _ := d.Custody(pool, mint)
	state := &fakeState{pools: map[address.Pubkey]*account.Pool{
		pool: {Name: "alpha", Custodies: []address.Pubkey{custody}},
	}}
	b := instruction.NewBuilder(d, state)

	_, err := b.AddCustody(context.Background(), instruction.AddCustodyParams{
		Authority: admin, Pool: pool, Mint: mint, InitialPrice: 50_000000,
	})
	requireCode(t, err, protocol.CodeAccountAlreadyInUse)

	// Another asset in the same pool is fine.
	mustBuild(t)(b.AddCustody(context.Background(), instruction.AddCustodyParams{
		Authority: admin, Pool: pool, Mint: key(0x08), InitialPrice: 1,
	}))
}

func TestAddCustody_UnknownPoolAndZeroPrice(t *testing.T) {
	d := address.NewDeriver(address.DefaultProgramID)
	pool, _ := d.Pool("alpha")
	b := instruction.NewBuilder(d, &fakeState{})

	_, err := b.AddCustody(context.Background(), instruction.AddCustodyParams{
		Authority: admin, Pool: pool, Mint: mint, InitialPrice: 0,
	})
	requireCode(t, err, protocol.CodeInvalidPrice)

	_, err = b.AddCustody(context.Background(), instruction.AddCustodyParams{
		Authority: admin, Pool: pool, Mint: mint, InitialPrice: 1,
	})
	requireCode(t, err, protocol.CodeAccountNotInitialized)
}

func TestAddCustody_TransportFailureIsNotValidation(t *testing.T) {
	d := address.NewDeriver(address.DefaultProgramID)
	pool, _ := d.Pool("alpha")
	state := &fakeState{err: &protocol.TransportError{Op: "fetch", Err: errors.New("timeout")}}
	b := instruction.NewBuilder(d, state)

	_, err := b.AddCustody(context.Background(), instruction.AddCustodyParams{
		Authority: admin, Pool: pool, Mint: mint, InitialPrice: 1,
	})
	if errors.Is(err, protocol.ErrValidation) || !protocol.IsRetryable(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}

func TestUpdatePrice_RequiresAdmin(t *testing.T) {
	d := address.NewDeriver(address.DefaultProgramID)
	pool, _ := d.Pool("alpha")
	state := &fakeState{registry: &account.Registry{AdminAuthority: admin, Admins: []address.Pubkey{key(0x02)}}}
	b := instruction.NewBuilder(d, state)
	ctx := context.Background()

	_, err := b.UpdatePrice(ctx, instruction.UpdatePriceParams{Authority: owner, Pool: pool, Mint: mint, NewPrice: 1})
	requireCode(t, err, protocol.CodeConstraintRaw)

	mustBuild(t)(b.UpdatePrice(ctx, instruction.UpdatePriceParams{Authority: key(0x02), Pool: pool, Mint: mint, NewPrice: 1}))

	_, err = b.UpdatePrice(ctx, instruction.UpdatePriceParams{Authority: admin, Pool: pool, Mint: mint, NewPrice: 0})
	requireCode(t, err, protocol.CodeInvalidPrice)
}

func TestLiquidityAmounts(t *testing.T) {
	b, pool := newBuilder(t, nil)
	_, err := b.AddLiquidity(instruction.AddLiquidityParams{Owner: owner, Pool: pool, Mint: mint, FundingAccount: funding, LPTokenAccount: lpTokens})
	requireCode(t, err, protocol.CodeInvalidAmount)

	_, err = b.RemoveLiquidity(instruction.RemoveLiquidityParams{Owner: owner, Pool: pool, Mint: mint, LPTokenAccount: lpTokens, ReceivingAccount: funding})
	requireCode(t, err, protocol.CodeInvalidAmount)

	_, err = b.AddLiquidity(instruction.AddLiquidityParams{Owner: owner, Pool: pool, Mint: mint, LPTokenAccount: lpTokens, AmountIn: 5})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("missing funding account: got %v", err)
	}
}

// ============================================================================
// Test: dispatch and fingerprints
// ============================================================================

func TestBuild_DispatchesPointerParams(t *testing.T) {
	b, pool := newBuilder(t, nil)
	params, err := instruction.NewParams(instruction.OpAddLiquidity)
	if err != nil {
		t.Fatal(err)
	}
	p := params.(*instruction.AddLiquidityParams)
	*p = instruction.AddLiquidityParams{Owner: owner, Pool: pool, Mint: mint, FundingAccount: funding, LPTokenAccount: lpTokens, AmountIn: 10}

	ix := mustBuild(t)(b.Build(context.Background(), params))
	if ix.Op != instruction.OpAddLiquidity {
		t.Errorf("op: %s", ix.Op)
	}
}

func TestFingerprint(t *testing.T) {
	b, pool := newBuilder(t, nil)
	build := func(amount uint64) *instruction.Instruction {
		return mustBuild(t)(b.AddLiquidity(instruction.AddLiquidityParams{
			Owner: owner, Pool: pool, Mint: mint, FundingAccount: funding, LPTokenAccount: lpTokens, AmountIn: amount,
		}))
	}
	if build(10).Fingerprint() != build(10).Fingerprint() {
		t.Error("identical instructions must share a fingerprint")
	}
	if build(10).Fingerprint() == build(11).Fingerprint() {
		t.Error("different args must change the fingerprint")
	}
}

package testutil

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
)

// Decimals of the test custody mint.
const Decimals = 6

// Epoch is the fixed ledger clock of every fixture.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Tokens converts whole tokens into native units of the test mint.
func Tokens(n uint64) uint64 { return n * 1_000_000 }

// Key returns a stable identifier for a name.
func Key(name string) address.Pubkey {
	return address.Pubkey(sha256.Sum256([]byte(name)))
}

// Market is a simulated ledger with well-known participants. Identifiers
// are derived up front; NewMarket also creates the accounts.
type Market struct {
	T       *testing.T
	Ctx     context.Context
	Sim     *ledger.Simulator
	Deriver *address.Deriver
	Builder *instruction.Builder

	Admin, LP, Trader address.Pubkey
	Mint              address.Pubkey

	Registry, Pool, Custody address.Pubkey
	LPMint, CustodyTokens   address.Pubkey
	LPFunding, LPShares     address.Pubkey
}

// NewBareMarket returns a fixture whose ledger holds only the custody mint
// and the participants' funds.
func NewBareMarket(t *testing.T, opts ...ledger.SimulatorOption) *Market {
	t.Helper()
	program := address.DefaultProgramID
	opts = append([]ledger.SimulatorOption{ledger.WithClock(func() time.Time { return Epoch })}, opts...)
	d := address.NewDeriver(program)
	m := &Market{
		T:         t,
		Ctx:       context.Background(),
		Sim:       ledger.NewSimulator(program, opts...),
		Deriver:   d,
		Builder:   instruction.NewBuilder(d, nil),
		Admin:     Key("admin"),
		LP:        Key("lp"),
		Trader:    Key("trader"),
		Mint:      Key("mint"),
		LPFunding: Key("lp-funding"),
		LPShares:  Key("lp-shares"),
	}
	m.Registry = must(t, d.Registry)
	m.Pool = must(t, func() (address.Pubkey, error) { return d.Pool("alpha") })
	m.Custody = must(t, func() (address.Pubkey, error) { return d.Custody(m.Pool, m.Mint) })
	m.LPMint = must(t, func() (address.Pubkey, error) { return d.LPTokenMint(m.Pool) })
	m.CustodyTokens = must(t, func() (address.Pubkey, error) { return d.CustodyTokenAccount(m.Pool, m.Mint) })

	m.Sim.CreateMint(m.Mint, Decimals)
	m.Sim.CreateTokenAccount(m.LPFunding, m.Mint, m.LP)
	if err := m.Sim.FundTokenAccount(m.LPFunding, Tokens(1_000_000)); err != nil {
		t.Fatalf("fund lp: %v", err)
	}
	m.Sim.Airdrop(m.Trader, Tokens(1000))
	return m
}

// NewMarket returns a fixture with pool "alpha", one custody priced at 50
// and 500k tokens of liquidity.
func NewMarket(t *testing.T, opts ...ledger.SimulatorOption) *Market {
	t.Helper()
	m := NewBareMarket(t, opts...)
	for _, p := range m.SetupParams() {
		m.MustExec(p)
		if p.Op() == instruction.OpAddPool {
			m.CreateLPShares()
		}
	}
	m.MustExec(m.AddLiquidityParams(Tokens(500_000)))
	return m
}

// SetupParams lists the admin operations that create the market.
func (m *Market) SetupParams() []instruction.Params {
	return []instruction.Params{
		instruction.InitializeParams{Admin: m.Admin, MinSignatures: 1, Admins: []address.Pubkey{m.Admin}},
		instruction.AddPoolParams{Authority: m.Admin, Name: "alpha"},
		instruction.AddCustodyParams{
			Authority:    m.Admin,
			Pool:         m.Pool,
			Mint:         m.Mint,
			OracleType:   account.OracleNone,
			InitialPrice: 50_000000,
		},
	}
}

// CreateLPShares opens the LP's share account once the pool mint exists.
func (m *Market) CreateLPShares() {
	m.Sim.CreateTokenAccount(m.LPShares, m.LPMint, m.LP)
}

func (m *Market) AddLiquidityParams(amount uint64) instruction.AddLiquidityParams {
	return instruction.AddLiquidityParams{
		Owner:          m.LP,
		Pool:           m.Pool,
		Mint:           m.Mint,
		FundingAccount: m.LPFunding,
		LPTokenAccount: m.LPShares,
		AmountIn:       amount,
	}
}

func (m *Market) Target(owner address.Pubkey) instruction.PositionTarget {
	return instruction.PositionTarget{Owner: owner, Pool: m.Pool, Mint: m.Mint}
}

// OpenParams opens a long for the trader with an acceptable price of 51.
func (m *Market) OpenParams(collateral, leverage uint64) instruction.OpenPositionParams {
	return instruction.OpenPositionParams{
		PositionTarget:   m.Target(m.Trader),
		Side:             account.SideLong,
		CollateralAmount: collateral,
		Leverage:         leverage,
		AcceptablePrice:  51_000000,
	}
}

func (m *Market) PriceParams(price uint64) instruction.UpdatePriceParams {
	return instruction.UpdatePriceParams{Authority: m.Admin, Pool: m.Pool, Mint: m.Mint, NewPrice: price}
}

func (m *Market) PositionID(owner address.Pubkey) address.Pubkey {
	m.T.Helper()
	return must(m.T, func() (address.Pubkey, error) { return m.Deriver.Position(owner, m.Pool, m.Custody) })
}

func (m *Market) Build(p instruction.Params) *instruction.Instruction {
	m.T.Helper()
	ix, err := m.Builder.Build(m.Ctx, p)
	if err != nil {
		m.T.Fatalf("build %s: %v", p.Op(), err)
	}
	return ix
}

// Exec submits straight to the simulator and waits for the outcome.
func (m *Market) Exec(p instruction.Params) (*ledger.Receipt, error) {
	m.T.Helper()
	sig, err := m.Sim.Send(m.Ctx, m.Build(p))
	if err != nil {
		return nil, err
	}
	return m.Sim.Await(m.Ctx, sig)
}

func (m *Market) MustExec(p instruction.Params) *ledger.Receipt {
	m.T.Helper()
	r, err := m.Exec(p)
	if err != nil {
		m.T.Fatalf("%s: %v", p.Op(), err)
	}
	return r
}

func must(t *testing.T, fn func() (address.Pubkey, error)) address.Pubkey {
	t.Helper()
	id, err := fn()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return id
}

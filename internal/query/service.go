package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/cache"
	"PerpClient/internal/orchestrator"
	"PerpClient/internal/persistence"
	"PerpClient/internal/protocol"
	"PerpClient/internal/risk"
)

// ErrUnavailable is returned by history queries when no store is configured.
var ErrUnavailable = errors.New("query: history store not configured")

// StateSource is the typed read side of the account cache.
type StateSource interface {
	RegistryID() address.Pubkey
	Registry(ctx context.Context) (*account.Registry, error)
	Pool(ctx context.Context, id address.Pubkey) (*account.Pool, error)
	Custody(ctx context.Context, id address.Pubkey) (*account.Custody, error)
	Position(ctx context.Context, id address.Pubkey) (*account.Position, error)
	Pools(ctx context.Context) ([]cache.Item[*account.Pool], error)
	Custodies(ctx context.Context) ([]cache.Item[*account.Custody], error)
	Positions(ctx context.Context) ([]cache.Item[*account.Position], error)
	PositionsOf(ctx context.Context, owner address.Pubkey) ([]cache.Item[*account.Position], error)
}

// HistorySource reads the operation journal.
type HistorySource interface {
	Recent(ctx context.Context, f persistence.OperationFilter) ([]orchestrator.Record, error)
	BySignature(ctx context.Context, sig string) (orchestrator.Record, error)
}

// SnapshotSource reads stored account versions.
type SnapshotSource interface {
	History(ctx context.Context, id address.Pubkey, limit int) ([]persistence.Snapshot, error)
}

// Service is the read model: cached accounts marked with the risk engine and
// converted to display decimals. It never writes.
type Service struct {
	state     StateSource
	history   HistorySource
	snapshots SnapshotSource
	params    risk.Params
	now       func() time.Time
}

type Option func(*Service)

func WithHistory(h HistorySource) Option { return func(s *Service) { s.history = h } }

func WithSnapshots(src SnapshotSource) Option { return func(s *Service) { s.snapshots = src } }

func WithParams(p risk.Params) Option { return func(s *Service) { s.params = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(state StateSource, opts ...Option) *Service {
	s := &Service{
		state:  state,
		params: risk.DefaultParams(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Registry(ctx context.Context) (*RegistryView, error) {
	reg, err := s.state.Registry(ctx)
	if err != nil {
		return nil, err
	}
	return &RegistryView{
		ID:             s.state.RegistryID(),
		AdminAuthority: reg.AdminAuthority,
		MinSignatures:  reg.MinSignatures,
		Admins:         reg.Admins,
		Pools:          reg.Pools,
		Permissions:    reg.Permissions,
	}, nil
}

func (s *Service) Pools(ctx context.Context) ([]PoolView, error) {
	pools, err := s.state.Pools(ctx)
	if err != nil {
		return nil, err
	}
	custodies, err := s.custodyIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolView(p.ID, p.Value, custodies))
	}
	return out, nil
}

func (s *Service) Pool(ctx context.Context, id address.Pubkey) (*PoolView, error) {
	pool, err := s.state.Pool(ctx, id)
	if err != nil {
		return nil, err
	}
	custodies := make(map[address.Pubkey]*account.Custody, len(pool.Custodies))
	for _, cid := range pool.Custodies {
		c, err := s.state.Custody(ctx, cid)
		if errors.Is(err, protocol.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		custodies[cid] = c
	}
	v := poolView(id, pool, custodies)
	return &v, nil
}

func poolView(id address.Pubkey, p *account.Pool, custodies map[address.Pubkey]*account.Custody) PoolView {
	members := make([]*account.Custody, 0, len(p.Custodies))
	for _, cid := range p.Custodies {
		if c, ok := custodies[cid]; ok {
			members = append(members, c)
		}
	}
	value := decimal.Zero
	if len(members) > 0 {
		value = USD(risk.PoolValue(members))
	}
	return PoolView{
		ID:            id,
		Name:          p.Name,
		Custodies:     p.Custodies,
		AumUSD:        USD(p.AumUSD),
		ValueUSD:      value,
		InceptionTime: time.Unix(p.InceptionTime, 0).UTC(),
	}
}

func (s *Service) Custodies(ctx context.Context) ([]CustodyView, error) {
	items, err := s.state.Custodies(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	out := make([]CustodyView, 0, len(items))
	for _, c := range items {
		out = append(out, s.custodyView(c.ID, c.Value, now))
	}
	return out, nil
}

func (s *Service) Custody(ctx context.Context, id address.Pubkey) (*CustodyView, error) {
	c, err := s.state.Custody(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.custodyView(id, c, s.now().Unix())
	return &v, nil
}

func (s *Service) custodyView(id address.Pubkey, c *account.Custody, now int64) CustodyView {
	return CustodyView{
		ID:          id,
		Pool:        c.Pool,
		Mint:        c.Mint,
		Decimals:    c.Decimals,
		IsStable:    c.IsStable,
		OracleType:  c.OracleType.String(),
		Price:       Price(c.Pricing.CurrentPrice),
		EMAPrice:    Price(c.Pricing.EMAPrice),
		PriceAt:     time.Unix(c.Pricing.LastUpdateTime, 0).UTC(),
		PriceStale:  risk.IsPriceStale(c, now, s.params.MaxPriceAgeSeconds),
		Owned:       Tokens(c.Assets.Owned, c.Decimals),
		Locked:      Tokens(c.Assets.Locked, c.Decimals),
		Collateral:  Tokens(c.Assets.Collateral, c.Decimals),
		Fees:        Tokens(c.Assets.ProtocolFees, c.Decimals),
		ValueUSD:    TokenValue(c.Assets.Owned, c.Pricing.CurrentPrice, c.Decimals),
		Utilization: UnsignedRate(risk.UtilizationRate(c)),
		BorrowRate:  UnsignedRate(risk.BorrowRate(c)),
		OILongUSD:   USD(c.TradeStats.OILongUSD),
		OIShortUSD:  USD(c.TradeStats.OIShortUSD),
		MaxLeverage: Leverage(c.Pricing.MaxLeverage),
		OpenFee:     Bps(c.Fees.OpenPosition),
		CloseFee:    Bps(c.Fees.ClosePosition),
	}
}

func (s *Service) Positions(ctx context.Context) ([]PositionView, error) {
	items, err := s.state.Positions(ctx)
	if err != nil {
		return nil, err
	}
	return s.positionViews(ctx, items)
}

// PositionsOf lists one owner's positions.
func (s *Service) PositionsOf(ctx context.Context, owner address.Pubkey) ([]PositionView, error) {
	items, err := s.state.PositionsOf(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s.positionViews(ctx, items)
}

func (s *Service) Position(ctx context.Context, id address.Pubkey) (*PositionView, error) {
	pos, err := s.state.Position(ctx, id)
	if err != nil {
		return nil, err
	}
	custody, err := s.state.Custody(ctx, pos.Custody)
	if err != nil {
		return nil, fmt.Errorf("position %s custody: %w", id.Short(), err)
	}
	v := s.positionView(id, pos, custody, s.now().Unix())
	return &v, nil
}

func (s *Service) positionViews(ctx context.Context, items []cache.Item[*account.Position]) ([]PositionView, error) {
	custodies := make(map[address.Pubkey]*account.Custody)
	now := s.now().Unix()
	out := make([]PositionView, 0, len(items))
	for _, it := range items {
		c, ok := custodies[it.Value.Custody]
		if !ok {
			var err error
			c, err = s.state.Custody(ctx, it.Value.Custody)
			if err != nil {
				return nil, fmt.Errorf("position %s custody: %w", it.ID.Short(), err)
			}
			custodies[it.Value.Custody] = c
		}
		out = append(out, s.positionView(it.ID, it.Value, c, now))
	}
	return out, nil
}

func (s *Service) positionView(id address.Pubkey, p *account.Position, c *account.Custody, now int64) PositionView {
	v := PositionView{
		ID:                id,
		Owner:             p.Owner,
		Pool:              p.Pool,
		Custody:           p.Custody,
		Side:              p.Side.String(),
		Collateral:        Tokens(p.CollateralAmount, c.Decimals),
		CollateralUSD:     SignedUSD(risk.CollateralUSD(p, c)),
		Leverage:          Leverage(p.Leverage),
		EffectiveLeverage: Rate(risk.LeverageRatio(p, c)),
		SizeUSD:           USD(p.SizeUSD),
		EntryPrice:        Price(p.EntryPrice),
		MarkPrice:         Price(c.Pricing.CurrentPrice),
		MarginRatio:       Rate(risk.MarginRatio(p, c)),
		BorrowFee:         SignedUSD(risk.BorrowFeeAccrued(p, c, now)),
		Health:            risk.Classify(p, c, s.params).String(),
		OpenedAt:          time.Unix(p.EntryTimestamp, 0).UTC(),
	}
	if pnl, err := risk.UnrealizedPnL(p, c.Pricing.CurrentPrice); err == nil {
		v.UnrealizedPnL = SignedUSD(pnl)
	}
	if liq, ok := risk.LiquidationPrice(p, c, s.params.LiquidationThresholdBps); ok {
		d := Price(liq)
		v.LiquidationPrice = &d
	}
	return v
}

// Dashboard aggregates the whole program: counts, locked value, AUM and
// open interest, plus how many positions sit near or past liquidation.
func (s *Service) Dashboard(ctx context.Context) (*DashboardStats, error) {
	pools, err := s.state.Pools(ctx)
	if err != nil {
		return nil, err
	}
	custodies, err := s.state.Custodies(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := s.state.Positions(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := &DashboardStats{
		Pools:      len(pools),
		Custodies:  len(custodies),
		Positions:  len(positions),
		ComputedAt: now.UTC(),
	}
	for _, p := range pools {
		stats.AumUSD = stats.AumUSD.Add(USD(p.Value.AumUSD))
	}
	byID := make(map[address.Pubkey]*account.Custody, len(custodies))
	for _, c := range custodies {
		byID[c.ID] = c.Value
		stats.TVL = stats.TVL.Add(TokenValue(c.Value.Assets.Owned, c.Value.Pricing.CurrentPrice, c.Value.Decimals))
		stats.OILongUSD = stats.OILongUSD.Add(USD(c.Value.TradeStats.OILongUSD))
		stats.OIShortUSD = stats.OIShortUSD.Add(USD(c.Value.TradeStats.OIShortUSD))
		if risk.IsPriceStale(c.Value, now.Unix(), s.params.MaxPriceAgeSeconds) {
			stats.StalePrices++
		}
	}
	open := make(map[address.Pubkey]map[address.Pubkey]*account.Position)
	for _, p := range positions {
		if p.Value.Side == account.SideLong {
			stats.Longs++
		} else {
			stats.Shorts++
		}
		c, ok := byID[p.Value.Custody]
		if !ok {
			continue
		}
		if open[p.Value.Custody] == nil {
			open[p.Value.Custody] = make(map[address.Pubkey]*account.Position)
		}
		open[p.Value.Custody][p.ID] = p.Value
		if pnl, err := risk.UnrealizedPnL(p.Value, c.Pricing.CurrentPrice); err == nil {
			stats.UnrealizedPnL = stats.UnrealizedPnL.Add(SignedUSD(pnl))
		}
		switch risk.Classify(p.Value, c, s.params) {
		case risk.HealthAtRisk:
			stats.AtRisk++
		case risk.HealthLiquidatable:
			stats.Liquidatable++
		}
	}
	for id, held := range open {
		stats.PendingBorrow = stats.PendingBorrow.Add(SignedUSD(risk.PendingBorrow(byID[id], held, now.Unix())))
	}
	return stats, nil
}

// QuoteOpen previews OpenPosition at the custody's current price. It applies
// the same local bounds as the instruction builder; the ledger may still
// reject on slippage or a price that moves before submission.
func (s *Service) QuoteOpen(ctx context.Context, custodyID address.Pubkey, side account.Side, collateral, leverage uint64) (*OpenQuote, error) {
	const op = "quote_open"
	if !side.Valid() {
		return nil, protocol.NewValidationError(op, "side", "unknown side %d", side)
	}
	if leverage == 0 || leverage > protocol.MaxLeverage {
		return nil, protocol.NewCodedValidationError(op, "leverage", protocol.CodeInvalidLeverage,
			"leverage %d outside 1..%d", leverage, protocol.MaxLeverage)
	}
	if collateral < protocol.MinCollateral {
		return nil, protocol.NewCodedValidationError(op, "collateral", protocol.CodeInvalidCollateralAmount,
			"collateral %d below %d", collateral, protocol.MinCollateral)
	}
	c, err := s.state.Custody(ctx, custodyID)
	if err != nil {
		return nil, err
	}
	price := c.Pricing.CurrentPrice
	if price == 0 {
		return nil, protocol.NewCodedValidationError(op, "custody", protocol.CodeInvalidOraclePrice, "custody has no price")
	}

	size, err := risk.SizeUSD(collateral, price, c.Decimals, leverage)
	if err != nil {
		return nil, err
	}
	fee := risk.OpenFee(size, c.Fees)
	feeTokens := risk.SizeInTokens(fee, price, c.Decimals)
	lock := risk.SizeInTokens(size, price, c.Decimals)
	var available uint64
	if c.Assets.Owned > c.Assets.Locked {
		available = c.Assets.Owned - c.Assets.Locked
	}

	q := &OpenQuote{
		Custody:    custodyID,
		Side:       side.String(),
		Price:      Price(price),
		SizeUSD:    USD(size),
		SizeTokens: Tokens(lock, c.Decimals),
		FeeUSD:     USD(fee),
		Deposit:    Tokens(collateral+feeTokens, c.Decimals),
		Available:  Tokens(available, c.Decimals),
		Fillable:   lock <= available,
	}
	hypothetical := &account.Position{
		Side:             side,
		CollateralAmount: collateral,
		Leverage:         leverage,
		SizeUSD:          size,
		EntryPrice:       price,
	}
	if liq, ok := risk.LiquidationPrice(hypothetical, c, s.params.LiquidationThresholdBps); ok {
		d := Price(liq)
		q.LiquidationPrice = &d
	}
	return q, nil
}

// Operations lists journalled operations, newest first.
func (s *Service) Operations(ctx context.Context, f persistence.OperationFilter) ([]orchestrator.Record, error) {
	if s.history == nil {
		return nil, ErrUnavailable
	}
	return s.history.Recent(ctx, f)
}

func (s *Service) Operation(ctx context.Context, signature string) (orchestrator.Record, error) {
	if s.history == nil {
		return orchestrator.Record{}, ErrUnavailable
	}
	return s.history.BySignature(ctx, signature)
}

// AccountHistory returns stored versions of one account, newest first.
func (s *Service) AccountHistory(ctx context.Context, id address.Pubkey, limit int) ([]SnapshotView, error) {
	if s.snapshots == nil {
		return nil, ErrUnavailable
	}
	snaps, err := s.snapshots.History(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotView, 0, len(snaps))
	for _, snap := range snaps {
		e, err := snap.Entity()
		if err != nil {
			return nil, fmt.Errorf("snapshot %d of %s: %w", snap.Seq, id.Short(), err)
		}
		out = append(out, SnapshotView{
			Seq:       snap.Seq,
			Kind:      snap.Kind.String(),
			Slot:      snap.Slot,
			Entity:    e,
			FetchedAt: snap.FetchedAt,
		})
	}
	return out, nil
}

// VerifyIntegrity cross-checks every account the program holds: pool and
// custody links and custody totals against the open positions.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	entities := make(map[address.Pubkey]account.Entity)
	reg, err := s.state.Registry(ctx)
	switch {
	case errors.Is(err, protocol.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		entities[s.state.RegistryID()] = reg
	}

	pools, err := s.state.Pools(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		entities[p.ID] = p.Value
	}
	custodies, err := s.state.Custodies(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range custodies {
		entities[c.ID] = c.Value
	}
	positions, err := s.state.Positions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		entities[p.ID] = p.Value
	}

	report := &IntegrityReport{Checked: len(entities), CheckedAt: s.now().UTC()}
	for _, v := range risk.CheckConsistency(entities) {
		report.Violations = append(report.Violations, v.Error())
	}
	sort.Strings(report.Violations)
	report.Healthy = len(report.Violations) == 0
	return report, nil
}

func (s *Service) custodyIndex(ctx context.Context) (map[address.Pubkey]*account.Custody, error) {
	items, err := s.state.Custodies(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[address.Pubkey]*account.Custody, len(items))
	for _, c := range items {
		out[c.ID] = c.Value
	}
	return out, nil
}

package orchestrator_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpClient/internal/account"
	"PerpClient/internal/cache"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
	"PerpClient/internal/observability"
	"PerpClient/internal/orchestrator"
	"PerpClient/internal/protocol"
	tu "PerpClient/internal/testutil"
	"PerpClient/internal/transport"
)

type journal struct {
	mu      sync.Mutex
	records []orchestrator.Record
	err     error
}

func (j *journal) Record(_ context.Context, r orchestrator.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return j.err
}

func (j *journal) Notify(ctx context.Context, r orchestrator.Record) error {
	return j.Record(ctx, r)
}

func (j *journal) states() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.records))
	for i, r := range j.records {
		out[i] = r.Op + ":" + r.State
	}
	return out
}

type harness struct {
	*tu.Market
	cache   *cache.Cache
	orch    *orchestrator.Orchestrator
	journal *journal
	metrics *observability.Metrics
}

func newHarness(t *testing.T, m *tu.Market, client ledger.Client) *harness {
	t.Helper()
	if client == nil {
		client = m.Sim
	}
	c, err := cache.New(client, m.Deriver)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	j := &journal{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	orch := orchestrator.New(client, instruction.NewBuilder(m.Deriver, c), c,
		orchestrator.WithRecorder(j),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithClock(func() time.Time { return tu.Epoch }),
		orchestrator.WithInstance("test"),
	)
	return &harness{Market: m, cache: c, orch: orch, journal: j, metrics: metrics}
}

func (h *harness) mustSubmit(p instruction.Params) *orchestrator.Operation {
	h.T.Helper()
	op, err := h.orch.Submit(h.Ctx, p)
	require.NoError(h.T, err, "%s", p.Op())
	require.Equal(h.T, orchestrator.StateConfirmed, op.State)
	return op
}

// blockingClient parks Await until released.
type blockingClient struct {
	ledger.Client
	entered chan struct{}
	release chan struct{}
}

func (b *blockingClient) Await(ctx context.Context, sig ledger.Signature) (*ledger.Receipt, error) {
	close(b.entered)
	<-b.release
	return b.Client.Await(ctx, sig)
}

// ============================================================================
// Test: state machine
// ============================================================================

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to orchestrator.State
		ok       bool
	}{
		{orchestrator.StateBuilt, orchestrator.StateSubmitted, true},
		{orchestrator.StateBuilt, orchestrator.StateFailed, true},
		{orchestrator.StateBuilt, orchestrator.StateConfirmed, false},
		{orchestrator.StateSubmitted, orchestrator.StateConfirmed, true},
		{orchestrator.StateSubmitted, orchestrator.StateFailed, true},
		{orchestrator.StateSubmitted, orchestrator.StateBuilt, false},
		{orchestrator.StateConfirmed, orchestrator.StateFailed, false},
		{orchestrator.StateFailed, orchestrator.StateSubmitted, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}

	for _, s := range []orchestrator.State{orchestrator.StateBuilt, orchestrator.StateSubmitted, orchestrator.StateConfirmed, orchestrator.StateFailed} {
		parsed, err := orchestrator.ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.True(t, orchestrator.StateFailed.Terminal())
	assert.False(t, orchestrator.StateSubmitted.Terminal())
}

// ============================================================================
// Test: scenarios
// ============================================================================

func TestScenario_PoolLifecycle(t *testing.T) {
	h := newHarness(t, tu.NewBareMarket(t), nil)

	for _, p := range h.SetupParams() {
		h.mustSubmit(p)
		if p.Op() == instruction.OpAddPool {
			h.CreateLPShares()
		}
	}

	pools, err := h.cache.Pools(h.Ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "alpha", pools[0].Value.Name)
	assert.Equal(t, h.Pool, pools[0].ID)

	custody, err := h.cache.Custody(h.Ctx, h.Custody)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000000), custody.Pricing.CurrentPrice)

	h.mustSubmit(h.PriceParams(55_000000))

	custody, err = h.cache.Custody(h.Ctx, h.Custody)
	require.NoError(t, err)
	assert.Equal(t, uint64(55_000000), custody.Pricing.CurrentPrice)

	assert.Equal(t, []string{
		"initialize:confirmed",
		"add_pool:confirmed",
		"add_custody:confirmed",
		"update_price:confirmed",
	}, h.journal.states())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OperationsTotal.WithLabelValues("update_price", "confirmed")))
}

func TestScenario_InvalidLeverage(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)
	before := h.Sim.Submissions()

	op, err := h.orch.Submit(h.Ctx, h.OpenParams(tu.Tokens(100), 9000))
	require.Error(t, err)
	assert.Nil(t, op)
	assert.True(t, protocol.HasCode(err, protocol.CodeInvalidLeverage))
	assert.ErrorIs(t, err, protocol.ErrValidation)
	assert.Equal(t, before, h.Sim.Submissions())

	_, err = h.cache.Position(h.Ctx, h.PositionID(h.Trader))
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestScenario_InvalidLeverageRejectedByLedger(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)

	ix := h.Build(h.OpenParams(tu.Tokens(100), 200))
	binary.LittleEndian.PutUint64(ix.Data[17:25], 9000)

	op, err := h.orch.Execute(h.Ctx, ix)
	require.Error(t, err)
	assert.Equal(t, orchestrator.StateFailed, op.State)
	assert.ErrorIs(t, err, protocol.ErrRejected)
	assert.True(t, protocol.HasCode(op.Err, protocol.CodeInvalidLeverage))

	_, err = h.cache.Position(h.Ctx, h.PositionID(h.Trader))
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	require.Len(t, h.journal.records, 1)
	rec := h.journal.records[0]
	require.NotNil(t, rec.ErrorCode)
	assert.Equal(t, uint32(protocol.CodeInvalidLeverage), *rec.ErrorCode)
	assert.Empty(t, rec.Touches)
}

func TestScenario_TransportFailureBeforeConfirmation(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)

	custody, err := h.cache.Custody(h.Ctx, h.Custody)
	require.NoError(t, err)
	cached := h.cache.Len()

	h.Sim.FailNextSend(nil)
	op, err := h.orch.Submit(h.Ctx, h.OpenParams(tu.Tokens(100), 200))
	require.Error(t, err)
	assert.True(t, protocol.IsRetryable(err))
	assert.Equal(t, orchestrator.StateFailed, op.State)

	assert.Equal(t, cached, h.cache.Len())
	again, err := h.cache.Custody(h.Ctx, h.Custody)
	require.NoError(t, err)
	assert.Same(t, custody, again, "cache entry must survive a failed submission")

	_, err = h.cache.Position(h.Ctx, h.PositionID(h.Trader))
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	// The identical request may be retried once the first has settled.
	h.mustSubmit(h.OpenParams(tu.Tokens(100), 200))
}

func TestScenario_SecondOpenPositionRejected(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)
	h.mustSubmit(h.OpenParams(tu.Tokens(100), 200))
	before := h.Sim.Submissions()

	op, err := h.orch.Submit(h.Ctx, h.OpenParams(tu.Tokens(50), 300))
	require.Error(t, err)
	assert.True(t, protocol.HasCode(err, protocol.CodeAccountAlreadyInUse))
	assert.Equal(t, orchestrator.StateFailed, op.State)
	assert.Equal(t, before, h.Sim.Submissions(), "no network submission")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OperationsDeduped.WithLabelValues("open_position", "exists")))

	pos, err := h.cache.Position(h.Ctx, h.PositionID(h.Trader))
	require.NoError(t, err)
	assert.Equal(t, tu.Tokens(100), pos.CollateralAmount)
}

// ============================================================================
// Test: unknown outcomes
// ============================================================================

func TestExecute_AwaitFailureLeavesSubmitted(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)

	h.Sim.FailNextAwait(nil)
	op, err := h.orch.Submit(h.Ctx, h.OpenParams(tu.Tokens(100), 200))
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrOutcomeUnknown)
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.Equal(t, orchestrator.StateSubmitted, op.State)
	assert.NotEmpty(t, op.Signature)
	assert.Len(t, h.orch.Pending(), 1)
	assert.Empty(t, h.journal.records)

	// Resubmitting the identical instruction is refused until reconciled.
	_, err = h.orch.Execute(h.Ctx, op.Instruction)
	assert.ErrorIs(t, err, orchestrator.ErrDuplicateInFlight)

	require.NoError(t, h.orch.Reconcile(h.Ctx, op))
	assert.Equal(t, orchestrator.StateConfirmed, op.State)
	assert.Empty(t, h.orch.Pending())

	pos, err := h.cache.Position(h.Ctx, h.PositionID(h.Trader))
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000000), pos.SizeUSD)
	assert.Equal(t, []string{"open_position:confirmed"}, h.journal.states())
}

// runtimeRejecting reports every settled transaction as failed by the
// runtime rather than the program.
type runtimeRejecting struct {
	ledger.Client
}

func (r *runtimeRejecting) Await(ctx context.Context, sig ledger.Signature) (*ledger.Receipt, error) {
	if _, err := r.Client.Await(ctx, sig); err != nil {
		return nil, err
	}
	return nil, &transport.RuntimeError{InstructionIndex: 0, Reason: "ComputationalBudgetExceeded"}
}

func TestExecute_RuntimeRejectionSettlesFailed(t *testing.T) {
	m := tu.NewMarket(t)
	h := newHarness(t, m, &runtimeRejecting{Client: m.Sim})
	ix := h.Build(h.PriceParams(55_000000))

	op, err := h.orch.Execute(h.Ctx, ix)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrRejected)
	assert.NotErrorIs(t, err, orchestrator.ErrOutcomeUnknown)
	assert.Equal(t, orchestrator.StateFailed, op.State)
	assert.Empty(t, h.orch.Pending())
	assert.Zero(t, h.orch.ReconcileAll(h.Ctx))
	assert.Equal(t, []string{"update_price:failed"}, h.journal.states())

	// The fingerprint is free again, so an identical retry reaches the ledger.
	_, err = h.orch.Execute(h.Ctx, ix)
	assert.NotErrorIs(t, err, orchestrator.ErrDuplicateInFlight)
	assert.ErrorIs(t, err, protocol.ErrRejected)
}

func TestExecute_LostSendReplyIsReconciled(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)

	h.Sim.LoseNextSendReply(nil)
	op, err := h.orch.Submit(h.Ctx, h.OpenParams(tu.Tokens(100), 200))
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrOutcomeUnknown)
	assert.ErrorIs(t, err, ledger.ErrMaybeDelivered)
	assert.Equal(t, orchestrator.StateSubmitted, op.State)
	assert.NotEmpty(t, op.Signature)
	assert.Len(t, h.orch.Pending(), 1)
	assert.Empty(t, h.journal.records)

	_, err = h.orch.Execute(h.Ctx, op.Instruction)
	assert.ErrorIs(t, err, orchestrator.ErrDuplicateInFlight)

	assert.Equal(t, 1, h.orch.ReconcileAll(h.Ctx))
	assert.Equal(t, orchestrator.StateConfirmed, op.State)
	pos, err := h.cache.Position(h.Ctx, h.PositionID(h.Trader))
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000000), pos.SizeUSD)
	assert.Equal(t, []string{"open_position:confirmed"}, h.journal.states())
}

func TestExecute_CanceledAwait(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)
	ix := h.Build(h.PriceParams(55_000000))

	ctx, cancel := context.WithCancel(h.Ctx)
	client := &cancelingClient{Client: h.Sim, cancel: cancel}
	orch := orchestrator.New(client, nil, h.cache)

	op, err := orch.Execute(ctx, ix)
	assert.ErrorIs(t, err, orchestrator.ErrOutcomeUnknown)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, orchestrator.StateSubmitted, op.State)

	assert.Equal(t, 1, orch.ReconcileAll(h.Ctx))
	assert.Equal(t, orchestrator.StateConfirmed, op.State)
}

// cancelingClient cancels the caller's context once the send went through.
type cancelingClient struct {
	ledger.Client
	cancel context.CancelFunc
}

func (c *cancelingClient) Send(ctx context.Context, ix *instruction.Instruction) (ledger.Signature, error) {
	sig, err := c.Client.Send(ctx, ix)
	c.cancel()
	return sig, err
}

func TestExecute_RejectsIdenticalInFlight(t *testing.T) {
	m := tu.NewMarket(t)
	client := &blockingClient{Client: m.Sim, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, m, client)
	ix := h.Build(h.PriceParams(55_000000))

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Execute(h.Ctx, ix)
		done <- err
	}()
	<-client.entered

	_, err := h.orch.Execute(h.Ctx, ix)
	assert.ErrorIs(t, err, orchestrator.ErrDuplicateInFlight)

	close(client.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OperationsDeduped.WithLabelValues("update_price", "in_flight")))
}

func TestExecute_RecorderFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t, tu.NewMarket(t), nil)
	h.journal.err = errors.New("disk full")

	op, err := h.orch.Submit(h.Ctx, h.PriceParams(52_000000))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateConfirmed, op.State)
}

func TestExecute_NotifierReceivesTouches(t *testing.T) {
	m := tu.NewMarket(t)
	c, err := cache.New(m.Sim, m.Deriver)
	require.NoError(t, err)
	defer c.Close()
	n := &journal{}
	orch := orchestrator.New(m.Sim, instruction.NewBuilder(m.Deriver, c), c, orchestrator.WithNotifier(n))

	_, err = orch.Submit(m.Ctx, m.OpenParams(tu.Tokens(100), 200))
	require.NoError(t, err)

	require.Len(t, n.records, 1)
	rec := n.records[0]
	assert.Equal(t, orch.Instance(), rec.Instance)
	assert.Contains(t, rec.Touches, account.Ref{Kind: account.KindPosition, ID: m.PositionID(m.Trader)})
	assert.NotZero(t, rec.Slot)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
	"PerpClient/internal/observability"
	"PerpClient/internal/protocol"
)

// StateCache is the slice of the account cache the orchestrator drives.
type StateCache interface {
	Exists(ctx context.Context, kind account.Kind, id address.Pubkey) (bool, error)
	Invalidate(kind account.Kind, id address.Pubkey)
	Refresh(ctx context.Context, refs ...account.Ref) error
}

// Recorder journals settled operations.
type Recorder interface {
	Record(ctx context.Context, r Record) error
}

// Notifier announces settled operations to other instances.
type Notifier interface {
	Notify(ctx context.Context, r Record) error
}

// Orchestrator runs operations through the ledger one pipeline at a time per
// operation. Independent operations may run concurrently.
type Orchestrator struct {
	client   ledger.Client
	builder  *instruction.Builder
	cache    StateCache
	recorder Recorder
	notifier Notifier
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	instance string

	mu       sync.Mutex
	inFlight map[string]uuid.UUID
	unknown  map[uuid.UUID]*Operation
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithInstance names this process in journalled and broadcast records.
func WithInstance(id string) Option { return func(o *Orchestrator) { o.instance = id } }

// New wires an orchestrator. builder may be nil when only Execute is used.
func New(client ledger.Client, builder *instruction.Builder, cache StateCache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		builder:  builder,
		cache:    cache,
		logger:   zerolog.Nop(),
		now:      time.Now,
		instance: uuid.NewString(),
		inFlight: make(map[string]uuid.UUID),
		unknown:  make(map[uuid.UUID]*Operation),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Instance is the identifier stamped on this orchestrator's records.
func (o *Orchestrator) Instance() string { return o.instance }

// Submit builds the request and executes it. Build failures are local
// validation errors and return a nil operation.
func (o *Orchestrator) Submit(ctx context.Context, p instruction.Params) (*Operation, error) {
	if o.builder == nil {
		return nil, errors.New("orchestrator: no instruction builder configured")
	}
	ix, err := o.builder.Build(ctx, p)
	if err != nil {
		if o.metrics != nil {
			o.metrics.OperationsTotal.WithLabelValues(p.Op().String(), "invalid").Inc()
		}
		return nil, err
	}
	return o.Execute(ctx, ix)
}

// Execute submits ix and waits for its outcome.
//
// The returned operation is Confirmed with a nil error, Failed with the
// cause, or Submitted with an error wrapping ErrOutcomeUnknown.
func (o *Orchestrator) Execute(ctx context.Context, ix *instruction.Instruction) (*Operation, error) {
	start := o.now()
	op := newOperation(ix, start)
	log := o.logger.With().Str("operation_id", op.ID.String()).Str("op", op.Op.String()).Logger()

	// Step 1: in-flight dedupe
	if !o.acquire(op) {
		o.deduped(op, "in_flight")
		return nil, fmt.Errorf("%s: %w", op.Op, ErrDuplicateInFlight)
	}
	if o.metrics != nil {
		o.metrics.OperationsInFlight.Inc()
		defer o.metrics.OperationsInFlight.Dec()
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	// Step 2: entities the instruction creates must not exist yet
	if ix.Op.CreatesEntity() && o.cache != nil {
		for _, ref := range ix.Creates {
			exists, err := o.cache.Exists(ctx, ref.Kind, ref.ID)
			if err != nil {
				return op, o.fail(ctx, op, fmt.Errorf("existence check %s: %w", ref, err), start)
			}
			if exists {
				o.deduped(op, "exists")
				err := protocol.NewCodedValidationError(op.Op.String(), "accounts",
					protocol.CodeAccountAlreadyInUse, "%s already exists", ref)
				return op, o.fail(ctx, op, err, start)
			}
		}
	}

	// Step 3: submit
	sig, sendErr := o.client.Send(ctx, ix)
	if sendErr != nil && (sig == "" || !errors.Is(sendErr, ledger.ErrMaybeDelivered)) {
		log.Warn().Err(sendErr).Msg("submission failed")
		return op, o.fail(ctx, op, sendErr, start)
	}
	op.Signature = sig
	if err := op.transition(StateSubmitted, o.now()); err != nil {
		return op, err
	}
	if sendErr != nil {
		return op, o.park(op, sendErr, start)
	}
	log.Debug().Str("signature", sig.String()).Msg("submitted")

	// Step 4: await the outcome
	return op, o.await(ctx, op, start)
}

// Reconcile re-awaits an operation whose outcome was unknown. Settled
// operations are returned unchanged.
func (o *Orchestrator) Reconcile(ctx context.Context, op *Operation) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	switch op.State {
	case StateSubmitted:
		return o.await(ctx, op, o.now())
	case StateConfirmed:
		return nil
	default:
		return op.Err
	}
}

// Pending lists operations whose outcome is still unknown.
func (o *Orchestrator) Pending() []*Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Operation, 0, len(o.unknown))
	for _, op := range o.unknown {
		out = append(out, op)
	}
	return out
}

// ReconcileAll retries every pending operation and returns how many settled.
func (o *Orchestrator) ReconcileAll(ctx context.Context) int {
	settled := 0
	for _, op := range o.Pending() {
		err := o.Reconcile(ctx, op)
		if errors.Is(err, ErrOutcomeUnknown) {
			continue
		}
		settled++
		if ctx.Err() != nil {
			break
		}
	}
	return settled
}

// === pipeline steps ===

// await must be called with op.mu held.
func (o *Orchestrator) await(ctx context.Context, op *Operation, start time.Time) error {
	receipt, err := o.client.Await(ctx, op.Signature)
	if err != nil {
		if errors.Is(err, protocol.ErrRejected) {
			return o.fail(ctx, op, err, start)
		}
		return o.park(op, err, start)
	}

	op.Receipt = receipt
	if err := op.transition(StateConfirmed, o.now()); err != nil {
		return err
	}

	// Step 5: the ledger changed; drop and refetch everything touched
	if o.cache != nil && len(op.Instruction.Touches) > 0 {
		if err := o.cache.Refresh(ctx, op.Instruction.Touches...); err != nil {
			o.logger.Warn().Err(err).Str("operation_id", op.ID.String()).Msg("post-confirmation refresh failed")
		}
	}
	o.settle(ctx, op, "confirmed", start)
	return nil
}

// park holds a submitted operation for reconciliation. Its fingerprint
// stays held. Must be called with op.mu held.
func (o *Orchestrator) park(op *Operation, cause error, start time.Time) error {
	o.mu.Lock()
	o.unknown[op.ID] = op
	o.mu.Unlock()
	o.observe(op, "unknown", start)
	o.logger.Warn().Err(cause).
		Str("operation_id", op.ID.String()).
		Str("signature", op.Signature.String()).
		Msg("outcome unknown")
	return fmt.Errorf("%s %s: %w: %w", op.Op, op.Signature, ErrOutcomeUnknown, cause)
}

// fail must be called with op.mu held.
func (o *Orchestrator) fail(ctx context.Context, op *Operation, cause error, start time.Time) error {
	op.Err = cause
	if err := op.transition(StateFailed, o.now()); err != nil {
		return errors.Join(cause, err)
	}
	o.settle(ctx, op, outcomeOf(cause), start)
	return cause
}

func (o *Orchestrator) settle(ctx context.Context, op *Operation, outcome string, start time.Time) {
	o.release(op)
	o.observe(op, outcome, start)

	rec := op.Record(o.instance)
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, rec); err != nil {
			o.logger.Error().Err(err).Str("operation_id", op.ID.String()).Msg("journal write failed")
		}
	}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, rec); err != nil {
			o.logger.Warn().Err(err).Str("operation_id", op.ID.String()).Msg("broadcast failed")
		}
	}
	o.logger.Info().
		Str("operation_id", op.ID.String()).
		Str("op", rec.Op).
		Str("state", rec.State).
		Str("signature", rec.Signature).
		Str("error", rec.Error).
		Msg("operation settled")
}

func (o *Orchestrator) acquire(op *Operation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[op.Fingerprint]; busy {
		return false
	}
	o.inFlight[op.Fingerprint] = op.ID
	return true
}

// release frees the fingerprint once the operation has settled. Operations
// with an unknown outcome keep it, since the original may still land.
func (o *Orchestrator) release(op *Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[op.Fingerprint] == op.ID {
		delete(o.inFlight, op.Fingerprint)
	}
	delete(o.unknown, op.ID)
}

func (o *Orchestrator) observe(op *Operation, outcome string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveOperation(op.Op.String(), outcome, o.now().Sub(start))
	}
}

func (o *Orchestrator) deduped(op *Operation, reason string) {
	if o.metrics != nil {
		o.metrics.OperationsDeduped.WithLabelValues(op.Op.String(), reason).Inc()
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, protocol.ErrValidation):
		return "invalid"
	case errors.Is(err, protocol.ErrRejected):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport"
	}
}

package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"PerpClient/internal/account"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
	"PerpClient/internal/protocol"
)

// State is the lifecycle stage of an operation.
type State uint8

const (
	StateBuilt State = iota
	StateSubmitted
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for st := StateBuilt; st <= StateFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown operation state %q", s)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

var transitions = map[State][]State{
	StateBuilt:     {StateSubmitted, StateFailed},
	StateSubmitted: {StateConfirmed, StateFailed},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, st := range transitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// ErrOutcomeUnknown is returned when a submitted operation could not be
// confirmed or rejected. The operation stays Submitted; Reconcile settles it.
var ErrOutcomeUnknown = errors.New("operation outcome unknown")

// ErrDuplicateInFlight rejects an instruction byte-identical to one that is
// still being processed.
var ErrDuplicateInFlight = errors.New("identical operation already in flight")

// Operation tracks one instruction through submission. Its fields are
// written only by the orchestrator and are stable between calls.
type Operation struct {
	ID          uuid.UUID
	Op          instruction.Op
	Instruction *instruction.Instruction
	Fingerprint string
	State       State
	Signature   ledger.Signature
	Receipt     *ledger.Receipt
	Err         error
	CreatedAt   time.Time
	UpdatedAt   time.Time

	mu sync.Mutex
}

func newOperation(ix *instruction.Instruction, now time.Time) *Operation {
	return &Operation{
		ID:          uuid.New(),
		Op:          ix.Op,
		Instruction: ix,
		Fingerprint: ix.Fingerprint(),
		State:       StateBuilt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (o *Operation) transition(next State, now time.Time) error {
	if !o.State.CanTransitionTo(next) {
		return fmt.Errorf("operation %s: illegal transition %s -> %s", o.ID, o.State, next)
	}
	o.State = next
	o.UpdatedAt = now
	return nil
}

// Record is the settled form of an operation, as journalled and broadcast.
type Record struct {
	ID          uuid.UUID                `json:"id"`
	Instance    string                   `json:"instance"`
	Op          string                   `json:"op"`
	State       string                   `json:"state"`
	Fingerprint string                   `json:"fingerprint"`
	Signature   string                   `json:"signature,omitempty"`
	Slot        uint64                   `json:"slot,omitempty"`
	ErrorCode   *uint32                  `json:"error_code,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Touches     []account.Ref            `json:"touches,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	SettledAt   time.Time                `json:"settled_at"`
	Receipt     *ledger.Receipt          `json:"-"`
	Instruction *instruction.Instruction `json:"-"`
}

// Record snapshots the operation. Touches are only carried for confirmed
// operations since nothing else changes ledger state.
func (o *Operation) Record(instance string) Record {
	r := Record{
		ID:          o.ID,
		Instance:    instance,
		Op:          o.Op.String(),
		State:       o.State.String(),
		Fingerprint: o.Fingerprint,
		Signature:   o.Signature.String(),
		CreatedAt:   o.CreatedAt,
		SettledAt:   o.UpdatedAt,
		Receipt:     o.Receipt,
		Instruction: o.Instruction,
	}
	if o.Receipt != nil {
		r.Slot = o.Receipt.Slot
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
		if code, ok := protocol.CodeOf(o.Err); ok {
			c := uint32(code)
			r.ErrorCode = &c
		}
	}
	if o.State == StateConfirmed && o.Instruction != nil {
		r.Touches = o.Instruction.Touches
	}
	return r
}

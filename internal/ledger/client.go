package ledger

import (
	"context"
	"errors"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
)

// Signature identifies a submitted transaction.
type Signature string

func (s Signature) String() string { return string(s) }

// ErrSignatureNotFound is returned by Await for a signature the ledger has
// never seen. It is wrapped in a transport error since the submission may
// still land.
var ErrSignatureNotFound = errors.New("signature not found")

// ErrMaybeDelivered marks a Send failure after the transaction may already
// have reached the ledger. Send returns the transaction's signature with it.
var ErrMaybeDelivered = errors.New("submission may have been delivered")

// Receipt is a confirmed transaction.
type Receipt struct {
	Signature Signature `json:"signature"`
	Slot      uint64    `json:"slot"`
	Logs      []string  `json:"logs,omitempty"`
}

// RawAccount is an account as stored by the ledger.
type RawAccount struct {
	ID       address.Pubkey `json:"id"`
	Owner    address.Pubkey `json:"owner"`
	Lamports uint64         `json:"lamports"`
	Data     []byte         `json:"data"`
	Slot     uint64         `json:"slot"`
}

// Client is the ledger as seen by the orchestrator and the cache.
//
// Send submits an instruction and returns once the ledger accepted it for
// processing. An error matching protocol.ErrRejected means preflight
// rejected it and it will never land. An error matching ErrMaybeDelivered
// comes with the signature and leaves the outcome unknown. Any other error
// means it was not submitted.
//
// Await blocks until the transaction settles. It returns a receipt on
// success and an error matching protocol.ErrRejected on rejection, whether
// raised by the program or the runtime. A transport error or a context
// error leaves the outcome unknown.
//
// Fetch returns protocol.ErrNotFound for an absent account. FetchAll lists
// every program account of the kind.
type Client interface {
	Send(ctx context.Context, ix *instruction.Instruction) (Signature, error)
	Await(ctx context.Context, sig Signature) (*Receipt, error)
	Fetch(ctx context.Context, id address.Pubkey) (*RawAccount, error)
	FetchAll(ctx context.Context, kind account.Kind) ([]*RawAccount, error)
}

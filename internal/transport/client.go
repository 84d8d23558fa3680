package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
	"PerpClient/internal/observability"
	"PerpClient/internal/protocol"
)

// Config selects the node and submission behaviour.
type Config struct {
	Endpoint  string
	ProgramID address.Pubkey
	// Payer pays fees. Zero means the instruction's first signer.
	Payer        address.Pubkey
	Commitment   string
	Preflight    bool
	PollInterval time.Duration
	AwaitTimeout time.Duration
	RPC          RPCOptions
}

var commitmentRank = map[string]int{"processed": 0, "confirmed": 1, "finalized": 2}

// Client implements ledger.Client against a JSON-RPC node.
type Client struct {
	cfg    Config
	rpc    *RPC
	keys   *Keyring
	logger zerolog.Logger
}

var _ ledger.Client = (*Client)(nil)

func NewClient(cfg Config, keys *Keyring, metrics *observability.Metrics, logger zerolog.Logger) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Client{
		cfg:    cfg,
		rpc:    NewRPC(cfg.Endpoint, cfg.RPC, metrics),
		keys:   keys,
		logger: logger,
	}
}

// Health reports whether the node considers itself in sync.
func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.rpc.Call(ctx, "getHealth", &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node health %q", status)
	}
	return nil
}

func (c *Client) Send(ctx context.Context, ix *instruction.Instruction) (ledger.Signature, error) {
	var latest struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.rpc.Call(ctx, "getLatestBlockhash", &latest, map[string]any{"commitment": c.cfg.Commitment}); err != nil {
		return "", asTransport("getLatestBlockhash", err)
	}
	blockhash, err := address.ParsePubkey(latest.Value.Blockhash)
	if err != nil {
		return "", &protocol.TransportError{Op: "getLatestBlockhash", Err: err}
	}

	payer := c.cfg.Payer
	if payer.IsZero() {
		payer = ix.FeePayer()
	}
	msg, err := CompileMessage(payer, blockhash, ix)
	if err != nil {
		return "", fmt.Errorf("%s: %w", ix.Op, err)
	}
	tx, err := Sign(msg, c.keys)
	if err != nil {
		return "", fmt.Errorf("%s: %w", ix.Op, err)
	}

	local := tx.Signature()
	var sig string
	err = c.rpc.Call(ctx, "sendTransaction", &sig,
		base64.StdEncoding.EncodeToString(tx.Serialize()),
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       !c.cfg.Preflight,
			"preflightCommitment": c.cfg.Commitment,
		})
	if err != nil {
		err = classify("sendTransaction", err)
		if mayHaveLanded(err) {
			c.logger.Warn().Err(err).Str("op", ix.Op.String()).Str("signature", local.String()).
				Msg("send failed after the request went out")
			return local, &protocol.TransportError{Op: "sendTransaction", Err: fmt.Errorf("%w: %w", ledger.ErrMaybeDelivered, err)}
		}
		return "", err
	}
	c.logger.Debug().Str("op", ix.Op.String()).Str("signature", sig).Msg("transaction sent")
	return ledger.Signature(sig), nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Await polls the signature status until it reaches the configured
// commitment or fails.
func (c *Client) Await(ctx context.Context, sig ledger.Signature) (*ledger.Receipt, error) {
	pollCtx := ctx
	if c.cfg.AwaitTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, c.cfg.AwaitTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var res struct {
			Value []*signatureStatus `json:"value"`
		}
		err := c.rpc.Call(pollCtx, "getSignatureStatuses", &res,
			[]string{sig.String()}, map[string]any{"searchTransactionHistory": true})
		if err != nil {
			return nil, c.awaitErr(ctx, err)
		}
		if len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if len(st.Err) > 0 && !bytes.Equal(st.Err, []byte("null")) {
				logs := c.logs(ctx, sig)
				err := ParseTransactionError(st.Err, logs)
				if !errors.Is(err, protocol.ErrRejected) {
					// A status error is a settled failure, whatever its shape.
					err = &RuntimeError{InstructionIndex: -1, Reason: string(st.Err), Logs: logs}
				}
				return nil, err
			}
			if commitmentRank[st.ConfirmationStatus] >= commitmentRank[c.cfg.Commitment] && st.ConfirmationStatus != "" {
				return &ledger.Receipt{Signature: sig, Slot: st.Slot, Logs: c.logs(ctx, sig)}, nil
			}
		}

		select {
		case <-pollCtx.Done():
			return nil, c.awaitErr(ctx, pollCtx.Err())
		case <-ticker.C:
		}
	}
}

// awaitErr keeps the caller's cancellation distinct from our own timeout,
// which is reported as a transport failure.
func (c *Client) awaitErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &protocol.TransportError{Op: "await", Err: fmt.Errorf("not settled within %s: %w", c.cfg.AwaitTimeout, err)}
	}
	return asTransport("getSignatureStatuses", err)
}

// logs fetches the program log of a settled transaction. It is best effort.
func (c *Client) logs(ctx context.Context, sig ledger.Signature) []string {
	var tx struct {
		Meta *struct {
			LogMessages []string `json:"logMessages"`
		} `json:"meta"`
	}
	err := c.rpc.Call(ctx, "getTransaction", &tx, sig.String(), map[string]any{
		"encoding":                       "json",
		"commitment":                     c.cfg.Commitment,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil || tx.Meta == nil {
		return nil
	}
	return tx.Meta.LogMessages
}

type accountInfo struct {
	Lamports uint64   `json:"lamports"`
	Owner    string   `json:"owner"`
	Data     []string `json:"data"`
}

func (a *accountInfo) raw(id address.Pubkey, slot uint64) (*ledger.RawAccount, error) {
	owner, err := address.ParsePubkey(a.Owner)
	if err != nil {
		return nil, fmt.Errorf("account %s owner: %w", id, err)
	}
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("account %s: empty data", id)
	}
	data, err := base64.StdEncoding.DecodeString(a.Data[0])
	if err != nil {
		return nil, fmt.Errorf("account %s data: %w", id, err)
	}
	return &ledger.RawAccount{ID: id, Owner: owner, Lamports: a.Lamports, Data: data, Slot: slot}, nil
}

func (c *Client) Fetch(ctx context.Context, id address.Pubkey) (*ledger.RawAccount, error) {
	var res struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value *accountInfo `json:"value"`
	}
	err := c.rpc.Call(ctx, "getAccountInfo", &res, id.String(), map[string]any{
		"encoding":   "base64",
		"commitment": c.cfg.Commitment,
	})
	if err != nil {
		return nil, asTransport("getAccountInfo", err)
	}
	if res.Value == nil {
		return nil, protocol.ErrNotFound
	}
	raw, err := res.Value.raw(id, res.Context.Slot)
	if err != nil {
		return nil, err
	}
	if raw.Owner != c.cfg.ProgramID {
		return nil, fmt.Errorf("%s is owned by %s: %w", id, raw.Owner, protocol.ErrNotFound)
	}
	return raw, nil
}

// FetchAll lists program accounts whose data starts with the kind's
// discriminator.
func (c *Client) FetchAll(ctx context.Context, kind account.Kind) ([]*ledger.RawAccount, error) {
	disc := kind.Discriminator()
	var res struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value []struct {
			Pubkey  string      `json:"pubkey"`
			Account accountInfo `json:"account"`
		} `json:"value"`
	}
	err := c.rpc.Call(ctx, "getProgramAccounts", &res, c.cfg.ProgramID.String(), map[string]any{
		"encoding":    "base64",
		"commitment":  c.cfg.Commitment,
		"withContext": true,
		"filters": []any{
			map[string]any{"memcmp": map[string]any{"offset": 0, "bytes": base58.Encode(disc[:])}},
		},
	})
	if err != nil {
		return nil, asTransport("getProgramAccounts", err)
	}

	out := make([]*ledger.RawAccount, 0, len(res.Value))
	for _, v := range res.Value {
		id, err := address.ParsePubkey(v.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("program account key: %w", err)
		}
		raw, err := v.Account.raw(id, res.Context.Slot)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

// asTransport turns JSON-RPC error objects into transport failures; the
// node refused the read, the ledger did not.
func asTransport(op string, err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return &protocol.TransportError{Op: op, Err: rpcErr}
	}
	return err
}

package transport_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
	"PerpClient/internal/observability"
	"PerpClient/internal/protocol"
	tu "PerpClient/internal/testutil"
	"PerpClient/internal/transport"
)

// ============================================================================
// Fake node
// ============================================================================

type handler func(params []json.RawMessage) (any, *transport.RPCError)

type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    map[string]int
	status   int
	// lost replaces the reply to a method with an HTTP status after its
	// handler has run.
	lost map[string]int
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	n := &fakeNode{handlers: make(map[string]handler), calls: make(map[string]int), lost: make(map[string]int)}
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) on(method string, h handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	h := n.handlers[req.Method]
	status := n.status
	lost := n.lost[req.Method]
	n.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if h == nil {
		resp["error"] = transport.RPCError{Code: -32601, Message: "Method not found"}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	if lost != 0 {
		w.WriteHeader(lost)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func fastOptions() transport.RPCOptions {
	return transport.RPCOptions{
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		BackoffMin:     time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		BreakerFailure: 50,
		BreakerWindow:  100,
		BreakerDelay:   time.Minute,
	}
}

func keypair(t *testing.T, name string) ed25519.PrivateKey {
	t.Helper()
	seed := tu.Key(name)
	return ed25519.NewKeyFromSeed(seed[:])
}

// ============================================================================
// Test: RPC resilience
// ============================================================================

func TestRPC_RetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer srv.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	rpc := transport.NewRPC(srv.URL, fastOptions(), metrics)

	var out string
	require.NoError(t, rpc.Call(context.Background(), "getHealth", &out))
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RPCRetries.WithLabelValues("getHealth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RPCRequests.WithLabelValues("getHealth", "ok")))
}

func TestRPC_ClientErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := transport.NewRPC(srv.URL, fastOptions(), nil).Call(context.Background(), "getHealth", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.Equal(t, 1, attempts)
}

func TestRPC_ErrorObjectIsReturnedAsIs(t *testing.T) {
	node, srv := newFakeNode(t)
	node.on("getHealth", func([]json.RawMessage) (any, *transport.RPCError) {
		return nil, &transport.RPCError{Code: -32005, Message: "Node is behind"}
	})

	err := transport.NewRPC(srv.URL, fastOptions(), nil).Call(context.Background(), "getHealth", nil)
	var rpcErr *transport.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32005, rpcErr.Code)
	assert.Equal(t, 1, node.count("getHealth"))
}

func TestRPC_CircuitBreakerOpens(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.MaxRetries = 0
	opts.BreakerFailure = 2
	opts.BreakerWindow = 2
	rpc := transport.NewRPC(srv.URL, opts, nil)

	for i := 0; i < 2; i++ {
		_ = rpc.Call(context.Background(), "getHealth", nil)
	}
	reached := attempts

	err := rpc.Call(context.Background(), "getHealth", nil)
	require.Error(t, err)
	assert.True(t, protocol.IsRetryable(err))
	assert.Equal(t, reached, attempts, "open circuit must not reach the node")
}

func TestRPC_CanceledContext(t *testing.T) {
	_, srv := newFakeNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := transport.NewRPC(srv.URL, fastOptions(), nil).Call(ctx, "getHealth", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, protocol.IsRetryable(err))
}

// ============================================================================
// Test: error parsing
// ============================================================================

func TestParseTransactionError(t *testing.T) {
	logs := []string{"Program log: AnchorError"}

	t.Run("program code", func(t *testing.T) {
		err := transport.ParseTransactionError(json.RawMessage(`{"InstructionError":[0,{"Custom":6005}]}`), logs)
		var le *protocol.LedgerError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, protocol.CodeInvalidLeverage, le.Code)
		assert.Equal(t, 0, le.InstructionIndex)
		assert.Equal(t, logs, le.Logs)
		assert.Equal(t, "InvalidLeverage", le.Code.Name())
	})

	t.Run("every known code round-trips", func(t *testing.T) {
		for code := protocol.CodeInvalidPrice; code <= protocol.CodeInsufficientLiquidity; code++ {
			raw, _ := json.Marshal(map[string]any{"InstructionError": []any{1, map[string]uint32{"Custom": uint32(code)}}})
			err := transport.ParseTransactionError(raw, nil)
			assert.True(t, protocol.HasCode(err, code), "%s", code)
		}
	})

	t.Run("framework code", func(t *testing.T) {
		err := transport.ParseTransactionError(json.RawMessage(`{"InstructionError":[0,{"Custom":0}]}`), nil)
		assert.True(t, protocol.HasCode(err, protocol.CodeAccountAlreadyInUse))
	})

	t.Run("builtin instruction error", func(t *testing.T) {
		err := transport.ParseTransactionError(json.RawMessage(`{"InstructionError":[2,"InvalidAccountData"]}`), nil)
		var re *transport.RuntimeError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 2, re.InstructionIndex)
		assert.Equal(t, "InvalidAccountData", re.Reason)
		assert.ErrorIs(t, err, protocol.ErrRejected)
		_, ok := protocol.CodeOf(err)
		assert.False(t, ok)
	})

	t.Run("transaction level", func(t *testing.T) {
		err := transport.ParseTransactionError(json.RawMessage(`{"InsufficientFundsForRent":{"account_index":0}}`), nil)
		assert.ErrorIs(t, err, protocol.ErrRejected)
		assert.Contains(t, err.Error(), "InsufficientFundsForRent")
	})

	t.Run("unrecognised shapes are rejections", func(t *testing.T) {
		for _, raw := range []string{`42`, `{"InstructionError":"InvalidAccountData"}`, `{"InstructionError":["x",{"Custom":1}]}`} {
			err := transport.ParseTransactionError(json.RawMessage(raw), logs)
			var re *transport.RuntimeError
			require.ErrorAs(t, err, &re, raw)
			assert.Equal(t, -1, re.InstructionIndex, raw)
			assert.Equal(t, logs, re.Logs, raw)
			assert.ErrorIs(t, err, protocol.ErrRejected, raw)
			assert.False(t, protocol.IsRetryable(err), raw)
		}
	})

	t.Run("expired blockhash is retryable", func(t *testing.T) {
		err := transport.ParseTransactionError(json.RawMessage(`"BlockhashNotFound"`), nil)
		assert.True(t, protocol.IsRetryable(err))
		assert.ErrorIs(t, err, transport.ErrBlockhashExpired)
	})

	t.Run("null", func(t *testing.T) {
		assert.NoError(t, transport.ParseTransactionError(json.RawMessage(`null`), nil))
		assert.NoError(t, transport.ParseTransactionError(nil, nil))
	})
}

// ============================================================================
// Test: message compilation and signing
// ============================================================================

func TestCompileMessage_OrdersKeys(t *testing.T) {
	program := tu.Key("program")
	payer, owner := tu.Key("payer"), tu.Key("owner")
	rw, ro, shared := tu.Key("rw"), tu.Key("ro"), tu.Key("shared")

	ix := &instruction.Instruction{
		ProgramID: program,
		Accounts: []instruction.AccountMeta{
			{Name: "ro", Key: ro},
			{Name: "shared", Key: shared},
			{Name: "owner", Key: owner, Signer: true, Writable: true},
			{Name: "rw", Key: rw, Writable: true},
			{Name: "shared_again", Key: shared, Writable: true},
		},
		Data: []byte{1, 2, 3},
	}

	msg, err := transport.CompileMessage(payer, tu.Key("blockhash"), ix)
	require.NoError(t, err)

	assert.Equal(t, []address.Pubkey{payer, owner, shared, rw, ro, program}, msg.AccountKeys)
	assert.Equal(t, uint8(2), msg.NumRequiredSignatures)
	assert.Equal(t, uint8(0), msg.NumReadonlySignedAccounts)
	assert.Equal(t, uint8(2), msg.NumReadonlyUnsignedAccounts)
	assert.Equal(t, []address.Pubkey{payer, owner}, msg.Signers())

	for i, want := range []bool{true, true, true, true, false, false} {
		assert.Equal(t, want, msg.IsWritable(i), "key %d", i)
	}

	require.Len(t, msg.Instructions, 1)
	assert.Equal(t, uint8(5), msg.Instructions[0].ProgramIDIndex)
	assert.Equal(t, []uint8{4, 2, 1, 3, 2}, msg.Instructions[0].Accounts)
}

func TestCompileMessage_PayerIsSigner(t *testing.T) {
	owner := tu.Key("owner")
	ix := &instruction.Instruction{
		ProgramID: tu.Key("program"),
		Accounts:  []instruction.AccountMeta{{Key: owner, Signer: true, Writable: true}},
	}
	msg, err := transport.CompileMessage(owner, tu.Key("blockhash"), ix)
	require.NoError(t, err)
	assert.Len(t, msg.AccountKeys, 2)
	assert.Equal(t, uint8(1), msg.NumRequiredSignatures)

	_, err = transport.CompileMessage(address.Pubkey{}, tu.Key("blockhash"), ix)
	assert.Error(t, err)
}

func TestSign(t *testing.T) {
	priv := keypair(t, "owner")
	owner := transport.PublicKeyOf(priv)
	ix := &instruction.Instruction{
		ProgramID: tu.Key("program"),
		Accounts:  []instruction.AccountMeta{{Key: owner, Signer: true, Writable: true}},
		Data:      make([]byte, 200),
	}
	msg, err := transport.CompileMessage(owner, tu.Key("blockhash"), ix)
	require.NoError(t, err)

	tx, err := transport.Sign(msg, transport.NewKeyring(priv))
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 1)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(owner[:]), msg.Serialize(), tx.Signatures[0][:]))

	wire := tx.Serialize()
	assert.Equal(t, byte(1), wire[0])
	body := msg.Serialize()
	assert.Equal(t, body, wire[1+ed25519.SignatureSize:])
	// 200 bytes of data need a two-byte length prefix.
	assert.Equal(t, []byte{0xc8, 0x01}, body[len(body)-202:len(body)-200])

	_, err = transport.Sign(msg, transport.NewKeyring())
	assert.Error(t, err)
}

func TestKeypair(t *testing.T) {
	priv := keypair(t, "identity")
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	loaded, err := transport.LoadKeypair(path)
	require.NoError(t, err)
	assert.True(t, priv.Equal(loaded))

	_, err = transport.ParseKeypair([]byte(`[1,2,3]`))
	assert.Error(t, err)

	ints[63] ^= 0xff
	raw, _ = json.Marshal(ints)
	_, err = transport.ParseKeypair(raw)
	assert.ErrorContains(t, err, "does not match")
}

// ============================================================================
// Test: ledger client
// ============================================================================

type clientFixture struct {
	node    *fakeNode
	client  *transport.Client
	program address.Pubkey
	owner   ed25519.PrivateKey
	builder *instruction.Builder
}

func newClientFixture(t *testing.T) *clientFixture {
	node, srv := newFakeNode(t)
	program := address.DefaultProgramID
	owner := keypair(t, "owner")
	client := transport.NewClient(transport.Config{
		Endpoint:     srv.URL,
		ProgramID:    program,
		Preflight:    true,
		PollInterval: 5 * time.Millisecond,
		RPC:          fastOptions(),
	}, transport.NewKeyring(owner), nil, zerolog.Nop())

	node.on("getLatestBlockhash", func([]json.RawMessage) (any, *transport.RPCError) {
		return map[string]any{
			"context": map[string]any{"slot": 10},
			"value":   map[string]any{"blockhash": tu.Key("blockhash").String(), "lastValidBlockHeight": 200},
		}, nil
	})
	return &clientFixture{
		node:    node,
		client:  client,
		program: program,
		owner:   owner,
		builder: instruction.NewBuilder(address.NewDeriver(program), nil),
	}
}

func (f *clientFixture) openIx(t *testing.T) *instruction.Instruction {
	t.Helper()
	ix, err := f.builder.Build(context.Background(), instruction.OpenPositionParams{
		PositionTarget:   instruction.PositionTarget{Owner: transport.PublicKeyOf(f.owner), Pool: tu.Key("pool"), Mint: tu.Key("mint")},
		Side:             account.SideLong,
		CollateralAmount: tu.Tokens(100),
		Leverage:         200,
		AcceptablePrice:  51_000000,
	})
	require.NoError(t, err)
	return ix
}

func TestClient_SendSignsAndSubmits(t *testing.T) {
	f := newClientFixture(t)
	var wire []byte
	var opts map[string]any
	f.node.on("sendTransaction", func(params []json.RawMessage) (any, *transport.RPCError) {
		var encoded string
		_ = json.Unmarshal(params[0], &encoded)
		wire, _ = base64.StdEncoding.DecodeString(encoded)
		_ = json.Unmarshal(params[1], &opts)
		return "5sig", nil
	})

	ix := f.openIx(t)
	sig, err := f.client.Send(context.Background(), ix)
	require.NoError(t, err)
	assert.Equal(t, "5sig", sig.String())

	require.NotEmpty(t, wire)
	assert.Equal(t, byte(1), wire[0])
	msg := wire[1+ed25519.SignatureSize:]
	pub := transport.PublicKeyOf(f.owner)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub[:]), msg, wire[1:1+ed25519.SignatureSize]))
	assert.Equal(t, "base64", opts["encoding"])
	assert.Equal(t, false, opts["skipPreflight"])
}

func TestClient_SendPreflightRejection(t *testing.T) {
	f := newClientFixture(t)
	f.node.on("sendTransaction", func([]json.RawMessage) (any, *transport.RPCError) {
		data, _ := json.Marshal(map[string]any{
			"err":  map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 6005}}},
			"logs": []string{"Program log: Error Code: InvalidLeverage"},
		})
		return nil, &transport.RPCError{Code: -32002, Message: "Transaction simulation failed", Data: data}
	})

	_, err := f.client.Send(context.Background(), f.openIx(t))
	var le *protocol.LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, protocol.CodeInvalidLeverage, le.Code)
	assert.NotEmpty(t, le.Logs)
	assert.False(t, protocol.IsRetryable(err))
}

func TestClient_SendLostReplyKeepsSignature(t *testing.T) {
	f := newClientFixture(t)
	var wire []byte
	f.node.on("sendTransaction", func(params []json.RawMessage) (any, *transport.RPCError) {
		var encoded string
		_ = json.Unmarshal(params[0], &encoded)
		wire, _ = base64.StdEncoding.DecodeString(encoded)
		return "5sig", nil
	})
	f.node.lost["sendTransaction"] = http.StatusBadGateway

	sig, err := f.client.Send(context.Background(), f.openIx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrMaybeDelivered)
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.NotErrorIs(t, err, protocol.ErrRejected)

	require.NotEmpty(t, wire)
	assert.Equal(t, base58.Encode(wire[1:1+ed25519.SignatureSize]), sig.String())
}

func TestClient_SendNodeAnswerIsNotDelivered(t *testing.T) {
	f := newClientFixture(t)
	f.node.on("sendTransaction", func([]json.RawMessage) (any, *transport.RPCError) {
		return nil, &transport.RPCError{Code: -32005, Message: "Node is behind"}
	})

	sig, err := f.client.Send(context.Background(), f.openIx(t))
	require.Error(t, err)
	assert.Empty(t, sig)
	assert.NotErrorIs(t, err, ledger.ErrMaybeDelivered)

	f.node.on("sendTransaction", func([]json.RawMessage) (any, *transport.RPCError) { return "5sig", nil })
	f.node.lost["sendTransaction"] = http.StatusBadRequest
	sig, err = f.client.Send(context.Background(), f.openIx(t))
	require.Error(t, err)
	assert.Empty(t, sig)
	assert.NotErrorIs(t, err, ledger.ErrMaybeDelivered)
}

func TestClient_SendWithoutSigningKey(t *testing.T) {
	f := newClientFixture(t)
	ix := f.openIx(t)
	ix.Accounts[0].Key = tu.Key("stranger")

	_, err := f.client.Send(context.Background(), ix)
	require.Error(t, err)
	assert.Zero(t, f.node.count("sendTransaction"))
}

func TestClient_Await(t *testing.T) {
	f := newClientFixture(t)
	polls := 0
	f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *transport.RPCError) {
		polls++
		if polls < 3 {
			return map[string]any{"value": []any{nil}}, nil
		}
		return map[string]any{"value": []any{map[string]any{"slot": 42, "err": nil, "confirmationStatus": "confirmed"}}}, nil
	})
	f.node.on("getTransaction", func([]json.RawMessage) (any, *transport.RPCError) {
		return map[string]any{"meta": map[string]any{"logMessages": []string{"Program log: Instruction: OpenPosition"}}}, nil
	})

	r, err := f.client.Await(context.Background(), "5sig")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), r.Slot)
	assert.Equal(t, []string{"Program log: Instruction: OpenPosition"}, r.Logs)
	assert.Equal(t, 3, polls)
}

func TestClient_AwaitRejected(t *testing.T) {
	f := newClientFixture(t)
	f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *transport.RPCError) {
		return map[string]any{"value": []any{map[string]any{
			"slot": 42, "confirmationStatus": "confirmed",
			"err": map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 6012}}},
		}}}, nil
	})

	_, err := f.client.Await(context.Background(), "5sig")
	assert.True(t, protocol.HasCode(err, protocol.CodeInsufficientLiquidity))
}

func TestClient_AwaitRuntimeRejection(t *testing.T) {
	statuses := map[string]any{
		"builtin":      map[string]any{"InstructionError": []any{0, "ComputationalBudgetExceeded"}},
		"transaction":  "AccountInUse",
		"unrecognised": map[string]any{"InstructionError": "odd"},
		"blockhash":    "BlockhashNotFound",
	}
	for name, txErr := range statuses {
		t.Run(name, func(t *testing.T) {
			f := newClientFixture(t)
			f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *transport.RPCError) {
				return map[string]any{"value": []any{map[string]any{
					"slot": 42, "confirmationStatus": "confirmed", "err": txErr,
				}}}, nil
			})

			_, err := f.client.Await(context.Background(), "5sig")
			var re *transport.RuntimeError
			require.ErrorAs(t, err, &re)
			assert.ErrorIs(t, err, protocol.ErrRejected)
			assert.False(t, protocol.IsRetryable(err))
		})
	}
}

func TestClient_AwaitTimeoutAndCancel(t *testing.T) {
	f := newClientFixture(t)
	f.node.on("getSignatureStatuses", func([]json.RawMessage) (any, *transport.RPCError) {
		return map[string]any{"value": []any{nil}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.client.Await(ctx, "5sig")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, protocol.IsRetryable(err))

	node, srv := newFakeNode(t)
	node.on("getSignatureStatuses", func([]json.RawMessage) (any, *transport.RPCError) {
		return map[string]any{"value": []any{nil}}, nil
	})
	bounded := transport.NewClient(transport.Config{
		Endpoint:     srv.URL,
		PollInterval: 5 * time.Millisecond,
		AwaitTimeout: 30 * time.Millisecond,
		RPC:          fastOptions(),
	}, transport.NewKeyring(), nil, zerolog.Nop())
	_, err = bounded.Await(context.Background(), "5sig")
	assert.True(t, protocol.IsRetryable(err))
}

func TestClient_Fetch(t *testing.T) {
	f := newClientFixture(t)
	pool := account.MustEncode(&account.Pool{Name: "alpha"})
	poolID := tu.Key("pool")
	f.node.on("getAccountInfo", func(params []json.RawMessage) (any, *transport.RPCError) {
		var id string
		_ = json.Unmarshal(params[0], &id)
		if id != poolID.String() {
			return map[string]any{"context": map[string]any{"slot": 7}, "value": nil}, nil
		}
		return map[string]any{
			"context": map[string]any{"slot": 7},
			"value": map[string]any{
				"lamports": 1_000_000,
				"owner":    f.program.String(),
				"data":     []string{base64.StdEncoding.EncodeToString(pool), "base64"},
			},
		}, nil
	})

	raw, err := f.client.Fetch(context.Background(), poolID)
	require.NoError(t, err)
	assert.Equal(t, pool, raw.Data)
	assert.Equal(t, uint64(7), raw.Slot)
	assert.Equal(t, f.program, raw.Owner)

	_, err = f.client.Fetch(context.Background(), tu.Key("missing"))
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestClient_FetchAllFiltersByDiscriminator(t *testing.T) {
	f := newClientFixture(t)
	var filter string
	a, b := tu.Key("a"), tu.Key("b")
	data := base64.StdEncoding.EncodeToString(account.MustEncode(&account.Pool{Name: "x"}))
	f.node.on("getProgramAccounts", func(params []json.RawMessage) (any, *transport.RPCError) {
		var cfg struct {
			Filters []struct {
				Memcmp struct {
					Offset int    `json:"offset"`
					Bytes  string `json:"bytes"`
				} `json:"memcmp"`
			} `json:"filters"`
		}
		_ = json.Unmarshal(params[1], &cfg)
		filter = cfg.Filters[0].Memcmp.Bytes
		entry := func(id address.Pubkey) map[string]any {
			return map[string]any{"pubkey": id.String(), "account": map[string]any{
				"lamports": 1, "owner": f.program.String(), "data": []string{data, "base64"},
			}}
		}
		return map[string]any{"context": map[string]any{"slot": 9}, "value": []any{entry(b), entry(a)}}, nil
	})

	raws, err := f.client.FetchAll(context.Background(), account.KindPool)
	require.NoError(t, err)
	require.Len(t, raws, 2)
	disc := account.KindPool.Discriminator()
	assert.Equal(t, base58.Encode(disc[:]), filter)
	assert.True(t, strings.Compare(string(raws[0].ID[:]), string(raws[1].ID[:])) < 0)
}

func TestClient_FetchTransportFailure(t *testing.T) {
	f := newClientFixture(t)
	f.node.mu.Lock()
	f.node.status = http.StatusBadGateway
	f.node.mu.Unlock()

	_, err := f.client.Fetch(context.Background(), tu.Key("pool"))
	assert.True(t, protocol.IsRetryable(err))
	assert.False(t, errors.Is(err, protocol.ErrNotFound))
}

// ============================================================================
// Test: watcher
// ============================================================================

type invalidations struct {
	mu    sync.Mutex
	refs  []account.Ref
	kinds int
	ch    chan struct{}
}

func (i *invalidations) Invalidate(kind account.Kind, id address.Pubkey) {
	i.mu.Lock()
	i.refs = append(i.refs, account.Ref{Kind: kind, ID: id})
	i.mu.Unlock()
	i.ch <- struct{}{}
}

func (i *invalidations) InvalidateKind(account.Kind) {
	i.mu.Lock()
	i.kinds++
	i.mu.Unlock()
}

func TestWatcher_InvalidatesNotifiedAccounts(t *testing.T) {
	program := address.DefaultProgramID
	poolID := tu.Key("pool")
	data := base64.StdEncoding.EncodeToString(account.MustEncode(&account.Pool{Name: "alpha"}))
	subscribed := make(chan map[string]any, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "result": 7, "id": 1})
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "programNotification",
			"params": map[string]any{"subscription": 7, "result": map[string]any{
				"context": map[string]any{"slot": 5},
				"value": map[string]any{"pubkey": poolID.String(), "account": map[string]any{
					"lamports": 1, "owner": program.String(), "data": []string{data, "base64"},
				}},
			}},
		})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	target := &invalidations{ch: make(chan struct{}, 4)}
	w := transport.NewWatcher("ws"+strings.TrimPrefix(srv.URL, "http"), program, target,
		transport.WithWatcherMetrics(metrics),
		transport.WithReconnectDelay(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	req := <-subscribed
	assert.Equal(t, "programSubscribe", req["method"])

	select {
	case <-target.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation received")
	}
	cancel()
	<-done

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, []account.Ref{{Kind: account.KindPool, ID: poolID}}, target.refs)
	assert.Equal(t, len(account.Kinds), target.kinds)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WatcherUpdates.WithLabelValues("pool")))
	assert.False(t, w.Connected())
}

// Package transport reaches a live ledger over JSON-RPC and websockets.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"PerpClient/internal/observability"
	"PerpClient/internal/protocol"
)

// StatusError is a non-2xx HTTP response from the RPC node.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc http status=%d body=%s", e.StatusCode, string(e.Body))
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes the node uses for transaction failures.
const (
	rpcSendTransactionPreflightFailure = -32002
	rpcBlockhashNotFound               = -32016
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCOptions tunes the resilience pipeline.
type RPCOptions struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	BreakerFailure uint
	BreakerWindow  uint
	BreakerDelay   time.Duration
	RPS            float64
	Burst          int
}

// DefaultRPCOptions mirrors a public endpoint's limits.
func DefaultRPCOptions() RPCOptions {
	return RPCOptions{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		BackoffMin:     100 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		BreakerFailure: 5,
		BreakerWindow:  10,
		BreakerDelay:   10 * time.Second,
		RPS:            10,
		Burst:          20,
	}
}

// RPC is a JSON-RPC 2.0 client with retry, circuit breaking and rate
// limiting. Connectivity failures surface as *protocol.TransportError.
type RPC struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	pipeline failsafe.Executor[[]byte]
	metrics  *observability.Metrics
	nextID   atomic.Uint64
}

func NewRPC(endpoint string, opts RPCOptions, metrics *observability.Metrics) *RPC {
	retryable := func(_ []byte, err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var se *StatusError
		if errors.As(err, &se) {
			return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
		}
		return true
	}

	retryPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(retryable).
		WithBackoff(opts.BackoffMin, opts.BackoffMax).
		WithMaxRetries(opts.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[[]byte]().
		HandleIf(retryable).
		WithFailureThresholdRatio(opts.BreakerFailure, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	return &RPC{
		endpoint: endpoint,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, max(opts.Burst, 1)),
		pipeline: failsafe.With[[]byte](retryPolicy, breaker),
		metrics:  metrics,
	}
}

// Call invokes method and decodes the result into out. JSON-RPC error
// objects are returned as *RPCError and are not retried.
func (c *RPC) Call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	start := time.Now()
	body, err := c.pipeline.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[[]byte]) ([]byte, error) {
		if exec.Attempts() > 1 && c.metrics != nil {
			c.metrics.RPCRetries.WithLabelValues(method).Inc()
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.post(ctx, payload)
	})
	if err != nil {
		c.observe(method, "transport_error", start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &protocol.TransportError{Op: method, Err: err}
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.observe(method, "decode_error", start)
		return &protocol.TransportError{Op: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Error != nil {
		c.observe(method, "rpc_error", start)
		return resp.Error
	}
	c.observe(method, "ok", start)
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *RPC) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

func (c *RPC) observe(method, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveRPC(method, status, time.Since(start))
	}
}

package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"syscall"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"PerpClient/internal/protocol"
)

// ErrBlockhashExpired means the transaction was built against a blockhash
// the node no longer accepts. It never landed and may be rebuilt.
var ErrBlockhashExpired = errors.New("blockhash not found")

// RuntimeError is a rejection raised by the runtime rather than the
// program, so it carries no program error code.
type RuntimeError struct {
	InstructionIndex int
	Reason           string
	Logs             []string
}

func (e *RuntimeError) Error() string {
	if e.InstructionIndex < 0 {
		return "transaction rejected: " + e.Reason
	}
	return fmt.Sprintf("instruction %d rejected: %s", e.InstructionIndex, e.Reason)
}

func (e *RuntimeError) Is(target error) bool { return target == protocol.ErrRejected }

// ParseTransactionError converts a transaction error value, as found in
// signature statuses and simulation results, into a typed error. Program
// errors such as {"InstructionError":[0,{"Custom":6005}]} become
// *protocol.LedgerError. Every other shape is a *RuntimeError, except
// BlockhashNotFound, which never landed. A null value yields nil.
func ParseTransactionError(raw json.RawMessage, logs []string) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if name == "BlockhashNotFound" {
			return &protocol.TransportError{Op: "send", Err: ErrBlockhashExpired}
		}
		return &RuntimeError{InstructionIndex: -1, Reason: name, Logs: logs}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &RuntimeError{InstructionIndex: -1, Reason: "unrecognised error " + string(raw), Logs: logs}
	}
	body, ok := obj["InstructionError"]
	if !ok {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return &RuntimeError{InstructionIndex: -1, Reason: fmt.Sprint(keys), Logs: logs}
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(body, &pair); err != nil || len(pair) != 2 {
		return &RuntimeError{InstructionIndex: -1, Reason: "unrecognised instruction error " + string(body), Logs: logs}
	}
	var index int
	if err := json.Unmarshal(pair[0], &index); err != nil {
		return &RuntimeError{InstructionIndex: -1, Reason: "unrecognised instruction error " + string(body), Logs: logs}
	}

	var custom struct {
		Custom *uint32 `json:"Custom"`
	}
	if err := json.Unmarshal(pair[1], &custom); err == nil && custom.Custom != nil {
		return &protocol.LedgerError{Code: protocol.ErrorCode(*custom.Custom), InstructionIndex: index, Logs: logs}
	}
	var reason string
	if err := json.Unmarshal(pair[1], &reason); err != nil {
		reason = string(pair[1])
	}
	return &RuntimeError{InstructionIndex: index, Reason: reason, Logs: logs}
}

// simulationFailure is the data of a preflight rejection.
type simulationFailure struct {
	Err  json.RawMessage `json:"err"`
	Logs []string        `json:"logs"`
}

// mayHaveLanded reports whether a failed sendTransaction call could still
// have delivered the transaction. Only answers from the node, refused
// connections and an open breaker prove it never arrived.
func mayHaveLanded(err error) bool {
	var (
		rpcErr *RPCError
		status *StatusError
		dnsErr *net.DNSError
	)
	switch {
	case errors.Is(err, protocol.ErrRejected), errors.Is(err, ErrBlockhashExpired):
		return false
	case errors.As(err, &rpcErr), errors.As(err, &dnsErr):
		return false
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, circuitbreaker.ErrOpen):
		return false
	case errors.As(err, &status):
		return status.StatusCode >= http.StatusInternalServerError
	default:
		return true
	}
}

// classify maps an RPC error from sendTransaction onto the client's error
// taxonomy.
func classify(op string, err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case rpcSendTransactionPreflightFailure:
		var sim simulationFailure
		if json.Unmarshal(rpcErr.Data, &sim) == nil {
			if parsed := ParseTransactionError(sim.Err, sim.Logs); parsed != nil {
				return parsed
			}
		}
		return &RuntimeError{InstructionIndex: -1, Reason: rpcErr.Message}
	case rpcBlockhashNotFound:
		return &protocol.TransportError{Op: op, Err: ErrBlockhashExpired}
	default:
		return &protocol.TransportError{Op: op, Err: rpcErr}
	}
}

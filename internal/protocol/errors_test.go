package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"PerpClient/internal/protocol"
)

// ============================================================================
// Test: ErrorCode table
// ============================================================================

func TestErrorCode_ProgramCodesAreStable(t *testing.T) {
	cases := []struct {
		code protocol.ErrorCode
		num  uint32
		name string
	}{
		{protocol.CodeInvalidPrice, 6000, "InvalidPrice"},
		{protocol.CodeInvalidPoolName, 6001, "InvalidPoolName"},
		{protocol.CodeMathOverflow, 6004, "MathOverflow"},
		{protocol.CodeInvalidLeverage, 6005, "InvalidLeverage"},
		{protocol.CodeInvalidCollateralAmount, 6006, "InvalidCollateralAmount"},
		{protocol.CodeActionNotAllowed, 6010, "ActionNotAllowed"},
		{protocol.CodeInsufficientLiquidity, 6012, "InsufficientLiquidity"},
	}
	for _, tc := range cases {
		if uint32(tc.code) != tc.num {
			t.Errorf("%s: got %d, want %d", tc.name, uint32(tc.code), tc.num)
		}
		if tc.code.Name() != tc.name {
			t.Errorf("code %d name: got %q, want %q", tc.num, tc.code.Name(), tc.name)
		}
	}
}

func TestErrorCode_UnknownName(t *testing.T) {
	if got := protocol.ErrorCode(7777).Name(); got != "Unknown(7777)" {
		t.Errorf("got %q", got)
	}
	if protocol.ErrorCode(7777).Known() {
		t.Error("7777 should not be known")
	}
}

func TestParseCodeName(t *testing.T) {
	code, ok := protocol.ParseCodeName("invalidleverage")
	if !ok || code != protocol.CodeInvalidLeverage {
		t.Fatalf("got %v %v", code, ok)
	}
	if _, ok := protocol.ParseCodeName("Nope"); ok {
		t.Error("unexpected match")
	}
}

// ============================================================================
// Test: taxonomy
// ============================================================================

func TestCodeOf_LocalAndLedgerShareCode(t *testing.T) {
	local := protocol.NewCodedValidationError("open_position", "leverage", protocol.CodeInvalidLeverage, "9000 > 8000")
	remote := &protocol.LedgerError{Code: protocol.CodeInvalidLeverage}

	for _, err := range []error{local, fmt.Errorf("wrapped: %w", remote)} {
		if !protocol.HasCode(err, protocol.CodeInvalidLeverage) {
			t.Errorf("%v should carry InvalidLeverage", err)
		}
	}
	if !errors.Is(local, protocol.ErrValidation) {
		t.Error("local error should match ErrValidation")
	}
	if !errors.Is(remote, protocol.ErrRejected) {
		t.Error("ledger error should match ErrRejected")
	}
}

func TestCodeOf_UncodedValidation(t *testing.T) {
	err := protocol.NewValidationError("add_liquidity", "funding_account", "missing")
	if _, ok := protocol.CodeOf(err); ok {
		t.Error("uncoded validation error should not report a code")
	}
}

func TestIsRetryable(t *testing.T) {
	transport := &protocol.TransportError{Op: "send", Err: errors.New("connection refused")}
	if !protocol.IsRetryable(fmt.Errorf("submit: %w", transport)) {
		t.Error("transport error should be retryable")
	}
	if protocol.IsRetryable(&protocol.LedgerError{Code: protocol.CodeInvalidAmount}) {
		t.Error("ledger rejection is not retryable")
	}
	if protocol.IsRetryable(protocol.ErrNotFound) {
		t.Error("not found is not retryable")
	}
	cancelled := &protocol.TransportError{Op: "await", Err: context.Canceled}
	if protocol.IsRetryable(cancelled) {
		t.Error("cancellation is not retryable")
	}
}

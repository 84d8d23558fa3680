package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable numeric error returned by the ledger program.
// Program errors start at 6000; lower values come from the runtime and
// the account framework.
type ErrorCode uint32

const (
	CodeInvalidPrice ErrorCode = 6000 + iota
	CodeInvalidPoolName
	CodeInvalidOraclePrice
	CodePriceTooOld
	CodeMathOverflow
	CodeInvalidLeverage
	CodeInvalidCollateralAmount
	CodePositionNotLiquidatable
	CodePriceSlippageExceeded
	CodeInvalidAmount
	CodeActionNotAllowed
	CodeSlippageExceeded
	CodeInsufficientLiquidity
)

// Framework and runtime codes the client needs to branch on.
const (
	CodeAccountAlreadyInUse          ErrorCode = 0
	CodeInsufficientFunds            ErrorCode = 1
	CodeInstructionFallbackNotFound  ErrorCode = 101
	CodeInstructionDidNotDeserialize ErrorCode = 102
	CodeConstraintMut                ErrorCode = 2000
	CodeConstraintHasOne             ErrorCode = 2001
	CodeConstraintRaw                ErrorCode = 2003
	CodeConstraintSeeds              ErrorCode = 2006
	CodeConstraintTokenMint          ErrorCode = 2014
	CodeConstraintTokenOwner         ErrorCode = 2015
	CodeAccountDiscriminatorMismatch ErrorCode = 3002
	CodeAccountDidNotSerialize       ErrorCode = 3004
	CodeAccountNotEnoughKeys         ErrorCode = 3005
	CodeInvalidProgramID             ErrorCode = 3008
	CodeAccountNotSigner             ErrorCode = 3010
	CodeAccountNotInitialized        ErrorCode = 3012
	CodeDeclaredProgramIDMismatch    ErrorCode = 4100
)

type codeInfo struct {
	name    string
	message string
}

var codeTable = map[ErrorCode]codeInfo{
	CodeInvalidPrice:            {"InvalidPrice", "Invalid price"},
	CodeInvalidPoolName:         {"InvalidPoolName", "Invalid pool name"},
	CodeInvalidOraclePrice:      {"InvalidOraclePrice", "Invalid oracle price"},
	CodePriceTooOld:             {"PriceTooOld", "Price too old"},
	CodeMathOverflow:            {"MathOverflow", "Math overflow"},
	CodeInvalidLeverage:         {"InvalidLeverage", "Invalid leverage"},
	CodeInvalidCollateralAmount: {"InvalidCollateralAmount", "Invalid collateral amount"},
	CodePositionNotLiquidatable: {"PositionNotLiquidatable", "Position not liquidatable"},
	CodePriceSlippageExceeded:   {"PriceSlippageExceeded", "Price slippage exceeded"},
	CodeInvalidAmount:           {"InvalidAmount", "Invalid amount"},
	CodeActionNotAllowed:        {"ActionNotAllowed", "Action not allowed"},
	CodeSlippageExceeded:        {"SlippageExceeded", "Slippage exceeded"},
	CodeInsufficientLiquidity:   {"InsufficientLiquidity", "Insufficient liquidity"},

	CodeAccountAlreadyInUse:          {"AccountAlreadyInUse", "Account already in use"},
	CodeInsufficientFunds:            {"InsufficientFunds", "Insufficient funds"},
	CodeInstructionFallbackNotFound:  {"InstructionFallbackNotFound", "Fallback functions are not supported"},
	CodeInstructionDidNotDeserialize: {"InstructionDidNotDeserialize", "The program could not deserialize the given instruction"},
	CodeConstraintMut:                {"ConstraintMut", "A mut constraint was violated"},
	CodeConstraintHasOne:             {"ConstraintHasOne", "A has one constraint was violated"},
	CodeConstraintRaw:                {"ConstraintRaw", "A raw constraint was violated"},
	CodeConstraintSeeds:              {"ConstraintSeeds", "A seeds constraint was violated"},
	CodeConstraintTokenMint:          {"ConstraintTokenMint", "A token mint constraint was violated"},
	CodeConstraintTokenOwner:         {"ConstraintTokenOwner", "A token owner constraint was violated"},
	CodeAccountDiscriminatorMismatch: {"AccountDiscriminatorMismatch", "8 byte discriminator did not match what was expected"},
	CodeAccountDidNotSerialize:       {"AccountDidNotSerialize", "Failed to serialize the account"},
	CodeAccountNotEnoughKeys:         {"AccountNotEnoughKeys", "Not enough account keys given to the instruction"},
	CodeInvalidProgramID:             {"InvalidProgramId", "Program ID was not as expected"},
	CodeAccountNotSigner:             {"AccountNotSigner", "The given account did not sign"},
	CodeAccountNotInitialized:        {"AccountNotInitialized", "The program expected this account to be already initialized"},
	CodeDeclaredProgramIDMismatch:    {"DeclaredProgramIdMismatch", "The declared program id does not match the actual program id"},
}

// Name returns the symbolic name of the code, e.g. "InvalidLeverage".
func (c ErrorCode) Name() string {
	if info, ok := codeTable[c]; ok {
		return info.name
	}
	return fmt.Sprintf("Unknown(%d)", uint32(c))
}

// Message returns the human-readable message of the code.
func (c ErrorCode) Message() string {
	if info, ok := codeTable[c]; ok {
		return info.message
	}
	return "unknown error"
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%s(%d)", c.Name(), uint32(c))
}

// Known reports whether the code is in the client's table.
func (c ErrorCode) Known() bool {
	_, ok := codeTable[c]
	return ok
}

// ParseCodeName resolves a symbolic name back to its code.
func ParseCodeName(name string) (ErrorCode, bool) {
	for code, info := range codeTable {
		if strings.EqualFold(info.name, name) {
			return code, true
		}
	}
	return 0, false
}

var (
	// ErrNotFound is a legitimate negative result: the account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("local validation failed")

	// ErrRejected matches every *LedgerError via errors.Is.
	ErrRejected = errors.New("rejected by ledger")

	// ErrTransport matches every *TransportError via errors.Is.
	ErrTransport = errors.New("transport failure")
)

// ValidationError is raised before anything is sent to the ledger.
// Code is set when the violated rule has a ledger-side twin, so callers can
// branch on the same code whether the rejection was local or remote.
type ValidationError struct {
	Op      string
	Field   string
	Code    ErrorCode
	HasCode bool
	Reason  string
}

// NewValidationError builds a validation error without a ledger code.
func NewValidationError(op, field, format string, args ...any) *ValidationError {
	return &ValidationError{Op: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NewCodedValidationError builds a validation error mirroring a ledger code.
func NewCodedValidationError(op, field string, code ErrorCode, format string, args ...any) *ValidationError {
	return &ValidationError{Op: op, Field: field, Code: code, HasCode: true, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.HasCode {
		return fmt.Sprintf("%s: invalid %s: %s (%s)", e.Op, e.Field, e.Reason, e.Code)
	}
	return fmt.Sprintf("%s: invalid %s: %s", e.Op, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// LedgerError is a rejection returned by the ledger program.
type LedgerError struct {
	Code             ErrorCode
	InstructionIndex int
	Logs             []string
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger rejected instruction %d: %s: %s", e.InstructionIndex, e.Code, e.Code.Message())
}

func (e *LedgerError) Is(target error) bool { return target == ErrRejected }

// TransportError wraps connectivity failures and timeouts. Callers may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// CodeOf extracts the stable code from a local validation error or a ledger
// rejection anywhere in the chain.
func CodeOf(err error) (ErrorCode, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code, true
	}
	var ve *ValidationError
	if errors.As(err, &ve) && ve.HasCode {
		return ve.Code, true
	}
	return 0, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsRetryable reports whether err is a transport failure that the caller
// may retry. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransport)
}

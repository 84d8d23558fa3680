package instruction

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
)

// Argument payloads, Borsh-encoded after the 8-byte discriminator.

type InitializeArgs struct {
	MinSignatures uint8
	Admins        []address.Pubkey
}

type AddPoolArgs struct {
	Name string
}

type AddCustodyArgs struct {
	IsStable     bool
	OracleType   account.OracleType
	InitialPrice uint64
}

type UpdatePriceArgs struct {
	NewPrice uint64
}

type AddLiquidityArgs struct {
	AmountIn       uint64
	MinLPAmountOut uint64
}

type RemoveLiquidityArgs struct {
	LPAmountIn   uint64
	MinAmountOut uint64
}

type OpenPositionArgs struct {
	Side             account.Side
	CollateralAmount uint64
	Leverage         uint64
	AcceptablePrice  uint64
}

// NoArgs is the payload of close, update and liquidate.
type NoArgs struct{}

var ErrShortData = errors.New("instruction data shorter than discriminator")

func encodeData(op Op, args any) ([]byte, error) {
	d := op.Discriminator()
	var buf bytes.Buffer
	buf.Write(d[:])
	if _, empty := args.(NoArgs); !empty {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode %s args: %w", op, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeData recovers the op and its typed arguments from instruction data.
func DecodeData(data []byte) (Op, any, error) {
	if len(data) < 8 {
		return 0, nil, ErrShortData
	}
	var disc [8]byte
	copy(disc[:], data[:8])

	op, ok := opByDiscriminator(disc)
	if !ok {
		return 0, nil, fmt.Errorf("unknown instruction discriminator %v", disc)
	}

	payload := data[8:]
	var err error
	switch op {
	case OpInitialize:
		var a InitializeArgs
		err = decodeArgs(payload, &a)
		return op, a, err
	case OpAddPool:
		var a AddPoolArgs
		err = decodeArgs(payload, &a)
		return op, a, err
	case OpAddCustody:
		var a AddCustodyArgs
		err = decodeArgs(payload, &a)
		return op, a, err
	case OpUpdatePrice:
		var a UpdatePriceArgs
		err = decodeArgs(payload, &a)
		return op, a, err
	case OpAddLiquidity:
		var a AddLiquidityArgs
		err = decodeArgs(payload, &a)
		return op, a, err
	case OpRemoveLiquidity:
		var a RemoveLiquidityArgs
		err = decodeArgs(payload, &a)
		return op, a, err
	case OpOpenPosition:
		var a OpenPositionArgs
		err = decodeArgs(payload, &a)
		return op, a, err
	default:
		return op, NoArgs{}, nil
	}
}

func decodeArgs(payload []byte, v any) error {
	if err := bin.NewBorshDecoder(payload).Decode(v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func opByDiscriminator(d [8]byte) (Op, bool) {
	for op, disc := range opDiscriminators {
		if disc == d {
			return op, true
		}
	}
	return 0, false
}

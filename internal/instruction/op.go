package instruction

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Op is one of the program's instructions.
type Op uint8

const (
	OpInitialize Op = iota
	OpAddPool
	OpAddCustody
	OpUpdatePrice
	OpAddLiquidity
	OpRemoveLiquidity
	OpOpenPosition
	OpClosePosition
	OpUpdatePosition
	OpLiquidatePosition
)

// Ops lists every supported instruction.
var Ops = []Op{
	OpInitialize,
	OpAddPool,
	OpAddCustody,
	OpUpdatePrice,
	OpAddLiquidity,
	OpRemoveLiquidity,
	OpOpenPosition,
	OpClosePosition,
	OpUpdatePosition,
	OpLiquidatePosition,
}

var opNames = map[Op]string{
	OpInitialize:        "initialize",
	OpAddPool:           "add_pool",
	OpAddCustody:        "add_custody",
	OpUpdatePrice:       "update_price",
	OpAddLiquidity:      "add_liquidity",
	OpRemoveLiquidity:   "remove_liquidity",
	OpOpenPosition:      "open_position",
	OpClosePosition:     "close_position",
	OpUpdatePosition:    "update_position",
	OpLiquidatePosition: "liquidate_position",
}

// String returns the snake_case instruction name.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func (o Op) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// Discriminator is sha256("global:<name>")[:8].
func (o Op) Discriminator() [8]byte {
	return opDiscriminators[o]
}

var opDiscriminators = func() map[Op][8]byte {
	out := make(map[Op][8]byte, len(Ops))
	for _, op := range Ops {
		sum := sha256.Sum256([]byte("global:" + op.String()))
		var d [8]byte
		copy(d[:], sum[:8])
		out[op] = d
	}
	return out
}()

// ParseOp accepts snake_case or CamelCase names.
func ParseOp(s string) (Op, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(s, "-", ""), "_", ""))
	for _, op := range Ops {
		if strings.ReplaceAll(op.String(), "_", "") == norm {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// CreatesEntity reports whether the op initialises a new program account.
func (o Op) CreatesEntity() bool {
	switch o {
	case OpInitialize, OpAddPool, OpAddCustody, OpOpenPosition:
		return true
	}
	return false
}

// AdminOnly reports whether the op requires the registry admin.
func (o Op) AdminOnly() bool {
	switch o {
	case OpAddPool, OpAddCustody, OpUpdatePrice:
		return true
	}
	return false
}

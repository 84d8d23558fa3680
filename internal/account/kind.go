package account

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"PerpClient/internal/address"
)

// Kind identifies one of the four entity collections owned by the program.
type Kind uint8

const (
	KindRegistry Kind = iota
	KindPool
	KindCustody
	KindPosition
)

// Kinds lists every collection in a stable order.
var Kinds = []Kind{KindRegistry, KindPool, KindCustody, KindPosition}

func (k Kind) String() string {
	switch k {
	case KindRegistry:
		return "registry"
	case KindPool:
		return "pool"
	case KindCustody:
		return "custody"
	case KindPosition:
		return "position"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// AccountName is the on-chain type name used for the discriminator.
func (k Kind) AccountName() string {
	switch k {
	case KindRegistry:
		return "Perpetuals"
	case KindPool:
		return "Pool"
	case KindCustody:
		return "Custody"
	case KindPosition:
		return "Position"
	default:
		return ""
	}
}

func (k Kind) Valid() bool {
	return k <= KindPosition
}

// Discriminator is sha256("account:<Name>")[:8].
func (k Kind) Discriminator() [8]byte {
	return discriminators[k]
}

var discriminators = func() map[Kind][8]byte {
	out := make(map[Kind][8]byte, len(Kinds))
	for _, k := range Kinds {
		sum := sha256.Sum256([]byte("account:" + k.AccountName()))
		var d [8]byte
		copy(d[:], sum[:8])
		out[k] = d
	}
	return out
}()

// ParseKind accepts the lower-case collection name or the account type name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) || strings.EqualFold(s, k.AccountName()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown account kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid account kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Ref addresses a single entity.
type Ref struct {
	Kind Kind           `json:"kind"`
	ID   address.Pubkey `json:"id"`
}

func (r Ref) String() string {
	return r.Kind.String() + ":" + r.ID.String()
}

// Key is the cache and storage key for the entity.
func (r Ref) Key() string {
	return r.String()
}

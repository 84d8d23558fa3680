package address

import (
	"errors"
	"fmt"

	"PerpClient/internal/protocol"
)

// Kind selects one of the program's seed schemes.
type Kind uint8

const (
	KindRegistry Kind = iota
	KindPool
	KindCustody
	KindCustodyTokenAccount
	KindLPTokenMint
	KindPosition
)

// Tag is the constant leading seed of the scheme.
func (k Kind) Tag() string {
	switch k {
	case KindRegistry:
		return "perpetuals"
	case KindPool:
		return "pool"
	case KindCustody:
		return "custody"
	case KindCustodyTokenAccount:
		return "custody_token_account"
	case KindLPTokenMint:
		return "lp_token_mint"
	case KindPosition:
		return "position"
	default:
		return ""
	}
}

func (k Kind) String() string {
	if tag := k.Tag(); tag != "" {
		return tag
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// seedShape lists the expected variable seeds after the tag.
// 0 means "free-form bytes", PubkeyLength means an identifier.
var seedShape = map[Kind][]int{
	KindRegistry:            {},
	KindPool:                {0},
	KindCustody:             {PubkeyLength, PubkeyLength},
	KindCustodyTokenAccount: {PubkeyLength, PubkeyLength},
	KindLPTokenMint:         {PubkeyLength},
	KindPosition:            {PubkeyLength, PubkeyLength, PubkeyLength},
}

// Seed builders. Each returns the full ordered seed list including the tag.

func RegistrySeeds() [][]byte {
	return [][]byte{[]byte(KindRegistry.Tag())}
}

func PoolSeeds(name string) [][]byte {
	return [][]byte{[]byte(KindPool.Tag()), []byte(name)}
}

func CustodySeeds(pool, mint Pubkey) [][]byte {
	return [][]byte{[]byte(KindCustody.Tag()), pool.Bytes(), mint.Bytes()}
}

func CustodyTokenAccountSeeds(pool, mint Pubkey) [][]byte {
	return [][]byte{[]byte(KindCustodyTokenAccount.Tag()), pool.Bytes(), mint.Bytes()}
}

func LPTokenMintSeeds(pool Pubkey) [][]byte {
	return [][]byte{[]byte(KindLPTokenMint.Tag()), pool.Bytes()}
}

func PositionSeeds(owner, pool, custody Pubkey) [][]byte {
	return [][]byte{[]byte(KindPosition.Tag()), owner.Bytes(), pool.Bytes(), custody.Bytes()}
}

// Derived is an address together with the bump that produced it.
type Derived struct {
	Address Pubkey
	Bump    uint8
}

// Deriver maps (kind, seeds) to identifiers for one program.
// It is stateless apart from the program id and safe for concurrent use.
type Deriver struct {
	program Pubkey
}

func NewDeriver(program Pubkey) *Deriver {
	return &Deriver{program: program}
}

func (d *Deriver) ProgramID() Pubkey {
	return d.program
}

// Derive validates the variable seeds against the kind's scheme and returns
// the program address. Malformed input fails here, before any network call.
func (d *Deriver) Derive(kind Kind, seeds ...[]byte) (Derived, error) {
	shape, ok := seedShape[kind]
	if !ok {
		return Derived{}, protocol.NewValidationError("derive", "kind", "unknown seed scheme %d", uint8(kind))
	}
	if len(seeds) != len(shape) {
		return Derived{}, protocol.NewValidationError("derive", kind.String(),
			"expected %d seeds, got %d", len(shape), len(seeds))
	}

	for i, want := range shape {
		seed := seeds[i]
		switch {
		case want == PubkeyLength && len(seed) != PubkeyLength:
			return Derived{}, protocol.NewValidationError("derive", kind.String(),
				"seed %d must be a %d-byte identifier, got %d bytes", i, PubkeyLength, len(seed))
		case want == PubkeyLength && isZero(seed):
			return Derived{}, protocol.NewValidationError("derive", kind.String(),
				"seed %d is the zero identifier", i)
		case len(seed) == 0:
			return Derived{}, protocol.NewValidationError("derive", kind.String(), "seed %d is empty", i)
		case len(seed) > MaxSeedLen:
			return Derived{}, protocol.NewValidationError("derive", kind.String(),
				"seed %d is %d bytes, limit %d", i, len(seed), MaxSeedLen)
		}
	}

	full := make([][]byte, 0, len(seeds)+1)
	full = append(full, []byte(kind.Tag()))
	full = append(full, seeds...)

	addr, bump, err := FindProgramAddress(full, d.program)
	if err != nil {
		if errors.Is(err, ErrSeedTooLong) || errors.Is(err, ErrTooManySeeds) {
			return Derived{}, protocol.NewValidationError("derive", kind.String(), "%v", err)
		}
		return Derived{}, fmt.Errorf("derive %s: %w", kind, err)
	}
	return Derived{Address: addr, Bump: bump}, nil
}

func (d *Deriver) Registry() (Pubkey, error) {
	return d.address(KindRegistry)
}

func (d *Deriver) Pool(name string) (Pubkey, error) {
	return d.address(KindPool, []byte(name))
}

func (d *Deriver) Custody(pool, mint Pubkey) (Pubkey, error) {
	return d.address(KindCustody, pool.Bytes(), mint.Bytes())
}

func (d *Deriver) CustodyTokenAccount(pool, mint Pubkey) (Pubkey, error) {
	return d.address(KindCustodyTokenAccount, pool.Bytes(), mint.Bytes())
}

func (d *Deriver) LPTokenMint(pool Pubkey) (Pubkey, error) {
	return d.address(KindLPTokenMint, pool.Bytes())
}

func (d *Deriver) Position(owner, pool, custody Pubkey) (Pubkey, error) {
	return d.address(KindPosition, owner.Bytes(), pool.Bytes(), custody.Bytes())
}

func (d *Deriver) address(kind Kind, seeds ...[]byte) (Pubkey, error) {
	derived, err := d.Derive(kind, seeds...)
	if err != nil {
		return Pubkey{}, err
	}
	return derived.Address, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

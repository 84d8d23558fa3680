package address

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"PerpClient/internal/protocol"
)

const pdaMarker = "ProgramDerivedAddress"

var (
	// ErrOnCurve means the candidate digest is a valid ed25519 public key and
	// therefore could have a private key; the caller must try another bump.
	ErrOnCurve = errors.New("derived address lies on the ed25519 curve")

	// ErrNoViableBump is returned when every bump from 255 to 0 lands on the curve.
	ErrNoViableBump = errors.New("no viable bump seed")

	ErrSeedTooLong  = errors.New("seed exceeds maximum length")
	ErrTooManySeeds = errors.New("too many seeds")
)

// MaxSeedLen and MaxSeeds bound a single derivation.
const (
	MaxSeedLen = protocol.MaxSeedLen
	MaxSeeds   = protocol.MaxSeeds
)

// CreateProgramAddress computes
// SHA-256(seed_0 || ... || seed_n || program || "ProgramDerivedAddress")
// and rejects digests that decode as a curve point.
func CreateProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return Pubkey{}, fmt.Errorf("%w: %d > %d", ErrTooManySeeds, len(seeds), MaxSeeds)
	}

	hasher := sha256.New()
	for i, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return Pubkey{}, fmt.Errorf("%w: seed %d is %d bytes", ErrSeedTooLong, i, len(seed))
		}
		hasher.Write(seed)
	}
	hasher.Write(program[:])
	hasher.Write([]byte(pdaMarker))

	var out Pubkey
	copy(out[:], hasher.Sum(nil))

	if IsOnCurve(out) {
		return Pubkey{}, ErrOnCurve
	}
	return out, nil
}

// FindProgramAddress searches bumps from 255 downwards and returns the first
// off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, uint8, error) {
	// One slot is reserved for the bump.
	if len(seeds) > MaxSeeds-1 {
		return Pubkey{}, 0, fmt.Errorf("%w: %d > %d", ErrTooManySeeds, len(seeds), MaxSeeds-1)
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bump := []byte{0}

	for b := 255; b >= 0; b-- {
		bump[0] = byte(b)
		withBump[len(seeds)] = bump

		addr, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return addr, byte(b), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Pubkey{}, 0, err
		}
	}
	return Pubkey{}, 0, ErrNoViableBump
}

// IsOnCurve reports whether the 32 bytes decode as an ed25519 point.
func IsOnCurve(p Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}

package address

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeyLength is the byte length of every account identifier.
const PubkeyLength = 32

// Pubkey is a 32-byte account identifier. Its text form is base58.
type Pubkey [PubkeyLength]byte

var (
	// SystemProgramID owns every freshly created account.
	SystemProgramID = Pubkey{}

	// TokenProgramID is the SPL token program.
	TokenProgramID = MustParsePubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
)

// ParsePubkey decodes a base58 identifier.
func ParsePubkey(s string) (Pubkey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Pubkey{}, fmt.Errorf("decode pubkey %q: %w", s, err)
	}
	return PubkeyFromBytes(raw)
}

// MustParsePubkey is ParsePubkey for compile-time constants.
func MustParsePubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PubkeyFromBytes copies exactly 32 bytes into a Pubkey.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var pk Pubkey
	if len(b) != PubkeyLength {
		return pk, fmt.Errorf("pubkey must be %d bytes, got %d", PubkeyLength, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// Bytes returns a copy usable as a derivation seed.
func (p Pubkey) Bytes() []byte {
	b := make([]byte, PubkeyLength)
	copy(b, p[:])
	return b
}

func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Short renders the first and last four characters, for logs.
func (p Pubkey) Short() string {
	s := p.String()
	if len(s) <= 10 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

package instruction

import (
	"crypto/sha256"
	"encoding/hex"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
)

// AccountMeta is one entry of an instruction's ordered account list.
type AccountMeta struct {
	Name     string         `json:"name"`
	Key      address.Pubkey `json:"key"`
	Writable bool           `json:"writable"`
	Signer   bool           `json:"signer"`
}

// Instruction is a fully assembled, locally validated program call.
type Instruction struct {
	Op        Op
	ProgramID address.Pubkey
	Accounts  []AccountMeta
	Data      []byte

	// Args holds the typed payload that Data encodes.
	Args any

	// Touches lists every entity the instruction may mutate or close.
	Touches []account.Ref
	// Creates lists entities initialised by the instruction.
	Creates []account.Ref
}

// Account looks up a role by name.
func (ix *Instruction) Account(name string) (AccountMeta, bool) {
	for _, m := range ix.Accounts {
		if m.Name == name {
			return m, true
		}
	}
	return AccountMeta{}, false
}

// Signers returns the keys that must sign, in account order.
func (ix *Instruction) Signers() []address.Pubkey {
	var out []address.Pubkey
	for _, m := range ix.Accounts {
		if m.Signer {
			out = append(out, m.Key)
		}
	}
	return out
}

// FeePayer is the first signer.
func (ix *Instruction) FeePayer() address.Pubkey {
	for _, m := range ix.Accounts {
		if m.Signer {
			return m.Key
		}
	}
	return address.Pubkey{}
}

// Fingerprint is SHA-256(program || (key || flags)... || data), hex encoded.
// Two instructions with equal fingerprints are byte-identical submissions.
func (ix *Instruction) Fingerprint() string {
	h := sha256.New()
	h.Write(ix.ProgramID[:])
	for _, m := range ix.Accounts {
		h.Write(m.Key[:])
		var flags byte
		if m.Writable {
			flags |= 1
		}
		if m.Signer {
			flags |= 2
		}
		h.Write([]byte{flags})
	}
	h.Write(ix.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// meta helpers keep the account tables readable.

func signerW(name string, key address.Pubkey) AccountMeta {
	return AccountMeta{Name: name, Key: key, Writable: true, Signer: true}
}

func writable(name string, key address.Pubkey) AccountMeta {
	return AccountMeta{Name: name, Key: key, Writable: true}
}

func readonly(name string, key address.Pubkey) AccountMeta {
	return AccountMeta{Name: name, Key: key}
}

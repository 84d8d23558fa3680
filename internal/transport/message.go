package transport

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/ledger"
)

// Message is a compiled legacy transaction message.
type Message struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
	AccountKeys                 []address.Pubkey
	RecentBlockhash             address.Pubkey
	Instructions                []CompiledInstruction
}

type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

type keyMeta struct {
	key      address.Pubkey
	signer   bool
	writable bool
}

// CompileMessage orders keys as the runtime requires: the fee payer, then
// writable signers, readonly signers, writable non-signers and readonly
// non-signers, each group in first-seen order. Flags of repeated keys are
// merged.
func CompileMessage(payer address.Pubkey, blockhash address.Pubkey, ixs ...*instruction.Instruction) (*Message, error) {
	if payer.IsZero() {
		return nil, fmt.Errorf("compile message: missing fee payer")
	}

	metas := []*keyMeta{{key: payer, signer: true, writable: true}}
	index := map[address.Pubkey]*keyMeta{payer: metas[0]}
	add := func(k address.Pubkey, signer, writable bool) {
		if m, ok := index[k]; ok {
			m.signer = m.signer || signer
			m.writable = m.writable || writable
			return
		}
		m := &keyMeta{key: k, signer: signer, writable: writable}
		index[k] = m
		metas = append(metas, m)
	}
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			add(a.Key, a.Signer, a.Writable)
		}
		add(ix.ProgramID, false, false)
	}

	var groups [4][]*keyMeta
	for _, m := range metas[1:] {
		switch {
		case m.signer && m.writable:
			groups[0] = append(groups[0], m)
		case m.signer:
			groups[1] = append(groups[1], m)
		case m.writable:
			groups[2] = append(groups[2], m)
		default:
			groups[3] = append(groups[3], m)
		}
	}
	ordered := append([]*keyMeta{metas[0]}, groups[0]...)
	for _, g := range groups[1:] {
		ordered = append(ordered, g...)
	}
	if len(ordered) > 256 {
		return nil, fmt.Errorf("compile message: %d account keys exceed 256", len(ordered))
	}

	msg := &Message{
		NumRequiredSignatures:       uint8(1 + len(groups[0]) + len(groups[1])),
		NumReadonlySignedAccounts:   uint8(len(groups[1])),
		NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
		RecentBlockhash:             blockhash,
	}
	pos := make(map[address.Pubkey]uint8, len(ordered))
	for i, m := range ordered {
		msg.AccountKeys = append(msg.AccountKeys, m.key)
		pos[m.key] = uint8(i)
	}
	for _, ix := range ixs {
		ci := CompiledInstruction{ProgramIDIndex: pos[ix.ProgramID], Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, pos[a.Key])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// Signers returns the keys whose signatures the message needs, in order.
func (m *Message) Signers() []address.Pubkey {
	return m.AccountKeys[:m.NumRequiredSignatures]
}

// IsWritable reports the write lock of the key at index i.
func (m *Message) IsWritable(i int) bool {
	n := len(m.AccountKeys)
	signed := int(m.NumRequiredSignatures)
	if i < signed {
		return i < signed-int(m.NumReadonlySignedAccounts)
	}
	return i < n-int(m.NumReadonlyUnsignedAccounts)
}

// Serialize encodes the message in the legacy wire format.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.NumRequiredSignatures)
	buf.WriteByte(m.NumReadonlySignedAccounts)
	buf.WriteByte(m.NumReadonlyUnsignedAccounts)
	writeShortVec(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])
	writeShortVec(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		writeShortVec(&buf, len(ix.Accounts))
		buf.Write(ix.Accounts)
		writeShortVec(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// Transaction is a message plus one signature per required signer.
type Transaction struct {
	Signatures [][ed25519.SignatureSize]byte
	Message    *Message
}

// Sign signs the message with the keys found in the keyring. Every required
// signer must be present.
func Sign(msg *Message, keys *Keyring) (*Transaction, error) {
	data := msg.Serialize()
	tx := &Transaction{Message: msg}
	for _, signer := range msg.Signers() {
		priv, ok := keys.Lookup(signer)
		if !ok {
			return nil, fmt.Errorf("sign: no key for signer %s", signer)
		}
		var sig [ed25519.SignatureSize]byte
		copy(sig[:], ed25519.Sign(priv, data))
		tx.Signatures = append(tx.Signatures, sig)
	}
	return tx, nil
}

// Signature is the fee payer's signature, which identifies the transaction
// before the node has seen it.
func (tx *Transaction) Signature() ledger.Signature {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return ledger.Signature(base58.Encode(tx.Signatures[0][:]))
}

// Serialize encodes the signed transaction.
func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	writeShortVec(&buf, len(tx.Signatures))
	for _, s := range tx.Signatures {
		buf.Write(s[:])
	}
	buf.Write(tx.Message.Serialize())
	return buf.Bytes()
}

// writeShortVec writes the compact-u16 length prefix.
func writeShortVec(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

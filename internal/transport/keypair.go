package transport

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"PerpClient/internal/address"
)

// LoadKeypair reads a keypair file: a JSON array of 64 bytes, the seed
// followed by the public key.
func LoadKeypair(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	return ParseKeypair(raw)
}

func ParseKeypair(raw []byte) (ed25519.PrivateKey, error) {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair: %w", err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("parse keypair: want %d bytes, got %d", ed25519.PrivateKeySize, len(ints))
	}
	key := make([]byte, ed25519.PrivateKeySize)
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("parse keypair: byte %d out of range: %d", i, v)
		}
		key[i] = byte(v)
	}
	priv := ed25519.PrivateKey(key)
	derived := ed25519.NewKeyFromSeed(priv.Seed())
	if !derived.Equal(priv) {
		return nil, fmt.Errorf("parse keypair: public key does not match seed")
	}
	return priv, nil
}

// PublicKeyOf returns the address of a private key.
func PublicKeyOf(priv ed25519.PrivateKey) address.Pubkey {
	var p address.Pubkey
	copy(p[:], priv.Public().(ed25519.PublicKey))
	return p
}

// Keyring holds the signing identities available to the client.
type Keyring struct {
	mu   sync.RWMutex
	keys map[address.Pubkey]ed25519.PrivateKey
}

func NewKeyring(keys ...ed25519.PrivateKey) *Keyring {
	kr := &Keyring{keys: make(map[address.Pubkey]ed25519.PrivateKey)}
	for _, k := range keys {
		kr.Add(k)
	}
	return kr
}

// Add registers a key and returns its address.
func (kr *Keyring) Add(priv ed25519.PrivateKey) address.Pubkey {
	pub := PublicKeyOf(priv)
	kr.mu.Lock()
	kr.keys[pub] = priv
	kr.mu.Unlock()
	return pub
}

func (kr *Keyring) Lookup(pub address.Pubkey) (ed25519.PrivateKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[pub]
	return k, ok
}

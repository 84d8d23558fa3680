package account

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// DiscriminatorLen is the size of the type prefix on every account.
const DiscriminatorLen = 8

var (
	ErrShortAccount         = errors.New("account data shorter than discriminator")
	ErrUnknownDiscriminator = errors.New("unknown account discriminator")
)

// New returns an empty entity of the kind.
func New(kind Kind) (Entity, error) {
	switch kind {
	case KindRegistry:
		return &Registry{}, nil
	case KindPool:
		return &Pool{}, nil
	case KindCustody:
		return &Custody{}, nil
	case KindPosition:
		return &Position{}, nil
	default:
		return nil, fmt.Errorf("new entity: unknown kind %d", uint8(kind))
	}
}

// DetectKind reads the discriminator prefix.
func DetectKind(data []byte) (Kind, error) {
	if len(data) < DiscriminatorLen {
		return 0, ErrShortAccount
	}
	for _, k := range Kinds {
		d := k.Discriminator()
		if bytes.Equal(data[:DiscriminatorLen], d[:]) {
			return k, nil
		}
	}
	return 0, ErrUnknownDiscriminator
}

// Decode parses raw account data, checking that its discriminator matches kind.
func Decode(kind Kind, data []byte) (Entity, error) {
	got, err := DetectKind(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if got != kind {
		return nil, fmt.Errorf("decode %s: account holds a %s", kind, got)
	}

	entity, err := New(kind)
	if err != nil {
		return nil, err
	}
	// Trailing bytes are allocation padding and are ignored.
	if err := bin.NewBorshDecoder(data[DiscriminatorLen:]).Decode(entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return entity, nil
}

// DecodeAny detects the kind and decodes.
func DecodeAny(data []byte) (Entity, error) {
	kind, err := DetectKind(data)
	if err != nil {
		return nil, err
	}
	return Decode(kind, data)
}

// Encode serialises an entity with its discriminator.
func Encode(e Entity) ([]byte, error) {
	if e == nil {
		return nil, errors.New("encode: nil entity")
	}
	d := e.Kind().Discriminator()

	var value any
	switch v := e.(type) {
	case *Registry:
		value = *v
	case *Pool:
		value = *v
	case *Custody:
		value = *v
	case *Position:
		value = *v
	default:
		return nil, fmt.Errorf("encode: unsupported entity %T", e)
	}

	var buf bytes.Buffer
	buf.Write(d[:])
	if err := bin.NewBorshEncoder(&buf).Encode(value); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for fixtures.
func MustEncode(e Entity) []byte {
	data, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return data
}

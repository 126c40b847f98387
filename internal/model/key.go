package model

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const KeySize = 32

var ErrInvalidKey = errors.New("invalid key")

type (
	// Key is the single representation for 32-byte keys and seeds: x-only
	// public keys, private scalars and the root seed.
	Key [KeySize]byte

	// DisposableIdentity is a key pair used for one protocol role of one
	// conversation. It never formats its private half.
	DisposableIdentity struct {
		PrivateKey Key `json:"private_key" cbor:"1,keyasint"`
		PublicKey  Key `json:"public_key" cbor:"2,keyasint"`
	}
)

func ParseKey(s string) (Key, error) {
	var k Key
	s = strings.TrimSpace(s)
	if len(s) != KeySize*2 {
		return k, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidKey, KeySize*2, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k, nil
}

func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MustParseKey is for constants and tests.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

func (k Key) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k[:])
	return b
}

func (k Key) IsZero() bool {
	var zero Key
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

func (k Key) Equal(o Key) bool {
	return subtle.ConstantTimeCompare(k[:], o[:]) == 1
}

// Short is the truncated form used in logs and the UI.
func (k Key) Short() string {
	return k.Hex()[:16]
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (d DisposableIdentity) String() string {
	return "identity(" + d.PublicKey.Short() + ")"
}

func (d DisposableIdentity) IsZero() bool {
	return d.PrivateKey.IsZero()
}

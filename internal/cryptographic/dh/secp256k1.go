package dh

import (
	"errors"
	"fmt"

	"incognito_chat/internal/model"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid secp256k1 private key")
	ErrInvalidPublicKey  = errors.New("invalid secp256k1 public key")
)

// ValidPrivateKey reports whether k is a scalar in [1, n).
func ValidPrivateKey(k model.Key) bool {
	var s btcec.ModNScalar
	overflow := s.SetByteSlice(k[:])
	return !overflow && !s.IsZero()
}

func GeneratePrivateKey() (model.Key, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return model.Key{}, fmt.Errorf("generate private key: %w", err)
	}
	return model.KeyFromBytes(sk.Serialize())
}

// PublicKey returns the x-only public key of priv.
func PublicKey(priv model.Key) (model.Key, error) {
	if !ValidPrivateKey(priv) {
		return model.Key{}, ErrInvalidPrivateKey
	}
	_, pub := btcec.PrivKeyFromBytes(priv[:])
	return model.KeyFromBytes(schnorr.SerializePubKey(pub))
}

// NewIdentity builds a key pair from a private scalar.
func NewIdentity(priv model.Key) (model.DisposableIdentity, error) {
	pub, err := PublicKey(priv)
	if err != nil {
		return model.DisposableIdentity{}, err
	}
	return model.DisposableIdentity{PrivateKey: priv, PublicKey: pub}, nil
}

// ValidatePublicKey checks that pub is the x coordinate of a curve point.
func ValidatePublicKey(pub model.Key) error {
	if _, err := schnorr.ParsePubKey(pub[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return nil
}

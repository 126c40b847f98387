package identity

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"incognito_chat/internal/cryptographic/dh"
	"incognito_chat/internal/cryptographic/kdf"
	"incognito_chat/internal/model"
)

// RoleIndex selects which of a conversation's two identities is derived.
type RoleIndex uint8

const (
	// SenderRole signs and encrypts the invitation.
	SenderRole RoleIndex = 0
	// ConversationRole carries all later conversation traffic.
	ConversationRole RoleIndex = 1
)

const maxDeriveAttempts = 16

var (
	ErrMissingSeed = errors.New("root seed is not initialized")

	derivationSalt = []byte("incognito-disposable-identity-v1")
)

type Deriver struct {
	seed model.Key
}

func NewDeriver(seed model.Key) (*Deriver, error) {
	if seed.IsZero() {
		return nil, ErrMissingSeed
	}
	return &Deriver{seed: seed}, nil
}

func (d *Deriver) Seed() model.Key {
	return d.seed
}

// Derive returns the identity for (counterparty, index, role). It is pure:
// the same inputs yield the same key pair on every device holding the seed.
func (d *Deriver) Derive(counterparty model.Key, index uint32, role RoleIndex) (model.DisposableIdentity, error) {
	return Derive(d.seed, counterparty, index, role)
}

func Derive(seed model.Key, counterparty model.Key, index uint32, role RoleIndex) (model.DisposableIdentity, error) {
	if seed.IsZero() {
		return model.DisposableIdentity{}, ErrMissingSeed
	}

	stream := kdf.Stream(seed[:], derivationSalt, domain(counterparty, index, role))
	var priv model.Key
	// A block that is not a valid scalar is skipped; the chance of that is
	// about 2^-128 per block.
	for attempt := 0; attempt < maxDeriveAttempts; attempt++ {
		if _, err := io.ReadFull(stream, priv[:]); err != nil {
			return model.DisposableIdentity{}, fmt.Errorf("derive identity: %w", err)
		}
		if dh.ValidPrivateKey(priv) {
			return dh.NewIdentity(priv)
		}
	}
	return model.DisposableIdentity{}, fmt.Errorf("derive identity: no valid scalar after %d blocks", maxDeriveAttempts)
}

func domain(counterparty model.Key, index uint32, role RoleIndex) []byte {
	b := make([]byte, 0, 64+1+10+1+3)
	b = append(b, counterparty.Hex()...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(index), 10)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(role), 10)
	return b
}

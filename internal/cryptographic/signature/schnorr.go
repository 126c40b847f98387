package signature

import (
	"fmt"

	"incognito_chat/internal/cryptographic/dh"
	"incognito_chat/internal/model"

	"github.com/nbd-wtf/go-nostr"
)

type (
	// Signer signs event templates with a long-term identity. Sign fills in
	// pubkey, id and sig.
	Signer interface {
		PublicKey() model.Key
		Sign(ev *nostr.Event) error
	}

	LocalSigner struct {
		priv model.Key
		pub  model.Key
	}
)

func NewLocalSigner(priv model.Key) (*LocalSigner, error) {
	pub, err := dh.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{priv: priv, pub: pub}, nil
}

func GenerateSigner() (*LocalSigner, error) {
	priv, err := dh.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(priv)
}

func (s *LocalSigner) PublicKey() model.Key {
	return s.pub
}

func (s *LocalSigner) PrivateKey() model.Key {
	return s.priv
}

func (s *LocalSigner) Sign(ev *nostr.Event) error {
	return SignWith(ev, s.priv)
}

// SignWith signs ev with an explicit key, used for disposable identities.
func SignWith(ev *nostr.Event, priv model.Key) error {
	if err := ev.Sign(priv.Hex()); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

// Verify checks both the content hash and the signature.
func Verify(ev *nostr.Event) bool {
	if ev == nil || ev.ID != ev.GetID() {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

// Author parses the event's pubkey.
func Author(ev *nostr.Event) (model.Key, error) {
	return model.ParseKey(ev.PubKey)
}

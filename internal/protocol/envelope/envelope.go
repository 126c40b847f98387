package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"incognito_chat/internal/cryptographic/encryption"
	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/model"

	"github.com/nbd-wtf/go-nostr"
)

type (
	Sealed struct {
		// Outer is the wire event, authored by the conversation identity.
		Outer *nostr.Event
		// Inner is the message signed by the real sender.
		Inner *nostr.Event
	}
)

// Encrypt seals plaintext for recipientPubkey under senderPrivateKey.
func Encrypt(plaintext string, senderPrivateKey model.Key, recipientPubkey model.Key) (string, error) {
	key, err := encryption.ConversationKey(senderPrivateKey, recipientPubkey)
	if err != nil {
		return "", err
	}
	return encryption.Encrypt(plaintext, key)
}

// Decrypt returns false on any failure so callers can move on to the next
// candidate key.
func Decrypt(ciphertext string, privateKey model.Key, counterpartyPubkey model.Key) (string, bool) {
	key, err := encryption.ConversationKey(privateKey, counterpartyPubkey)
	if err != nil {
		return "", false
	}
	plaintext, err := encryption.Decrypt(ciphertext, key)
	if err != nil {
		return "", false
	}
	return plaintext, true
}

// Seal signs content as the long-term sender, wraps it with optional profile
// metadata and publishes it under the conversation identity.
func Seal(signer signature.Signer, from model.DisposableIdentity, recipient model.Key, content string, profile *model.Profile, now time.Time) (*Sealed, error) {
	inner := &nostr.Event{
		Kind:      model.KindDirectMessage,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      nostr.Tags{{"p", recipient.Hex()}},
		Content:   content,
	}
	if err := signer.Sign(inner); err != nil {
		return nil, err
	}

	payload := model.EnvelopePayload{Event: inner}
	if profile != nil {
		meta := profile.Metadata
		payload.Profile = &meta
		payload.ProfileUpdatedAt = profile.UpdatedAt
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}

	ciphertext, err := Encrypt(string(plaintext), from.PrivateKey, recipient)
	if err != nil {
		return nil, err
	}

	outer := &nostr.Event{
		Kind:      model.KindDirectMessage,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      nostr.Tags{{"p", recipient.Hex()}},
		Content:   ciphertext,
	}
	if err := signature.SignWith(outer, from.PrivateKey); err != nil {
		return nil, err
	}
	return &Sealed{Outer: outer, Inner: inner}, nil
}

// Open decrypts outer with (privateKey, counterparty) and returns the payload
// when the inner message carries a valid signature. Older clients sent the
// inner event bare, without the payload object.
func Open(outer *nostr.Event, privateKey model.Key, counterparty model.Key) (*model.EnvelopePayload, bool) {
	plaintext, ok := Decrypt(outer.Content, privateKey, counterparty)
	if !ok {
		return nil, false
	}
	return ParsePayload(plaintext)
}

func ParsePayload(plaintext string) (*model.EnvelopePayload, bool) {
	var payload model.EnvelopePayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, false
	}
	if payload.Event == nil {
		var bare nostr.Event
		if err := json.Unmarshal([]byte(plaintext), &bare); err != nil || bare.Sig == "" {
			return nil, false
		}
		payload = model.EnvelopePayload{Event: &bare}
	}
	if !signature.Verify(payload.Event) {
		return nil, false
	}
	return &payload, true
}

// Author is the long-term pubkey of the inner message.
func Author(payload *model.EnvelopePayload) (model.Key, bool) {
	k, err := signature.Author(payload.Event)
	return k, err == nil
}

// Addressee returns the first p tag of ev.
func Addressee(ev *nostr.Event) (model.Key, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			k, err := model.ParseKey(tag[1])
			return k, err == nil
		}
	}
	return model.Key{}, false
}

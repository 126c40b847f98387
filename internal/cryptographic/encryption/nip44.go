package encryption

import (
	"errors"
	"fmt"
	"strings"

	"incognito_chat/internal/cryptographic/dh"
	"incognito_chat/internal/model"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// Versioned pairwise payload encryption (NIP-44 v2) over go-nostr's nip44.
// This package keys it with model.Key and sorts its errors into sentinels.

const (
	MinPlaintextSize = nip44.MinPlaintextSize
	MaxPlaintextSize = nip44.MaxPlaintextSize

	nonceSize = 32
)

var (
	ErrUnknownVersion         = errors.New("unknown encryption version")
	ErrInvalidPayloadLength   = errors.New("invalid payload length")
	ErrInvalidMAC             = errors.New("invalid MAC")
	ErrInvalidPadding         = errors.New("invalid padding")
	ErrInvalidPlaintextLength = errors.New("invalid plaintext length")
)

// ConversationKey derives the pairwise key. It is symmetric:
// ConversationKey(a, B) == ConversationKey(b, A).
func ConversationKey(priv model.Key, pub model.Key) (model.Key, error) {
	if !dh.ValidPrivateKey(priv) {
		return model.Key{}, dh.ErrInvalidPrivateKey
	}
	if err := dh.ValidatePublicKey(pub); err != nil {
		return model.Key{}, err
	}
	ck, err := nip44.GenerateConversationKey(pub.Hex(), priv.Hex())
	if err != nil {
		return model.Key{}, fmt.Errorf("conversation key: %w", err)
	}
	return model.Key(ck), nil
}

func Encrypt(plaintext string, conversationKey model.Key) (string, error) {
	if err := checkPlaintext(plaintext); err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, conversationKey)
}

// EncryptWithNonce is Encrypt with a caller-chosen 32-byte nonce.
func EncryptWithNonce(plaintext string, conversationKey model.Key, nonce []byte) (string, error) {
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("nonce must be %d bytes", nonceSize)
	}
	if err := checkPlaintext(plaintext); err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, conversationKey, nip44.WithCustomNonce(nonce))
}

func Decrypt(payload string, conversationKey model.Key) (string, error) {
	plaintext, err := nip44.Decrypt(payload, conversationKey)
	if err != nil {
		return "", classify(err)
	}
	return plaintext, nil
}

func checkPlaintext(plaintext string) error {
	if n := len(plaintext); n < MinPlaintextSize || n > MaxPlaintextSize {
		return fmt.Errorf("%w: %d", ErrInvalidPlaintextLength, n)
	}
	return nil
}

// classify maps nip44's error strings onto the package sentinels.
func classify(err error) error {
	msg := err.Error()
	var sentinel error
	switch {
	case strings.HasPrefix(msg, "unknown version"):
		sentinel = ErrUnknownVersion
	case strings.HasPrefix(msg, "invalid hmac"):
		sentinel = ErrInvalidMAC
	case strings.HasPrefix(msg, "invalid padding"):
		sentinel = ErrInvalidPadding
	case strings.HasPrefix(msg, "invalid payload length"),
		strings.HasPrefix(msg, "invalid data length"),
		strings.HasPrefix(msg, "invalid base64"):
		sentinel = ErrInvalidPayloadLength
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

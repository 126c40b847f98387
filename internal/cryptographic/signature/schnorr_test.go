package signature

import (
	"testing"

	"incognito_chat/internal/cryptographic/dh"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	ev := &nostr.Event{
		Kind:      4,
		CreatedAt: nostr.Timestamp(1700000000),
		Tags:      nostr.Tags{{"p", s.PublicKey().Hex()}},
		Content:   "hello",
	}
	require.NoError(t, s.Sign(ev))

	assert.Equal(t, s.PublicKey().Hex(), ev.PubKey)
	assert.True(t, Verify(ev))

	author, err := Author(ev)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), author)

	ev.Content = "tampered"
	assert.False(t, Verify(ev))
}

func TestSignWithDisposableKey(t *testing.T) {
	priv, err := dh.GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := dh.PublicKey(priv)
	require.NoError(t, err)

	ev := &nostr.Event{Kind: 0, Content: ""}
	require.NoError(t, SignWith(ev, priv))
	assert.Equal(t, pub.Hex(), ev.PubKey)
	assert.True(t, Verify(ev))
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	a, err := GenerateSigner()
	require.NoError(t, err)
	b, err := GenerateSigner()
	require.NoError(t, err)

	ev := &nostr.Event{Kind: 1, Content: "x"}
	require.NoError(t, a.Sign(ev))

	// Claim b authored a's signature.
	ev.PubKey = b.PublicKey().Hex()
	ev.ID = ev.GetID()
	assert.False(t, Verify(ev))
	assert.False(t, Verify(nil))
}

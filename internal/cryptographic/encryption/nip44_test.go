package encryption

import (
	"encoding/base64"
	"strings"
	"testing"

	"incognito_chat/internal/cryptographic/dh"
	"incognito_chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type party struct {
	priv model.Key
	pub  model.Key
}

func newParty(t *testing.T) party {
	t.Helper()
	priv, err := dh.GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := dh.PublicKey(priv)
	require.NoError(t, err)
	return party{priv: priv, pub: pub}
}

func TestConversationKeySymmetric(t *testing.T) {
	a, b := newParty(t), newParty(t)

	ab, err := ConversationKey(a.priv, b.pub)
	require.NoError(t, err)
	ba, err := ConversationKey(b.priv, a.pub)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestRoundTripAcrossDirections(t *testing.T) {
	a, b := newParty(t), newParty(t)
	sealKey, err := ConversationKey(a.priv, b.pub)
	require.NoError(t, err)
	openKey, err := ConversationKey(b.priv, a.pub)
	require.NoError(t, err)

	for _, plaintext := range []string{
		"a",
		"hello incognito",
		`{"event":{"kind":4}}`,
		strings.Repeat("x", 33),
		strings.Repeat("é", 400),
		strings.Repeat("z", MaxPlaintextSize),
	} {
		payload, err := Encrypt(plaintext, sealKey)
		require.NoError(t, err)

		got, err := Decrypt(payload, openKey)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptRejectsPlaintextLength(t *testing.T) {
	a, b := newParty(t), newParty(t)
	key, err := ConversationKey(a.priv, b.pub)
	require.NoError(t, err)

	_, err = Encrypt("", key)
	assert.ErrorIs(t, err, ErrInvalidPlaintextLength)

	_, err = Encrypt(strings.Repeat("z", MaxPlaintextSize+1), key)
	assert.ErrorIs(t, err, ErrInvalidPlaintextLength)
}

func TestDecryptFailures(t *testing.T) {
	a, b, c := newParty(t), newParty(t), newParty(t)
	key, err := ConversationKey(a.priv, b.pub)
	require.NoError(t, err)
	wrongKey, err := ConversationKey(a.priv, c.pub)
	require.NoError(t, err)

	payload, err := Encrypt("secret message", key)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)

	tamper := func(i int) string {
		b := append([]byte(nil), raw...)
		b[i] ^= 0x01
		return base64.StdEncoding.EncodeToString(b)
	}

	cases := []struct {
		name    string
		payload string
		key     model.Key
		want    error
	}{
		{"wrong key", payload, wrongKey, ErrInvalidMAC},
		{"flipped ciphertext", tamper(40), key, ErrInvalidMAC},
		{"flipped mac", tamper(len(raw) - 1), key, ErrInvalidMAC},
		{"flipped nonce", tamper(2), key, ErrInvalidMAC},
		{"version byte", tamper(0), key, ErrUnknownVersion},
		{"hash prefix", "#" + payload[1:], key, ErrUnknownVersion},
		{"empty", "", key, ErrInvalidPayloadLength},
		{"too short", payload[:100], key, ErrInvalidPayloadLength},
		{"not base64", strings.Repeat("!", 200), key, ErrInvalidPayloadLength},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decrypt(tc.payload, tc.key)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncryptWithNonceIsDeterministic(t *testing.T) {
	a, b := newParty(t), newParty(t)
	key, err := ConversationKey(a.priv, b.pub)
	require.NoError(t, err)

	nonce := make([]byte, 32)
	nonce[31] = 1
	p1, err := EncryptWithNonce("same", key, nonce)
	require.NoError(t, err)
	p2, err := EncryptWithNonce("same", key, nonce)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	_, err = EncryptWithNonce("same", key, nonce[:12])
	assert.Error(t, err)
}

func TestPaddingHidesLength(t *testing.T) {
	a, b := newParty(t), newParty(t)
	key, err := ConversationKey(a.priv, b.pub)
	require.NoError(t, err)

	short, err := Encrypt("a", key)
	require.NoError(t, err)
	longer, err := Encrypt(strings.Repeat("a", 32), key)
	require.NoError(t, err)
	assert.Equal(t, len(short), len(longer))
}

// Published NIP-44 v2 vectors.
func TestKnownAnswers(t *testing.T) {
	one := model.MustParseKey(strings.Repeat("00", 31) + "01")
	two := model.MustParseKey(strings.Repeat("00", 31) + "02")
	onePub, err := dh.PublicKey(one)
	require.NoError(t, err)
	twoPub, err := dh.PublicKey(two)
	require.NoError(t, err)

	want := model.MustParseKey("c41c775356fd92eadc63ff5a0dc1da211b268cbea22316767095b2871ea1412d")
	key, err := ConversationKey(one, twoPub)
	require.NoError(t, err)
	assert.Equal(t, want, key)
	key, err = ConversationKey(two, onePub)
	require.NoError(t, err)
	assert.Equal(t, want, key)

	cases := []struct {
		nonce     string
		plaintext string
		payload   string
	}{
		{
			nonce:     strings.Repeat("00", 31) + "01",
			plaintext: "a",
			payload:   "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABee0G5VSK0/9YypIObAtDKfYEAjD35uVkHyB0F4DwrcNaCXlCWZKaArsGrY6M9wnuTMxWfp1RTN9Xga8no+kF5Vsb",
		},
		{
			nonce:     "f00000000000000000000000000000f00000000000000000000000000000000f",
			plaintext: "🍕🫃",
			payload:   "AvAAAAAAAAAAAAAAAAAAAPAAAAAAAAAAAAAAAAAAAAAPSKSK6is9ngkX2+cSq85Th16oRTISAOfhStnixqZziKMDvB0QQzgFZdjLTPicCJaV8nDITO+QfaQ61+KbWQIOO2Yj",
		},
	}
	for _, tc := range cases {
		nonce := model.MustParseKey(tc.nonce)
		got, err := EncryptWithNonce(tc.plaintext, key, nonce[:])
		require.NoError(t, err)
		assert.Equal(t, tc.payload, got)

		plaintext, err := Decrypt(tc.payload, key)
		require.NoError(t, err)
		assert.Equal(t, tc.plaintext, plaintext)
	}
}

func TestKnownDecryptFailures(t *testing.T) {
	cases := []struct {
		key     string
		payload string
		want    error
	}{
		{
			key:     "ca2527a037347b91bea0c8a30fc8d9600ffd81ec00038671e3a0f0cb0fc9f642",
			payload: "#Atqupco0WyaOW2IGDKcshwxI9xO8HgD/P8Ddt46CbxDbrhdG8VmJdU0MIDf06CUvEvdnr1cp1fiMtlM/GrE92xAc1K5odTpCzUB+mjXgbaqtntBUbTToSUoT0ovrlPwzGjyp",
			want:    ErrUnknownVersion,
		},
		{
			key:     "36f04e558af246352dcf73b692fbd3646a2207bd8abd4b1cd26b234db84d9481",
			payload: "AK1AjUvoYW3IS7C/BGRUoqEC7ayTfDUgnEPNeWTF/reBZFaha6EAIRueE9D1B1RuoiuFScC0Q94yjIuxZD3JStQtE8JMNacWFs9rlYP+ZydtHhRucp+lxfdvFlaGV/sQlqZz",
			want:    ErrUnknownVersion,
		},
		{
			key:     "cff7bd6a3e29a450fd27f6c125d5edeb0987c475fd1e8d97591e0d4d8a89763c",
			payload: "Agn/l3ULCEAS4V7LhGFM6IGA17jsDUaFCKhrbXDANholyySBfeh+EN8wNB9gaLlg4j6wdBYh+3oK+mnxWu3NKRbSvQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			want:    ErrInvalidMAC,
		},
		{
			key:     "5254827d29177622d40a7b67cad014fe7137700c3c523903ebbe3e1b74d40214",
			payload: "Anq2XbuLvCuONcr7V0UxTh8FAyWoZNEdBHXvdbNmDZHB573MI7R7rrTYftpqmvUpahmBC2sngmI14/L0HjOZ7lWGJlzdh6luiOnGPc46cGxf08MRC4CIuxx3i2Lm0KqgJ7vA",
			want:    ErrInvalidPadding,
		},
	}
	for _, tc := range cases {
		_, err := Decrypt(tc.payload, model.MustParseKey(tc.key))
		assert.ErrorIs(t, err, tc.want, tc.payload)
	}
}

func TestConversationKeyRejectsBadKeys(t *testing.T) {
	a := newParty(t)

	_, err := ConversationKey(model.Key{}, a.pub)
	assert.ErrorIs(t, err, dh.ErrInvalidPrivateKey)

	bad := model.MustParseKey("fffffffffffffffffffffffffffffffffffffffffffffffffffffffefffffc2f")
	_, err = ConversationKey(a.priv, bad)
	assert.ErrorIs(t, err, dh.ErrInvalidPublicKey)
}

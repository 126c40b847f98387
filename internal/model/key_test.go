package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)

	k, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, hexKey, k.Hex())
	assert.Equal(t, "abababababababab", k.Short())

	for _, bad := range []string{"", "abcd", strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		_, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestKeyFromBytes(t *testing.T) {
	_, err := KeyFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidKey)

	b := make([]byte, 32)
	b[0] = 7
	k, err := KeyFromBytes(b)
	require.NoError(t, err)
	assert.False(t, k.IsZero())
	assert.Equal(t, b, k.Bytes())

	var zero Key
	assert.True(t, zero.IsZero())
}

func TestKeyJSON(t *testing.T) {
	k := MustParseKey(strings.Repeat("01", 32))

	data, err := json.Marshal(map[string]Key{"k": k})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"`+strings.Repeat("01", 32)+`"}`, string(data))

	var out map[string]Key
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, k.Equal(out["k"]))
}

func TestDisposableIdentityStringHidesPrivateKey(t *testing.T) {
	id := DisposableIdentity{
		PrivateKey: MustParseKey(strings.Repeat("11", 32)),
		PublicKey:  MustParseKey(strings.Repeat("22", 32)),
	}
	assert.NotContains(t, id.String(), "1111")
	assert.Contains(t, id.String(), "2222")
}

func TestMessageOrdering(t *testing.T) {
	a := Message{ID: "a", CreatedAt: 10}
	b := Message{ID: "b", CreatedAt: 10}
	c := Message{ID: "0", CreatedAt: 11}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, b.Less(c))
}

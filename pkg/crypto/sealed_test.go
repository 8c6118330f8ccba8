package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(0), 1)
	require.NoError(t, err)

	for _, plain := range []string{"", "hmac-secret", "a much longer signing secret shared by brain and gateway"} {
		sealed, err := s.Seal(plain)
		require.NoError(t, err)
		assert.True(t, IsSealed(sealed))
		assert.Equal(t, 1, Version(sealed))

		got, err := s.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, _ := NewSealer(testKey(0), 1)
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	assert.NotEqual(t, a, b)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("short"), 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOpenRejectsGarbage(t *testing.T) {
	s, _ := NewSealer(testKey(0), 1)
	for _, v := range []string{"", "plain", "ENC[v1]:", "ENC[v1]:!!!", "ENC[vX]:abcd"} {
		_, err := s.Open(v)
		assert.Error(t, err, v)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	a, _ := NewSealer(testKey(0), 1)
	b, _ := NewSealer(testKey(7), 1)
	sealed, _ := a.Seal("secret")
	_, err := b.Open(sealed)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestKeyChainRotation(t *testing.T) {
	t.Setenv("TEST_SEAL_KEY", base64.StdEncoding.EncodeToString(testKey(1)))
	t.Setenv("TEST_SEAL_KEY_V2", base64.StdEncoding.EncodeToString(testKey(2)))

	old, _ := NewSealer(testKey(1), 1)
	sealedOld, _ := old.Seal("v1-secret")

	kc, err := LoadKeyChain("TEST_SEAL_KEY")
	require.NoError(t, err)

	sealedNew, err := kc.Seal("v2-secret")
	require.NoError(t, err)
	assert.Equal(t, 2, Version(sealedNew))

	got, err := kc.Open(sealedOld)
	require.NoError(t, err)
	assert.Equal(t, "v1-secret", got)

	got, err = Reveal(sealedNew, "TEST_SEAL_KEY")
	require.NoError(t, err)
	assert.Equal(t, "v2-secret", got)
}

func TestRevealPassesPlainText(t *testing.T) {
	got, err := Reveal("not-sealed", "UNSET_PREFIX_FOR_TEST")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", got)
}

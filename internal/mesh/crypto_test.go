package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCryptoRoundTrip(t *testing.T) {
	c := newCryptoService("correct horse battery staple")

	cases := []string{
		"",
		"hello",
		"a longer message with spaces and punctuation!?",
		"unicode: éè中文",
	}
	for _, want := range cases {
		ct, err := c.encrypt([]byte(want))
		require.NoError(t, err)
		pt, err := c.decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, want, string(pt))
	}
}

func TestCryptoEncryptIsRandomizedPerCall(t *testing.T) {
	c := newCryptoService("shared-secret")
	a, err := c.encrypt([]byte("same message"))
	require.NoError(t, err)
	b, err := c.encrypt([]byte("same message"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random IV should make repeated ciphertexts differ")
}

func TestCryptoDecryptRejectsBadInput(t *testing.T) {
	c := newCryptoService("shared-secret")

	_, err := c.decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = c.decrypt("aGVsbG8=") // valid base64, too short to contain an IV
	assert.Error(t, err)
}

func TestSha256HexMatchesKnownVector(t *testing.T) {
	got := sha256Hex([]byte(""))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}

func TestDifferentPassphrasesDeriveDifferentKeys(t *testing.T) {
	a := newCryptoService("passphrase-one")
	b := newCryptoService("passphrase-two")
	ct, err := a.encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = b.decrypt(ct)
	assert.Error(t, err, "wrong key should fail padding validation with overwhelming probability")
}

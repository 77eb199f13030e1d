package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) SessionKey {
	var k SessionKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSelfTestPasses(t *testing.T) {
	assert.NoError(t, SelfTest())
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte("hello")
	sig := Sign(priv, msg)

	assert.True(t, Verify(pub, msg, sig))
	assert.NoError(t, VerifySignature(pub, msg, sig))
	assert.False(t, Verify(pub, []byte("hellO"), sig))
	assert.ErrorIs(t, VerifySignature(pub, []byte("x"), sig), ErrInvalidSignature)
	assert.False(t, Verify(pub[:10], msg, sig))
	assert.False(t, Verify(pub, msg, sig[:10]))
}

func TestDeriveSessionKeyAgreement(t *testing.T) {
	a, err := GenerateEphemeral()
	require.NoError(t, err)
	b, err := GenerateEphemeral()
	require.NoError(t, err)

	ka, err := DeriveSessionKey(a, b.Public[:], []byte("sid"), []byte("info"))
	require.NoError(t, err)
	kb, err := DeriveSessionKey(b, a.Public[:], []byte("sid"), []byte("info"))
	require.NoError(t, err)
	assert.Equal(t, ka, kb)

	kc, err := DeriveSessionKey(a, b.Public[:], []byte("other"), []byte("info"))
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc, "salt must bind the key")
}

func TestDeriveSessionKeyRejectsBadRemote(t *testing.T) {
	a, err := GenerateEphemeral()
	require.NoError(t, err)

	_, err = DeriveSessionKey(a, []byte{1, 2, 3}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	var zero [X25519KeySize]byte
	_, err = DeriveSessionKey(a, zero[:], nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestEncryptDecrypt(t *testing.T) {
	key := testKey(7)
	plaintext := []byte("agent payload")
	ad := []byte("session||seq")

	sealed, err := Encrypt(key, plaintext, ad)
	require.NoError(t, err)
	assert.Len(t, sealed, NonceSize+len(plaintext)+TagSize)

	opened, err := Decrypt(key, sealed, ad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	again, err := Encrypt(key, plaintext, ad)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(sealed, again), "nonces must differ")
}

func TestDecryptDetectsTampering(t *testing.T) {
	key := testKey(9)
	sealed, err := Encrypt(key, []byte("secret"), []byte("ad"))
	require.NoError(t, err)

	for i := range sealed {
		mutated := append([]byte(nil), sealed...)
		mutated[i] ^= 0x80
		_, err := Decrypt(key, mutated, []byte("ad"))
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "byte %d", i)
	}

	_, err = Decrypt(key, sealed, []byte("other ad"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = Decrypt(testKey(1), sealed, []byte("ad"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = Decrypt(key, sealed[:5], nil)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestMAC(t *testing.T) {
	key := testKey(3)
	mac := MAC(key, []byte("confirm"), []byte("challenge"))
	assert.Len(t, mac, 32)
	assert.True(t, VerifyMAC(key, mac, []byte("confirmchallenge")))
	assert.False(t, VerifyMAC(testKey(4), mac, []byte("confirmchallenge")))
	assert.False(t, VerifyMAC(key, mac[:31], []byte("confirmchallenge")))
}

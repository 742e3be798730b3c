package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dest, err := GenerateIdentity()
	require.NoError(t, err)

	ephPriv, ephPub, err := EphemeralKeypair()
	require.NoError(t, err)

	plaintext := []byte("hello over the overlay")

	ciphertext, nonce, err := EncryptBody(ephPriv, dest.PublicKey(), plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	out, err := DecryptBody(dest.PrivateKey(), ephPub, nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptWrongRecipient(t *testing.T) {
	dest, err := GenerateIdentity()
	require.NoError(t, err)
	other, err := GenerateIdentity()
	require.NoError(t, err)

	ephPriv, ephPub, err := EphemeralKeypair()
	require.NoError(t, err)

	ciphertext, nonce, err := EncryptBody(ephPriv, dest.PublicKey(), []byte("secret"))
	require.NoError(t, err)

	// 非目的节点无法解密
	_, err = DecryptBody(other.PrivateKey(), ephPub, nonce, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	dest, err := GenerateIdentity()
	require.NoError(t, err)

	ephPriv, ephPub, err := EphemeralKeypair()
	require.NoError(t, err)

	ciphertext, nonce, err := EncryptBody(ephPriv, dest.PublicKey(), []byte("secret"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = DecryptBody(dest.PrivateKey(), ephPub, nonce, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestIdentitySignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("signed payload")
	sig := id.Sign(msg)

	assert.True(t, Verify(id.PublicKey(), msg, sig))
	assert.False(t, Verify(id.PublicKey(), []byte("other"), sig))

	other, err := GenerateIdentity()
	require.NoError(t, err)
	assert.False(t, Verify(other.PublicKey(), msg, sig))
}

func TestIdentityNodeID(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	derived, err := NodeIDOf(id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), derived)
}

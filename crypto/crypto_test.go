package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived.Public, "public key must be derivable from the private key")
	assert.NotEqual(t, [32]byte{}, kp.Public)
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestIdentityRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	restored, err := IdentityFromHex(id.SecretHex())
	require.NoError(t, err)

	assert.Equal(t, id.Static().Public, restored.Static().Public)
	assert.Equal(t, id.SigningKey(), restored.SigningKey())
	assert.NotEqual(t, id.Static().Public, id.SigningKey(), "static and signing keys are distinct")
}

func TestIdentityFromHexErrors(t *testing.T) {
	_, err := IdentityFromHex("zz")
	assert.Error(t, err)

	_, err = IdentityFromHex("abcd")
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	other, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("record body")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	ok, err := Verify(msg, sig, id.SigningKey())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("tampered"), sig, id.SigningKey())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify(msg, sig, other.SigningKey())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = id.Sign(nil)
	assert.Error(t, err)
	_, err = Verify(nil, sig, id.SigningKey())
	assert.Error(t, err)
}

func TestIdentityWipe(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	id.Wipe()
	assert.Equal(t, [SecretKeySize]byte{}, id.Secret())
	assert.Equal(t, [32]byte{}, id.Static().Private)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.Error(t, SecureWipe(nil))
	assert.Error(t, WipeKeyPair(nil))
}

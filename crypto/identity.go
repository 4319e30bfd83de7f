package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// SecretKeySize is the length of the seed an Identity is derived from.
const SecretKeySize = 32

// Identity is a node's long-term key material. A single 32-byte secret
// seeds both the Curve25519 static key used by the handshake and the
// Ed25519 key that signs the node's record.
type Identity struct {
	secret  [SecretKeySize]byte
	static  *KeyPair
	signing ed25519.PrivateKey
}

// GenerateIdentity creates an identity from a fresh random secret.
func GenerateIdentity() (*Identity, error) {
	var secret [SecretKeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read random secret: %w", err)
	}
	defer ZeroBytes(secret[:])
	return IdentityFromSecret(secret)
}

// IdentityFromSecret rebuilds an identity from its secret seed.
func IdentityFromSecret(secret [SecretKeySize]byte) (*Identity, error) {
	static, err := FromSecretKey(secret)
	if err != nil {
		return nil, err
	}
	return &Identity{
		secret:  secret,
		static:  static,
		signing: ed25519.NewKeyFromSeed(secret[:]),
	}, nil
}

// IdentityFromHex parses a hex encoded secret seed.
func IdentityFromHex(s string) (*Identity, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex secret key: %w", err)
	}
	if len(raw) != SecretKeySize {
		return nil, errors.New("secret key must be 32 bytes")
	}
	var secret [SecretKeySize]byte
	copy(secret[:], raw)
	ZeroBytes(raw)
	return IdentityFromSecret(secret)
}

// Secret returns a copy of the secret seed.
func (id *Identity) Secret() [SecretKeySize]byte {
	return id.secret
}

// SecretHex returns the secret seed hex encoded.
func (id *Identity) SecretHex() string {
	return hex.EncodeToString(id.secret[:])
}

// Static returns the Curve25519 static key pair.
func (id *Identity) Static() *KeyPair {
	return id.static
}

// SigningKey returns the Ed25519 public key that verifies this identity's
// signatures.
func (id *Identity) SigningKey() [32]byte {
	var pub [32]byte
	copy(pub[:], id.signing.Public().(ed25519.PublicKey))
	return pub
}

// Sign signs message with the identity's Ed25519 key.
func (id *Identity) Sign(message []byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}
	var sig Signature
	copy(sig[:], ed25519.Sign(id.signing, message))
	return sig, nil
}

// Wipe erases all private key material held by the identity.
func (id *Identity) Wipe() {
	ZeroBytes(id.secret[:])
	ZeroBytes(id.signing)
	if id.static != nil {
		_ = WipeKeyPair(id.static)
	}
}

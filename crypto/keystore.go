package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase key derivation.
	PBKDF2Iterations = 100000
	// KeyFileVersion is the current encrypted key file format version.
	KeyFileVersion = 1
	// SaltSize is the size of the PBKDF2 salt stored in the key file.
	SaltSize = 32
)

// ErrWrongPassphrase is returned when an encrypted key file fails to open.
var ErrWrongPassphrase = errors.New("key file decryption failed (wrong passphrase or corrupted file)")

// SaveIdentity writes the identity's secret to path. With an empty
// passphrase the secret is stored as hex text, otherwise it is sealed with
// XChaCha20-Poly1305 under a PBKDF2 derived key.
//
// Encrypted format: [version:2][salt:32][nonce:24][ciphertext+tag].
func SaveIdentity(path string, id *Identity, passphrase []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	secret := id.Secret()
	defer ZeroBytes(secret[:])

	var output []byte
	if len(passphrase) == 0 {
		output = []byte(hex.EncodeToString(secret[:]) + "\n")
	} else {
		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		aead, err := keyFileCipher(passphrase, salt)
		if err != nil {
			return err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}

		output = binary.BigEndian.AppendUint16(nil, KeyFileVersion)
		output = append(output, salt...)
		output = append(output, nonce...)
		output = aead.Seal(output, nonce, secret[:], output[:2])
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary key file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename key file: %w", err)
	}
	return nil
}

// LoadIdentity reads an identity written by SaveIdentity.
func LoadIdentity(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	defer ZeroBytes(data)

	if len(passphrase) == 0 {
		return IdentityFromHex(strings.TrimSpace(string(data)))
	}

	minSize := 2 + SaltSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(data) < minSize {
		return nil, fmt.Errorf("key file too short: %d bytes (minimum %d bytes)", len(data), minSize)
	}
	if version := binary.BigEndian.Uint16(data[0:2]); version != KeyFileVersion {
		return nil, fmt.Errorf("unsupported key file version: %d (expected %d)", version, KeyFileVersion)
	}

	salt := data[2 : 2+SaltSize]
	nonce := data[2+SaltSize : 2+SaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := data[2+SaltSize+chacha20poly1305.NonceSizeX:]

	aead, err := keyFileCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, data[:2])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer ZeroBytes(plaintext)
	if len(plaintext) != SecretKeySize {
		return nil, fmt.Errorf("invalid secret length in key file: %d", len(plaintext))
	}

	var secret [SecretKeySize]byte
	copy(secret[:], plaintext)
	return IdentityFromSecret(secret)
}

// LoadOrCreateIdentity loads the identity at path, generating and saving a
// fresh one if the file does not exist.
func LoadOrCreateIdentity(path string, passphrase []byte) (*Identity, bool, error) {
	id, err := LoadIdentity(path, passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(path, id, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func keyFileCipher(passphrase, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New)
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

// Package vault encrypts the remote-access credential at rest.
//
// The key is derived from a stable per-install device secret combined with
// a fresh random salt using Argon2id, a deliberately slow KDF, so that an
// exfiltrated database resists offline brute force. Encryption is
// AES-256-GCM with a fresh nonce per call. Decryption fails closed: any
// authentication failure surfaces as ErrTokenUnreadable and the caller
// must re-authorize, never guess or repair.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Tuned for an interactive single-user app:
// one pass over 64 MiB keeps derivation near 100ms on laptop hardware.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keyLen     = 32
	saltLen    = 16
)

// ErrTokenUnreadable means the stored token could not be authenticated:
// tampering, corruption, or a wrong device secret. The sync engine treats
// this as "not authenticated".
var ErrTokenUnreadable = errors.New("stored token is unreadable")

// EncryptedToken is the credential as persisted: opaque ciphertext plus
// the salt and nonce needed to decrypt it with the device secret.
type EncryptedToken struct {
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
}

// Encrypt seals a plaintext credential under a key derived from the
// device secret. Every call generates a fresh salt and nonce.
func Encrypt(plaintext, deviceSecret string) (*EncryptedToken, error) {
	if deviceSecret == "" {
		return nil, fmt.Errorf("device secret is empty")
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := newAEAD(deviceSecret, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedToken{
		Ciphertext: aead.Seal(nil, nonce, []byte(plaintext), nil),
		Salt:       salt,
		Nonce:      nonce,
	}, nil
}

// Decrypt opens a stored token with the device secret.
//
// Any failure to authenticate the ciphertext returns ErrTokenUnreadable.
// The error never distinguishes tampering from a wrong key, so a caller
// cannot leak which one occurred.
func Decrypt(tok *EncryptedToken, deviceSecret string) (string, error) {
	if tok == nil || len(tok.Ciphertext) == 0 {
		return "", ErrTokenUnreadable
	}
	if len(tok.Salt) != saltLen {
		return "", ErrTokenUnreadable
	}

	aead, err := newAEAD(deviceSecret, tok.Salt)
	if err != nil {
		return "", ErrTokenUnreadable
	}
	if len(tok.Nonce) != aead.NonceSize() {
		return "", ErrTokenUnreadable
	}

	plaintext, err := aead.Open(nil, tok.Nonce, tok.Ciphertext, nil)
	if err != nil {
		return "", ErrTokenUnreadable
	}
	return string(plaintext), nil
}

// newAEAD derives the AES-256 key from secret+salt and wraps it in GCM.
func newAEAD(deviceSecret string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(deviceSecret), salt, kdfTime, kdfMemory, kdfThreads, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return aead, nil
}

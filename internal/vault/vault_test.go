package vault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tok, err := Encrypt("ya29.secret-access-token", "device-secret")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	got, err := Decrypt(tok, "device-secret")
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if got != "ya29.secret-access-token" {
		t.Errorf("Decrypt returned %q, want original plaintext", got)
	}
}

func TestDecryptWrongSecretFailsClosed(t *testing.T) {
	tok, err := Encrypt("token", "device-secret")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	got, err := Decrypt(tok, "wrong-secret")
	if !errors.Is(err, ErrTokenUnreadable) {
		t.Errorf("Decrypt with wrong secret returned %v, want ErrTokenUnreadable", err)
	}
	if got != "" {
		t.Errorf("Decrypt leaked plaintext %q on failure", got)
	}
}

func TestDecryptTamperedCiphertextFailsClosed(t *testing.T) {
	tok, err := Encrypt("token", "device-secret")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	tok.Ciphertext[0] ^= 0xFF

	if _, err := Decrypt(tok, "device-secret"); !errors.Is(err, ErrTokenUnreadable) {
		t.Errorf("Decrypt of tampered ciphertext returned %v, want ErrTokenUnreadable", err)
	}
}

func TestDecryptCorruptMetadataFailsClosed(t *testing.T) {
	valid, err := Encrypt("token", "device-secret")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	tests := []struct {
		name string
		tok  *EncryptedToken
	}{
		{name: "nil token", tok: nil},
		{name: "empty ciphertext", tok: &EncryptedToken{Salt: valid.Salt, Nonce: valid.Nonce}},
		{name: "short salt", tok: &EncryptedToken{Ciphertext: valid.Ciphertext, Salt: valid.Salt[:4], Nonce: valid.Nonce}},
		{name: "short nonce", tok: &EncryptedToken{Ciphertext: valid.Ciphertext, Salt: valid.Salt, Nonce: valid.Nonce[:2]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.tok, "device-secret"); !errors.Is(err, ErrTokenUnreadable) {
				t.Errorf("Decrypt returned %v, want ErrTokenUnreadable", err)
			}
		})
	}
}

func TestEncryptUsesFreshSaltAndNonce(t *testing.T) {
	a, err := Encrypt("token", "device-secret")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	b, err := Encrypt("token", "device-secret")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	if bytes.Equal(a.Salt, b.Salt) {
		t.Error("two encryptions reused the same salt")
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("two encryptions reused the same nonce")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestEncryptRejectsEmptySecret(t *testing.T) {
	if _, err := Encrypt("token", ""); err == nil {
		t.Error("Encrypt accepted an empty device secret")
	}
}

func TestLoadOrCreateDeviceSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device.key")

	first, err := LoadOrCreateDeviceSecret(path)
	if err != nil {
		t.Fatalf("Failed to create device secret: %v", err)
	}
	if first == "" {
		t.Fatal("created secret is empty")
	}

	second, err := LoadOrCreateDeviceSecret(path)
	if err != nil {
		t.Fatalf("Failed to reload device secret: %v", err)
	}
	if first != second {
		t.Errorf("reload returned a different secret: %q != %q", first, second)
	}
}

package vault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateDeviceSecret returns the per-install device secret, creating
// it on first use. The secret is 32 random bytes hex-encoded, stored with
// owner-only permissions, and never transmitted anywhere.
func LoadOrCreateDeviceSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("device secret file %s is empty", path)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device secret: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate device secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create secret directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write device secret: %w", err)
	}
	return secret, nil
}

// Package credentials implements the bridge's local credential store:
// an AES-256-GCM encrypted blob at ~/.mcpb/credentials.enc with its
// key in a sibling ~/.mcpb/encryption.key file, both mode 0600.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/codeindexer/cidx/internal/server/atomicio"
)

const (
	dotMcpbDir     = ".mcpb"
	credentialsEnc = "credentials.enc"
	encryptionKey  = "encryption.key"
	keySize        = 32 // AES-256
)

// Credentials is the plaintext material exchanged for an access/refresh
// token pair on first request.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("credentials: resolve home dir: %w", err)
	}
	return filepath.Join(home, dotMcpbDir), nil
}

// Store persists creds encrypted under a freshly generated key. It
// creates ~/.mcpb/encryption.key and ~/.mcpb/credentials.enc, both
// mode 0600, overwriting any existing ones.
func Store(creds Credentials) error {
	d, err := dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return fmt.Errorf("credentials: create %s: %w", d, err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("credentials: generate key: %w", err)
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}
	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return err
	}

	keyPath := filepath.Join(d, encryptionKey)
	credPath := filepath.Join(d, credentialsEnc)

	if err := atomicio.WriteBytesFast(keyPath, key, 0o600); err != nil {
		return fmt.Errorf("credentials: write key: %w", err)
	}
	if err := atomicio.WriteBytesFast(credPath, ciphertext, 0o600); err != nil {
		return fmt.Errorf("credentials: write credentials: %w", err)
	}
	return nil
}

// Load decrypts and returns the stored credentials.
func Load() (Credentials, error) {
	d, err := dir()
	if err != nil {
		return Credentials{}, err
	}

	key, err := os.ReadFile(filepath.Join(d, encryptionKey))
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: no stored key, run --setup-credentials: %w", err)
	}
	ciphertext, err := os.ReadFile(filepath.Join(d, credentialsEnc))
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: no stored credentials, run --setup-credentials: %w", err)
	}

	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: decrypt: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("credentials: corrupted credential store: %w", err)
	}
	return creds, nil
}

// Exists reports whether a credential store has already been set up.
func Exists() bool {
	d, err := dir()
	if err != nil {
		return false
	}
	_, keyErr := os.Stat(filepath.Join(d, encryptionKey))
	_, credErr := os.Stat(filepath.Join(d, credentialsEnc))
	return keyErr == nil && credErr == nil
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credentials: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("credentials: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}

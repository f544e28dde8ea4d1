// Package crypto provides the encrypted-database fallback used when the OS
// keyring is unavailable (internal/credentials).
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	keyFileName = "credentials.key"
	saltSize    = 16
	pbkdf2Iters = 210_000
)

// Encryptor encrypts and decrypts small secrets (passwords, tokens, private
// keys) with a key derived from a random passphrase persisted once per data
// directory — the passphrase never leaves disk, but it keeps the sqlite
// fallback's ciphertext meaningless without the accompanying key file.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor loads or creates the passphrase file under dataDir and
// derives a ChaCha20-Poly1305 key from it via PBKDF2.
func NewEncryptor(dataDir string) (*Encryptor, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	passphrase, salt, err := loadOrCreatePassphrase(keyPath)
	if err != nil {
		return nil, err
	}

	key := pbkdf2.Key(passphrase, salt, pbkdf2Iters, chacha20poly1305.KeySize, sha3.New256)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("initialize cipher: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// loadOrCreatePassphrase reads "salt\npassphrase" (both hex-free raw bytes,
// base64-encoded per line) from keyPath, generating both on first use.
func loadOrCreatePassphrase(keyPath string) (passphrase, salt []byte, err error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		return splitKeyFile(raw)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("read credentials key file: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	passphrase = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, passphrase); err != nil {
		return nil, nil, fmt.Errorf("generate passphrase: %w", err)
	}

	contents := base64.StdEncoding.EncodeToString(salt) + "\n" + base64.StdEncoding.EncodeToString(passphrase) + "\n"
	if err := os.WriteFile(keyPath, []byte(contents), 0o600); err != nil {
		return nil, nil, fmt.Errorf("write credentials key file: %w", err)
	}
	return passphrase, salt, nil
}

func splitKeyFile(raw []byte) (passphrase, salt []byte, err error) {
	lines := splitLines(raw)
	if len(lines) < 2 {
		return nil, nil, fmt.Errorf("malformed credentials key file")
	}
	salt, err = base64.StdEncoding.DecodeString(lines[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	passphrase, err = base64.StdEncoding.DecodeString(lines[1])
	if err != nil {
		return nil, nil, fmt.Errorf("decode passphrase: %w", err)
	}
	return passphrase, salt, nil
}

func splitLines(raw []byte) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, string(raw[start:i]))
			start = i + 1
		}
	}
	return lines
}

// Encrypt returns a base64-encoded nonce||ciphertext for plaintext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/creatorpay/backend/internal/config"
)

const (
	keySize   = 32
	nonceSize = 12
)

// DecryptionError means a token failed authentication: it was tampered with or
// encrypted under a different key. Callers must surface it, never fall back to
// treating the ciphertext as plaintext.
type DecryptionError struct {
	err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.err)
}

func (e *DecryptionError) Unwrap() error { return e.err }

// Vault encrypts bank account identifiers at rest with AES-256-GCM. The wire
// format is base64(nonce || ciphertext || tag). There is no key rotation;
// rotating the key invalidates all previously encrypted rows.
type Vault struct {
	aead cipher.AEAD
}

// New resolves the key from config and builds the cipher. A key that is not
// exactly 32 bytes is a configuration error and must halt startup.
func New(cfg *config.EncryptionConfig) (*Vault, error) {
	key, err := resolveKey(cfg)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals a UTF-8 string under a fresh random 96-bit nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Authentication failure returns a
// *DecryptionError.
func (v *Vault) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", &DecryptionError{err: fmt.Errorf("invalid token encoding: %w", err)}
	}

	if len(raw) < nonceSize {
		return "", &DecryptionError{err: errors.New("token too short")}
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &DecryptionError{err: err}
	}

	return string(plaintext), nil
}

func resolveKey(cfg *config.EncryptionConfig) ([]byte, error) {
	switch {
	case cfg.Key != "":
		key, err := base64.StdEncoding.DecodeString(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
		}
		return key, nil
	case cfg.Passphrase != "":
		if cfg.Salt == "" {
			return nil, errors.New("encryption passphrase requires a salt")
		}
		return argon2.IDKey([]byte(cfg.Passphrase), []byte(cfg.Salt), 3, 32*1024, 4, keySize), nil
	default:
		return nil, errors.New("encryption key not configured")
	}
}

// Package secret provides at-rest encryption for provider API keys.
//
// The symmetric key is derived from a process password plus a per-install
// salt via argon2id. Ciphertexts are AES-256-GCM with the nonce prefixed,
// base64-encoded so they can live inside config.yaml.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrNotInitialized is returned when the store is used before Init.
	ErrNotInitialized = errors.New("secret: store not initialized")
	// ErrMismatch is returned when a ciphertext does not decrypt under the
	// current key. Callers treat this as "no key configured".
	ErrMismatch = errors.New("secret: credential mismatch")
	// ErrInvalidCiphertext is returned for malformed ciphertext records.
	ErrInvalidCiphertext = errors.New("secret: invalid ciphertext")
)

const (
	saltFileName = "salt.txt"
	saltSize     = 16

	// argon2id parameters: memory-hard enough that offline guessing of the
	// process password is expensive.
	kdfTime    = 3
	kdfMemory  = 128 * 1024 // KiB
	kdfThreads = 4
	keySize    = 32
)

// Store holds the derived key material. Read-mostly after Init; safe for
// concurrent Encrypt/Decrypt.
type Store struct {
	key []byte
}

// Init derives the store key from password and the salt file under dataDir.
// The salt is created on first use and reused afterwards.
func Init(password, dataDir string) (*Store, error) {
	salt, err := loadOrCreateSalt(filepath.Join(dataDir, saltFileName))
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, keySize)
	return &Store{key: key}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
// The empty string round-trips as the empty string without any crypto.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", ErrNotInitialized
	}
	if plaintext == "" {
		return "", nil
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A record sealed under a different password
// yields ErrMismatch.
func (s *Store) Decrypt(ciphertext string) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", ErrNotInitialized
	}
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrMismatch
	}
	if !utf8.Valid(plaintext) {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

func (s *Store) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		salt, decErr := hex.DecodeString(string(raw))
		if decErr != nil || len(salt) != saltSize {
			return nil, fmt.Errorf("secret: corrupt salt file %s", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return nil, fmt.Errorf("write salt file: %w", err)
	}
	return salt, nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Field encryption parameters. Grounded on the pack's own AES-256-GCM /
// scrypt encryptor: scrypt derives a per-record key from the master
// DB_ENCRYPTION_KEY and a fresh salt, so the same plaintext never produces
// the same ciphertext twice.
const (
	keySize   = 32
	nonceSize = 12
	saltSize  = 32
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
)

// Cipher seals and opens sensitive task config/result fields for rows whose
// data classification is pii or phi, keyed by DB_ENCRYPTION_KEY.
type Cipher struct {
	masterKey []byte
}

// NewCipher validates the key length and returns a ready Cipher.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) < MinKeyLength {
		return nil, fmt.Errorf("db encryption key must be at least %d bytes, got %d", MinKeyLength, len(masterKey))
	}
	return &Cipher{masterKey: masterKey}, nil
}

// Seal encrypts plaintext and returns a self-contained base64 blob
// (salt || nonce || ciphertext) safe to store in a single text column.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key(c.masterKey, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a blob produced by Seal. A tampered or mismatched blob
// returns a generic error that does not distinguish the cause, to avoid
// leaking information to an attacker.
func (c *Cipher) Open(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) < saltSize+nonceSize {
		return nil, fmt.Errorf("decrypt: malformed ciphertext")
	}
	salt, nonce, ciphertext := raw[:saltSize], raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:]

	key, err := scrypt.Key(c.masterKey, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: authentication failed")
	}
	return plaintext, nil
}

package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// sealedPrefix marks a contact whose fields live in an encrypted envelope.
const sealedPrefix = "enc:v1:"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

// ParseKey decodes a base64 AES-256 key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (AES-256), got %d", len(key))
	}
	return key, nil
}

// NewEncryptionMiddleware creates a middleware that stores contacts encrypted
// with AES-GCM. The stored contact keeps only an opaque envelope in Email; name,
// company and custom fields are never written in clear.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.JourneyRepository) ports.JourneyRepository {
		return &contactStore{
			JourneyRepository: next,
			seal:              config.seal,
			open:              config.open,
		}
	}
}

func (c EncryptionConfig) seal(contact domain.Contact) (domain.Contact, error) {
	if strings.HasPrefix(contact.Email, sealedPrefix) {
		return contact, nil
	}
	plainText, err := json.Marshal(contact)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("failed to marshal contact: %w", err)
	}
	ciphertext, err := encrypt(plainText, c.ActiveKey)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("failed to encrypt contact: %w", err)
	}
	return domain.Contact{Email: sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext)}, nil
}

// open decrypts a sealed contact. Contacts written before encryption was
// enabled are returned as stored.
func (c EncryptionConfig) open(contact domain.Contact) (domain.Contact, error) {
	encoded, ok := strings.CutPrefix(contact.Email, sealedPrefix)
	if !ok {
		return contact, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plainText, err := decryptWithRotation(ciphertext, c.ActiveKey, c.FallbackKeys)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("failed to decrypt contact: %w", err)
	}
	var out domain.Contact
	if err := json.Unmarshal(plainText, &out); err != nil {
		return domain.Contact{}, fmt.Errorf("failed to unmarshal decrypted contact: %w", err)
	}
	return out, nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	// Try active key first
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	// Try fallbacks in order
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertextBytes := ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertextBytes, nil)
}

package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/medialens/arena-collector/internal/arena"
)

// KeySize is the required symmetric key length (AES-256).
const KeySize = 32

// Cipher seals and opens credential payloads with AES-256-GCM. The nonce is
// prepended to the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, arena.Configf("credential encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, arena.Configf("init credential cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, arena.Configf("init credential cipher: %v", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromBase64 decodes a base64 key from configuration.
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	if encoded == "" {
		return nil, arena.Configf("credential encryption key is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, arena.Configf("credential encryption key is not valid base64: %v", err)
	}
	return NewCipher(key)
}

// Seal encrypts a secrets map for storage.
func (c *Cipher) Seal(secrets map[string]string) ([]byte, error) {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("marshal credential payload: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a stored payload. A failure here means the configured key
// cannot decrypt existing secrets, which makes every stored credential
// unrecoverable; it is therefore a fatal configuration error, never
// swallowed.
func (c *Cipher) Open(blob []byte) (map[string]string, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, arena.Configf("stored credential payload is truncated")
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, arena.Configf("cannot decrypt stored credential payload; encryption key mismatch")
	}
	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, arena.Configf("decrypted credential payload is malformed: %v", err)
	}
	return secrets, nil
}

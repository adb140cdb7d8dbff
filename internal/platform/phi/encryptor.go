package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrCrypto marks encryption or decryption failures of the token mapping.
// These imply a configuration problem (wrong or rotated key) rather than a
// data problem and are surfaced distinctly from generic pipeline failures.
var ErrCrypto = errors.New("phi: mapping crypto failure")

// MappingEncryptor provides AES-256-GCM encryption for the token-to-original
// mapping persisted alongside each encounter.
type MappingEncryptor struct {
	aead cipher.AEAD
}

// NewMappingEncryptor creates a MappingEncryptor with the given 32-byte key.
func NewMappingEncryptor(key []byte) (*MappingEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes, got %d", ErrCrypto, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCM: %v", ErrCrypto, err)
	}

	return &MappingEncryptor{aead: aead}, nil
}

// EncryptMapping serialises the token mapping and returns base64 ciphertext
// with the nonce prepended.
func (e *MappingEncryptor) EncryptMapping(mapping map[string]string) (string, error) {
	plaintext, err := json.Marshal(mapping)
	if err != nil {
		return "", fmt.Errorf("%w: marshal mapping: %v", ErrCrypto, err)
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptMapping reverses EncryptMapping.
func (e *MappingEncryptor) DecryptMapping(ciphertext string) (map[string]string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrCrypto, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}

	var mapping map[string]string
	if err := json.Unmarshal(plaintext, &mapping); err != nil {
		return nil, fmt.Errorf("%w: unmarshal mapping: %v", ErrCrypto, err)
	}
	return mapping, nil
}

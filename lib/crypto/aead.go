package crypto

import (
	"crypto/rand"
	"io"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// Encrypt seals plaintext under key with a random nonce.
// The output is nonce || ciphertext || tag.
func Encrypt(key SessionKey, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, oops.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, oops.Errorf("failed to generate random nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, ad), nil
}

// Decrypt opens a value produced by Encrypt. Any modification of nonce,
// ciphertext, tag or associated data yields ErrAuthenticationFailed.
func Decrypt(key SessionKey, data, ad []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, oops.Wrapf(ErrCiphertextTooShort, "got %d bytes", len(data))
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, oops.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], ad)
	if err != nil {
		log.WithField("data_length", len(data)).Debug("ChaCha20-Poly1305 open failed")
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

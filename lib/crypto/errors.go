package crypto

import "errors"

var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidKeySize       = errors.New("invalid key size")
	ErrInvalidPublicKey     = errors.New("invalid X25519 public key")
	ErrCiphertextTooShort   = errors.New("ciphertext too short")
	ErrAuthenticationFailed = errors.New("ChaCha20-Poly1305 authentication failed")
	ErrSelfTestFailed       = errors.New("crypto self-test failed")
)

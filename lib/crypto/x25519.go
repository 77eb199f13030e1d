package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	X25519KeySize  = curve25519.PointSize
	SessionKeySize = 32
)

// SessionKey is a symmetric key shared by the two ends of a session.
type SessionKey [SessionKeySize]byte

// EphemeralKey is a single-use X25519 keypair for one handshake.
type EphemeralKey struct {
	private [X25519KeySize]byte
	Public  [X25519KeySize]byte
}

// GenerateEphemeral creates a fresh X25519 keypair.
func GenerateEphemeral() (*EphemeralKey, error) {
	return generateEphemeral(rand.Reader)
}

func generateEphemeral(r io.Reader) (*EphemeralKey, error) {
	k := &EphemeralKey{}
	if _, err := io.ReadFull(r, k.private[:]); err != nil {
		return nil, oops.Wrapf(err, "failed to read ephemeral key material")
	}
	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to compute ephemeral public key")
	}
	copy(k.Public[:], pub)
	return k, nil
}

// SharedSecret computes X25519(k, remote). Low-order remote points, which
// yield an all-zero secret, are rejected.
func (k *EphemeralKey) SharedSecret(remote []byte) ([]byte, error) {
	if len(remote) != X25519KeySize {
		return nil, oops.Wrapf(ErrInvalidKeySize, "remote ephemeral is %d bytes", len(remote))
	}
	secret, err := curve25519.X25519(k.private[:], remote)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidPublicKey, "%v", err)
	}
	var zero [X25519KeySize]byte
	if subtle.ConstantTimeCompare(secret, zero[:]) == 1 {
		return nil, ErrInvalidPublicKey
	}
	return secret, nil
}

// DeriveSessionKey runs X25519 between the local ephemeral and the remote
// ephemeral, then expands the shared secret with HKDF-SHA256.
func DeriveSessionKey(local *EphemeralKey, remote []byte, salt, info []byte) (SessionKey, error) {
	var key SessionKey
	secret, err := local.SharedSecret(remote)
	if err != nil {
		return key, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key[:]); err != nil {
		return key, oops.Wrapf(err, "hkdf expansion failed")
	}
	log.WithField("info_length", len(info)).Debug("Derived session key")
	return key, nil
}

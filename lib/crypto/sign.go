package crypto

import (
	"crypto/ed25519"

	"github.com/samber/oops"
)

// Sign produces a deterministic Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg by pub.
// Malformed keys or signatures verify as false.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifySignature is Verify with a typed error.
func VerifySignature(pub ed25519.PublicKey, msg, sig []byte) error {
	if !Verify(pub, msg, sig) {
		return oops.Wrapf(ErrInvalidSignature, "ed25519 verification failed")
	}
	return nil
}

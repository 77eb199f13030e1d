package identity

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/samber/oops"
)

// Identity is an Ed25519 keypair together with the PeerID it implies.
// It is immutable once created.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	id      PeerID
}

// Generate creates a fresh identity from the system random source.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to generate identity key")
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey rebuilds an identity from a stored private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, oops.Errorf("invalid private key length %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, priv)
	pub := key.Public().(ed25519.PublicKey)
	return &Identity{
		private: key,
		public:  pub,
		id:      PeerIDFromPublicKey(pub),
	}, nil
}

func (i *Identity) ID() PeerID { return i.id }

// PublicKey returns a copy of the public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(i.public))
	copy(out, i.public)
	return out
}

// PrivateKey exposes the signing key for the crypto layer and the keystore.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.private
}

// Sign signs msg with the identity key. Ed25519 signatures are deterministic.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.private, msg)
}

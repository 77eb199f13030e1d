package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"github.com/samber/oops"
)

// PeerIDSize is the length of a PeerID in bytes.
const PeerIDSize = sha256.Size

// PeerID identifies a peer on the mesh and positions it in the DHT key space.
type PeerID [PeerIDSize]byte

// PeerIDFromPublicKey derives the PeerID for an Ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	return PeerID(sha256.Sum256(pub))
}

// ParsePeerID decodes a hex-encoded PeerID.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, oops.Wrapf(err, "invalid peer id %q", s)
	}
	if len(raw) != PeerIDSize {
		return id, oops.Errorf("invalid peer id length %d, want %d", len(raw), PeerIDSize)
	}
	copy(id[:], raw)
	return id, nil
}

// PeerIDFromBytes copies b into a PeerID.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDSize {
		return id, oops.Errorf("invalid peer id length %d, want %d", len(b), PeerIDSize)
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id PeerID) Bytes() []byte {
	return id[:]
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Less orders PeerIDs as unsigned big-endian integers.
func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// MatchesPublicKey reports whether id is the digest of pub.
func (id PeerID) MatchesPublicKey(pub ed25519.PublicKey) bool {
	return len(pub) == ed25519.PublicKeySize && PeerIDFromPublicKey(pub) == id
}

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

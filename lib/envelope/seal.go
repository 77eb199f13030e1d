package envelope

import (
	"encoding/binary"

	"github.com/go-agentmesh/agentmesh/lib/crypto"
	"github.com/samber/oops"
)

// associatedData binds the ciphertext to its session and sequence number.
func (e *Envelope) associatedData() []byte {
	ad := make([]byte, 0, 24)
	ad = append(ad, e.SessionID[:]...)
	return binary.BigEndian.AppendUint64(ad, e.Sequence)
}

// Seal encrypts the payload in place. The envelope must already carry its
// session id and sequence number, and must be signed afterwards.
func (e *Envelope) Seal(key crypto.SessionKey) error {
	if !e.HasSession() || !e.HasSequence {
		return oops.Wrapf(ErrSessionRequired, "cannot seal without session and sequence")
	}
	if e.Encrypted {
		return oops.Errorf("payload already encrypted")
	}
	ct, err := crypto.Encrypt(key, e.Payload, e.associatedData())
	if err != nil {
		return err
	}
	if len(ct) > MaxPayloadSize {
		return oops.Wrapf(ErrPayloadTooLarge, "sealed payload is %d bytes", len(ct))
	}
	e.Payload = ct
	e.Encrypted = true
	return nil
}

// Open returns the decrypted payload without modifying the envelope.
func (e *Envelope) Open(key crypto.SessionKey) ([]byte, error) {
	if !e.Encrypted {
		return nil, ErrNotEncrypted
	}
	return crypto.Decrypt(key, e.Payload, e.associatedData())
}

package handshake

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// ChallengeSize is the length of the responder's challenge.
const ChallengeSize = 32

const (
	keyLabel     = "agentmesh/session/v1"
	confirmLabel = "confirm"
)

type initBody struct {
	Record    []byte `json:"record"`
	Ephemeral []byte `json:"ephemeral"`
}

type ackBody struct {
	Record    []byte `json:"record"`
	Ephemeral []byte `json:"ephemeral"`
	Challenge []byte `json:"challenge"`
}

type confirmBody struct {
	MAC []byte `json:"mac"`
}

// keyInfo binds the derived key to both identities in initiator order.
func keyInfo(initiator, responder identity.PeerID) []byte {
	info := make([]byte, 0, len(keyLabel)+2*identity.PeerIDSize)
	info = append(info, keyLabel...)
	info = append(info, initiator[:]...)
	return append(info, responder[:]...)
}

func confirmInput(challenge []byte, sid uuid.UUID) [][]byte {
	return [][]byte{[]byte(confirmLabel), challenge, sid[:]}
}

// senderRecord decodes and verifies the record carried by an init or ack
// and checks that it belongs to the envelope's sender.
func senderRecord(env *envelope.Envelope, raw []byte, now time.Time) (*record.PeerRecord, error) {
	rec, err := record.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if err := rec.VerifyAt(now); err != nil {
		return nil, err
	}
	if rec.PeerID != env.Sender {
		return nil, oops.Wrapf(ErrRecordMismatch, "record %s, sender %s", rec.PeerID.Short(), env.Sender.Short())
	}
	return rec, nil
}

func decodeInit(env *envelope.Envelope, now time.Time) (*initBody, *record.PeerRecord, error) {
	var body initBody
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, nil, oops.Wrapf(err, "malformed handshake_init")
	}
	rec, err := senderRecord(env, body.Record, now)
	if err != nil {
		return nil, nil, err
	}
	return &body, rec, nil
}

func decodeAck(env *envelope.Envelope, now time.Time) (*ackBody, *record.PeerRecord, error) {
	var body ackBody
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, nil, oops.Wrapf(err, "malformed handshake_ack")
	}
	if len(body.Challenge) != ChallengeSize {
		return nil, nil, oops.Errorf("challenge is %d bytes", len(body.Challenge))
	}
	rec, err := senderRecord(env, body.Record, now)
	if err != nil {
		return nil, nil, err
	}
	return &body, rec, nil
}

// embeddedKey extracts the signing key from an init or ack without
// verifying the record's expiry; the envelope signature is checked against
// it by the caller and the record is fully verified when handled.
func embeddedKey(env *envelope.Envelope) ed25519.PublicKey {
	var body struct {
		Record []byte `json:"record"`
	}
	if json.Unmarshal(env.Payload, &body) != nil {
		return nil
	}
	rec, err := record.Unmarshal(body.Record)
	if err != nil || rec.PeerID != env.Sender || !rec.PeerID.MatchesPublicKey(rec.PublicKey) {
		return nil
	}
	return rec.PublicKey
}

// PeerRecord returns the verified record carried by an init or ack, so the
// caller can learn where the sender is reachable.
func PeerRecord(env *envelope.Envelope, now time.Time) (*record.PeerRecord, error) {
	switch env.Type {
	case envelope.TypeHandshakeInit, envelope.TypeHandshakeAck:
	default:
		return nil, oops.Wrapf(ErrUnexpectedMessage, "type %q carries no record", env.Type)
	}
	var body struct {
		Record []byte `json:"record"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, oops.Wrapf(err, "malformed %s", env.Type)
	}
	return senderRecord(env, body.Record, now)
}

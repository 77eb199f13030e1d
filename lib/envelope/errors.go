package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-agentmesh/agentmesh/lib/session"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Codec and validation failures. Cryptographic failures are dropped by the
// receiver; sequencing failures are answered with a ProtocolError.
var (
	ErrTruncated           = errors.New("envelope truncated")
	ErrTrailingBytes       = errors.New("trailing bytes after envelope")
	ErrUnsupportedVersion  = errors.New("unsupported protocol version")
	ErrInvalidMessageType  = errors.New("invalid message type")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrInvalidSignature    = errors.New("envelope signature invalid")
	ErrUnknownSender       = errors.New("no public key for sender")
	ErrWrongRecipient      = errors.New("envelope not addressed to this node")
	ErrStaleTimestamp      = errors.New("envelope timestamp outside tolerance")
	ErrReplayedNonce       = errors.New("envelope nonce already seen")
	ErrSessionRequired     = errors.New("message type requires a session")
	ErrSequenceRequired    = errors.New("session message without sequence number")
	ErrSessionPeerMismatch = errors.New("session belongs to another peer")
	ErrNotEncrypted        = errors.New("payload is not encrypted")
)

// ErrorKind is the structured kind carried by an error envelope.
type ErrorKind string

const (
	KindSequenceGap      ErrorKind = "SEQUENCE_GAP"
	KindReplayRejected   ErrorKind = "REPLAY_REJECTED"
	KindSessionExpired   ErrorKind = "SESSION_EXPIRED"
	KindInvalidSignature ErrorKind = "INVALID_SIGNATURE"
	KindHandshakeTimeout ErrorKind = "HANDSHAKE_TIMEOUT"
)

// ProtocolError is a sequencing or handshake failure reported back to the
// sender so it can resynchronize or re-handshake.
type ProtocolError struct {
	Kind      ErrorKind `json:"kind"`
	Expected  uint64    `json:"expected"`
	Received  uint64    `json:"received"`
	SessionID uuid.UUID `json:"session_id"`
	Detail    string    `json:"detail,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Kind == KindSequenceGap {
		return fmt.Sprintf("%s{expected: %d, received: %d}", e.Kind, e.Expected, e.Received)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

// Marshal encodes the error as an error envelope payload.
func (e *ProtocolError) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseProtocolError decodes an error envelope payload.
func ParseProtocolError(data []byte) (*ProtocolError, error) {
	var e ProtocolError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, oops.Wrapf(err, "malformed error payload")
	}
	if e.Kind == "" {
		return nil, oops.Errorf("error payload without kind")
	}
	return &e, nil
}

// ProtocolErrorFromResult maps a rejected sequence verdict onto the error
// reported to the sender. Accept yields nil.
func ProtocolErrorFromResult(sid uuid.UUID, res session.Result) *ProtocolError {
	pe := &ProtocolError{SessionID: sid, Expected: res.Expected, Received: res.Received}
	switch res.Verdict {
	case session.Accept:
		return nil
	case session.SequenceGap:
		pe.Kind = KindSequenceGap
	case session.Replay:
		pe.Kind = KindReplayRejected
	default:
		pe.Kind = KindSessionExpired
		pe.Detail = res.Verdict.String()
	}
	return pe
}

// IsProtocolError extracts a ProtocolError from err.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

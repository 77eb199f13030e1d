package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

const (
	flagSession   = 1 << 0
	flagSequence  = 1 << 1
	flagEncrypted = 1 << 2

	// fixedSize counts every fixed-width field of an envelope with an empty
	// type and no optional fields.
	fixedSize = 1 + 1 + identity.PeerIDSize*2 + 8 + NonceSize + 1 + 4 + ed25519.SignatureSize
)

// Envelope is one signed protocol message.
type Envelope struct {
	Version   uint8
	Type      MessageType
	Sender    identity.PeerID
	Recipient identity.PeerID
	Timestamp int64
	Nonce     [NonceSize]byte
	// SessionID is uuid.Nil for sessionless control messages.
	SessionID   uuid.UUID
	Sequence    uint64
	HasSequence bool
	Payload     []byte
	Encrypted   bool
	Signature   []byte
}

// New builds an unsigned envelope stamped with now and a fresh nonce.
func New(t MessageType, sender, recipient identity.PeerID, payload []byte, now time.Time) (*Envelope, error) {
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: now.Unix(),
		Payload:   payload,
	}
	if _, err := io.ReadFull(rand.Reader, env.Nonce[:]); err != nil {
		return nil, oops.Wrapf(err, "failed to generate envelope nonce")
	}
	return env, nil
}

// WithSession attaches a session id and sequence number.
func (e *Envelope) WithSession(id uuid.UUID, seq uint64) *Envelope {
	e.SessionID = id
	e.Sequence = seq
	e.HasSequence = true
	return e
}

func (e *Envelope) HasSession() bool {
	return e.SessionID != uuid.Nil
}

// Time returns the timestamp as a time.Time.
func (e *Envelope) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}

func (e *Envelope) flags() byte {
	var f byte
	if e.HasSession() {
		f |= flagSession
	}
	if e.HasSequence {
		f |= flagSequence
	}
	if e.Encrypted {
		f |= flagEncrypted
	}
	return f
}

// SigningBytes is the encoding of every field except the signature.
func (e *Envelope) SigningBytes() ([]byte, error) {
	if !e.Type.valid() {
		return nil, oops.Wrapf(ErrInvalidMessageType, "%q", e.Type)
	}
	if len(e.Payload) > MaxPayloadSize {
		return nil, oops.Wrapf(ErrPayloadTooLarge, "%d bytes", len(e.Payload))
	}
	size := fixedSize - ed25519.SignatureSize + len(e.Type) + len(e.Payload)
	if e.HasSession() {
		size += 16
	}
	if e.HasSequence {
		size += 8
	}
	buf := make([]byte, 0, size)
	buf = append(buf, e.Version, byte(len(e.Type)))
	buf = append(buf, e.Type...)
	buf = append(buf, e.Sender[:]...)
	buf = append(buf, e.Recipient[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Timestamp))
	buf = append(buf, e.Nonce[:]...)
	buf = append(buf, e.flags())
	if e.HasSession() {
		buf = append(buf, e.SessionID[:]...)
	}
	if e.HasSequence {
		buf = binary.BigEndian.AppendUint64(buf, e.Sequence)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf, nil
}

// Sign sets the signature using the sender's identity.
func (e *Envelope) Sign(id *identity.Identity) error {
	if id.ID() != e.Sender {
		return oops.Errorf("signing identity %s is not sender %s", id.ID().Short(), e.Sender.Short())
	}
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = id.Sign(data)
	return nil
}

// Verify checks the signature against pub, which must belong to the sender.
func (e *Envelope) Verify(pub ed25519.PublicKey) error {
	if !e.Sender.MatchesPublicKey(pub) {
		return oops.Wrapf(ErrInvalidSignature, "public key does not match sender %s", e.Sender.Short())
	}
	if len(e.Signature) != ed25519.SignatureSize {
		return oops.Wrapf(ErrInvalidSignature, "signature is %d bytes", len(e.Signature))
	}
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, e.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Marshal encodes a signed envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Signature) != ed25519.SignatureSize {
		return nil, oops.Errorf("envelope is not signed")
	}
	data, err := e.SigningBytes()
	if err != nil {
		return nil, err
	}
	return append(data, e.Signature...), nil
}

// Unmarshal decodes and bounds-checks an envelope. It does not verify the
// signature.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < fixedSize {
		return nil, oops.Wrapf(ErrTruncated, "%d bytes, need at least %d", len(data), fixedSize)
	}
	r := reader{buf: data}
	e := &Envelope{}
	e.Version = r.byte()
	if e.Version != ProtocolVersion {
		return nil, oops.Wrapf(ErrUnsupportedVersion, "version %d", e.Version)
	}
	e.Type = MessageType(r.bytes(int(r.byte())))
	copy(e.Sender[:], r.bytes(identity.PeerIDSize))
	copy(e.Recipient[:], r.bytes(identity.PeerIDSize))
	e.Timestamp = int64(r.uint64())
	copy(e.Nonce[:], r.bytes(NonceSize))
	flags := r.byte()
	if flags&^(flagSession|flagSequence|flagEncrypted) != 0 {
		return nil, oops.Errorf("unknown envelope flags %#x", flags)
	}
	if flags&flagSession != 0 {
		copy(e.SessionID[:], r.bytes(16))
	}
	if flags&flagSequence != 0 {
		e.Sequence = r.uint64()
		e.HasSequence = true
	}
	e.Encrypted = flags&flagEncrypted != 0
	plen := r.uint32()
	if r.err == nil && plen > MaxPayloadSize {
		return nil, oops.Wrapf(ErrPayloadTooLarge, "%d bytes", plen)
	}
	if payload := r.bytes(int(plen)); payload != nil {
		e.Payload = append([]byte{}, payload...)
	}
	e.Signature = append([]byte(nil), r.bytes(ed25519.SignatureSize)...)
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, oops.Wrapf(ErrTrailingBytes, "%d extra bytes", len(data)-r.off)
	}
	if !e.Type.valid() {
		return nil, oops.Wrapf(ErrInvalidMessageType, "%q", e.Type)
	}
	if flags&flagSession != 0 && e.SessionID == uuid.Nil {
		return nil, oops.Errorf("session flag set with nil session id")
	}
	return e, nil
}

// reader is a bounds-checked cursor. After the first short read every
// accessor returns zero values and err is ErrTruncated.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = oops.Wrapf(ErrTruncated, "need %d bytes at offset %d", n, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

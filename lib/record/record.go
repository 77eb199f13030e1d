package record

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/samber/oops"
)

const (
	recordVersion   uint8 = 1
	maxNameLength         = 255
	maxAddressLen         = 1024
	maxCapabilities       = 255
	maxTagLength          = 255

	// DefaultTTL is how long a published record stays valid.
	DefaultTTL = 24 * time.Hour
	// MaxTTL caps the lifetime a record may claim.
	MaxTTL = 7 * 24 * time.Hour
	// MaxClockSkew is how far in the future IssuedAt may lie.
	MaxClockSkew = time.Minute
)

var (
	ErrInvalidRecord   = errors.New("invalid peer record")
	ErrRecordSignature = errors.New("peer record signature invalid")
	ErrRecordExpired   = errors.New("peer record expired")
	ErrRecordFuture    = errors.New("peer record issued in the future")
)

// PeerRecord describes how to reach a peer and what it offers.
type PeerRecord struct {
	PeerID       identity.PeerID
	DisplayName  string
	Address      string
	PublicKey    ed25519.PublicKey
	Capabilities []string
	IssuedAt     time.Time
	TTL          time.Duration
	Signature    []byte
}

// New issues a signed record for id at now. A ttl above MaxTTL is clamped.
func New(id *identity.Identity, name, address string, capabilities []string, now time.Time, ttl time.Duration) (*PeerRecord, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	r := &PeerRecord{
		PeerID:       id.ID(),
		DisplayName:  name,
		Address:      address,
		PublicKey:    id.PublicKey(),
		Capabilities: normalizeCapabilities(capabilities),
		IssuedAt:     now.Truncate(time.Second),
		TTL:          ttl.Truncate(time.Second),
	}
	body, err := r.signingBytes()
	if err != nil {
		return nil, err
	}
	r.Signature = id.Sign(body)
	return r, nil
}

func normalizeCapabilities(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ExpiresAt is IssuedAt + TTL.
func (r *PeerRecord) ExpiresAt() time.Time {
	return r.IssuedAt.Add(r.TTL)
}

func (r *PeerRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

func (r *PeerRecord) HasCapability(tag string) bool {
	i := sort.SearchStrings(r.Capabilities, tag)
	return i < len(r.Capabilities) && r.Capabilities[i] == tag
}

// Supersedes reports whether r replaces other: same peer, later issue time.
func (r *PeerRecord) Supersedes(other *PeerRecord) bool {
	return other == nil || (r.PeerID == other.PeerID && r.IssuedAt.After(other.IssuedAt))
}

// Verify checks that the record is self-certifying.
func (r *PeerRecord) Verify() error {
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return oops.Wrapf(ErrInvalidRecord, "public key is %d bytes", len(r.PublicKey))
	}
	if !r.PeerID.MatchesPublicKey(r.PublicKey) {
		return oops.Wrapf(ErrInvalidRecord, "peer id is not the digest of the public key")
	}
	if r.TTL <= 0 || r.TTL > MaxTTL {
		return oops.Wrapf(ErrInvalidRecord, "ttl %s outside (0, %s]", r.TTL, MaxTTL)
	}
	body, err := r.signingBytes()
	if err != nil {
		return err
	}
	if len(r.Signature) != ed25519.SignatureSize || !ed25519.Verify(r.PublicKey, body, r.Signature) {
		return ErrRecordSignature
	}
	return nil
}

// VerifyAt is Verify plus a validity window check: the record must not be
// expired and must not be issued more than MaxClockSkew after now.
func (r *PeerRecord) VerifyAt(now time.Time) error {
	if err := r.Verify(); err != nil {
		return err
	}
	if r.IssuedAt.After(now.Add(MaxClockSkew)) {
		return oops.Wrapf(ErrRecordFuture, "issued %s ahead", r.IssuedAt.Sub(now))
	}
	if r.Expired(now) {
		return oops.Wrapf(ErrRecordExpired, "expired at %s", r.ExpiresAt().UTC().Format(time.RFC3339))
	}
	return nil
}

// Clone returns a deep copy.
func (r *PeerRecord) Clone() *PeerRecord {
	c := *r
	c.PublicKey = append(ed25519.PublicKey(nil), r.PublicKey...)
	c.Capabilities = append([]string(nil), r.Capabilities...)
	c.Signature = append([]byte(nil), r.Signature...)
	return &c
}

func (r *PeerRecord) signingBytes() ([]byte, error) {
	if len(r.DisplayName) > maxNameLength {
		return nil, oops.Wrapf(ErrInvalidRecord, "display name too long")
	}
	if len(r.Address) > maxAddressLen {
		return nil, oops.Wrapf(ErrInvalidRecord, "address too long")
	}
	if len(r.Capabilities) > maxCapabilities {
		return nil, oops.Wrapf(ErrInvalidRecord, "too many capabilities")
	}
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return nil, oops.Wrapf(ErrInvalidRecord, "public key is %d bytes", len(r.PublicKey))
	}
	buf := make([]byte, 0, 128+len(r.DisplayName)+len(r.Address))
	buf = append(buf, recordVersion)
	buf = append(buf, r.PeerID[:]...)
	buf = append(buf, byte(len(r.DisplayName)))
	buf = append(buf, r.DisplayName...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Address)))
	buf = append(buf, r.Address...)
	buf = append(buf, r.PublicKey...)
	buf = append(buf, byte(len(r.Capabilities)))
	for _, tag := range r.Capabilities {
		if len(tag) == 0 || len(tag) > maxTagLength {
			return nil, oops.Wrapf(ErrInvalidRecord, "capability tag length %d", len(tag))
		}
		buf = append(buf, byte(len(tag)))
		buf = append(buf, tag...)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.IssuedAt.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.TTL/time.Second))
	return buf, nil
}

// Marshal encodes the record including its signature.
func (r *PeerRecord) Marshal() ([]byte, error) {
	body, err := r.signingBytes()
	if err != nil {
		return nil, err
	}
	if len(r.Signature) != ed25519.SignatureSize {
		return nil, oops.Wrapf(ErrInvalidRecord, "record is not signed")
	}
	return append(body, r.Signature...), nil
}

// Unmarshal decodes a record. It does not verify it.
func Unmarshal(data []byte) (*PeerRecord, error) {
	d := decoder{buf: data}
	if v := d.byte(); v != recordVersion && d.err == nil {
		return nil, oops.Wrapf(ErrInvalidRecord, "unknown record version %d", v)
	}
	r := &PeerRecord{}
	copy(r.PeerID[:], d.bytes(identity.PeerIDSize))
	r.DisplayName = string(d.bytes(int(d.byte())))
	r.Address = string(d.bytes(int(d.uint16())))
	r.PublicKey = append(ed25519.PublicKey(nil), d.bytes(ed25519.PublicKeySize)...)
	n := int(d.byte())
	for i := 0; i < n && d.err == nil; i++ {
		r.Capabilities = append(r.Capabilities, string(d.bytes(int(d.byte()))))
	}
	r.IssuedAt = time.Unix(int64(d.uint64()), 0)
	r.TTL = time.Duration(d.uint64()) * time.Second
	r.Signature = append([]byte(nil), d.bytes(ed25519.SignatureSize)...)
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(data) {
		return nil, oops.Wrapf(ErrInvalidRecord, "%d trailing bytes", len(data)-d.off)
	}
	if !sort.StringsAreSorted(r.Capabilities) {
		return nil, oops.Wrapf(ErrInvalidRecord, "capabilities not in canonical order")
	}
	return r, nil
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = oops.Wrapf(ErrInvalidRecord, "truncated at offset %d", d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) byte() byte {
	if b := d.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) uint16() uint16 {
	if b := d.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// CapabilityKey is the DHT key under which providers of tag are stored.
func CapabilityKey(tag string) identity.PeerID {
	return identity.PeerID(sha256.Sum256([]byte("agentmesh/capability/" + tag)))
}

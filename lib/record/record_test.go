package record

import (
	"testing"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1_700_000_000, 0)

func newTestRecord(t *testing.T) (*identity.Identity, *PeerRecord) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	r, err := New(id, "planner", "mem://planner", []string{"summarize", "plan", "plan"}, testNow, time.Hour)
	require.NoError(t, err)
	return id, r
}

func TestNewRecordVerifies(t *testing.T) {
	id, r := newTestRecord(t)
	assert.Equal(t, id.ID(), r.PeerID)
	assert.Equal(t, []string{"plan", "summarize"}, r.Capabilities)
	assert.True(t, r.HasCapability("plan"))
	assert.False(t, r.HasCapability("code"))
	assert.NoError(t, r.Verify())
	assert.NoError(t, r.VerifyAt(testNow))
	assert.Equal(t, testNow.Add(time.Hour), r.ExpiresAt())
}

func TestRecordExpiry(t *testing.T) {
	_, r := newTestRecord(t)
	assert.False(t, r.Expired(testNow.Add(59*time.Minute)))
	assert.True(t, r.Expired(testNow.Add(time.Hour)))
	assert.ErrorIs(t, r.VerifyAt(testNow.Add(2*time.Hour)), ErrRecordExpired)
}

func TestRecordIssuedInFutureRejected(t *testing.T) {
	_, r := newTestRecord(t)
	assert.NoError(t, r.VerifyAt(testNow.Add(-MaxClockSkew)), "within skew tolerance")
	err := r.VerifyAt(testNow.Add(-MaxClockSkew - time.Second))
	assert.ErrorIs(t, err, ErrRecordFuture)
	assert.NoError(t, r.Verify(), "signature alone is still valid")
}

func TestRecordTTLBounded(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	r, err := New(id, "planner", "mem://planner", nil, testNow, 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, MaxTTL, r.TTL, "excess ttl clamped at issue")
	assert.NoError(t, r.VerifyAt(testNow))

	// A peer signing its own long-lived record is still refused.
	r.TTL = MaxTTL + time.Hour
	body, err := r.signingBytes()
	require.NoError(t, err)
	r.Signature = id.Sign(body)
	assert.ErrorIs(t, r.Verify(), ErrInvalidRecord)
	assert.ErrorIs(t, r.VerifyAt(testNow), ErrInvalidRecord)
}

func TestRecordTamperDetected(t *testing.T) {
	mutations := map[string]func(r *PeerRecord){
		"name":         func(r *PeerRecord) { r.DisplayName = "evil" },
		"address":      func(r *PeerRecord) { r.Address = "mem://evil" },
		"capabilities": func(r *PeerRecord) { r.Capabilities = append(r.Capabilities, "zzz") },
		"issued":       func(r *PeerRecord) { r.IssuedAt = r.IssuedAt.Add(time.Second) },
		"ttl":          func(r *PeerRecord) { r.TTL += time.Second },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			_, r := newTestRecord(t)
			mutate(r)
			assert.ErrorIs(t, r.Verify(), ErrRecordSignature)
		})
	}
}

func TestRecordRejectsForeignKey(t *testing.T) {
	_, r := newTestRecord(t)
	other, err := identity.Generate()
	require.NoError(t, err)
	r.PublicKey = other.PublicKey()
	assert.ErrorIs(t, r.Verify(), ErrInvalidRecord)

	_, r = newTestRecord(t)
	r.PublicKey = r.PublicKey[:5]
	assert.ErrorIs(t, r.Verify(), ErrInvalidRecord)
}

func TestMarshalUnmarshal(t *testing.T) {
	_, r := newTestRecord(t)
	data, err := r.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, r.PeerID, got.PeerID)
	assert.Equal(t, r.Capabilities, got.Capabilities)
	assert.True(t, r.IssuedAt.Equal(got.IssuedAt))
	assert.Equal(t, r.TTL, got.TTL)
	assert.NoError(t, got.Verify())

	for n := 0; n < len(data); n++ {
		_, err := Unmarshal(data[:n])
		assert.Error(t, err, "prefix %d", n)
	}
	_, err = Unmarshal(append(data, 1))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestSupersedes(t *testing.T) {
	id, old := newTestRecord(t)
	newer, err := New(id, "planner", "mem://planner", nil, testNow.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.True(t, newer.Supersedes(old))
	assert.False(t, old.Supersedes(newer))
	assert.True(t, old.Supersedes(nil))

	_, other := newTestRecord(t)
	assert.False(t, newer.Supersedes(other))
}

func TestCapabilityKeyStable(t *testing.T) {
	assert.Equal(t, CapabilityKey("plan"), CapabilityKey("plan"))
	assert.NotEqual(t, CapabilityKey("plan"), CapabilityKey("code"))
}

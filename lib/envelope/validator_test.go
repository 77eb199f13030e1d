package envelope

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/crypto"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/session"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys map[identity.PeerID]ed25519.PublicKey

func (s staticKeys) PublicKey(p identity.PeerID) (ed25519.PublicKey, bool) {
	k, ok := s[p]
	return k, ok
}

type validatorFixture struct {
	alice, bob *identity.Identity
	clock      *clock.Manual
	sessions   *session.Manager
	validator  *Validator
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	t.Helper()
	f := &validatorFixture{
		alice: mustIdentity(t),
		bob:   mustIdentity(t),
		clock: clock.NewManual(testNow),
	}
	f.sessions = session.NewManager(session.DefaultConfig(), f.clock)
	keys := staticKeys{f.alice.ID(): f.alice.PublicKey()}
	v, err := NewValidator(f.bob.ID(), f.sessions, keys, f.clock, DefaultValidatorConfig())
	require.NoError(t, err)
	f.validator = v
	return f
}

// establishedSession builds bob's side of a session with alice.
func (f *validatorFixture) establishedSession(t *testing.T) uuid.UUID {
	t.Helper()
	s, err := f.sessions.CreateWithID(f.alice.ID(), uuid.New())
	require.NoError(t, err)
	require.NoError(t, f.sessions.Transition(s.ID(), session.StateHandshakeSent))
	require.NoError(t, f.sessions.Transition(s.ID(), session.StateHandshakeConfirmed))
	require.NoError(t, f.sessions.Establish(s.ID(), crypto.SessionKey{1}, f.alice.PublicKey()))
	return s.ID()
}

func (f *validatorFixture) data(t *testing.T, sid uuid.UUID, seq uint64) *Envelope {
	t.Helper()
	env, err := New(TypeData, f.alice.ID(), f.bob.ID(), []byte("p"), f.clock.Now())
	require.NoError(t, err)
	env.WithSession(sid, seq)
	require.NoError(t, env.Sign(f.alice))
	return env
}

func TestValidateAcceptsControlMessage(t *testing.T) {
	f := newValidatorFixture(t)
	env := signedEnvelope(t, f.alice, f.bob.ID(), TypePing, nil)
	assert.NoError(t, f.validator.Validate(env, nil))
}

func TestValidateRejectsDuplicateNonce(t *testing.T) {
	f := newValidatorFixture(t)
	env := signedEnvelope(t, f.alice, f.bob.ID(), TypeHandshakeInit, nil)
	require.NoError(t, f.validator.Validate(env, nil))
	assert.ErrorIs(t, f.validator.Validate(env, nil), ErrReplayedNonce)
}

func TestValidateRejectsStaleControlMessage(t *testing.T) {
	f := newValidatorFixture(t)
	env := signedEnvelope(t, f.alice, f.bob.ID(), TypeHandshakeInit, nil)
	f.clock.Advance(61 * time.Second)
	assert.ErrorIs(t, f.validator.Validate(env, nil), ErrStaleTimestamp)

	future := signedEnvelope(t, f.alice, f.bob.ID(), TypeHandshakeInit, nil)
	f.clock.Set(testNow.Add(-2 * time.Minute))
	assert.ErrorIs(t, f.validator.Validate(future, nil), ErrStaleTimestamp)
}

func TestValidateRejectsForgery(t *testing.T) {
	f := newValidatorFixture(t)
	env := signedEnvelope(t, f.alice, f.bob.ID(), TypePing, []byte("x"))
	env.Payload[0] ^= 1
	assert.ErrorIs(t, f.validator.Validate(env, nil), ErrInvalidSignature)

	mallory := mustIdentity(t)
	forged := signedEnvelope(t, mallory, f.bob.ID(), TypePing, nil)
	forged.Sender = f.alice.ID()
	assert.ErrorIs(t, f.validator.Validate(forged, nil), ErrInvalidSignature)

	unknown := signedEnvelope(t, mallory, f.bob.ID(), TypePing, nil)
	assert.ErrorIs(t, f.validator.Validate(unknown, nil), ErrUnknownSender)
	assert.NoError(t, f.validator.Validate(unknown, mallory.PublicKey()))
}

func TestValidateAddressing(t *testing.T) {
	f := newValidatorFixture(t)
	other := mustIdentity(t)
	env := signedEnvelope(t, f.alice, other.ID(), TypePing, nil)
	assert.ErrorIs(t, f.validator.Validate(env, nil), ErrWrongRecipient)

	anon := signedEnvelope(t, f.alice, identity.PeerID{}, TypePing, nil)
	assert.NoError(t, f.validator.Validate(anon, nil))

	anonInit := signedEnvelope(t, f.alice, identity.PeerID{}, TypeHandshakeInit, nil)
	assert.ErrorIs(t, f.validator.Validate(anonInit, nil), ErrWrongRecipient)
}

func TestValidateDataRequiresSession(t *testing.T) {
	f := newValidatorFixture(t)
	env := signedEnvelope(t, f.alice, f.bob.ID(), TypeData, nil)
	assert.ErrorIs(t, f.validator.Validate(env, nil), ErrSessionRequired)
}

func TestValidateDataSequencing(t *testing.T) {
	f := newValidatorFixture(t)
	sid := f.establishedSession(t)

	require.NoError(t, f.validator.Validate(f.data(t, sid, 0), nil))
	require.NoError(t, f.validator.Validate(f.data(t, sid, 1), nil))

	err := f.validator.Validate(f.data(t, sid, 1), nil)
	pe, ok := IsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, KindReplayRejected, pe.Kind)

	err = f.validator.Validate(f.data(t, sid, 5), nil)
	pe, ok = IsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, KindSequenceGap, pe.Kind)
	assert.Equal(t, uint64(2), pe.Expected)
	assert.Equal(t, uint64(5), pe.Received)
	assert.Equal(t, sid, pe.SessionID)

	assert.NoError(t, f.validator.Validate(f.data(t, sid, 2), nil))
}

func TestValidateDataUnknownSession(t *testing.T) {
	f := newValidatorFixture(t)
	err := f.validator.Validate(f.data(t, uuid.New(), 0), nil)
	pe, ok := IsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, KindSessionExpired, pe.Kind)
}

func TestValidateSessionPeerMismatch(t *testing.T) {
	f := newValidatorFixture(t)
	sid := f.establishedSession(t)
	mallory := mustIdentity(t)
	env, err := New(TypeData, mallory.ID(), f.bob.ID(), nil, testNow)
	require.NoError(t, err)
	env.WithSession(sid, 0)
	require.NoError(t, env.Sign(mallory))
	assert.ErrorIs(t, f.validator.Validate(env, mallory.PublicKey()), ErrSessionPeerMismatch)
}

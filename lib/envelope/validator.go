package envelope

import (
	"crypto/ed25519"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/session"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	lru "github.com/hashicorp/golang-lru"
	"github.com/samber/oops"
)

// KeyResolver looks up the signing key of a known peer.
type KeyResolver interface {
	PublicKey(peer identity.PeerID) (ed25519.PublicKey, bool)
}

// ValidatorConfig controls inbound validation.
type ValidatorConfig struct {
	// TimestampTolerance bounds the clock difference accepted on messages
	// that are not protected by a session sequence.
	TimestampTolerance time.Duration
	// NonceCacheSize bounds the replay cache of recently seen nonces.
	NonceCacheSize int
}

// DefaultValidatorConfig returns a 60 second tolerance and an 8192 entry
// nonce cache.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		TimestampTolerance: 60 * time.Second,
		NonceCacheSize:     8192,
	}
}

// Validator checks inbound envelopes for one local identity.
type Validator struct {
	self     identity.PeerID
	sessions *session.Manager
	keys     KeyResolver
	clock    clock.Clock
	config   ValidatorConfig
	nonces   *lru.Cache
}

type nonceKey struct {
	sender identity.PeerID
	nonce  [NonceSize]byte
}

// NewValidator builds a validator. keys may be nil, in which case only
// session keys and explicit hints are used.
func NewValidator(self identity.PeerID, sessions *session.Manager, keys KeyResolver, c clock.Clock, config ValidatorConfig) (*Validator, error) {
	if config.TimestampTolerance <= 0 {
		config.TimestampTolerance = DefaultValidatorConfig().TimestampTolerance
	}
	if config.NonceCacheSize <= 0 {
		config.NonceCacheSize = DefaultValidatorConfig().NonceCacheSize
	}
	cache, err := lru.New(config.NonceCacheSize)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create nonce cache")
	}
	return &Validator{
		self:     self,
		sessions: sessions,
		keys:     keys,
		clock:    clock.OrSystem(c),
		config:   config,
		nonces:   cache,
	}, nil
}

// ResolveKey finds the sender's public key: the explicit hint first, then
// the key pinned by the envelope's session, then the resolver.
func (v *Validator) ResolveKey(env *Envelope, hint ed25519.PublicKey) (ed25519.PublicKey, error) {
	if hint != nil {
		return hint, nil
	}
	if env.HasSession() {
		if s, ok := v.sessions.Get(env.SessionID); ok && s.Peer() == env.Sender {
			if pub := s.RemotePublicKey(); pub != nil {
				return pub, nil
			}
		}
	}
	if v.keys != nil {
		if pub, ok := v.keys.PublicKey(env.Sender); ok {
			return pub, nil
		}
	}
	return nil, oops.Wrapf(ErrUnknownSender, "%s", env.Sender.Short())
}

// Validate runs every inbound check in order: addressing, signature,
// freshness and finally session sequencing.
//
// Cryptographic and addressing failures return plain errors and the
// envelope should be dropped. Sequencing failures return a *ProtocolError
// that should be reported to the sender. A nil result means the envelope
// was accepted and, for data messages, the session counter advanced.
func (v *Validator) Validate(env *Envelope, hint ed25519.PublicKey) error {
	if env.Version != ProtocolVersion {
		return oops.Wrapf(ErrUnsupportedVersion, "version %d", env.Version)
	}
	if env.Recipient != v.self && !(env.Recipient.IsZero() && env.Type.allowsAnonymousRecipient()) {
		return oops.Wrapf(ErrWrongRecipient, "recipient %s", env.Recipient.Short())
	}
	pub, err := v.ResolveKey(env, hint)
	if err != nil {
		return err
	}
	if err := env.Verify(pub); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Validator) Validate",
			"reason": "invalid signature",
			"sender": env.Sender.Short(),
			"type":   env.Type,
		}).Warn("Dropping envelope")
		return err
	}

	if env.Type.IsControl() {
		return v.checkFresh(env)
	}
	return v.checkSequence(env)
}

// checkFresh applies the timestamp window and nonce replay cache to
// messages that have no sequence protection.
func (v *Validator) checkFresh(env *Envelope) error {
	if err := clock.ValidateSkew(v.clock, env.Time(), v.config.TimestampTolerance); err != nil {
		return oops.Wrapf(ErrStaleTimestamp, "%v", err)
	}
	key := nonceKey{sender: env.Sender, nonce: env.Nonce}
	if seen, _ := v.nonces.ContainsOrAdd(key, env.Timestamp); seen {
		log.WithFields(logger.Fields{
			"at":     "(Validator) checkFresh",
			"reason": "duplicate nonce",
			"sender": env.Sender.Short(),
			"type":   env.Type,
		}).Warn("Dropping replayed control message")
		return ErrReplayedNonce
	}
	return nil
}

func (v *Validator) checkSequence(env *Envelope) error {
	if !env.HasSession() {
		return oops.Wrapf(ErrSessionRequired, "type %q", env.Type)
	}
	if !env.HasSequence {
		return ErrSequenceRequired
	}
	if s, ok := v.sessions.Get(env.SessionID); ok && s.Peer() != env.Sender {
		return ErrSessionPeerMismatch
	}
	res := v.sessions.ValidateAndAdvance(env.SessionID, env.Sequence)
	if pe := ProtocolErrorFromResult(env.SessionID, res); pe != nil {
		return pe
	}
	return nil
}

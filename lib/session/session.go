package session

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/crypto"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/google/uuid"
)

// Session is a keyed, sequence-tracked channel to one remote peer.
type Session struct {
	id        uuid.UUID
	peer      identity.PeerID
	initiator bool
	createdAt time.Time
	ttl       time.Duration

	mu           sync.Mutex
	state        State
	outgoing     uint64
	expected     uint64
	key          crypto.SessionKey
	hasKey       bool
	remotePub    ed25519.PublicKey
	lastActivity time.Time
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Peer() identity.PeerID { return s.peer }

// Initiator reports whether the local node started the handshake.
func (s *Session) Initiator() bool { return s.initiator }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) TTL() time.Duration { return s.ttl }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Key returns the shared key once the session is established.
func (s *Session) Key() (crypto.SessionKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished || !s.hasKey {
		return crypto.SessionKey{}, false
	}
	return s.key, true
}

// RemotePublicKey is the verified signing key of the remote peer.
func (s *Session) RemotePublicKey() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePub
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ExpectedIncoming is the next sequence number the session will accept.
func (s *Session) ExpectedIncoming() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// OutgoingSequence is the next sequence number NextSequence will hand out.
func (s *Session) OutgoingSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoing
}

// idleLocked reports whether the session has been idle beyond its ttl.
func (s *Session) idleLocked(now time.Time) bool {
	return s.ttl > 0 && now.Sub(s.lastActivity) > s.ttl
}

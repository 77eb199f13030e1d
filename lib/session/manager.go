package session

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/crypto"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Config controls session lifetime and sweeping.
type Config struct {
	// TTL is the idle time after which a session is evicted.
	TTL time.Duration
	// SweepInterval is how often Run evicts idle sessions.
	SweepInterval time.Duration
}

// DefaultConfig returns a 30 minute idle ttl swept every minute.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Manager owns the session table for one local identity.
type Manager struct {
	config Config
	clock  clock.Clock

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	// established maps a peer to its single ESTABLISHED session.
	established map[identity.PeerID]uuid.UUID
}

// NewManager returns an empty session table. A nil clock uses the host clock.
func NewManager(config Config, c clock.Clock) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		config:      config,
		clock:       clock.OrSystem(c),
		sessions:    make(map[uuid.UUID]*Session),
		established: make(map[identity.PeerID]uuid.UUID),
	}
}

// Create starts a new INITIAL session towards peer with a fresh id.
func (m *Manager) Create(peer identity.PeerID) *Session {
	s, _ := m.create(peer, uuid.New(), true)
	return s
}

// CreateWithID registers the responder side of a handshake under the id
// chosen by the initiator.
func (m *Manager) CreateWithID(peer identity.PeerID, id uuid.UUID) (*Session, error) {
	return m.create(peer, id, false)
}

func (m *Manager) create(peer identity.PeerID, id uuid.UUID, initiator bool) (*Session, error) {
	now := m.clock.Now()
	s := &Session{
		id:           id,
		peer:         peer,
		initiator:    initiator,
		createdAt:    now,
		ttl:          m.config.TTL,
		state:        StateInitial,
		lastActivity: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return nil, oops.Errorf("session %s already exists", id)
	}
	m.sessions[id] = s
	log.WithFields(logger.Fields{
		"at":         "(Manager) Create",
		"session_id": id,
		"peer":       peer.Short(),
		"initiator":  initiator,
	}).Debug("Session created")
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetByPeer returns the ESTABLISHED session with peer, if any.
func (m *Manager) GetByPeer(peer identity.PeerID) (*Session, bool) {
	m.mu.RLock()
	id, ok := m.established[peer]
	var s *Session
	if ok {
		s = m.sessions[id]
	}
	m.mu.RUnlock()
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	live := s.state == StateEstablished && !s.idleLocked(m.clock.Now())
	s.mu.Unlock()
	if !live {
		return nil, false
	}
	return s, true
}

// Transition moves a session to state. Only the forward handshake steps
// and expiry are legal.
func (m *Manager) Transition(id uuid.UUID, state State) error {
	if state == StateEstablished {
		return oops.Wrapf(ErrInvalidTransition, "use Establish to reach %s", state)
	}
	s, ok := m.Get(id)
	if !ok {
		return oops.Wrapf(ErrNoSuchSession, "%s", id)
	}
	s.mu.Lock()
	from := s.state
	if !canTransition(from, state) {
		s.mu.Unlock()
		return oops.Wrapf(ErrInvalidTransition, "%s -> %s", from, state)
	}
	s.state = state
	s.lastActivity = m.clock.Now()
	s.mu.Unlock()

	if state == StateExpired {
		m.forgetEstablished(s)
	}
	log.WithFields(logger.Fields{
		"at":         "(Manager) Transition",
		"session_id": id,
		"from":       from,
		"to":         state,
	}).Debug("Session state changed")
	return nil
}

// Establish installs the shared key on a HANDSHAKE_CONFIRMED session and
// marks it ESTABLISHED. Any session previously established with the same
// peer is terminated.
func (m *Manager) Establish(id uuid.UUID, key crypto.SessionKey, remotePub ed25519.PublicKey) error {
	s, ok := m.Get(id)
	if !ok {
		return oops.Wrapf(ErrNoSuchSession, "%s", id)
	}
	s.mu.Lock()
	if !canTransition(s.state, StateEstablished) {
		from := s.state
		s.mu.Unlock()
		return oops.Wrapf(ErrInvalidTransition, "%s -> %s", from, StateEstablished)
	}
	s.state = StateEstablished
	s.key = key
	s.hasKey = true
	s.remotePub = append(ed25519.PublicKey(nil), remotePub...)
	s.lastActivity = m.clock.Now()
	s.mu.Unlock()

	m.mu.Lock()
	prev, hadPrev := m.established[s.peer]
	m.established[s.peer] = id
	var superseded *Session
	if hadPrev && prev != id {
		superseded = m.sessions[prev]
		delete(m.sessions, prev)
	}
	m.mu.Unlock()

	if superseded != nil {
		superseded.mu.Lock()
		superseded.state = StateExpired
		superseded.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":         "(Manager) Establish",
			"session_id": prev,
			"peer":       s.peer.Short(),
		}).Debug("Superseded previous session")
	}
	log.WithFields(logger.Fields{
		"at":         "(Manager) Establish",
		"session_id": id,
		"peer":       s.peer.Short(),
	}).Info("Session established")
	return nil
}

// NextSequence hands out the next outgoing sequence number.
func (m *Manager) NextSequence(id uuid.UUID) (uint64, error) {
	s, ok := m.Get(id)
	if !ok {
		return 0, oops.Wrapf(ErrNoSuchSession, "%s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired || s.idleLocked(m.clock.Now()) {
		return 0, oops.Wrapf(ErrSessionExpired, "%s", id)
	}
	if s.state != StateEstablished {
		return 0, oops.Wrapf(ErrNotEstablished, "%s is %s", id, s.state)
	}
	seq := s.outgoing
	s.outgoing++
	s.lastActivity = m.clock.Now()
	return seq, nil
}

// ValidateAndAdvance classifies an incoming sequence number. Only an exact
// match with the expected counter is accepted and advances it.
func (m *Manager) ValidateAndAdvance(id uuid.UUID, received uint64) Result {
	s, ok := m.Get(id)
	if !ok {
		return Result{Verdict: NoSuchSession, Received: received}
	}
	now := m.clock.Now()
	s.mu.Lock()
	if s.state == StateExpired || s.idleLocked(now) {
		s.mu.Unlock()
		m.Terminate(id)
		return Result{Verdict: Expired, Received: received}
	}
	if s.state != StateEstablished {
		s.mu.Unlock()
		return Result{Verdict: NoSuchSession, Received: received}
	}
	res := classify(s.expected, received)
	if res.Verdict == Accept {
		s.expected++
		s.lastActivity = now
	}
	s.mu.Unlock()

	if res.Verdict != Accept {
		log.WithFields(logger.Fields{
			"at":         "(Manager) ValidateAndAdvance",
			"session_id": id,
			"verdict":    res.Verdict,
			"expected":   res.Expected,
			"received":   res.Received,
		}).Warn("Rejected out-of-order sequence")
	}
	return res
}

// Touch records activity on a session without changing its counters.
func (m *Manager) Touch(id uuid.UUID) {
	if s, ok := m.Get(id); ok {
		s.mu.Lock()
		s.lastActivity = m.clock.Now()
		s.mu.Unlock()
	}
}

// Terminate expires and evicts a session. Unknown ids are ignored.
func (m *Manager) Terminate(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if cur, has := m.established[s.peer]; has && cur == id {
			delete(m.established, s.peer)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.state = StateExpired
	s.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":         "(Manager) Terminate",
		"session_id": id,
		"peer":       s.peer.Short(),
	}).Debug("Session terminated")
}

// TerminatePeer terminates every session with peer.
func (m *Manager) TerminatePeer(peer identity.PeerID) {
	m.mu.RLock()
	var ids []uuid.UUID
	for id, s := range m.sessions {
		if s.peer == peer {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Terminate(id)
	}
}

// SweepExpired evicts idle and expired sessions and returns how many
// were removed.
func (m *Manager) SweepExpired() int {
	now := m.clock.Now()
	m.mu.RLock()
	var stale []uuid.UUID
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.state == StateExpired || s.idleLocked(now) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()
	for _, id := range stale {
		m.Terminate(id)
	}
	if len(stale) > 0 {
		log.WithField("count", len(stale)).Debug("Swept expired sessions")
	}
	return len(stale)
}

// Len returns the number of sessions in the table.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run sweeps on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

func (m *Manager) forgetEstablished(s *Session) {
	m.mu.Lock()
	if cur, ok := m.established[s.peer]; ok && cur == s.id {
		delete(m.established, s.peer)
	}
	m.mu.Unlock()
}

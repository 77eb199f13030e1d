package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/crypto"
	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/session"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Sender transmits a signed envelope to a transport address.
type Sender interface {
	SendEnvelope(ctx context.Context, addr string, env *envelope.Envelope) error
}

// RecordProvider supplies the local node's signed record.
type RecordProvider interface {
	CurrentRecord() (*record.PeerRecord, error)
}

// Config bounds handshake attempts.
type Config struct {
	// Timeout is how long an attempt may take from init to confirmation.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

type role int

const (
	roleInitiator role = iota
	roleResponder
)

type step int

const (
	stepInitSent step = iota
	stepConfirming
	stepConfirmSent
	stepAckSent
	stepDone
)

// attempt is one handshake in progress, on either side.
type attempt struct {
	peer      identity.PeerID
	sid       uuid.UUID
	role      role
	ephemeral *crypto.EphemeralKey

	// ctx bounds an initiator attempt; cancel releases it.
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	mu        sync.Mutex
	step      step
	remote    *record.PeerRecord
	challenge []byte
	key       crypto.SessionKey
	// yielded is set on an initiator attempt that lost a simultaneous open;
	// it completes with the session the peer initiated.
	yielded bool
	// acked records a confirm-ack that arrived before the session was
	// established locally.
	acked bool

	once sync.Once
	done chan struct{}
	sess *session.Session
	err  error
}

// claim reports whether the caller is the one to end a. Only the claimer
// may call resolve.
func (a *attempt) claim() bool {
	first := false
	a.once.Do(func() { first = true })
	return first
}

func (a *attempt) resolve(s *session.Session, err error) {
	a.sess, a.err = s, err
	close(a.done)
}

func (a *attempt) remoteRecord() *record.PeerRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote
}

// Handshaker runs the handshake protocol for one local identity.
type Handshaker struct {
	config   Config
	self     *identity.Identity
	sessions *session.Manager
	sender   Sender
	local    RecordProvider
	clock    clock.Clock

	mu        sync.Mutex
	byPeer    map[identity.PeerID]*attempt
	bySession map[uuid.UUID]*attempt
}

// New creates a Handshaker.
func New(self *identity.Identity, sessions *session.Manager, sender Sender, local RecordProvider, c clock.Clock, config Config) *Handshaker {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Handshaker{
		config:    config,
		self:      self,
		sessions:  sessions,
		sender:    sender,
		local:     local,
		clock:     clock.OrSystem(c),
		byPeer:    make(map[identity.PeerID]*attempt),
		bySession: make(map[uuid.UUID]*attempt),
	}
}

// Establish returns the ESTABLISHED session with peer, running a handshake
// if there is none. Concurrent calls for the same peer share one attempt.
// ctx only bounds the wait of this caller; the attempt itself is bounded by
// Config.Timeout and stopped by Cancel.
func (h *Handshaker) Establish(ctx context.Context, peer *record.PeerRecord) (*session.Session, error) {
	if s, ok := h.sessions.GetByPeer(peer.PeerID); ok {
		return s, nil
	}
	a, started, err := h.attemptFor(peer)
	if err != nil {
		return nil, err
	}
	if started {
		go h.runInitiator(a)
	}
	select {
	case <-a.done:
		return a.sess, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handshaker) attemptFor(peer *record.PeerRecord) (*attempt, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.byPeer[peer.PeerID]; ok {
		return a, false, nil
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, false, err
	}
	s := h.sessions.Create(peer.PeerID)
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	a := &attempt{
		peer:      peer.PeerID,
		sid:       s.ID(),
		role:      roleInitiator,
		ephemeral: eph,
		ctx:       ctx,
		cancel:    cancel,
		remote:    peer,
		step:      stepInitSent,
		done:      make(chan struct{}),
	}
	h.byPeer[a.peer] = a
	h.bySession[a.sid] = a
	return a, true, nil
}

func (h *Handshaker) runInitiator(a *attempt) {
	actx := a.ctx
	defer a.cancel()

	local, err := h.localRecord()
	if err != nil {
		h.fail(a, err)
		return
	}
	if err := h.sessions.Transition(a.sid, session.StateHandshakeSent); err != nil {
		h.fail(a, err)
		return
	}
	body := initBody{Record: local, Ephemeral: a.ephemeral.Public[:]}
	if err := h.send(actx, a.remote.Address, envelope.TypeHandshakeInit, a.peer, a.sid, body); err != nil {
		h.fail(a, oops.Wrapf(err, "failed to send handshake_init"))
		return
	}
	log.WithFields(logger.Fields{
		"at":         "(Handshaker) runInitiator",
		"peer":       a.peer.Short(),
		"session_id": a.sid,
	}).Debug("handshake_init sent")

	select {
	case <-a.done:
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			h.timeout(a)
		} else {
			h.fail(a, ErrHandshakeCancelled)
		}
	}
}

// Handle processes an inbound handshake_init, handshake_ack or
// handshake_confirm whose signature has already been checked.
func (h *Handshaker) Handle(ctx context.Context, env *envelope.Envelope) error {
	if !env.HasSession() {
		return ErrMissingSession
	}
	switch env.Type {
	case envelope.TypeHandshakeInit:
		return h.handleInit(ctx, env)
	case envelope.TypeHandshakeAck:
		return h.handleAck(ctx, env)
	case envelope.TypeHandshakeConfirm:
		return h.handleConfirm(ctx, env)
	default:
		return oops.Wrapf(ErrUnexpectedMessage, "type %q", env.Type)
	}
}

func (h *Handshaker) handleInit(ctx context.Context, env *envelope.Envelope) error {
	body, rec, err := decodeInit(env, h.clock.Now())
	if err != nil {
		return err
	}

	h.mu.Lock()
	mine := h.byPeer[env.Sender]
	h.mu.Unlock()
	if mine != nil && mine.role == roleInitiator && mine.sid != env.SessionID {
		if h.self.ID().Less(env.Sender) {
			log.WithFields(logger.Fields{
				"at":     "(Handshaker) handleInit",
				"reason": "simultaneous open, keeping initiator role",
				"peer":   env.Sender.Short(),
			}).Debug("dropping handshake_init")
			return nil
		}
		h.yield(mine)
	}

	if _, err := h.sessions.CreateWithID(env.Sender, env.SessionID); err != nil {
		return err
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		h.sessions.Terminate(env.SessionID)
		return err
	}
	key, err := crypto.DeriveSessionKey(eph, body.Ephemeral, env.SessionID[:], keyInfo(env.Sender, h.self.ID()))
	if err != nil {
		h.sessions.Terminate(env.SessionID)
		return err
	}
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		h.sessions.Terminate(env.SessionID)
		return oops.Wrapf(err, "failed to generate challenge")
	}
	local, err := h.localRecord()
	if err != nil {
		h.sessions.Terminate(env.SessionID)
		return err
	}

	a := &attempt{
		peer:      env.Sender,
		sid:       env.SessionID,
		role:      roleResponder,
		ephemeral: eph,
		step:      stepAckSent,
		remote:    rec,
		challenge: challenge,
		key:       key,
		done:      make(chan struct{}),
	}
	a.timer = time.AfterFunc(h.config.Timeout, func() { h.timeout(a) })
	h.mu.Lock()
	h.bySession[a.sid] = a
	h.mu.Unlock()

	if err := h.sessions.Transition(a.sid, session.StateHandshakeSent); err != nil {
		h.fail(a, err)
		return err
	}
	reply := ackBody{Record: local, Ephemeral: eph.Public[:], Challenge: challenge}
	if err := h.send(ctx, rec.Address, envelope.TypeHandshakeAck, a.peer, a.sid, reply); err != nil {
		h.fail(a, err)
		return oops.Wrapf(err, "failed to send handshake_ack")
	}
	log.WithFields(logger.Fields{
		"at":         "(Handshaker) handleInit",
		"peer":       a.peer.Short(),
		"session_id": a.sid,
	}).Debug("handshake_ack sent")
	return nil
}

func (h *Handshaker) handleAck(ctx context.Context, env *envelope.Envelope) error {
	a := h.attempt(env, roleInitiator)
	if a == nil {
		return oops.Wrapf(ErrUnexpectedMessage, "handshake_ack for %s", env.SessionID)
	}
	body, rec, err := decodeAck(env, h.clock.Now())
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.step != stepInitSent || a.yielded {
		a.mu.Unlock()
		return oops.Wrapf(ErrUnexpectedMessage, "duplicate handshake_ack for %s", a.sid)
	}
	a.step = stepConfirming
	a.remote = rec
	a.mu.Unlock()

	key, err := crypto.DeriveSessionKey(a.ephemeral, body.Ephemeral, a.sid[:], keyInfo(h.self.ID(), a.peer))
	if err != nil {
		h.fail(a, err)
		return err
	}
	if err := h.sessions.Transition(a.sid, session.StateHandshakeConfirmed); err != nil {
		h.fail(a, err)
		return err
	}
	confirm := confirmBody{MAC: crypto.MAC(key, confirmInput(body.Challenge, a.sid)...)}
	if err := h.send(ctx, rec.Address, envelope.TypeHandshakeConfirm, a.peer, a.sid, confirm); err != nil {
		h.fail(a, err)
		return oops.Wrapf(err, "failed to send handshake_confirm")
	}
	// ESTABLISHED only once the confirm is on its way.
	if err := h.sessions.Establish(a.sid, key, rec.PublicKey); err != nil {
		h.fail(a, err)
		return err
	}
	a.mu.Lock()
	acked := a.acked
	if acked {
		a.step = stepDone
	} else {
		a.step = stepConfirmSent
	}
	a.mu.Unlock()
	if acked {
		h.complete(a)
	}
	return nil
}

func (h *Handshaker) handleConfirm(ctx context.Context, env *envelope.Envelope) error {
	a := h.attempt(env, roleResponder)
	if a == nil {
		return oops.Wrapf(ErrUnexpectedMessage, "handshake_confirm for %s", env.SessionID)
	}
	var body confirmBody
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return oops.Wrapf(err, "malformed handshake_confirm")
	}
	a.mu.Lock()
	if a.step != stepAckSent {
		a.mu.Unlock()
		return oops.Wrapf(ErrUnexpectedMessage, "duplicate handshake_confirm for %s", a.sid)
	}
	a.step = stepDone
	a.mu.Unlock()

	if !crypto.VerifyMAC(a.key, body.MAC, confirmInput(a.challenge, a.sid)...) {
		if h.fail(a, ErrConfirmMismatch) {
			h.report(a, envelope.KindInvalidSignature, "confirmation mac mismatch")
		}
		return ErrConfirmMismatch
	}
	if err := h.sessions.Transition(a.sid, session.StateHandshakeConfirmed); err != nil {
		h.fail(a, err)
		return err
	}
	if err := h.sessions.Establish(a.sid, a.key, a.remote.PublicKey); err != nil {
		h.fail(a, err)
		return err
	}
	s, _ := h.sessions.Get(a.sid)
	if a.claim() {
		h.forget(a)
		a.resolve(s, nil)
	}
	if err := h.send(ctx, a.remote.Address, envelope.TypeAck, a.peer, a.sid, nil); err != nil {
		log.WithError(err).Warn("failed to acknowledge handshake_confirm")
	}
	h.resolveYielded(a.peer, s)
	log.WithFields(logger.Fields{
		"at":         "(Handshaker) handleConfirm",
		"peer":       a.peer.Short(),
		"session_id": a.sid,
	}).Info("Handshake complete (responder)")
	return nil
}

// Acknowledge consumes the responder's ack of handshake_confirm. It
// reports false when env does not belong to a handshake, in which case it
// is an ordinary delivery ack.
func (h *Handshaker) Acknowledge(env *envelope.Envelope) bool {
	a := h.attempt(env, roleInitiator)
	if a == nil {
		return false
	}
	a.mu.Lock()
	switch a.step {
	case stepConfirming:
		a.acked = true
		a.mu.Unlock()
		return true
	case stepConfirmSent:
		a.step = stepDone
		a.mu.Unlock()
	default:
		a.mu.Unlock()
		return false
	}
	h.complete(a)
	return true
}

// complete resolves an initiator attempt with its established session.
func (h *Handshaker) complete(a *attempt) {
	s, _ := h.sessions.Get(a.sid)
	if a.claim() {
		h.forget(a)
		a.resolve(s, nil)
		log.WithFields(logger.Fields{
			"at":         "(Handshaker) complete",
			"peer":       a.peer.Short(),
			"session_id": a.sid,
		}).Info("Handshake complete (initiator)")
	}
}

// Reject fails the attempt a protocol error refers to. It reports whether
// the error belonged to a handshake.
func (h *Handshaker) Reject(env *envelope.Envelope, pe *envelope.ProtocolError) bool {
	sid := pe.SessionID
	if sid == uuid.Nil {
		sid = env.SessionID
	}
	h.mu.Lock()
	a := h.bySession[sid]
	h.mu.Unlock()
	if a == nil || a.peer != env.Sender {
		return false
	}
	h.fail(a, oops.Wrapf(ErrRejected, "%v", pe))
	return true
}

// SenderKey returns the signing key to verify a handshake envelope with:
// the key embedded in an init or ack record, or the key learned earlier in
// the attempt the envelope belongs to. It returns nil when unknown.
func (h *Handshaker) SenderKey(env *envelope.Envelope) ed25519.PublicKey {
	switch env.Type {
	case envelope.TypeHandshakeInit, envelope.TypeHandshakeAck:
		return embeddedKey(env)
	}
	h.mu.Lock()
	a := h.bySession[env.SessionID]
	h.mu.Unlock()
	if a == nil || a.peer != env.Sender {
		return nil
	}
	if rec := a.remoteRecord(); rec != nil {
		return rec.PublicKey
	}
	return nil
}

// Cancel stops any attempt with peer. The session moves to EXPIRED and
// waiting callers receive ErrHandshakeCancelled.
func (h *Handshaker) Cancel(peer identity.PeerID) {
	h.mu.Lock()
	var attempts []*attempt
	for _, a := range h.bySession {
		if a.peer == peer {
			attempts = append(attempts, a)
		}
	}
	if a, ok := h.byPeer[peer]; ok {
		attempts = append(attempts, a)
	}
	h.mu.Unlock()
	for _, a := range attempts {
		h.fail(a, ErrHandshakeCancelled)
	}
}

// InFlight reports whether an attempt towards peer is running.
func (h *Handshaker) InFlight(peer identity.PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.byPeer[peer]
	return ok
}

// Close cancels every attempt.
func (h *Handshaker) Close() {
	h.mu.Lock()
	attempts := make([]*attempt, 0, len(h.bySession)+len(h.byPeer))
	for _, a := range h.bySession {
		attempts = append(attempts, a)
	}
	for _, a := range h.byPeer {
		attempts = append(attempts, a)
	}
	h.mu.Unlock()
	for _, a := range attempts {
		h.fail(a, ErrHandshakeCancelled)
	}
}

func (h *Handshaker) attempt(env *envelope.Envelope, r role) *attempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := h.bySession[env.SessionID]
	if a == nil || a.role != r || a.peer != env.Sender {
		return nil
	}
	return a
}

// yield gives up our own initiation towards a peer that won a
// simultaneous open. The attempt stays registered so callers keep waiting
// on it until the peer's handshake completes.
func (h *Handshaker) yield(a *attempt) {
	a.mu.Lock()
	a.yielded = true
	a.mu.Unlock()
	h.mu.Lock()
	delete(h.bySession, a.sid)
	h.mu.Unlock()
	h.sessions.Terminate(a.sid)
	log.WithFields(logger.Fields{
		"at":         "(Handshaker) yield",
		"reason":     "simultaneous open, peer has lower id",
		"peer":       a.peer.Short(),
		"session_id": a.sid,
	}).Debug("yielding initiator role")
}

func (h *Handshaker) resolveYielded(peer identity.PeerID, s *session.Session) {
	h.mu.Lock()
	a := h.byPeer[peer]
	h.mu.Unlock()
	if a == nil {
		return
	}
	a.mu.Lock()
	yielded := a.yielded
	a.mu.Unlock()
	if yielded && a.claim() {
		h.forget(a)
		a.resolve(s, nil)
	}
}

// fail ends a with err, expiring its session. It reports whether a was
// still running.
func (h *Handshaker) fail(a *attempt, err error) bool {
	if !a.claim() {
		return false
	}
	h.forget(a)
	h.sessions.Terminate(a.sid)
	log.WithFields(logger.Fields{
		"at":         "(Handshaker) fail",
		"reason":     err.Error(),
		"peer":       a.peer.Short(),
		"session_id": a.sid,
	}).Warn("Handshake failed")
	a.resolve(nil, err)
	return true
}

func (h *Handshaker) timeout(a *attempt) {
	if h.fail(a, oops.Wrapf(ErrHandshakeTimeout, "after %s", h.config.Timeout)) {
		h.report(a, envelope.KindHandshakeTimeout, "")
	}
}

// report tells the peer why an attempt ended. Best effort.
func (h *Handshaker) report(a *attempt, kind envelope.ErrorKind, detail string) {
	rec := a.remoteRecord()
	if rec == nil {
		return
	}
	pe := &envelope.ProtocolError{Kind: kind, SessionID: a.sid, Detail: detail}
	payload, err := pe.Marshal()
	if err != nil {
		return
	}
	if err := h.sendRaw(context.Background(), rec.Address, envelope.TypeError, a.peer, a.sid, payload); err != nil {
		log.WithError(err).Debug("failed to report handshake failure")
	}
}

func (h *Handshaker) forget(a *attempt) {
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	h.mu.Lock()
	if h.byPeer[a.peer] == a {
		delete(h.byPeer, a.peer)
	}
	if h.bySession[a.sid] == a {
		delete(h.bySession, a.sid)
	}
	h.mu.Unlock()
}

func (h *Handshaker) localRecord() ([]byte, error) {
	if h.local == nil {
		return nil, ErrNoLocalRecord
	}
	rec, err := h.local.CurrentRecord()
	if err != nil {
		return nil, oops.Wrapf(ErrNoLocalRecord, "%v", err)
	}
	return rec.Marshal()
}

func (h *Handshaker) send(ctx context.Context, addr string, typ envelope.MessageType, to identity.PeerID, sid uuid.UUID, body interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return oops.Wrapf(err, "failed to encode %s", typ)
		}
	}
	return h.sendRaw(ctx, addr, typ, to, sid, payload)
}

func (h *Handshaker) sendRaw(ctx context.Context, addr string, typ envelope.MessageType, to identity.PeerID, sid uuid.UUID, payload []byte) error {
	env, err := envelope.New(typ, h.self.ID(), to, payload, h.clock.Now())
	if err != nil {
		return err
	}
	env.SessionID = sid
	if err := env.Sign(h.self); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()
	return h.sender.SendEnvelope(sctx, addr, env)
}

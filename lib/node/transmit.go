package node

import (
	"context"
	"encoding/json"

	"github.com/go-agentmesh/agentmesh/lib/delivery"
	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

type ackBody struct {
	Sequence uint64 `json:"sequence"`
}

type ackKey struct {
	sid uuid.UUID
	seq uint64
}

// transmitter performs delivery attempts for the queue.
type transmitter struct {
	n *Node
}

var _ delivery.Transmitter = transmitter{}

// Transmit resolves peer, establishes a session, sends one sealed data
// envelope and waits for its acknowledgement. Any failure after the
// session exists discards it, so the next attempt starts from a fresh
// handshake with both sequence counters at zero.
func (t transmitter) Transmit(ctx context.Context, peer identity.PeerID, payload []byte) error {
	n := t.n
	rec, err := n.resolve(ctx, peer)
	if err != nil {
		return err
	}
	s, err := n.handshaker.Establish(ctx, rec)
	if err != nil {
		return err
	}
	key, ok := s.Key()
	if !ok {
		return ErrNoSessionKey
	}
	seq, err := n.sessions.NextSequence(s.ID())
	if err != nil {
		return err
	}

	env, err := envelope.New(envelope.TypeData, n.id.ID(), peer, payload, n.clock.Now())
	if err != nil {
		return err
	}
	env.WithSession(s.ID(), seq)
	if err := env.Seal(key); err != nil {
		return delivery.Permanent(err)
	}
	if err := env.Sign(n.id); err != nil {
		return delivery.Permanent(err)
	}
	data, err := env.Marshal()
	if err != nil {
		return delivery.Permanent(err)
	}

	k := ackKey{sid: s.ID(), seq: seq}
	ch := make(chan error, 1)
	n.pendingMu.Lock()
	n.acks[k] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.acks, k)
		n.pendingMu.Unlock()
	}()

	if err := n.transport.Send(ctx, rec.Address, data); err != nil {
		n.sessions.Terminate(s.ID())
		return err
	}

	actx, cancel := context.WithTimeout(ctx, n.config.AckTimeout)
	defer cancel()
	select {
	case err := <-ch:
		if err != nil {
			log.WithFields(logger.Fields{
				"at":         "(transmitter) Transmit",
				"peer":       peer.Short(),
				"session_id": s.ID(),
				"sequence":   seq,
				"reason":     err.Error(),
			}).Warn("peer rejected message, discarding session")
			n.sessions.Terminate(s.ID())
			return err
		}
		return nil
	case <-actx.Done():
		n.sessions.Terminate(s.ID())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return oops.Wrapf(ErrAckTimeout, "session %s sequence %d", s.ID(), seq)
	}
}

// resolve finds the record to reach peer: the routing table, then the
// address book, then a network lookup.
func (n *Node) resolve(ctx context.Context, peer identity.PeerID) (*record.PeerRecord, error) {
	if rec, ok := n.knownRecord(peer); ok {
		return rec, nil
	}
	for _, rec := range n.router.FindNode(ctx, peer) {
		if rec.PeerID == peer {
			n.learn(rec)
			return rec, nil
		}
	}
	return nil, oops.Wrapf(ErrPeerNotFound, "%s", peer.Short())
}

// handleData decrypts an accepted data envelope, publishes it and
// acknowledges it. A full Messages buffer leaves the envelope unacked.
func (n *Node) handleData(from string, env *envelope.Envelope) {
	s, ok := n.sessions.Get(env.SessionID)
	if !ok {
		n.drop(env, oops.Errorf("session %s vanished", env.SessionID))
		return
	}
	payload := env.Payload
	if env.Encrypted {
		key, ok := s.Key()
		if !ok {
			n.drop(env, ErrNoSessionKey)
			return
		}
		var err error
		if payload, err = env.Open(key); err != nil {
			n.drop(env, err)
			return
		}
	}

	msg := Message{
		From:       env.Sender,
		SessionID:  env.SessionID,
		Sequence:   env.Sequence,
		Type:       env.Type,
		Payload:    payload,
		ReceivedAt: n.clock.Now(),
	}
	select {
	case n.messages <- msg:
	default:
		// The dispatch worker serves other peers too and must not wait on
		// the application. Without an ack the sender retries on a fresh
		// session, so the message is redelivered in order.
		n.sessions.Terminate(env.SessionID)
		log.WithFields(logger.Fields{
			"at":       "(Node) handleData",
			"peer":     env.Sender.Short(),
			"sequence": env.Sequence,
			"reason":   "message buffer full",
		}).Warn("deferring inbound message")
		return
	}

	body, err := json.Marshal(ackBody{Sequence: env.Sequence})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.config.RequestTimeout)
	defer cancel()
	if err := n.sendControl(ctx, n.replyAddr(env.Sender, from), envelope.TypeAck, env.Sender, env.SessionID, body); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Node) handleData",
			"peer":   env.Sender.Short(),
			"reason": err.Error(),
		}).Debug("failed to send ack")
	}
}

// handleAck completes the transmission an ack refers to.
func (n *Node) handleAck(env *envelope.Envelope) {
	if n.handshaker.Acknowledge(env) {
		return
	}
	var body ackBody
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		n.drop(env, oops.Wrapf(err, "malformed ack"))
		return
	}
	if s, ok := n.sessions.Get(env.SessionID); !ok || s.Peer() != env.Sender {
		n.drop(env, oops.Errorf("ack for foreign session"))
		return
	}
	n.pendingMu.Lock()
	ch, ok := n.acks[ackKey{sid: env.SessionID, seq: body.Sequence}]
	n.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- nil:
	default:
	}
}

// handleError applies a protocol error reported by a peer: to a handshake
// in progress, or to the transmissions pending on the session.
func (n *Node) handleError(env *envelope.Envelope) {
	pe, err := envelope.ParseProtocolError(env.Payload)
	if err != nil {
		n.drop(env, err)
		return
	}
	if n.handshaker.Reject(env, pe) {
		return
	}
	sid := pe.SessionID
	if sid == uuid.Nil {
		sid = env.SessionID
	}
	s, ok := n.sessions.Get(sid)
	if !ok || s.Peer() != env.Sender {
		log.WithFields(logger.Fields{
			"at":     "(Node) handleError",
			"peer":   env.Sender.Short(),
			"kind":   pe.Kind,
			"reason": "unknown session",
		}).Debug("ignoring protocol error")
		return
	}

	n.pendingMu.Lock()
	var waiting []chan error
	for k, ch := range n.acks {
		if k.sid == sid {
			waiting = append(waiting, ch)
		}
	}
	n.pendingMu.Unlock()
	for _, ch := range waiting {
		select {
		case ch <- pe:
		default:
		}
	}
	if len(waiting) == 0 {
		n.sessions.Terminate(sid)
	}
	log.WithFields(logger.Fields{
		"at":         "(Node) handleError",
		"peer":       env.Sender.Short(),
		"session_id": sid,
		"kind":       pe.Kind,
		"expected":   pe.Expected,
		"received":   pe.Received,
	}).Warn("peer reported protocol error")
}

// reportError answers a rejected data envelope with a structured error.
func (n *Node) reportError(from string, env *envelope.Envelope, pe *envelope.ProtocolError) {
	log.WithFields(logger.Fields{
		"at":         "(Node) reportError",
		"peer":       env.Sender.Short(),
		"session_id": env.SessionID,
		"kind":       pe.Kind,
		"expected":   pe.Expected,
		"received":   pe.Received,
	}).Warn("rejecting out of sequence message")
	body, err := pe.Marshal()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.config.RequestTimeout)
	defer cancel()
	if err := n.sendControl(ctx, n.replyAddr(env.Sender, from), envelope.TypeError, env.Sender, env.SessionID, body); err != nil {
		log.WithError(err).Debug("failed to report protocol error")
	}
}

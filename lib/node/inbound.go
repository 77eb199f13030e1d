package node

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/handshake"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
)

type inbound struct {
	from string
	env  *envelope.Envelope
}

func shardOf(id identity.PeerID, shards int) int {
	return int(binary.BigEndian.Uint32(id[:4]) % uint32(shards))
}

// receive is the transport handler. It only parses and enqueues.
func (n *Node) receive(from string, data []byte) {
	env, err := envelope.Unmarshal(data)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Node) receive",
			"from":   from,
			"reason": err.Error(),
		}).Debug("dropping malformed envelope")
		return
	}
	if env.Type.IsControl() && !n.limiter.Allow(env.Sender) {
		log.WithFields(logger.Fields{
			"at":     "(Node) receive",
			"sender": env.Sender.Short(),
			"type":   env.Type,
			"reason": "rate limited",
		}).Debug("dropping envelope")
		return
	}
	select {
	case n.shards[shardOf(env.Sender, len(n.shards))] <- inbound{from: from, env: env}:
	default:
		log.WithFields(logger.Fields{
			"at":     "(Node) receive",
			"sender": env.Sender.Short(),
			"type":   env.Type,
			"reason": "dispatch queue full",
		}).Warn("dropping envelope")
	}
}

func (n *Node) dispatchLoop(ch <-chan inbound) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case in := <-ch:
			n.dispatch(in.from, in.env)
		}
	}
}

// dispatch validates one envelope and routes it by type.
func (n *Node) dispatch(from string, env *envelope.Envelope) {
	if err := n.validator.Validate(env, n.senderHint(env)); err != nil {
		if pe, ok := envelope.IsProtocolError(err); ok {
			n.reportError(from, env, pe)
			return
		}
		n.drop(env, err)
		return
	}

	switch {
	case env.Type == envelope.TypeHandshakeInit,
		env.Type == envelope.TypeHandshakeAck,
		env.Type == envelope.TypeHandshakeConfirm:
		n.handleHandshake(env)
	case env.Type == envelope.TypeAck:
		n.handleAck(env)
	case env.Type == envelope.TypeError:
		n.handleError(env)
	case isRequest(env.Type):
		n.handleRequest(env)
	case isResponse(env.Type):
		n.handleResponse(env)
	default:
		n.handleData(from, env)
	}
}

func (n *Node) handleHandshake(env *envelope.Envelope) {
	if env.Type != envelope.TypeHandshakeConfirm {
		if rec, err := handshake.PeerRecord(env, n.clock.Now()); err == nil {
			n.learn(rec)
		}
	}
	if err := n.handshaker.Handle(n.ctx, env); err != nil {
		log.WithFields(logger.Fields{
			"at":         "(Node) handleHandshake",
			"peer":       env.Sender.Short(),
			"type":       env.Type,
			"session_id": env.SessionID,
			"reason":     err.Error(),
		}).Debug("handshake message rejected")
	}
}

// senderHint supplies the key carried inside handshake and request
// envelopes, which may come from peers not yet known.
func (n *Node) senderHint(env *envelope.Envelope) ed25519.PublicKey {
	switch {
	case env.Type == envelope.TypeHandshakeInit,
		env.Type == envelope.TypeHandshakeAck,
		env.Type == envelope.TypeHandshakeConfirm:
		return n.handshaker.SenderKey(env)
	case isRequest(env.Type), isResponse(env.Type):
		f, err := decodeFrame(env)
		if err != nil {
			return nil
		}
		rec, err := record.Unmarshal(f.Record)
		if err != nil || rec.PeerID != env.Sender || !rec.PeerID.MatchesPublicKey(rec.PublicKey) {
			return nil
		}
		return rec.PublicKey
	}
	return nil
}

func (n *Node) drop(env *envelope.Envelope, err error) {
	log.WithFields(logger.Fields{
		"at":     "(Node) dispatch",
		"sender": env.Sender.Short(),
		"type":   env.Type,
		"reason": err.Error(),
	}).Debug("dropping envelope")
}

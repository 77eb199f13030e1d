package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/dht"
	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// rpcFrame is the payload of sessionless request and response envelopes.
// Record is the sender's own signed record, which lets a receiver that
// has never met the sender verify the envelope and learn its address.
type rpcFrame struct {
	ID     uuid.UUID       `json:"id"`
	Record []byte          `json:"record"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type rpcReply struct {
	from *record.PeerRecord
	body []byte
}

func isRequest(t envelope.MessageType) bool {
	switch t {
	case envelope.TypePing, envelope.TypeFindNode, envelope.TypeFindValue, envelope.TypeStore:
		return true
	}
	return false
}

func isResponse(t envelope.MessageType) bool {
	return t == envelope.TypePong || t == envelope.TypeDHTResponse
}

func responseType(req envelope.MessageType) envelope.MessageType {
	if req == envelope.TypePing {
		return envelope.TypePong
	}
	return envelope.TypeDHTResponse
}

func decodeFrame(env *envelope.Envelope) (*rpcFrame, error) {
	var f rpcFrame
	if err := json.Unmarshal(env.Payload, &f); err != nil {
		return nil, oops.Wrapf(err, "malformed %s frame", env.Type)
	}
	return &f, nil
}

// frameRecord verifies the record carried in a frame and checks it belongs
// to the envelope's sender.
func frameRecord(env *envelope.Envelope, f *rpcFrame, now time.Time) (*record.PeerRecord, error) {
	rec, err := record.Unmarshal(f.Record)
	if err != nil {
		return nil, err
	}
	if err := rec.VerifyAt(now); err != nil {
		return nil, err
	}
	if rec.PeerID != env.Sender {
		return nil, oops.Wrapf(ErrWrongResponder, "record %s in envelope from %s", rec.PeerID.Short(), env.Sender.Short())
	}
	return rec, nil
}

// call sends a request to to and waits for the matching response.
func (n *Node) call(ctx context.Context, to dht.Contact, typ envelope.MessageType, req interface{}) (*rpcReply, error) {
	var body []byte
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return nil, oops.Wrapf(err, "failed to encode %s", typ)
		}
	}
	self, err := n.selfRecordBytes()
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	payload, err := json.Marshal(rpcFrame{ID: id, Record: self, Body: body})
	if err != nil {
		return nil, oops.Wrapf(err, "failed to encode frame")
	}

	ch := make(chan *rpcReply, 1)
	n.pendingMu.Lock()
	n.calls[id] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.calls, id)
		n.pendingMu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, n.config.RequestTimeout)
	defer cancel()
	if err := n.sendControl(cctx, to.Address, typ, to.ID, uuid.Nil, payload); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if !to.ID.IsZero() && reply.from.PeerID != to.ID {
			return nil, oops.Wrapf(ErrWrongResponder, "asked %s, answered by %s", to.ID.Short(), reply.from.PeerID.Short())
		}
		return reply, nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, oops.Wrapf(ErrRequestTimeout, "%s to %s", typ, to.Address)
	}
}

// handleRequest serves a DHT request or ping and answers at the address in
// the requester's record.
func (n *Node) handleRequest(env *envelope.Envelope) {
	f, err := decodeFrame(env)
	if err != nil {
		n.drop(env, err)
		return
	}
	from, err := frameRecord(env, f, n.clock.Now())
	if err != nil {
		n.drop(env, err)
		return
	}
	n.learn(from)
	body, err := n.router.HandleRequest(from, env.Type, f.Body)
	if err != nil {
		n.drop(env, err)
		return
	}
	self, err := n.selfRecordBytes()
	if err != nil {
		log.WithError(err).Warn("cannot answer request without local record")
		return
	}
	payload, err := json.Marshal(rpcFrame{ID: f.ID, Record: self, Body: body})
	if err != nil {
		log.WithError(err).Warn("failed to encode response frame")
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.config.RequestTimeout)
	defer cancel()
	if err := n.sendControl(ctx, from.Address, responseType(env.Type), from.PeerID, uuid.Nil, payload); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Node) handleRequest",
			"peer":   from.PeerID.Short(),
			"type":   env.Type,
			"reason": err.Error(),
		}).Debug("failed to send response")
	}
}

// handleResponse hands a response to the waiting call, if any.
func (n *Node) handleResponse(env *envelope.Envelope) {
	f, err := decodeFrame(env)
	if err != nil {
		n.drop(env, err)
		return
	}
	from, err := frameRecord(env, f, n.clock.Now())
	if err != nil {
		n.drop(env, err)
		return
	}
	n.pendingMu.Lock()
	ch, ok := n.calls[f.ID]
	n.pendingMu.Unlock()
	if !ok {
		log.WithFields(logger.Fields{
			"at":     "(Node) handleResponse",
			"peer":   from.PeerID.Short(),
			"reason": "no pending request",
		}).Debug("dropping late response")
		return
	}
	select {
	case ch <- &rpcReply{from: from, body: f.Body}:
	default:
	}
}

// rpcClient carries DHT requests and liveness probes over envelopes.
type rpcClient struct {
	n *Node
}

var _ dht.Client = rpcClient{}

func (c rpcClient) request(ctx context.Context, to dht.Contact, typ envelope.MessageType, req interface{}) (*dht.Reply, error) {
	reply, err := c.n.call(ctx, to, typ, req)
	if err != nil {
		return nil, err
	}
	return dht.DecodeReply(reply.from, reply.body, c.n.clock.Now())
}

func (c rpcClient) FindNode(ctx context.Context, to dht.Contact, target dht.Key) (*dht.Reply, error) {
	return c.request(ctx, to, envelope.TypeFindNode, dht.FindNodeRequest{Target: target})
}

func (c rpcClient) FindValue(ctx context.Context, to dht.Contact, key dht.Key) (*dht.Reply, error) {
	return c.request(ctx, to, envelope.TypeFindValue, dht.FindValueRequest{Key: key})
}

func (c rpcClient) Store(ctx context.Context, to dht.Contact, key dht.Key, rec *record.PeerRecord) (*dht.Reply, error) {
	raw, err := rec.Marshal()
	if err != nil {
		return nil, err
	}
	return c.request(ctx, to, envelope.TypeStore, dht.StoreRequest{Key: key, Record: raw})
}

func (c rpcClient) Ping(ctx context.Context, to dht.Contact) (*dht.Reply, error) {
	return c.request(ctx, to, envelope.TypePing, nil)
}

// Probe pings peer at its known address.
func (c rpcClient) Probe(ctx context.Context, peer identity.PeerID) error {
	rec, ok := c.n.knownRecord(peer)
	if !ok {
		return oops.Wrapf(ErrPeerNotFound, "%s", peer.Short())
	}
	_, err := c.Ping(ctx, dht.ContactOf(rec))
	return err
}

package dht

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/samber/oops"
)

// Contact is where to send a DHT request. ID is zero when only the
// address is known, as with bootstrap seeds.
type Contact struct {
	ID      identity.PeerID
	Address string
}

// ContactOf builds a Contact from a record.
func ContactOf(rec *record.PeerRecord) Contact {
	return Contact{ID: rec.PeerID, Address: rec.Address}
}

// Reply is a decoded DHT response. From is the responder's own record.
type Reply struct {
	From   *record.PeerRecord
	Closer []*record.PeerRecord
	Values []*record.PeerRecord
	Stored bool
}

// Client performs DHT requests against remote nodes. Every call must
// return once ctx is done.
type Client interface {
	FindNode(ctx context.Context, to Contact, target Key) (*Reply, error)
	FindValue(ctx context.Context, to Contact, key Key) (*Reply, error)
	Store(ctx context.Context, to Contact, key Key, rec *record.PeerRecord) (*Reply, error)
	Ping(ctx context.Context, to Contact) (*Reply, error)
}

// FindNodeRequest is the body of a dht_find_node message.
type FindNodeRequest struct {
	Target Key `json:"target"`
}

// FindValueRequest is the body of a dht_find_value message.
type FindValueRequest struct {
	Key Key `json:"key"`
}

// StoreRequest is the body of a dht_store message.
type StoreRequest struct {
	Key    Key    `json:"key"`
	Record []byte `json:"record"`
}

// Response is the body of a dht_response message.
type Response struct {
	Closer [][]byte `json:"closer,omitempty"`
	Values [][]byte `json:"values,omitempty"`
	Stored bool     `json:"stored,omitempty"`
}

// EncodeRecords marshals recs, skipping any that cannot be encoded.
func EncodeRecords(recs []*record.PeerRecord) [][]byte {
	out := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		if data, err := rec.Marshal(); err == nil {
			out = append(out, data)
		}
	}
	return out
}

// DecodeRecords unmarshals and verifies records, silently dropping any
// that are malformed, forged or expired.
func DecodeRecords(raw [][]byte, now time.Time) []*record.PeerRecord {
	out := make([]*record.PeerRecord, 0, len(raw))
	for _, data := range raw {
		rec, err := record.Unmarshal(data)
		if err != nil {
			continue
		}
		if rec.VerifyAt(now) != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// DecodeReply turns a response body from a verified responder into a Reply.
func DecodeReply(from *record.PeerRecord, body []byte, now time.Time) (*Reply, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, oops.Wrapf(err, "malformed dht response")
	}
	return &Reply{
		From:   from,
		Closer: DecodeRecords(resp.Closer, now),
		Values: DecodeRecords(resp.Values, now),
		Stored: resp.Stored,
	}, nil
}

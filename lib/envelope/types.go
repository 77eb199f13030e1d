package envelope

// MessageType names the kind of an envelope.
type MessageType string

const (
	TypeHandshakeInit    MessageType = "handshake_init"
	TypeHandshakeAck     MessageType = "handshake_ack"
	TypeHandshakeConfirm MessageType = "handshake_confirm"
	TypeAck              MessageType = "ack"
	TypeError            MessageType = "error"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypeFindNode         MessageType = "dht_find_node"
	TypeFindValue        MessageType = "dht_find_value"
	TypeStore            MessageType = "dht_store"
	TypeDHTResponse      MessageType = "dht_response"

	// TypeData is the default application payload type.
	TypeData MessageType = "data"
)

const (
	ProtocolVersion uint8 = 1
	NonceSize             = 16
	MaxPayloadSize        = 1 << 20
	maxTypeLength         = 64
)

var controlTypes = map[MessageType]struct{}{
	TypeHandshakeInit:    {},
	TypeHandshakeAck:     {},
	TypeHandshakeConfirm: {},
	TypeAck:              {},
	TypeError:            {},
	TypePing:             {},
	TypePong:             {},
	TypeFindNode:         {},
	TypeFindValue:        {},
	TypeStore:            {},
	TypeDHTResponse:      {},
}

// IsControl reports whether t may be exchanged without an established
// session. Control messages are not sequence validated.
func (t MessageType) IsControl() bool {
	_, ok := controlTypes[t]
	return ok
}

// allowsAnonymousRecipient reports whether t may be addressed to the zero
// peer id, which a node uses when it only knows a seed's address.
func (t MessageType) allowsAnonymousRecipient() bool {
	return t == TypePing || t == TypeFindNode
}

func (t MessageType) valid() bool {
	if len(t) == 0 || len(t) > maxTypeLength {
		return false
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

package session

// State is the lifecycle position of a session.
type State int

const (
	StateInitial State = iota
	StateHandshakeSent
	StateHandshakeConfirmed
	StateEstablished
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateHandshakeConfirmed:
		return "HANDSHAKE_CONFIRMED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// canTransition reports whether from -> to is a legal step. EXPIRED is
// reachable from anywhere and is terminal.
func canTransition(from, to State) bool {
	if from == StateExpired {
		return false
	}
	if to == StateExpired {
		return true
	}
	return to == from+1
}

package signaling

// ConnectionState tracks a Client through its single lifetime:
// Disconnected → Connecting → Connected → (Error | Disconnected).
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// canTransition lists the allowed edges. Error is terminal and a client that
// reached Disconnected from Connecting or Connected is done for good, which
// the Client enforces separately.
func canTransition(from, to ConnectionState) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateError || to == StateDisconnected
	case StateConnected:
		return to == StateError || to == StateDisconnected
	default:
		return false
	}
}

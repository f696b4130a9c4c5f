package syncclient

// State is the connection state of a Client.
type State int

const (
	// StateDisconnected means no connection is open and none is being attempted.
	StateDisconnected State = iota
	// StateConnecting means the first handshake of a connection cycle is in flight.
	StateConnecting
	// StateConnected means the handshake snapshot has been applied and events are flowing.
	StateConnected
	// StateReconnecting means an automatic reconnection attempt is pending or in flight.
	StateReconnecting
	// StateReconnectFailed means automatic attempts are exhausted. Only Reconnect leaves it.
	StateReconnectFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the connection state machine.
type Status struct {
	State       State
	Attempt     int
	MaxAttempts int
	SessionID   string
	Err         error
}

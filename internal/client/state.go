package client

// State tracks the connection lifecycle. It is owned by the Manager and
// mutated only on its own lifecycle transitions.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSocketOpen
	StateIdentified
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSocketOpen:
		return "socket_open"
	case StateIdentified:
		return "identified"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

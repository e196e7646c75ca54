package transport

// State of the adapter's connection.
//
//	Idle -> Connecting -> Connected -> Authenticated
//	Connected/Authenticated -> Disconnected -> Connecting
//	Connecting/Connected -> Error
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return "unknown"
}

func (s State) connected() bool {
	return s == StateConnected || s == StateAuthenticated
}

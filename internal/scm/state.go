package scm

// State is a connector's position in spec.md §4.3's session state
// machine: NONE -> CONNECTING -> BOUND_{RX|TX|TRX} -> UNBIND_REQUESTED ->
// NONE, with a RECONNECTING substate entered on connection loss when the
// connector's ReconnectPolicy demands it.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateBoundRX
	StateBoundTX
	StateBoundTRX
	StateUnbindRequested
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateConnecting:
		return "CONNECTING"
	case StateBoundRX:
		return "BOUND_RX"
	case StateBoundTX:
		return "BOUND_TX"
	case StateBoundTRX:
		return "BOUND_TRX"
	case StateUnbindRequested:
		return "UNBIND_REQUESTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// boundStateFor returns the BOUND_* state matching a connector's BindType.
func boundStateFor(b BindType) State {
	switch b {
	case BindTransmitter:
		return StateBoundTX
	case BindReceiver:
		return StateBoundRX
	default:
		return StateBoundTRX
	}
}

package gateway

// State is the connection state of a Client.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// trigger is an input to the state machine.
type trigger int

const (
	triggerConnect trigger = iota
	triggerTransportOpen
	triggerChallenge
	triggerHandshakeOK
	triggerTransportClosed
)

func (t trigger) String() string {
	switch t {
	case triggerConnect:
		return "connect"
	case triggerTransportOpen:
		return "transport_open"
	case triggerChallenge:
		return "challenge"
	case triggerHandshakeOK:
		return "handshake_ok"
	case triggerTransportClosed:
		return "transport_closed"
	default:
		return "unknown"
	}
}

// transitions lists every legal (state, trigger) pair. A handshake rejection
// has no entry of its own: the client closes the transport and the resulting
// transport_closed trigger does the work.
var transitions = map[State]map[trigger]State{
	StateClosed: {
		triggerConnect: StateConnecting,
	},
	StateConnecting: {
		triggerTransportOpen:   StateAwaitingChallenge,
		triggerTransportClosed: StateClosed,
	},
	StateAwaitingChallenge: {
		triggerChallenge:       StateAuthenticating,
		triggerTransportClosed: StateClosed,
	},
	StateAuthenticating: {
		triggerHandshakeOK:     StateConnected,
		triggerTransportClosed: StateClosed,
	},
	StateConnected: {
		triggerTransportClosed: StateClosed,
	},
}

// nextState looks up the transition for (s, t).
func nextState(s State, t trigger) (State, bool) {
	next, ok := transitions[s][t]
	return next, ok
}

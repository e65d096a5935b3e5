package registry

// State models the lifecycle of a gateway connection. Transitions are only
// legal along the adjacency table below; everything may fall to
// StateDisconnected.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateSubscribed
	StateDisconnected
)

// String returns the lowercase wire name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var adjacency = map[State][]State{
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateSubscribed, StateDisconnected},
	StateSubscribed:    {StateSubscribed, StateAuthenticated, StateDisconnected},
	StateDisconnected:  {},
}

// validTransition reports whether moving from one state to the next is legal.
func validTransition(from, to State) bool {
	for _, next := range adjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

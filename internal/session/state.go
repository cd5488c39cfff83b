package session

// State of a connection, on either end.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

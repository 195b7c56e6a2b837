package live

// State is the connection state of the listener
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Subscribed:
		return "Subscribed"
	default:
		return "Disconnected"
	}
}

package replica

type State int32

const (
	Disconnected State = iota
	Connecting
	Syncing
	Live
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	}
	return "unknown"
}

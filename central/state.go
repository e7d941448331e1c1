package central

// State is the receiver's protocol state
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateServiceDiscovery
	StateCharacteristicDiscovery
	StateSubscribing
	StateReceiving
	StateUnsubscribing
	StateDisconnecting
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service_discovery"
	case StateCharacteristicDiscovery:
		return "characteristic_discovery"
	case StateSubscribing:
		return "subscribing"
	case StateReceiving:
		return "receiving"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

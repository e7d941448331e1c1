package peripheral

// State is the sender's transfer state. Advertising is tracked separately
// since it is a user switch, not part of the transfer.
type State int

const (
	StateIdle State = iota
	StateReady
	StateSending
	StateSent
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	default:
		return "unknown"
	}
}

// eomState tracks the sentinel for one transfer
type eomState int

const (
	eomNone eomState = iota
	eomPending
	eomSent
)

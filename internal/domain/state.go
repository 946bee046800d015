package domain

// ConnState is the lifecycle state of one logical subscription.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnDraining
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnDraining:
		return "draining"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason qualifies ConnClosed.
type CloseReason string

const (
	CloseNone      CloseReason = ""
	CloseCompleted CloseReason = "completed"
	CloseError     CloseReason = "error"
	CloseCancelled CloseReason = "cancelled"
	CloseTimeout   CloseReason = "timeout"
)

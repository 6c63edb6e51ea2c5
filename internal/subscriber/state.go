package subscriber

import "fmt"

// State is the position of the subscriber in its connection lifecycle.
type State uint8

const (
	// Disconnected: no connection; waiting to (re)connect.
	Disconnected State = iota
	// Subscribing: connected, subscription request in flight.
	Subscribing
	// Syncing: subscribed, replaying blocks up to the tip reported by the
	// source.
	Syncing
	// Following: applying live blocks as they are committed.
	Following
	// Reconciling: rolling back and reapplying blocks across a fork.
	Reconciling
	// Faulted: stopped on an unrecoverable condition.
	Faulted
	// Stopped: shut down on request.
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Subscribing:
		return "subscribing"
	case Syncing:
		return "syncing"
	case Following:
		return "following"
	case Reconciling:
		return "reconciling"
	case Faulted:
		return "faulted"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

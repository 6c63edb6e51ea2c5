package subscriber

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionRejected is returned when the source refuses the
	// subscription for a reason reconnecting cannot fix.
	ErrSubscriptionRejected = errors.New("subscription rejected")

	// ErrHeartbeatTimeout is the reason a silent connection is dropped.
	ErrHeartbeatTimeout = errors.New("no traffic from event source")

	// ErrBlockUnavailable is returned when the source cannot serve a block
	// needed to resolve a fork.
	ErrBlockUnavailable = errors.New("block unavailable at source")
)

// FaultKind classifies the conditions that stop the subscriber for good.
type FaultKind uint8

const (
	FaultInternal FaultKind = iota
	FaultForkTooDeep
	FaultMalformed
	FaultStorage
	FaultSubscriptionRejected
)

// Process exit codes per fault kind.
const (
	ExitOK                   = 0
	ExitInternal             = 1
	ExitForkTooDeep          = 2
	ExitMalformed            = 3
	ExitStorage              = 4
	ExitSubscriptionRejected = 5
)

func (k FaultKind) String() string {
	switch k {
	case FaultInternal:
		return "internal"
	case FaultForkTooDeep:
		return "fork too deep"
	case FaultMalformed:
		return "malformed protocol"
	case FaultStorage:
		return "storage unavailable"
	case FaultSubscriptionRejected:
		return "subscription rejected"
	default:
		return fmt.Sprintf("FaultKind(%d)", uint8(k))
	}
}

// FaultError is returned by Run once the subscriber entered the Faulted
// state. The projection is consistent with its chain record but can no
// longer follow the source without operator intervention.
type FaultError struct {
	Kind FaultKind
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("subscriber faulted (%v): %v", e.Kind, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// ExitCode implements cli.ExitCoder.
func (e *FaultError) ExitCode() int {
	switch e.Kind {
	case FaultForkTooDeep:
		return ExitForkTooDeep
	case FaultMalformed:
		return ExitMalformed
	case FaultStorage:
		return ExitStorage
	case FaultSubscriptionRejected:
		return ExitSubscriptionRejected
	default:
		return ExitInternal
	}
}

func fault(kind FaultKind, err error) *FaultError {
	return &FaultError{Kind: kind, Err: err}
}

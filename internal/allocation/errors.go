package allocation

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocationTimeout is returned when no terminal message arrives on
	// the message channel within the allocation timeout.
	ErrAllocationTimeout = errors.New("allocation: no completion message before timeout")
	// ErrUnexpectedSnapshot wraps snapshot responses of an unknown shape.
	ErrUnexpectedSnapshot = errors.New("allocation: unexpected snapshot response")
	ErrIllegalTransition  = errors.New("allocation: illegal transition")
)

// AllocationFailedError is a server-reported allocation failure.
type AllocationFailedError struct {
	PlanID      int64
	SnapshotID  int64
	SessionUUID string
	// Detail is the raw data payload of the failure message.
	Detail string
}

func (e *AllocationFailedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("allocation: plan %d snapshot %d failed (session %s)", e.PlanID, e.SnapshotID, e.SessionUUID)
	}
	return fmt.Sprintf("allocation: plan %d snapshot %d failed (session %s): %s", e.PlanID, e.SnapshotID, e.SessionUUID, e.Detail)
}

func IsAllocationFailed(err error) bool {
	var failed *AllocationFailedError
	return errors.As(err, &failed)
}

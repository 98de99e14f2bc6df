package model

import "fmt"

type SnapshotOutcome string

const (
	SnapshotResolved        SnapshotOutcome = "resolved"
	SnapshotNoWipAvailable  SnapshotOutcome = "no_wip"
	SnapshotUnexpectedShape SnapshotOutcome = "unexpected_shape"
)

// SnapshotResolution is the tagged result of locating an entity batch
// snapshot id. Only Resolved and NoWipAvailable are normal control flow.
type SnapshotResolution struct {
	Outcome SnapshotOutcome
	ID      int64
	Detail  string
}

func ResolvedSnapshot(id int64) SnapshotResolution {
	return SnapshotResolution{Outcome: SnapshotResolved, ID: id}
}

func NoWipSnapshot(detail string) SnapshotResolution {
	return SnapshotResolution{Outcome: SnapshotNoWipAvailable, Detail: detail}
}

func UnexpectedSnapshotShape(format string, args ...any) SnapshotResolution {
	return SnapshotResolution{Outcome: SnapshotUnexpectedShape, Detail: fmt.Sprintf(format, args...)}
}

func (r SnapshotResolution) String() string {
	switch r.Outcome {
	case SnapshotResolved:
		return fmt.Sprintf("snapshot %d", r.ID)
	case SnapshotNoWipAvailable:
		return "no wip: " + r.Detail
	default:
		return "unexpected snapshot response: " + r.Detail
	}
}

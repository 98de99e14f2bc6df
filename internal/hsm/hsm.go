package hsm

import "bfgsync/internal/model"

var allocationTransitions = map[model.AllocationState]map[model.AllocationState]bool{
	model.AllocationStateIdle: {
		model.AllocationStateCheckingWip:     true,
		model.AllocationStateCreatingSession: true,
	},
	model.AllocationStateCheckingWip: {
		model.AllocationStateResolvingSnapshot: true,
		model.AllocationStateNoWip:             true,
		model.AllocationStateFailed:            true,
	},
	model.AllocationStateResolvingSnapshot: {
		model.AllocationStateCheckingAllocation: true,
		model.AllocationStateNoWip:              true,
		model.AllocationStateFailed:             true,
	},
	model.AllocationStateCheckingAllocation: {
		model.AllocationStateAllocating:      true,
		model.AllocationStateCreatingSession: true,
		model.AllocationStateFailed:          true,
	},
	model.AllocationStateAllocating: {
		model.AllocationStateAwaitingCompletion: true,
		model.AllocationStateFailed:             true,
	},
	model.AllocationStateAwaitingCompletion: {
		model.AllocationStateSettling: true,
		model.AllocationStateFailed:   true,
	},
	model.AllocationStateSettling: {
		model.AllocationStateCreatingSession: true,
		model.AllocationStateFailed:          true,
	},
	model.AllocationStateNoWip: {
		model.AllocationStateCreatingSession: true,
	},
	model.AllocationStateCreatingSession: {
		model.AllocationStateSessionCreated: true,
		model.AllocationStateFailed:         true,
	},
	model.AllocationStateSessionCreated: {
		model.AllocationStateActivated: true,
		model.AllocationStateFailed:    true,
	},
}

// AllocationStates lists every state the allocation workflow can be in.
func AllocationStates() []model.AllocationState {
	return []model.AllocationState{
		model.AllocationStateIdle,
		model.AllocationStateCheckingWip,
		model.AllocationStateResolvingSnapshot,
		model.AllocationStateCheckingAllocation,
		model.AllocationStateAllocating,
		model.AllocationStateAwaitingCompletion,
		model.AllocationStateSettling,
		model.AllocationStateNoWip,
		model.AllocationStateCreatingSession,
		model.AllocationStateSessionCreated,
		model.AllocationStateActivated,
		model.AllocationStateFailed,
	}
}

// CanTransitionAllocation reports whether the workflow may move from one
// state to another. Terminal states have no outgoing transitions and
// self-transitions are not steps.
func CanTransitionAllocation(from model.AllocationState, to model.AllocationState) bool {
	return allocationTransitions[from][to]
}

package workflow

import (
	"context"
	"fmt"

	"github.com/opsretail/approval-flow/types"
)

// nodeOutcome is the resolution coordinator's verdict on a node.
type nodeOutcome int

const (
	outcomeWaiting nodeOutcome = iota
	outcomeApproved
	outcomeRejected
)

// resolveNode decides, atomically with respect to every other task at the
// same node, whether the node's completion mode is now satisfied, and if
// so drives the executor forward exactly once. Callers must hold the
// instance lock; the classic "count pending, then decide" race is
// serialized there.
func (e *ApprovalEngine) resolveNode(ctx context.Context, instanceID uint64, nodeID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	// A concurrent action may already have resolved the node or ended
	// the instance; advancement stays at-most-once.
	if inst.Terminal() || !inst.HasCurrentNode(nodeID) {
		return nil
	}

	def, err := e.definitionOf(ctx, &inst)
	if err != nil {
		return err
	}
	node := def.Node(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}

	tasks, err := e.store.ListNodeTasks(ctx, instanceID, nodeID)
	if err != nil {
		return err
	}

	outcome := decideOutcome(node, tasks)
	if outcome == outcomeWaiting {
		return nil
	}

	// Siblings that never got to act become immutable cancelled history.
	if err := e.cancelPendingTasks(ctx, instanceID, nodeID); err != nil {
		return err
	}
	return e.advanceFrom(ctx, &inst, &def, nodeID, outcome == outcomeApproved)
}

// decideOutcome applies the node's completion mode to its task aggregate.
// Transferred and cancelled tasks are excluded from completion counting.
func decideOutcome(node *types.NodeSpec, tasks []types.Task) nodeOutcome {
	var pending, approved, rejected int
	for _, task := range tasks {
		switch task.Status {
		case types.TaskPending:
			pending++
		case types.TaskCompleted:
			switch task.Result {
			case types.ResultApproved:
				approved++
			case types.ResultRejected:
				rejected++
			}
		}
	}

	if node.Mode == types.ModeAny {
		// First approval wins. A rejection only resolves the node when
		// configured to, or when nobody is left to approve.
		switch {
		case approved > 0:
			return outcomeApproved
		case rejected > 0 && node.RejectResolves:
			return outcomeRejected
		case pending == 0 && rejected > 0:
			return outcomeRejected
		default:
			return outcomeWaiting
		}
	}

	// ALL mode: any single rejection resolves the node as rejected
	// immediately; approval requires every live assignee to have approved.
	switch {
	case rejected > 0:
		return outcomeRejected
	case pending == 0 && approved > 0:
		return outcomeApproved
	default:
		return outcomeWaiting
	}
}

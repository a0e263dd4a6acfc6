package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/opsretail/approval-flow/types"
)

func TestDecideOutcome(t *testing.T) {
	allNode := &types.NodeSpec{Mode: types.ModeAll}
	anyNode := &types.NodeSpec{Mode: types.ModeAny}
	anyResolving := &types.NodeSpec{Mode: types.ModeAny, RejectResolves: true}

	pending := types.Task{Status: types.TaskPending}
	approved := types.Task{Status: types.TaskCompleted, Result: types.ResultApproved}
	rejected := types.Task{Status: types.TaskCompleted, Result: types.ResultRejected}
	transferred := types.Task{Status: types.TaskTransferred, Result: types.ResultTransferred}
	cancelled := types.Task{Status: types.TaskCancelled}

	tests := []struct {
		name  string
		node  *types.NodeSpec
		tasks []types.Task
		want  nodeOutcome
	}{
		{"all waits while pending", allNode, []types.Task{approved, pending}, outcomeWaiting},
		{"all approves when everyone approved", allNode, []types.Task{approved, approved}, outcomeApproved},
		{"all rejects on first rejection", allNode, []types.Task{rejected, pending}, outcomeRejected},
		{"all ignores transferred source", allNode, []types.Task{transferred, approved}, outcomeApproved},
		{"all ignores cancelled", allNode, []types.Task{cancelled, approved}, outcomeApproved},
		{"any approves on first approval", anyNode, []types.Task{approved, pending}, outcomeApproved},
		{"any waits after a rejection", anyNode, []types.Task{rejected, pending}, outcomeWaiting},
		{"any rejects when all rejected", anyNode, []types.Task{rejected, rejected}, outcomeRejected},
		{"any with reject-resolves rejects early", anyResolving, []types.Task{rejected, pending}, outcomeRejected},
		{"approval beats rejection in any", anyNode, []types.Task{rejected, approved}, outcomeApproved},
		{"nothing decided yet", allNode, []types.Task{pending, pending}, outcomeWaiting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decideOutcome(tt.node, tt.tasks); got != tt.want {
				t.Errorf("decideOutcome() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Two approvers acting at once on an ALL node must advance the instance
// exactly once: one COMPLETED terminal state, one stamped end time, and
// no task processed twice.
func TestConcurrentApprovalsAdvanceOnce(t *testing.T) {
	engine, store := newTestEngine(t)
	mustPublish(t, engine, twoApproverDefinition(types.ModeAll, types.RejectTerminate))
	ctx := context.Background()

	inst := mustStart(t, engine, "expense", "alice", nil)
	daveTask := pendingTaskOf(t, engine, "dave")
	erinTask := pendingTaskOf(t, engine, "erin")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = engine.Approve(ctx, daveTask.ID, "dave", "ok")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = engine.Approve(ctx, erinTask.ID, "erin", "ok")
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("approver %d failed: %v", i, err)
		}
	}

	final, err := engine.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance failed: %v", err)
	}
	if final.Status != types.InstanceCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.EndedAt == 0 {
		t.Error("expected end time to be stamped")
	}

	tasks, err := store.ListInstanceTasks(ctx, inst.ID)
	if err != nil {
		t.Fatalf("list tasks failed: %v", err)
	}
	for _, task := range tasks {
		if task.Status != types.TaskCompleted || task.Result != types.ResultApproved {
			t.Errorf("task %d ended as %s/%s, want completed/approved", task.ID, task.Status, task.Result)
		}
	}
}

// In ANY mode the first approval wins the race; the slower sibling is
// cancelled or bounced with a not-actionable conflict, never double
// counted.
func TestConcurrentAnyModeFirstApprovalWins(t *testing.T) {
	engine, store := newTestEngine(t)
	mustPublish(t, engine, twoApproverDefinition(types.ModeAny, types.RejectTerminate))
	ctx := context.Background()

	inst := mustStart(t, engine, "expense", "alice", nil)
	daveTask := pendingTaskOf(t, engine, "dave")
	erinTask := pendingTaskOf(t, engine, "erin")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = engine.Approve(ctx, daveTask.ID, "dave", "ok")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = engine.Approve(ctx, erinTask.ID, "erin", "ok")
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case IsConflict(err):
			// loser of the race
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded < 1 {
		t.Fatal("expected at least one approval to land")
	}

	final, _ := engine.GetInstance(ctx, inst.ID)
	if final.Status != types.InstanceCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	tasks, _ := store.ListInstanceTasks(ctx, inst.ID)
	var approvedCount, cancelledCount int
	for _, task := range tasks {
		switch {
		case task.Status == types.TaskCompleted && task.Result == types.ResultApproved:
			approvedCount++
		case task.Status == types.TaskCancelled:
			cancelledCount++
		case task.Status == types.TaskPending:
			t.Errorf("task %d left pending after resolution", task.ID)
		}
	}
	if approvedCount < 1 {
		t.Error("expected at least one approved task")
	}
	if approvedCount+cancelledCount != len(tasks) {
		t.Errorf("unexpected task states: %d approved, %d cancelled of %d", approvedCount, cancelledCount, len(tasks))
	}
}

// A concurrent cancel and approve never both win: the instance ends
// either cancelled with the task cancelled, or completed with the task
// approved.
func TestConcurrentCancelAndApprove(t *testing.T) {
	engine, store := newTestEngine(t)
	mustPublish(t, engine, twoApproverDefinition(types.ModeAny, types.RejectTerminate))
	ctx := context.Background()

	inst := mustStart(t, engine, "expense", "alice", nil)
	daveTask := pendingTaskOf(t, engine, "dave")

	var wg sync.WaitGroup
	wg.Add(2)
	var approveErr, cancelErr error
	go func() {
		defer wg.Done()
		_, approveErr = engine.Approve(ctx, daveTask.ID, "dave", "ok")
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = engine.Cancel(ctx, inst.ID, "alice", "changed my mind")
	}()
	wg.Wait()

	final, _ := engine.GetInstance(ctx, inst.ID)
	task, _ := store.GetTask(ctx, daveTask.ID)

	switch final.Status {
	case types.InstanceCompleted:
		if approveErr != nil {
			t.Fatalf("completed instance but approve failed: %v", approveErr)
		}
		if !IsConflict(cancelErr) {
			t.Fatalf("expected cancel to lose with a conflict, got %v", cancelErr)
		}
		if task.Result != types.ResultApproved {
			t.Errorf("expected approved task, got %s", task.Result)
		}
	case types.InstanceCancelled:
		if cancelErr != nil {
			t.Fatalf("cancelled instance but cancel failed: %v", cancelErr)
		}
		if !IsConflict(approveErr) {
			t.Fatalf("expected approve to lose with a conflict, got %v", approveErr)
		}
		if task.Status != types.TaskCancelled {
			t.Errorf("expected cancelled task, got %s", task.Status)
		}
	default:
		t.Fatalf("instance ended in unexpected state %s", final.Status)
	}
}

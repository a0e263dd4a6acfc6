package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/opsretail/approval-flow/events"
	"github.com/opsretail/approval-flow/notify"
	"github.com/opsretail/approval-flow/types"
)

// Approve completes a pending task as approved and reports the node to the
// resolution coordinator. Retrying an approve on a task that already left
// pending fails with ErrTaskNotActionable and changes nothing.
func (e *ApprovalEngine) Approve(ctx context.Context, taskID uint64, actorID, comment string) (*types.Task, error) {
	return e.completeTask(ctx, taskID, actorID, comment, types.ResultApproved)
}

// Reject completes a pending task as rejected. A comment is required.
// Under ALL mode a single rejection resolves the whole node as rejected;
// under ANY mode it only does so when the node is configured that way.
func (e *ApprovalEngine) Reject(ctx context.Context, taskID uint64, actorID, comment string) (*types.Task, error) {
	if comment == "" {
		return nil, fmt.Errorf("%w: a rejection requires a comment", ErrValidation)
	}
	return e.completeTask(ctx, taskID, actorID, comment, types.ResultRejected)
}

func (e *ApprovalEngine) completeTask(ctx context.Context, taskID uint64, actorID, comment, result string) (*types.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockInstance(task.InstanceID)
	defer unlock()

	// Re-read under the lock: a sibling's action may have cancelled it.
	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.checkActionable(ctx, &task, actorID); err != nil {
		return nil, err
	}

	task.Status = types.TaskCompleted
	task.Result = result
	task.Comment = comment
	task.CompletedAt = time.Now().UnixMilli()
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeTaskCompleted,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		Data:       map[string]interface{}{"assignee": task.AssigneeID, "result": result},
	})

	if err := e.resolveNode(ctx, task.InstanceID, task.NodeID); err != nil {
		return nil, err
	}
	return &task, nil
}

// Transfer hands a pending task to another user. The source task becomes
// terminal and is excluded from completion counting; the new task inherits
// the node and due time, keeping the outstanding-approver count unchanged.
func (e *ApprovalEngine) Transfer(ctx context.Context, taskID uint64, actorID, targetUserID, comment string) (*types.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if targetUserID == actorID {
		return nil, fmt.Errorf("%w: cannot transfer a task to its own assignee", ErrValidation)
	}
	ok, err := e.dir.UserExists(ctx, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown transfer target %q", ErrValidation, targetUserID)
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockInstance(task.InstanceID)
	defer unlock()

	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.checkActionable(ctx, &task, actorID); err != nil {
		return nil, err
	}

	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definitionOf(ctx, &inst)
	if err != nil {
		return nil, err
	}
	node := def.Node(task.NodeID)
	if node == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, task.NodeID)
	}

	task.Status = types.TaskTransferred
	task.Result = types.ResultTransferred
	task.Comment = comment
	task.CompletedAt = time.Now().UnixMilli()
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	created, err := e.createTask(ctx, &inst, node, targetUserID, task.ID)
	if err != nil {
		return nil, err
	}
	created.DueAt = task.DueAt
	if err := e.store.SaveTask(ctx, created); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	e.publishEvent(ctx, events.Event{
		Type:       events.TypeTaskTransferred,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		Data:       map[string]interface{}{"from": task.AssigneeID, "to": targetUserID, "new_task_id": created.ID},
	})
	return &created, nil
}

// Countersign adds extra pending approvers at the source task's node
// without altering the source task. On an ALL node this tightens the
// completion requirement; on an ANY node the tasks are created for
// traceability only. Users who already hold a pending task at the node
// are skipped.
func (e *ApprovalEngine) Countersign(ctx context.Context, taskID uint64, actorID string, extraUserIDs []string, comment string) ([]types.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(extraUserIDs) == 0 {
		return nil, fmt.Errorf("%w: countersign requires at least one user", ErrValidation)
	}
	for _, userID := range extraUserIDs {
		ok, err := e.dir.UserExists(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("directory lookup failed: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown countersign user %q", ErrValidation, userID)
		}
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockInstance(task.InstanceID)
	defer unlock()

	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.checkActionable(ctx, &task, actorID); err != nil {
		return nil, err
	}

	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definitionOf(ctx, &inst)
	if err != nil {
		return nil, err
	}
	node := def.Node(task.NodeID)
	if node == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, task.NodeID)
	}

	siblings, err := e.store.ListNodeTasks(ctx, task.InstanceID, task.NodeID)
	if err != nil {
		return nil, err
	}
	pendingAssignees := make(map[string]bool)
	for _, sibling := range siblings {
		if sibling.Status == types.TaskPending {
			pendingAssignees[sibling.AssigneeID] = true
		}
	}

	var created []types.Task
	for _, userID := range extraUserIDs {
		if pendingAssignees[userID] {
			continue
		}
		pendingAssignees[userID] = true
		newTask, err := e.createTask(ctx, &inst, node, userID, 0)
		if err != nil {
			return nil, err
		}
		created = append(created, newTask)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%w: every countersign user already holds a pending task at node %q", ErrConflict, node.ID)
	}

	e.publishEvent(ctx, events.Event{
		Type:       events.TypeTaskCompleted,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		Data: map[string]interface{}{
			"result":  types.ResultCountersigned,
			"by":      actorID,
			"added":   len(created),
			"comment": comment,
		},
	})
	return created, nil
}

// Urge dispatches a reminder to a task's assignee through the notifier.
// Any participant with view rights on the instance may urge; the task and
// instance are never mutated.
func (e *ApprovalEngine) Urge(ctx context.Context, taskID uint64, actorID, message string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskPending {
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotActionable, task.TaskNo, task.Status)
	}

	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	ok, err := e.hasViewRights(ctx, &inst, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q is not a participant of instance %s", ErrForbidden, actorID, inst.InstanceNo)
	}

	if err := e.notifier.Notify(ctx, notify.Notification{
		Kind:       notify.KindUrge,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		UserID:     task.AssigneeID,
		Message:    message,
	}); err != nil {
		return fmt.Errorf("failed to dispatch urge: %w", err)
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeTaskReminder,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		Data:       map[string]interface{}{"by": actorID, "message": message},
	})
	return nil
}

// checkActionable enforces the shared preconditions of every task action:
// the task is pending, its instance is still running and the actor is the
// assignee.
func (e *ApprovalEngine) checkActionable(ctx context.Context, task *types.Task, actorID string) error {
	if task.Status != types.TaskPending {
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotActionable, task.TaskNo, task.Status)
	}
	if task.AssigneeID != actorID {
		return fmt.Errorf("%w: task %s is assigned to %q", ErrForbidden, task.TaskNo, task.AssigneeID)
	}
	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	if inst.Status != types.InstanceRunning {
		return fmt.Errorf("%w: instance %s is %s", ErrConflict, inst.InstanceNo, inst.Status)
	}
	return nil
}

// hasViewRights reports whether a user participates in the instance as
// initiator, task assignee or node observer.
func (e *ApprovalEngine) hasViewRights(ctx context.Context, inst *types.ProcessInstance, userID string) (bool, error) {
	if inst.InitiatorID == userID {
		return true, nil
	}
	tasks, err := e.store.ListInstanceTasks(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	for _, task := range tasks {
		if task.AssigneeID == userID {
			return true, nil
		}
	}
	def, err := e.definitionOf(ctx, inst)
	if err != nil {
		return false, err
	}
	for _, node := range def.Nodes {
		for _, observer := range node.Observers {
			if observer == userID {
				return true, nil
			}
		}
	}
	return false, nil
}

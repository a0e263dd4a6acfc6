package workflow

import (
	"context"

	"github.com/opsretail/approval-flow/storage"
	"github.com/opsretail/approval-flow/types"
)

// Node progress states surfaced to UIs.
const (
	NodeNotStarted = "not_started"
	NodePending    = "pending"
	NodeApproved   = "approved"
	NodeRejected   = "rejected"
	NodeCancelled  = "cancelled"
)

// TaskView is one task row of a progress timeline.
type TaskView struct {
	TaskID      uint64 `json:"task_id"`
	AssigneeID  string `json:"assignee_id"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Comment     string `json:"comment,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

// NodeProgress is the state of one approval node of an instance.
type NodeProgress struct {
	NodeID   string     `json:"node_id"`
	NodeName string     `json:"node_name"`
	Status   string     `json:"status"`
	Tasks    []TaskView `json:"tasks"`
}

// Progress is the full read-only timeline of an instance.
type Progress struct {
	Instance types.ProcessInstance `json:"instance"`
	Nodes    []NodeProgress        `json:"nodes"`
}

// GetProgress replays the instance's task history into a per-node
// timeline, in definition order. It is a pure view with no state of its
// own and never gates progression.
func (e *ApprovalEngine) GetProgress(ctx context.Context, instanceID uint64) (*Progress, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definitionOf(ctx, &inst)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListInstanceTasks(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	byNode := make(map[string][]types.Task)
	for _, task := range tasks {
		byNode[task.NodeID] = append(byNode[task.NodeID], task)
	}

	progress := &Progress{Instance: inst}
	for _, node := range def.Nodes {
		if node.Type != types.NodeTypeApproval {
			continue
		}
		nodeTasks := byNode[node.ID]
		views := make([]TaskView, 0, len(nodeTasks))
		for _, task := range nodeTasks {
			views = append(views, TaskView{
				TaskID:      task.ID,
				AssigneeID:  task.AssigneeID,
				Status:      task.Status,
				Result:      task.Result,
				Comment:     task.Comment,
				CompletedAt: task.CompletedAt,
			})
		}
		progress.Nodes = append(progress.Nodes, NodeProgress{
			NodeID:   node.ID,
			NodeName: node.Name,
			Status:   nodeStatus(&inst, nodeTasks),
			Tasks:    views,
		})
	}
	return progress, nil
}

// nodeStatus derives a node's display state from the instance and its
// task aggregate.
func nodeStatus(inst *types.ProcessInstance, tasks []types.Task) string {
	if len(tasks) == 0 {
		return NodeNotStarted
	}
	for _, task := range tasks {
		if inst.HasCurrentNode(task.NodeID) {
			return NodePending
		}
	}
	var approved, rejected, cancelled int
	for _, task := range tasks {
		switch {
		case task.Status == types.TaskCompleted && task.Result == types.ResultRejected:
			rejected++
		case task.Status == types.TaskCompleted && task.Result == types.ResultApproved:
			approved++
		case task.Status == types.TaskCancelled:
			cancelled++
		}
	}
	switch {
	case rejected > 0:
		return NodeRejected
	case approved > 0:
		return NodeApproved
	case cancelled > 0:
		return NodeCancelled
	default:
		return NodeNotStarted
	}
}

// QueryPendingTasks returns an assignee's open work items, newest first.
func (e *ApprovalEngine) QueryPendingTasks(ctx context.Context, assigneeID string, filter storage.TaskFilter) ([]types.Task, error) {
	filter.Statuses = []string{types.TaskPending}
	return e.store.ListAssigneeTasks(ctx, assigneeID, filter)
}

// QueryCompletedTasks returns an assignee's processed work items, newest
// first. Transferred tasks are included as processed history.
func (e *ApprovalEngine) QueryCompletedTasks(ctx context.Context, assigneeID string, filter storage.TaskFilter) ([]types.Task, error) {
	filter.Statuses = []string{types.TaskCompleted, types.TaskTransferred}
	return e.store.ListAssigneeTasks(ctx, assigneeID, filter)
}

// Package types defines the entities of the approval workflow engine:
// process definitions, running instances, per-assignee tasks and
// observer copy records.
package types

// Definition lifecycle states.
const (
	DefinitionDraft     = "draft"
	DefinitionPublished = "published"
	DefinitionRetired   = "retired"
)

// Node types.
const (
	NodeTypeStart     = "start"
	NodeTypeApproval  = "approval"
	NodeTypeCondition = "condition"
	NodeTypeEnd       = "end"
)

// Completion modes for approval nodes.
const (
	ModeAll = "all" // every assignee must approve
	ModeAny = "any" // first approval resolves the node
)

// Reject policies.
const (
	RejectTerminate      = "terminate_instance"
	RejectReturnPrevious = "return_to_previous"
)

// Instance states. All states other than running are terminal.
const (
	InstanceRunning    = "running"
	InstanceCompleted  = "completed"
	InstanceRejected   = "rejected"
	InstanceCancelled  = "cancelled"
	InstanceTerminated = "terminated"
)

// Task states.
const (
	TaskPending     = "pending"
	TaskCompleted   = "completed"
	TaskTransferred = "transferred"
	TaskCancelled   = "cancelled"
)

// Task results.
const (
	ResultApproved      = "approved"
	ResultRejected      = "rejected"
	ResultTransferred   = "transferred"
	ResultCountersigned = "countersigned"
)

// Approver rule kinds.
const (
	ApproverUsers      = "users"
	ApproverRole       = "role"
	ApproverDeptLeader = "department_leader"
	ApproverManager    = "initiator_manager"
	ApproverExpression = "expression"
)

// ApproverRule declares how an approval node's assignees are resolved.
// Exactly one of the payload fields is meaningful for a given Kind.
type ApproverRule struct {
	Kind       string   `json:"kind"       validate:"omitempty,oneof=users role department_leader initiator_manager expression"`
	Users      []string `json:"users,omitempty"`
	Role       string   `json:"role,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// Edge connects a node to a successor. Guard is an expression over the
// instance form data; empty or "true" always passes.
type Edge struct {
	To    string `json:"to" validate:"required"`
	Guard string `json:"guard,omitempty"`
}

// NodeSpec is one node of a process definition graph.
type NodeSpec struct {
	ID        string       `json:"id"   validate:"required"`
	Name      string       `json:"name"`
	Type      string       `json:"type" validate:"required,oneof=start approval condition end"`
	Approvers ApproverRule `json:"approvers,omitempty"`
	Mode      string       `json:"mode,omitempty"` // "all" or "any", approval nodes only
	OnReject  string       `json:"on_reject,omitempty"`
	// RejectResolves makes a single rejection resolve an "any" node as
	// rejected instead of waiting for another assignee's approval.
	RejectResolves bool     `json:"reject_resolves,omitempty"`
	Edges          []Edge   `json:"edges,omitempty"`
	Observers      []string `json:"observers,omitempty"`
	DueInSec       int64    `json:"due_in_sec,omitempty"`
}

// ProcessDefinition is a versioned approval graph. Published versions are
// immutable; editing always produces a new version of the same code.
type ProcessDefinition struct {
	ID         uint64                 `json:"id"`
	Code       string                 `json:"code" validate:"required,min=2"`
	Version    int                    `json:"version"`
	Name       string                 `json:"name" validate:"required,min=2"`
	Status     string                 `json:"status"`
	Nodes      []NodeSpec             `json:"nodes" validate:"required,min=2,dive"`
	FormSchema map[string]interface{} `json:"form_schema,omitempty"` // JSON schema for instance form data
	CreatedAt  int64                  `json:"created_at"`
	UpdatedAt  int64                  `json:"updated_at"`
}

// Node returns the definition node with the given ID, or nil.
func (d *ProcessDefinition) Node(nodeID string) *NodeSpec {
	for i := range d.Nodes {
		if d.Nodes[i].ID == nodeID {
			return &d.Nodes[i]
		}
	}
	return nil
}

// ProcessInstance is one run of a published definition. The definition
// version is bound at start; republishing never affects running instances.
type ProcessInstance struct {
	ID                uint64                 `json:"id"`
	InstanceNo        string                 `json:"instance_no"`
	DefinitionID      uint64                 `json:"definition_id"`
	DefinitionCode    string                 `json:"definition_code"`
	DefinitionVersion int                    `json:"definition_version"`
	InitiatorID       string                 `json:"initiator_id"`
	FormData          map[string]interface{} `json:"form_data"` // snapshot taken at start
	Status            string                 `json:"status"`
	CurrentNodeIDs    []string               `json:"current_node_ids"`
	Reason            string                 `json:"reason,omitempty"` // diagnostic for terminated/cancelled
	StartedAt         int64                  `json:"started_at"`
	EndedAt           int64                  `json:"ended_at,omitempty"`
	UpdatedAt         int64                  `json:"updated_at"`
}

// HasCurrentNode reports whether nodeID is in the instance's current node set.
func (p *ProcessInstance) HasCurrentNode(nodeID string) bool {
	for _, id := range p.CurrentNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Terminal reports whether the instance has reached a terminal status.
func (p *ProcessInstance) Terminal() bool {
	return p.Status != InstanceRunning
}

// Task is one (node, assignee) work item. A task leaves pending exactly
// once and never reverses.
type Task struct {
	ID         uint64 `json:"id"`
	TaskNo     string `json:"task_no"`
	InstanceID uint64 `json:"instance_id"`
	NodeID     string `json:"node_id"`
	AssigneeID string `json:"assignee_id"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Comment    string `json:"comment,omitempty"`
	// TransferredFrom links a task created by transfer back to its source.
	// Never mutated once set.
	TransferredFrom uint64 `json:"transferred_from,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	CompletedAt     int64  `json:"completed_at,omitempty"`
	DueAt           int64  `json:"due_at,omitempty"`
}

// CopyRecord is an advisory read/unread marker for an observer cc'd on a
// node. Losing these never corrupts instance state.
type CopyRecord struct {
	ID         uint64 `json:"id"`
	InstanceID uint64 `json:"instance_id"`
	NodeID     string `json:"node_id"`
	ObserverID string `json:"observer_id"`
	IsRead     bool   `json:"is_read"`
	ReadAt     int64  `json:"read_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

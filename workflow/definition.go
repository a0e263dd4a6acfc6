package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/opsretail/approval-flow/types"
)

// PublishDefinition validates a draft graph and stores it as a new
// published version of its code. Published versions are immutable; a
// republish always produces the next version and never touches running
// instances bound to earlier versions.
func (e *ApprovalEngine) PublishDefinition(ctx context.Context, draft types.ProcessDefinition) (types.ProcessDefinition, error) {
	select {
	case <-ctx.Done():
		return types.ProcessDefinition{}, ctx.Err()
	default:
	}

	if draft.Code == "" || draft.Name == "" {
		return types.ProcessDefinition{}, fmt.Errorf("%w: definition code and name are required", ErrValidation)
	}
	if err := validateGraph(draft.Nodes); err != nil {
		return types.ProcessDefinition{}, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	latest, err := e.store.LatestVersion(ctx, draft.Code)
	if err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("failed to read latest version: %w", err)
	}

	now := time.Now().UnixMilli()
	def := draft
	def.ID = id
	def.Version = latest + 1
	def.Status = types.DefinitionPublished
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("failed to save definition: %w", err)
	}
	return def, nil
}

// GetDefinition retrieves a definition by code. version 0 means the latest
// published version.
func (e *ApprovalEngine) GetDefinition(ctx context.Context, code string, version int) (types.ProcessDefinition, error) {
	return e.store.GetDefinitionByCode(ctx, code, version)
}

// RetireDefinition blocks new starts against a definition version. Running
// instances bound to it are unaffected.
func (e *ApprovalEngine) RetireDefinition(ctx context.Context, code string, version int) error {
	def, err := e.store.GetDefinitionByCode(ctx, code, version)
	if err != nil {
		return err
	}
	if def.Status == types.DefinitionRetired {
		return nil
	}
	def.Status = types.DefinitionRetired
	def.UpdatedAt = time.Now().UnixMilli()
	return e.store.SaveDefinition(ctx, def)
}

// validateGraph runs the structural checks a graph must pass before
// publishing: unique node IDs, exactly one start, at least one end
// reachable from it, no cycles, sane edges and a resolvable approver rule
// declaration on every approval node. Run-time approver resolution can
// still fail at start time; that is handled there.
func validateGraph(nodes []types.NodeSpec) error {
	if len(nodes) < 2 {
		return fmt.Errorf("%w: a definition needs at least a start and an end node", ErrValidation)
	}

	byID := make(map[string]*types.NodeSpec, len(nodes))
	var start *types.NodeSpec
	endCount := 0
	for i := range nodes {
		node := &nodes[i]
		if node.ID == "" {
			return fmt.Errorf("%w: node ID cannot be empty", ErrValidation)
		}
		if _, dup := byID[node.ID]; dup {
			return fmt.Errorf("%w: duplicate node ID %q", ErrValidation, node.ID)
		}
		byID[node.ID] = node

		switch node.Type {
		case types.NodeTypeStart:
			if start != nil {
				return fmt.Errorf("%w: more than one start node", ErrValidation)
			}
			start = node
		case types.NodeTypeEnd:
			endCount++
			if len(node.Edges) != 0 {
				return fmt.Errorf("%w: end node %q cannot have outgoing edges", ErrValidation, node.ID)
			}
		case types.NodeTypeApproval:
			if err := validateApprovalNode(node); err != nil {
				return err
			}
		case types.NodeTypeCondition:
			if len(node.Edges) == 0 {
				return fmt.Errorf("%w: condition node %q has no outgoing edges", ErrValidation, node.ID)
			}
		default:
			return fmt.Errorf("%w: unknown node type %q on node %q", ErrValidation, node.Type, node.ID)
		}
	}
	if start == nil {
		return fmt.Errorf("%w: definition has no start node", ErrValidation)
	}
	if endCount == 0 {
		return fmt.Errorf("%w: definition has no end node", ErrValidation)
	}
	if len(start.Edges) == 0 {
		return fmt.Errorf("%w: start node has no outgoing edge", ErrValidation)
	}

	for _, node := range nodes {
		for _, edge := range node.Edges {
			if _, ok := byID[edge.To]; !ok {
				return fmt.Errorf("%w: node %q has an edge to unknown node %q", ErrValidation, node.ID, edge.To)
			}
		}
	}

	if err := checkAcyclicReachable(start.ID, byID); err != nil {
		return err
	}
	return nil
}

func validateApprovalNode(node *types.NodeSpec) error {
	switch node.Mode {
	case "", types.ModeAll, types.ModeAny:
	default:
		return fmt.Errorf("%w: approval node %q has invalid mode %q", ErrValidation, node.ID, node.Mode)
	}
	switch node.OnReject {
	case "", types.RejectTerminate, types.RejectReturnPrevious:
	default:
		return fmt.Errorf("%w: approval node %q has invalid reject policy %q", ErrValidation, node.ID, node.OnReject)
	}
	if len(node.Edges) != 1 {
		return fmt.Errorf("%w: approval node %q must have exactly one outgoing edge", ErrValidation, node.ID)
	}

	rule := node.Approvers
	switch rule.Kind {
	case types.ApproverUsers:
		if len(rule.Users) == 0 {
			return fmt.Errorf("%w: approval node %q declares an empty user list", ErrValidation, node.ID)
		}
	case types.ApproverRole:
		if rule.Role == "" {
			return fmt.Errorf("%w: approval node %q declares no role", ErrValidation, node.ID)
		}
	case types.ApproverExpression:
		if rule.Expression == "" {
			return fmt.Errorf("%w: approval node %q declares no approver expression", ErrValidation, node.ID)
		}
	case types.ApproverDeptLeader, types.ApproverManager:
		// resolved against the initiator at run time
	default:
		return fmt.Errorf("%w: approval node %q has empty or unknown approver rule %q", ErrValidation, node.ID, rule.Kind)
	}
	return nil
}

// checkAcyclicReachable verifies the graph has no cycle and that an end
// node is reachable from start, with a coloured DFS.
func checkAcyclicReachable(startID string, byID map[string]*types.NodeSpec) error {
	const (
		white = 0 // unvisited
		grey  = 1 // on stack
		black = 2 // done
	)
	colors := make(map[string]int, len(byID))
	endReachable := false

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = grey
		node := byID[id]
		if node.Type == types.NodeTypeEnd {
			endReachable = true
		}
		for _, edge := range node.Edges {
			switch colors[edge.To] {
			case grey:
				return fmt.Errorf("%w: cycle detected through node %q", ErrValidation, edge.To)
			case white:
				if err := visit(edge.To); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		return nil
	}

	if err := visit(startID); err != nil {
		return err
	}
	if !endReachable {
		return fmt.Errorf("%w: no end node is reachable from start", ErrValidation)
	}
	return nil
}

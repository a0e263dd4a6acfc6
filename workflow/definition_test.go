package workflow

import (
	"context"
	"testing"

	"github.com/opsretail/approval-flow/types"
)

func validDefinition() types.ProcessDefinition {
	return twoApproverDefinition(types.ModeAll, types.RejectTerminate)
}

func TestPublishDefinitionAssignsVersionAndStatus(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	published := mustPublish(t, engine, validDefinition())
	if published.ID == 0 {
		t.Error("expected an assigned ID")
	}
	if published.Version != 1 {
		t.Errorf("expected version 1, got %d", published.Version)
	}
	if published.Status != types.DefinitionPublished {
		t.Errorf("expected published, got %s", published.Status)
	}
	if published.CreatedAt == 0 || published.UpdatedAt == 0 {
		t.Error("expected timestamps to be set")
	}

	got, err := engine.GetDefinition(ctx, "expense", 1)
	if err != nil {
		t.Fatalf("get definition failed: %v", err)
	}
	if got.ID != published.ID {
		t.Errorf("expected ID %d, got %d", published.ID, got.ID)
	}
}

func TestPublishDefinitionRejectsBadGraphs(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*types.ProcessDefinition)
	}{
		{"empty code", func(d *types.ProcessDefinition) { d.Code = "" }},
		{"no nodes", func(d *types.ProcessDefinition) { d.Nodes = nil }},
		{"duplicate node IDs", func(d *types.ProcessDefinition) {
			d.Nodes[2].ID = "review"
		}},
		{"no start node", func(d *types.ProcessDefinition) {
			d.Nodes[0].Type = types.NodeTypeEnd
			d.Nodes[0].Edges = nil
		}},
		{"two start nodes", func(d *types.ProcessDefinition) {
			d.Nodes = append(d.Nodes, types.NodeSpec{
				ID: "start2", Type: types.NodeTypeStart,
				Edges: []types.Edge{{To: "review"}},
			})
		}},
		{"start without edges", func(d *types.ProcessDefinition) {
			d.Nodes[0].Edges = nil
		}},
		{"no end node", func(d *types.ProcessDefinition) {
			d.Nodes[1].Edges = []types.Edge{{To: "start"}}
			d.Nodes = d.Nodes[:2]
		}},
		{"end with outgoing edge", func(d *types.ProcessDefinition) {
			d.Nodes[2].Edges = []types.Edge{{To: "start"}}
		}},
		{"edge to unknown node", func(d *types.ProcessDefinition) {
			d.Nodes[1].Edges = []types.Edge{{To: "nowhere"}}
		}},
		{"cycle", func(d *types.ProcessDefinition) {
			d.Nodes = append(d.Nodes, types.NodeSpec{
				ID: "loop", Type: types.NodeTypeCondition,
				Edges: []types.Edge{{To: "review", Guard: "true"}},
			})
			d.Nodes[1].Edges = []types.Edge{{To: "loop"}}
		}},
		{"approval with two edges", func(d *types.ProcessDefinition) {
			d.Nodes[1].Edges = append(d.Nodes[1].Edges, types.Edge{To: "end"})
		}},
		{"approval without approvers", func(d *types.ProcessDefinition) {
			d.Nodes[1].Approvers = types.ApproverRule{Kind: types.ApproverUsers}
		}},
		{"role rule without role", func(d *types.ProcessDefinition) {
			d.Nodes[1].Approvers = types.ApproverRule{Kind: types.ApproverRole}
		}},
		{"expression rule without expression", func(d *types.ProcessDefinition) {
			d.Nodes[1].Approvers = types.ApproverRule{Kind: types.ApproverExpression}
		}},
		{"unknown approver kind", func(d *types.ProcessDefinition) {
			d.Nodes[1].Approvers = types.ApproverRule{Kind: "oracle"}
		}},
		{"unknown mode", func(d *types.ProcessDefinition) {
			d.Nodes[1].Mode = "MOST"
		}},
		{"unknown reject policy", func(d *types.ProcessDefinition) {
			d.Nodes[1].OnReject = "EXPLODE"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			if _, err := engine.PublishDefinition(ctx, def); !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPublishDefinitionAcceptsConditionFanOut(t *testing.T) {
	engine, _ := newTestEngine(t)

	def := types.ProcessDefinition{
		Code: "fanout",
		Name: "Fan Out",
		Nodes: []types.NodeSpec{
			{ID: "start", Type: types.NodeTypeStart, Edges: []types.Edge{{To: "route"}}},
			{
				ID:   "route",
				Type: types.NodeTypeCondition,
				Edges: []types.Edge{
					{To: "left", Guard: "urgent"},
					{To: "right", Guard: "amount > 0"},
				},
			},
			{
				ID:        "left",
				Type:      types.NodeTypeApproval,
				Approvers: types.ApproverRule{Kind: types.ApproverUsers, Users: []string{"dave"}},
				Edges:     []types.Edge{{To: "end"}},
			},
			{
				ID:        "right",
				Type:      types.NodeTypeApproval,
				Approvers: types.ApproverRule{Kind: types.ApproverUsers, Users: []string{"erin"}},
				Edges:     []types.Edge{{To: "end"}},
			},
			{ID: "end", Type: types.NodeTypeEnd},
		},
	}
	mustPublish(t, engine, def)
}

func TestRetireDefinition(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := mustPublish(t, engine, validDefinition())
	if err := engine.RetireDefinition(ctx, def.Code, def.Version); err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	// Retiring twice is a no-op.
	if err := engine.RetireDefinition(ctx, def.Code, def.Version); err != nil {
		t.Fatalf("second retire failed: %v", err)
	}

	got, err := engine.GetDefinition(ctx, def.Code, def.Version)
	if err != nil {
		t.Fatalf("get definition failed: %v", err)
	}
	if got.Status != types.DefinitionRetired {
		t.Errorf("expected retired, got %s", got.Status)
	}

	// A later publish of the same code continues the version sequence.
	next := mustPublish(t, engine, validDefinition())
	if next.Version != 2 {
		t.Errorf("expected version 2, got %d", next.Version)
	}
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"github.com/xeipuuv/gojsonschema"

	"github.com/opsretail/approval-flow/directory"
	"github.com/opsretail/approval-flow/events"
	"github.com/opsretail/approval-flow/notify"
	"github.com/opsretail/approval-flow/rules"
	"github.com/opsretail/approval-flow/storage"
	"github.com/opsretail/approval-flow/types"
)

// Maximum node-walk depth to prevent a malformed graph from recursing forever.
const maxWalkDepth = 100

// ApprovalEngine drives process instances through their approval graphs.
// All instance mutation happens under a per-instance lock so that node
// resolution is a serialized check-then-act and advancement fires exactly
// once.
type ApprovalEngine struct {
	store     storage.Storage
	resolver  *directory.RuleResolver
	dir       directory.Directory
	evaluator rules.Evaluator
	eventBus  *events.Bus
	notifier  notify.Notifier
	generate  generator.Generator
	logger    *slog.Logger

	// locks serializes per instance: resolution, cancellation and
	// advancement on the same instance are mutually exclusive, different
	// instances never contend.
	locks sync.Map // uint64 -> *sync.Mutex
}

// Option configures an ApprovalEngine.
type Option func(*ApprovalEngine)

// WithNotifier sets the notification transport used by urge and reminders.
func WithNotifier(n notify.Notifier) Option {
	return func(e *ApprovalEngine) { e.notifier = n }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *ApprovalEngine) { e.logger = logger }
}

// WithEventBus replaces the default event bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *ApprovalEngine) { e.eventBus = bus }
}

// NewApprovalEngine creates an engine over the given generator, storage,
// directory and evaluator.
func NewApprovalEngine(generate generator.Generator, store storage.Storage, dir directory.Directory, evaluator rules.Evaluator, opts ...Option) (*ApprovalEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &ApprovalEngine{
		store:     store,
		resolver:  directory.NewRuleResolver(dir, evaluator),
		dir:       dir,
		evaluator: evaluator,
		eventBus:  events.NewBus(),
		notifier:  notify.NopNotifier{},
		generate:  generate,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SubscribeEvent subscribes a handler to an engine event type.
func (e *ApprovalEngine) SubscribeEvent(eventType string, handler events.Handler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Stop gracefully stops the engine's event bus.
func (e *ApprovalEngine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// lockInstance acquires the per-instance mutex and returns its unlock func.
func (e *ApprovalEngine) lockInstance(instanceID uint64) func() {
	muAny, _ := e.locks.LoadOrStore(instanceID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *ApprovalEngine) publishEvent(ctx context.Context, event events.Event) {
	if err := e.eventBus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrBusClosed) {
		e.logger.WarnContext(ctx, "event dropped", "type", event.Type, "instance", event.InstanceID, "error", err)
	}
}

// Start creates a RUNNING instance of a published definition and walks it
// to its first approval node, creating that node's tasks. If an approver
// rule cannot be resolved the instance is terminated with a diagnostic
// rather than left stuck, and the error is returned to the initiator.
func (e *ApprovalEngine) Start(ctx context.Context, code string, version int, initiatorID string, formData map[string]interface{}) (*types.ProcessInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	def, err := e.store.GetDefinitionByCode(ctx, code, version)
	if err != nil {
		return nil, err
	}
	if def.Status != types.DefinitionPublished {
		return nil, fmt.Errorf("%w: %s v%d is %s", ErrDefinitionNotPublished, def.Code, def.Version, def.Status)
	}

	ok, err := e.dir.UserExists(ctx, initiatorID)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown initiator %q", ErrValidation, initiatorID)
	}

	if formData == nil {
		formData = make(map[string]interface{})
	}
	if err := validateFormData(def.FormSchema, formData); err != nil {
		return nil, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := time.Now()
	inst := types.ProcessInstance{
		ID:                id,
		InstanceNo:        newBusinessNo("APV", now),
		DefinitionID:      def.ID,
		DefinitionCode:    def.Code,
		DefinitionVersion: def.Version,
		InitiatorID:       initiatorID,
		FormData:          formData,
		Status:            types.InstanceRunning,
		CurrentNodeIDs:    []string{},
		StartedAt:         now.UnixMilli(),
		UpdatedAt:         now.UnixMilli(),
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeInstanceStarted,
		InstanceID: inst.ID,
		Data:       map[string]interface{}{"instance_no": inst.InstanceNo, "definition": def.Code, "initiator": initiatorID},
	})

	unlock := e.lockInstance(inst.ID)
	defer unlock()

	start := findStartNode(&def)
	if err := e.enterTargets(ctx, &inst, &def, start.Edges, 0); err != nil {
		if terr := e.terminate(ctx, &inst, fmt.Sprintf("failed to enter first node: %v", err)); terr != nil {
			return &inst, terr
		}
		return &inst, err
	}
	if err := e.saveInstance(ctx, &inst); err != nil {
		return &inst, err
	}
	return &inst, nil
}

// GetInstance retrieves a process instance by ID.
func (e *ApprovalEngine) GetInstance(ctx context.Context, instanceID uint64) (*types.ProcessInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// Cancel cancels a RUNNING instance. Only the initiator may cancel; every
// PENDING task is cancelled, completed tasks are immutable history.
func (e *ApprovalEngine) Cancel(ctx context.Context, instanceID uint64, byUserID, reason string) (*types.ProcessInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.InitiatorID != byUserID {
		return nil, fmt.Errorf("%w: only the initiator may cancel instance %s", ErrForbidden, inst.InstanceNo)
	}
	if inst.Status != types.InstanceRunning {
		return nil, fmt.Errorf("%w: instance %s is %s", ErrConflict, inst.InstanceNo, inst.Status)
	}

	if err := e.cancelPendingTasks(ctx, inst.ID, ""); err != nil {
		return nil, err
	}
	inst.Status = types.InstanceCancelled
	inst.Reason = reason
	inst.CurrentNodeIDs = []string{}
	inst.EndedAt = time.Now().UnixMilli()
	if err := e.saveInstance(ctx, &inst); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeInstanceFinished,
		InstanceID: inst.ID,
		Data:       map[string]interface{}{"status": inst.Status, "reason": reason},
	})
	return &inst, nil
}

// advanceFrom moves the instance past a resolved node. Called only by the
// resolution coordinator with the instance lock held; user actions never
// reach it directly.
func (e *ApprovalEngine) advanceFrom(ctx context.Context, inst *types.ProcessInstance, def *types.ProcessDefinition, nodeID string, approved bool) error {
	node := def.Node(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}
	removeNode(inst, nodeID)
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeNodeResolved,
		InstanceID: inst.ID,
		NodeID:     nodeID,
		Data:       map[string]interface{}{"approved": approved},
	})

	if !approved {
		return e.handleReject(ctx, inst, def, node)
	}
	if err := e.enterTargets(ctx, inst, def, node.Edges, 0); err != nil {
		return err
	}
	return e.saveInstance(ctx, inst)
}

// handleReject applies a node's reject policy. RETURN_TO_PREVIOUS re-enters
// the nearest upstream approval node with fresh tasks; a node without an
// upstream approval node degrades to termination so the instance is never
// left without a current node.
func (e *ApprovalEngine) handleReject(ctx context.Context, inst *types.ProcessInstance, def *types.ProcessDefinition, node *types.NodeSpec) error {
	if node.OnReject == types.RejectReturnPrevious {
		if prev := previousApprovalNode(def, node.ID); prev != nil {
			if err := e.enterApprovalNode(ctx, inst, def, prev); err != nil {
				return err
			}
			return e.saveInstance(ctx, inst)
		}
	}

	if err := e.cancelPendingTasks(ctx, inst.ID, ""); err != nil {
		return err
	}
	inst.Status = types.InstanceRejected
	inst.CurrentNodeIDs = []string{}
	inst.EndedAt = time.Now().UnixMilli()
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeInstanceFinished,
		InstanceID: inst.ID,
		Data:       map[string]interface{}{"status": inst.Status, "node": node.ID},
	})
	return nil
}

// enterTargets walks edges to the next approval node(s), evaluating
// condition guards against the instance form data on the way. Reaching an
// end node with no other node in flight completes the instance.
func (e *ApprovalEngine) enterTargets(ctx context.Context, inst *types.ProcessInstance, def *types.ProcessDefinition, edges []types.Edge, depth int) error {
	if depth > maxWalkDepth {
		return fmt.Errorf("maximum walk depth %d exceeded", maxWalkDepth)
	}

	for _, edge := range edges {
		target := def.Node(edge.To)
		if target == nil {
			return fmt.Errorf("%w: %q", ErrNodeNotFound, edge.To)
		}
		switch target.Type {
		case types.NodeTypeEnd:
			// Parallel branches still in flight keep the instance running.
			if len(inst.CurrentNodeIDs) == 0 {
				return e.completeInstance(ctx, inst)
			}
		case types.NodeTypeCondition:
			matched, err := e.matchGuards(target.Edges, inst.FormData)
			if err != nil {
				return err
			}
			if len(matched) == 0 {
				return fmt.Errorf("%w: no guard matched on condition node %q", ErrConflict, target.ID)
			}
			if err := e.enterTargets(ctx, inst, def, matched, depth+1); err != nil {
				return err
			}
		case types.NodeTypeApproval:
			if err := e.enterApprovalNode(ctx, inst, def, target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: cannot enter node %q of type %s", ErrConflict, target.ID, target.Type)
		}
	}
	return nil
}

// matchGuards returns every edge whose guard passes against the form data.
func (e *ApprovalEngine) matchGuards(edges []types.Edge, formData map[string]interface{}) ([]types.Edge, error) {
	var matched []types.Edge
	for _, edge := range edges {
		if edge.Guard == "" || edge.Guard == "true" {
			matched = append(matched, edge)
			continue
		}
		env := make(map[string]interface{}, len(formData))
		for k, v := range formData {
			env[k] = v
		}
		pass, err := e.evaluator.Evaluate(edge.Guard, env)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate guard '%s': %w", edge.Guard, err)
		}
		if pass {
			matched = append(matched, edge)
		}
	}
	return matched, nil
}

// enterApprovalNode resolves the node's approvers and creates one pending
// task per assignee.
func (e *ApprovalEngine) enterApprovalNode(ctx context.Context, inst *types.ProcessInstance, def *types.ProcessDefinition, node *types.NodeSpec) error {
	assignees, err := e.resolver.Resolve(ctx, node.Approvers, inst.InitiatorID, inst.FormData)
	if err != nil {
		return fmt.Errorf("%w: node %q: %v", ErrApproverResolution, node.ID, err)
	}

	if !inst.HasCurrentNode(node.ID) {
		inst.CurrentNodeIDs = append(inst.CurrentNodeIDs, node.ID)
	}
	for _, assignee := range assignees {
		if _, err := e.createTask(ctx, inst, node, assignee, 0); err != nil {
			return err
		}
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeNodeEntered,
		InstanceID: inst.ID,
		NodeID:     node.ID,
		Data:       map[string]interface{}{"assignees": assignees},
	})
	e.fanOutCopies(ctx, inst, node)
	return nil
}

// createTask creates one pending task for an assignee at a node.
func (e *ApprovalEngine) createTask(ctx context.Context, inst *types.ProcessInstance, node *types.NodeSpec, assignee string, transferredFrom uint64) (types.Task, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := time.Now()
	task := types.Task{
		ID:              id,
		TaskNo:          newBusinessNo("TSK", now),
		InstanceID:      inst.ID,
		NodeID:          node.ID,
		AssigneeID:      assignee,
		Status:          types.TaskPending,
		TransferredFrom: transferredFrom,
		CreatedAt:       now.UnixMilli(),
	}
	if node.DueInSec > 0 {
		task.DueAt = now.Add(time.Duration(node.DueInSec) * time.Second).UnixMilli()
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return types.Task{}, fmt.Errorf("failed to save task: %w", err)
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeTaskCreated,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		NodeID:     node.ID,
		Data:       map[string]interface{}{"assignee": assignee},
	})
	return task, nil
}

func (e *ApprovalEngine) completeInstance(ctx context.Context, inst *types.ProcessInstance) error {
	inst.Status = types.InstanceCompleted
	inst.EndedAt = time.Now().UnixMilli()
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeInstanceFinished,
		InstanceID: inst.ID,
		Data:       map[string]interface{}{"status": inst.Status},
	})
	return nil
}

// terminate aborts an instance with a diagnostic, cancelling any pending
// tasks already created.
func (e *ApprovalEngine) terminate(ctx context.Context, inst *types.ProcessInstance, reason string) error {
	if err := e.cancelPendingTasks(ctx, inst.ID, ""); err != nil {
		return err
	}
	inst.Status = types.InstanceTerminated
	inst.Reason = reason
	inst.CurrentNodeIDs = []string{}
	inst.EndedAt = time.Now().UnixMilli()
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "instance terminated", "instance", inst.InstanceNo, "reason", reason)
	e.publishEvent(ctx, events.Event{
		Type:       events.TypeInstanceFinished,
		InstanceID: inst.ID,
		Data:       map[string]interface{}{"status": inst.Status, "reason": reason},
	})
	return nil
}

// cancelPendingTasks cancels every pending task of an instance, or only
// those at nodeID when it is non-empty.
func (e *ApprovalEngine) cancelPendingTasks(ctx context.Context, instanceID uint64, nodeID string) error {
	tasks, err := e.store.ListInstanceTasks(ctx, instanceID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, task := range tasks {
		if task.Status != types.TaskPending {
			continue
		}
		if nodeID != "" && task.NodeID != nodeID {
			continue
		}
		task.Status = types.TaskCancelled
		task.CompletedAt = now
		if err := e.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("failed to cancel task %d: %w", task.ID, err)
		}
	}
	return nil
}

func (e *ApprovalEngine) saveInstance(ctx context.Context, inst *types.ProcessInstance) error {
	inst.UpdatedAt = time.Now().UnixMilli()
	if err := e.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func (e *ApprovalEngine) definitionOf(ctx context.Context, inst *types.ProcessInstance) (types.ProcessDefinition, error) {
	return e.store.GetDefinition(ctx, inst.DefinitionID)
}

// validateFormData checks submitted form data against the definition's
// declared JSON schema. A definition without a schema accepts anything.
func validateFormData(schema, formData map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(formData))
	if err != nil {
		return fmt.Errorf("%w: form schema check failed: %v", ErrValidation, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: form data invalid: %s", ErrValidation, strings.Join(details, "; "))
	}
	return nil
}

func findStartNode(def *types.ProcessDefinition) *types.NodeSpec {
	for i := range def.Nodes {
		if def.Nodes[i].Type == types.NodeTypeStart {
			return &def.Nodes[i]
		}
	}
	return nil
}

// previousApprovalNode finds the nearest approval node upstream of nodeID,
// walking back through condition nodes.
func previousApprovalNode(def *types.ProcessDefinition, nodeID string) *types.NodeSpec {
	for i := range def.Nodes {
		node := &def.Nodes[i]
		for _, edge := range node.Edges {
			if edge.To != nodeID {
				continue
			}
			switch node.Type {
			case types.NodeTypeApproval:
				return node
			case types.NodeTypeCondition:
				if prev := previousApprovalNode(def, node.ID); prev != nil {
					return prev
				}
			}
		}
	}
	return nil
}

func removeNode(inst *types.ProcessInstance, nodeID string) {
	current := inst.CurrentNodeIDs[:0]
	for _, id := range inst.CurrentNodeIDs {
		if id != nodeID {
			current = append(current, id)
		}
	}
	inst.CurrentNodeIDs = current
}

// newBusinessNo builds a human-readable record number like
// APV-20260830-1a2b3c4d.
func newBusinessNo(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), uuid.New().String()[:8])
}

package storage

import (
	"context"
	"errors"

	"github.com/opsretail/approval-flow/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrCopyNotFound       = errors.New("copy record not found")
)

// TaskFilter narrows task list queries. Zero values mean "no constraint".
type TaskFilter struct {
	Statuses  []string
	DueBefore int64
	Limit     int
	Offset    int
}

// CopyFilter narrows copy record queries.
type CopyFilter struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Storage persists definitions, instances, tasks and copy records. The
// engine only requires per-key read-modify-write; all cross-row atomicity
// is provided above this interface by the resolution coordinator.
type Storage interface {
	// SaveDefinition upserts a definition version.
	SaveDefinition(ctx context.Context, def types.ProcessDefinition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.ProcessDefinition, error)

	// GetDefinitionByCode retrieves a definition by code and version.
	// version 0 means the latest published version.
	GetDefinitionByCode(ctx context.Context, code string, version int) (types.ProcessDefinition, error)

	// LatestVersion returns the highest stored version for a code, 0 if none.
	LatestVersion(ctx context.Context, code string) (int, error)

	// SaveInstance upserts a process instance.
	SaveInstance(ctx context.Context, inst types.ProcessInstance) error

	// GetInstance retrieves a process instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error)

	// SaveTask upserts a task.
	SaveTask(ctx context.Context, task types.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id uint64) (types.Task, error)

	// ListInstanceTasks returns every task of an instance, oldest first.
	ListInstanceTasks(ctx context.Context, instanceID uint64) ([]types.Task, error)

	// ListNodeTasks returns every task at one node of an instance, oldest first.
	ListNodeTasks(ctx context.Context, instanceID uint64, nodeID string) ([]types.Task, error)

	// ListAssigneeTasks returns an assignee's tasks matching the filter,
	// newest first.
	ListAssigneeTasks(ctx context.Context, assigneeID string, filter TaskFilter) ([]types.Task, error)

	// ListDueTasks returns pending tasks whose due time is set and earlier
	// than the given unix-milli timestamp.
	ListDueTasks(ctx context.Context, before int64) ([]types.Task, error)

	// SaveCopyRecord upserts a copy record.
	SaveCopyRecord(ctx context.Context, rec types.CopyRecord) error

	// GetCopyRecord retrieves a copy record by ID.
	GetCopyRecord(ctx context.Context, id uint64) (types.CopyRecord, error)

	// ListObserverCopies returns an observer's copy records matching the
	// filter, newest first.
	ListObserverCopies(ctx context.Context, observerID string, filter CopyFilter) ([]types.CopyRecord, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// page applies limit/offset to an already ordered slice.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

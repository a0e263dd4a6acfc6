package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsretail/approval-flow/types"
)

func TestMemoryStorageDefinitions(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	_, err := store.GetDefinition(ctx, 1)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	v1 := types.ProcessDefinition{ID: 1, Code: "expense", Version: 1, Name: "Expense", Status: types.DefinitionPublished}
	v2 := types.ProcessDefinition{ID: 2, Code: "expense", Version: 2, Name: "Expense", Status: types.DefinitionPublished}
	assert.NoError(t, store.SaveDefinition(ctx, v1))
	assert.NoError(t, store.SaveDefinition(ctx, v2))

	got, err := store.GetDefinition(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "expense", got.Code)

	latest, err := store.GetDefinitionByCode(ctx, "expense", 0)
	assert.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	pinned, err := store.GetDefinitionByCode(ctx, "expense", 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, pinned.Version)

	version, err := store.LatestVersion(ctx, "expense")
	assert.NoError(t, err)
	assert.Equal(t, 2, version)

	version, err = store.LatestVersion(ctx, "unknown")
	assert.NoError(t, err)
	assert.Equal(t, 0, version)

	// A retired latest version is skipped by the version-0 lookup.
	v2.Status = types.DefinitionRetired
	assert.NoError(t, store.SaveDefinition(ctx, v2))
	latest, err = store.GetDefinitionByCode(ctx, "expense", 0)
	assert.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestMemoryStorageInstances(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	_, err := store.GetInstance(ctx, 9)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	inst := types.ProcessInstance{ID: 9, InstanceNo: "APV-1", Status: types.InstanceRunning, CurrentNodeIDs: []string{"review"}}
	assert.NoError(t, store.SaveInstance(ctx, inst))

	got, err := store.GetInstance(ctx, 9)
	assert.NoError(t, err)
	assert.Equal(t, "APV-1", got.InstanceNo)
	assert.Equal(t, []string{"review"}, got.CurrentNodeIDs)

	inst.Status = types.InstanceCompleted
	assert.NoError(t, store.SaveInstance(ctx, inst))
	got, _ = store.GetInstance(ctx, 9)
	assert.Equal(t, types.InstanceCompleted, got.Status)
}

func TestMemoryStorageTaskQueries(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	tasks := []types.Task{
		{ID: 1, InstanceID: 100, NodeID: "review", AssigneeID: "dave", Status: types.TaskPending, CreatedAt: 10, DueAt: 50},
		{ID: 2, InstanceID: 100, NodeID: "review", AssigneeID: "erin", Status: types.TaskPending, CreatedAt: 20},
		{ID: 3, InstanceID: 100, NodeID: "audit", AssigneeID: "dave", Status: types.TaskCompleted, Result: types.ResultApproved, CreatedAt: 30},
		{ID: 4, InstanceID: 200, NodeID: "review", AssigneeID: "dave", Status: types.TaskPending, CreatedAt: 40, DueAt: 500},
	}
	for _, task := range tasks {
		assert.NoError(t, store.SaveTask(ctx, task))
	}

	_, err := store.GetTask(ctx, 99)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	byInstance, err := store.ListInstanceTasks(ctx, 100)
	assert.NoError(t, err)
	if assert.Len(t, byInstance, 3) {
		// oldest first
		assert.Equal(t, uint64(1), byInstance[0].ID)
		assert.Equal(t, uint64(3), byInstance[2].ID)
	}

	byNode, err := store.ListNodeTasks(ctx, 100, "review")
	assert.NoError(t, err)
	assert.Len(t, byNode, 2)

	byAssignee, err := store.ListAssigneeTasks(ctx, "dave", TaskFilter{})
	assert.NoError(t, err)
	if assert.Len(t, byAssignee, 3) {
		// newest first
		assert.Equal(t, uint64(4), byAssignee[0].ID)
	}

	pendingOnly, err := store.ListAssigneeTasks(ctx, "dave", TaskFilter{Statuses: []string{types.TaskPending}})
	assert.NoError(t, err)
	assert.Len(t, pendingOnly, 2)

	paged, err := store.ListAssigneeTasks(ctx, "dave", TaskFilter{Limit: 1, Offset: 1})
	assert.NoError(t, err)
	if assert.Len(t, paged, 1) {
		assert.Equal(t, uint64(3), paged[0].ID)
	}

	due, err := store.ListDueTasks(ctx, 100)
	assert.NoError(t, err)
	if assert.Len(t, due, 1) {
		assert.Equal(t, uint64(1), due[0].ID)
	}
}

func TestMemoryStorageCopyRecords(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	_, err := store.GetCopyRecord(ctx, 1)
	assert.ErrorIs(t, err, ErrCopyNotFound)

	records := []types.CopyRecord{
		{ID: 1, InstanceID: 100, NodeID: "review", ObserverID: "carol", CreatedAt: 10},
		{ID: 2, InstanceID: 100, NodeID: "audit", ObserverID: "carol", IsRead: true, CreatedAt: 20},
		{ID: 3, InstanceID: 200, NodeID: "review", ObserverID: "dave", CreatedAt: 30},
	}
	for _, rec := range records {
		assert.NoError(t, store.SaveCopyRecord(ctx, rec))
	}

	all, err := store.ListObserverCopies(ctx, "carol", CopyFilter{})
	assert.NoError(t, err)
	if assert.Len(t, all, 2) {
		// newest first
		assert.Equal(t, uint64(2), all[0].ID)
	}

	unread, err := store.ListObserverCopies(ctx, "carol", CopyFilter{UnreadOnly: true})
	assert.NoError(t, err)
	if assert.Len(t, unread, 1) {
		assert.Equal(t, uint64(1), unread[0].ID)
	}
}

func TestMemoryStorageHonorsContext(t *testing.T) {
	store := NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.SaveInstance(ctx, types.ProcessInstance{ID: 1})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.GetInstance(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.ListAssigneeTasks(ctx, "dave", TaskFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

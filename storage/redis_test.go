package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsretail/approval-flow/types"
)

// newTestRedisStorage connects to a local Redis or skips the test.
func newTestRedisStorage(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(RedisOptions{
		Addr: "localhost:6379",
		DB:   15,
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStorageDefinitionRoundTrip(t *testing.T) {
	store := newTestRedisStorage(t)
	ctx := context.Background()
	base := uint64(time.Now().UnixNano())

	def := types.ProcessDefinition{
		ID:      base,
		Code:    "rt-expense",
		Version: 1,
		Name:    "Expense",
		Status:  types.DefinitionPublished,
		Nodes: []types.NodeSpec{
			{ID: "start", Type: types.NodeTypeStart, Edges: []types.Edge{{To: "end"}}},
			{ID: "end", Type: types.NodeTypeEnd},
		},
	}
	require.NoError(t, store.SaveDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, def.Code, got.Code)
	assert.Len(t, got.Nodes, 2)

	byCode, err := store.GetDefinitionByCode(ctx, "rt-expense", 0)
	require.NoError(t, err)
	assert.Equal(t, base, byCode.ID)

	latest, err := store.LatestVersion(ctx, "rt-expense")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latest, 1)

	_, err = store.GetDefinition(ctx, base+999)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestRedisStorageInstanceAndTasks(t *testing.T) {
	store := newTestRedisStorage(t)
	ctx := context.Background()
	base := uint64(time.Now().UnixNano())

	inst := types.ProcessInstance{
		ID:             base,
		InstanceNo:     "APV-rt",
		Status:         types.InstanceRunning,
		CurrentNodeIDs: []string{"review"},
		FormData:       map[string]interface{}{"amount": 42.0},
	}
	require.NoError(t, store.SaveInstance(ctx, inst))

	gotInst, err := store.GetInstance(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceNo, gotInst.InstanceNo)
	assert.Equal(t, inst.FormData, gotInst.FormData)

	task := types.Task{
		ID:         base + 1,
		TaskNo:     "TSK-rt",
		InstanceID: base,
		NodeID:     "review",
		AssigneeID: "rt-dave",
		Status:     types.TaskPending,
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, store.SaveTask(ctx, task))

	byNode, err := store.ListNodeTasks(ctx, base, "review")
	require.NoError(t, err)
	require.Len(t, byNode, 1)
	assert.Equal(t, task.ID, byNode[0].ID)

	pending, err := store.ListAssigneeTasks(ctx, "rt-dave", TaskFilter{Statuses: []string{types.TaskPending}})
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	assert.Equal(t, types.TaskPending, pending[0].Status)

	_, err = store.GetTask(ctx, base+999)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRedisStorageCopyRecords(t *testing.T) {
	store := newTestRedisStorage(t)
	ctx := context.Background()
	base := uint64(time.Now().UnixNano())

	rec := types.CopyRecord{
		ID:         base,
		InstanceID: base,
		NodeID:     "review",
		ObserverID: "rt-carol",
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, store.SaveCopyRecord(ctx, rec))

	unread, err := store.ListObserverCopies(ctx, "rt-carol", CopyFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, unread)

	rec.IsRead = true
	rec.ReadAt = time.Now().UnixMilli()
	require.NoError(t, store.SaveCopyRecord(ctx, rec))

	got, err := store.GetCopyRecord(ctx, base)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}

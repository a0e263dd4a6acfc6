package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opsretail/approval-flow/storage"
	"github.com/opsretail/approval-flow/types"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (c *captureNotifier) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.sent...)
}

func TestSweepNotifiesOverduePendingTasks(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	tasks := []types.Task{
		{ID: 1, TaskNo: "TSK-1", InstanceID: 10, AssigneeID: "dave", Status: types.TaskPending, DueAt: now - 60_000},
		{ID: 2, TaskNo: "TSK-2", InstanceID: 10, AssigneeID: "erin", Status: types.TaskPending, DueAt: now + 60_000},
		{ID: 3, TaskNo: "TSK-3", InstanceID: 10, AssigneeID: "carol", Status: types.TaskCompleted, DueAt: now - 60_000},
		{ID: 4, TaskNo: "TSK-4", InstanceID: 10, AssigneeID: "frank", Status: types.TaskPending},
	}
	for _, task := range tasks {
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("save task failed: %v", err)
		}
	}

	notifier := &captureNotifier{}
	sweeper := NewReminderSweeper(store, notifier, "", nil)
	sweeper.Sweep(ctx)

	sent := notifier.all()
	if len(sent) != 1 {
		t.Fatalf("expected one reminder, got %d", len(sent))
	}
	if sent[0].UserID != "dave" || sent[0].Kind != KindDueReminder || sent[0].TaskID != 1 {
		t.Errorf("unexpected reminder %+v", sent[0])
	}

	// Sweeping again re-reminds; due times are advisory and nothing is
	// mutated.
	sweeper.Sweep(ctx)
	if got := len(notifier.all()); got != 2 {
		t.Fatalf("expected a second reminder, got %d", got)
	}

	task, err := store.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if task.Status != types.TaskPending {
		t.Errorf("sweep must not mutate tasks, got %s", task.Status)
	}
}

func TestSweeperStartStop(t *testing.T) {
	store := storage.NewMemoryStorage()
	sweeper := NewReminderSweeper(store, NopNotifier{}, "@every 1h", nil)
	if err := sweeper.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sweeper.Stop()
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	sweeper := NewReminderSweeper(storage.NewMemoryStorage(), NopNotifier{}, "not a schedule", nil)
	if err := sweeper.Start(); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

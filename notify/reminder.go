package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsretail/approval-flow/storage"
)

// ReminderSweeper periodically finds pending tasks past their due time and
// dispatches a reminder for each. Due times are advisory; the sweep never
// mutates task or instance state.
type ReminderSweeper struct {
	store    storage.Storage
	notifier Notifier
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
}

// NewReminderSweeper creates a sweeper on a cron schedule, e.g.
// "@every 1m".
func NewReminderSweeper(store storage.Storage, notifier Notifier, schedule string, logger *slog.Logger) *ReminderSweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderSweeper{
		store:    store,
		notifier: notifier,
		cron:     cron.New(),
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *ReminderSweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule reminder sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish.
func (s *ReminderSweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep dispatches one reminder per overdue pending task. Exported so a
// caller can trigger a sweep outside the schedule.
func (s *ReminderSweeper) Sweep(ctx context.Context) {
	overdue, err := s.store.ListDueTasks(ctx, time.Now().UnixMilli())
	if err != nil {
		s.logger.ErrorContext(ctx, "reminder sweep failed", "error", err)
		return
	}
	for _, task := range overdue {
		err := s.notifier.Notify(ctx, Notification{
			Kind:       KindDueReminder,
			InstanceID: task.InstanceID,
			TaskID:     task.ID,
			UserID:     task.AssigneeID,
			Message:    fmt.Sprintf("task %s is overdue", task.TaskNo),
		})
		if err != nil {
			s.logger.WarnContext(ctx, "reminder dispatch failed", "task", task.ID, "error", err)
		}
	}
}

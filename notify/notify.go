// Package notify is the port to the notification transport. The engine
// hands it urges and due-task reminders; delivery (mail, IM, SMS) is owned
// by the collaborator behind the interface.
package notify

import (
	"context"
	"log/slog"
)

// Notification kinds.
const (
	KindUrge        = "urge"
	KindDueReminder = "due_reminder"
)

// Notification is one message for one recipient.
type Notification struct {
	Kind       string
	InstanceID uint64
	TaskID     uint64
	UserID     string
	Message    string
}

// Notifier dispatches notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to a structured logger. Useful as the
// default transport in development and tests.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notification",
		"kind", n.Kind,
		"user", n.UserID,
		"instance", n.InstanceID,
		"task", n.TaskID,
		"message", n.Message,
	)
	return nil
}

package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier delivers a single notification synchronously.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the application log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Send(_ context.Context, title, body string) error {
	l.logger.Info("notification", "title", title, "body", body)
	return nil
}

// Package notify reports task outcomes to the operator.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title    string
	Message  string
	Type     NotificationType
	IssueKey string
	PRURL    string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// ForOutcome builds the notification for a task that reached status
func ForOutcome(rec *domain.TaskRecord, mode domain.Mode) Notification {
	n := Notification{IssueKey: rec.IssueKey, PRURL: rec.PRURL}
	switch rec.Status {
	case domain.StatusComplete, domain.StatusPRCreated:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("%s: %s finished", rec.IssueKey, mode)
		n.Message = rec.IssueSummary
		if rec.PRURL != "" {
			n.Message += "\n" + rec.PRURL
		}
	case domain.StatusPlanComplete:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("%s: plan ready", rec.IssueKey)
		n.Message = rec.IssueSummary
	case domain.StatusCancelled:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("%s: cancelled", rec.IssueKey)
		n.Message = rec.LastLog()
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("%s: %s failed", rec.IssueKey, mode)
		n.Message = rec.Error
	}
	return n
}

// FromConfig builds the notifiers enabled in cfg
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var ns []Notifier
	if cfg.Desktop {
		ns = append(ns, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		ns = append(ns, NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(ns) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(ns...)
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

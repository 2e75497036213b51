// Package notify delivers operator alerts. Notifications are dispatched to
// all registered senders; a single sender failure does not prevent delivery
// to the remaining ones.
package notify

import (
	"context"
	"fmt"
	"strings"

	"positionGuard/internal/ports"
)

// Sender is the interface each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier fans a notification out to all configured senders. A Notifier with
// no senders is valid and silently drops everything, so callers never need a
// nil check.
type Notifier struct {
	senders []Sender
	logger  ports.Logger
}

// NewNotifier creates a Notifier delivering to the given senders.
func NewNotifier(logger ports.Logger, senders ...Sender) *Notifier {
	return &Notifier{senders: senders, logger: logger}
}

// Notify sends a notification to all senders. Errors are collected; delivery
// continues past individual failures.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var failures []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error(ctx, err, "Notification delivery failed", map[string]interface{}{"sender": s.Name()})
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.Debug(ctx, "Notification delivered", map[string]interface{}{"sender": s.Name(), "title": title})
	}
	if len(failures) > 0 {
		return fmt.Errorf("notification failed for %d sender(s): %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/OpenNSW/accessportal/internal/config"
)

// Message is a notification addressed to one user.
type Message struct {
	To      string            `json:"to"`
	UserID  string            `json:"userId"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Event   string            `json:"event"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Events carried in Message.Event.
const (
	EventStepRejected    = "STEP_REJECTED"
	EventStepInitialized = "STEP_INITIALIZED"
)

// Notifier delivers notifications. Delivery failures never roll back a
// state transition; callers log them and continue.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "notification",
		"event", msg.Event,
		"to", msg.To,
		"userID", msg.UserID,
		"subject", msg.Subject)
	return nil
}

// NewNotifierFromConfig creates a notifier based on the provided configuration
func NewNotifierFromConfig(cfg config.NotificationConfig) (Notifier, error) {
	switch cfg.Type {
	case "", "log":
		return LogNotifier{}, nil
	case "smtp":
		slog.Info("Initializing SMTP notifications", "host", cfg.SMTPHost, "port", cfg.SMTPPort)
		return NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom), nil
	case "webhook":
		slog.Info("Initializing webhook notifications", "url", cfg.WebhookURL)
		return NewWebhookNotifier(cfg.WebhookURL, cfg.MaxRetries), nil
	default:
		return nil, fmt.Errorf("unsupported notification type: %s", cfg.Type)
	}
}

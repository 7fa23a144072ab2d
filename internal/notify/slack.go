package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/tracky-pm/engine/internal/domain"
)

// SlackTransport posts CRITICAL/HIGH urgency alerts to an incoming
// webhook. Routine status-check alerts stay on email; Slack is reserved
// for escalations and operational failures where a channel ping earns
// its noise.
type SlackTransport struct {
	webhookURL string
	logger     zerolog.Logger
}

// NewSlackTransport builds a SlackTransport. Returns nil if webhookURL is
// unset.
func NewSlackTransport(webhookURL string, logger zerolog.Logger) *SlackTransport {
	if webhookURL == "" {
		return nil
	}
	return &SlackTransport{webhookURL: webhookURL, logger: logger.With().Str("transport", "slack").Logger()}
}

func (t *SlackTransport) Name() string { return "slack" }

func (t *SlackTransport) Send(ctx context.Context, msg Message) error {
	if msg.Urgency != domain.UrgencyCritical && msg.Urgency != domain.UrgencyHigh {
		return nil
	}
	payload := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body),
	}
	if err := slack.PostWebhookContext(ctx, t.webhookURL, payload); err != nil {
		return fmt.Errorf("slack webhook post: %w", err)
	}
	return nil
}

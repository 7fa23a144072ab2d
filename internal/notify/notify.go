// Package notify renders and emits outbound alert messages over the
// transports configured for the deployment (SMTP email, Slack chat), with
// a structured-log fallback mirroring the teacher's log-sink degradation
// path for when no real transport is configured.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/domain"
)

// Message is a rendered, transport-agnostic notification ready to send.
type Message struct {
	AlertID         string
	WorkItemName    string
	RecipientEmail  string
	RecipientChatID string
	Subject         string
	Body            string
	MagicLink       string
	Urgency         domain.Urgency
	AlertType       domain.AlertType
}

// Transport delivers a rendered Message over one channel.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Render builds the outbound Message for an alert, pulling the magic link
// and recipient email out of the metadata CreateStatusCheckAlert stashed
// there at creation time (the plaintext token itself is never stored, only
// its hash, so anything queued for later delivery has to carry the
// rendered link forward rather than re-deriving it).
func Render(alert domain.Alert, workItem domain.WorkItem) Message {
	magicLink, _ := alert.Metadata["magic_link"].(string)
	email, _ := alert.Metadata["recipient_email"].(string)

	subject, body := renderBody(alert, workItem, magicLink)

	return Message{
		AlertID:        alert.ID,
		WorkItemName:   workItem.Name,
		RecipientEmail: email,
		Subject:        subject,
		Body:           body,
		MagicLink:      magicLink,
		Urgency:        alert.Urgency,
		AlertType:      alert.Type,
	}
}

func renderBody(alert domain.Alert, workItem domain.WorkItem, magicLink string) (subject, body string) {
	switch alert.Type {
	case domain.AlertTypeStatusCheck:
		subject = fmt.Sprintf("[%s] Status check: %s due %s", alert.Urgency, workItem.Name, alert.DeadlineDate.Format("Jan 2"))
		body = fmt.Sprintf("How is \"%s\" tracking toward its %s deadline?\n\nRespond: %s", workItem.Name, alert.DeadlineDate.Format("2006-01-02"), magicLink)
	case domain.AlertTypeApprovalRequest:
		subject = fmt.Sprintf("[%s] Delay approval needed: %s", alert.Urgency, workItem.Name)
		body = fmt.Sprintf("A reported delay on \"%s\" exceeds the auto-approve threshold and needs PM sign-off.", workItem.Name)
	case domain.AlertTypeBlockerReport:
		subject = fmt.Sprintf("[%s] Blocker reported: %s", alert.Urgency, workItem.Name)
		body = fmt.Sprintf("\"%s\" was reported blocked: %s", workItem.Name, workItem.ReviewMessage)
	case domain.AlertTypeNoRecipient:
		subject = fmt.Sprintf("[%s] No available recipient: %s", alert.Urgency, workItem.Name)
		body = fmt.Sprintf("Every resource in the escalation chain for \"%s\" is unavailable. Deadline: %s.", workItem.Name, alert.DeadlineDate.Format("2006-01-02"))
	default:
		subject = fmt.Sprintf("Tracky alert: %s", workItem.Name)
		body = magicLink
	}
	return subject, body
}

// RenderOpsAlert builds a CRITICAL, transport-agnostic message for
// operational conditions with no associated work item (job-failure
// monitor trips, etc.).
func RenderOpsAlert(subject, body string, opsEmail string) Message {
	return Message{Subject: subject, Body: body, Urgency: domain.UrgencyCritical, RecipientEmail: opsEmail}
}

// Dispatcher fans a rendered Message out to every configured transport,
// logging (not raising) a per-transport failure the way the teacher's
// HealthPoller logs without interrupting its loop.
type Dispatcher struct {
	transports []Transport
	logger     zerolog.Logger
}

// New builds a Dispatcher over transports, tried in order for every send.
func New(logger zerolog.Logger, transports ...Transport) *Dispatcher {
	return &Dispatcher{
		transports: transports,
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

// Send delivers msg over every configured transport, continuing past a
// per-transport failure and returning an error only if ALL of them failed
// (so a Slack webhook outage never blocks email delivery and vice versa).
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	if len(d.transports) == 0 {
		return fmt.Errorf("notify: no transports configured")
	}
	var failures int
	for _, t := range d.transports {
		tctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := t.Send(tctx, msg)
		cancel()
		if err != nil {
			failures++
			d.logger.Warn().Err(err).Str("transport", t.Name()).Str("alert_id", msg.AlertID).Msg("transport send failed")
		}
	}
	if failures == len(d.transports) {
		return fmt.Errorf("notify: all %d transports failed for alert %s", failures, msg.AlertID)
	}
	return nil
}

// LogTransport writes messages as structured log lines. Used standalone in
// development and as the always-on last resort alongside real transports
// in production, so a send is never silently lost to a log nobody reads.
type LogTransport struct {
	logger zerolog.Logger
}

// NewLogTransport builds a LogTransport.
func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With().Str("transport", "log").Logger()}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.logger.Info().
		Str("alert_id", msg.AlertID).
		Str("urgency", string(msg.Urgency)).
		Str("to", msg.RecipientEmail).
		Str("subject", msg.Subject).
		Msg("alert dispatched")
	return nil
}

// sendTimeout bounds a single transport call so one slow provider can't
// stall a queue-processor tick.
const sendTimeout = 10 * time.Second

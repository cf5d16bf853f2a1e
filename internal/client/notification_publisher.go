package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-re-milestones/internal/service"
)

// NotificationPublisher publishes issued demand notices to NATS for delivery
// by the platform notifications service.
//
// Subject: notifications.re.demand_draft_issued (configurable)
//
// Unlike fire-and-forget event publishing, a failed publish is returned to the
// caller: the trigger engine keeps the notice pending and retries it.
type NotificationPublisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given connection.
func NewNotificationPublisher(conn *nats.Conn, subject string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, subject: subject, log: log}
}

// Send publishes a demand notice and flushes so the broker has accepted it
// before returning.
func (p *NotificationPublisher) Send(ctx context.Context, notice *service.DemandNotice) error {
	if p.conn == nil {
		return fmt.Errorf("notification publisher has no NATS connection")
	}

	data, err := json.Marshal(NewDemandNoticeEvent(notice))
	if err != nil {
		return fmt.Errorf("failed to marshal notice event: %w", err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish notice event: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush notice event: %w", err)
	}

	p.log.Debug().
		Str("subject", p.subject).
		Str("draft_id", notice.DraftID).
		Str("milestone_id", notice.MilestoneID).
		Msg("notification: demand notice published")
	return nil
}

// NewDemandNoticeEvent maps a notice onto the notifications event schema.
func NewDemandNoticeEvent(notice *service.DemandNotice) *NotificationEvent {
	recipients := []string{}
	if notice.Recipient != "" {
		recipients = append(recipients, notice.Recipient)
	}
	return &NotificationEvent{
		EventType:    "demand_draft_issued",
		Recipients:   recipients,
		ResourceType: "payment_milestone",
		ResourceID:   notice.MilestoneID,
		IsActionable: true,
		Severity:     "info",
		Category:     "re_collections",
		Payload: map[string]interface{}{
			"draft_id":     notice.DraftID,
			"plan_id":      notice.PlanID,
			"flat_id":      notice.FlatID,
			"subject":      notice.Subject,
			"html_content": notice.HTMLContent,
		},
	}
}

// LogDispatcher is used when NATS is not configured. It only logs notices.
type LogDispatcher struct {
	log zerolog.Logger
}

// NewLogDispatcher creates a logging dispatcher.
func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Send logs the notice.
func (d *LogDispatcher) Send(_ context.Context, notice *service.DemandNotice) error {
	d.log.Info().
		Str("draft_id", notice.DraftID).
		Str("recipient", notice.Recipient).
		Str("subject", notice.Subject).
		Msg("notification: NATS disabled, notice logged only")
	return nil
}

var (
	_ service.NotificationDispatcher = (*NotificationPublisher)(nil)
	_ service.NotificationDispatcher = (*LogDispatcher)(nil)
)

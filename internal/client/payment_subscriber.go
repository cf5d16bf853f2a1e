package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
	"github.com/pesio-ai/be-re-milestones/internal/service"
)

// PaymentApplier applies recorded payments to milestones.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, req *service.PaymentApplication) (*repository.FlatPaymentPlan, error)
}

// PaymentEvent is published by the payments service when a payment has been
// recorded against a milestone.
type PaymentEvent struct {
	MilestoneID string     `json:"milestone_id"`
	Amount      int64      `json:"amount"`
	Reference   *string    `json:"reference,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

// PaymentEventsSubscriber consumes payment events and forwards them to the
// trigger engine. Subscriptions join a queue group so each event is applied
// by one replica only.
type PaymentEventsSubscriber struct {
	conn    *nats.Conn
	engine  PaymentApplier
	subject string
	queue   string
	timeout time.Duration
	log     zerolog.Logger
	sub     *nats.Subscription
}

// NewPaymentEventsSubscriber creates a subscriber; call Start to begin consuming.
func NewPaymentEventsSubscriber(conn *nats.Conn, engine PaymentApplier, subject, queue string, timeout time.Duration, log zerolog.Logger) *PaymentEventsSubscriber {
	return &PaymentEventsSubscriber{
		conn:    conn,
		engine:  engine,
		subject: subject,
		queue:   queue,
		timeout: timeout,
		log:     log.With().Str("component", "payment_subscriber").Logger(),
	}
}

// Start subscribes to the payments subject.
func (s *PaymentEventsSubscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Handle(ctx, msg.Data); err != nil {
			s.log.Error().Err(err).Str("subject", msg.Subject).Msg("payment event not applied")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.Info().Str("subject", s.subject).Str("queue", s.queue).Msg("Subscribed to payment events")
	return nil
}

// Handle decodes and applies one payment event.
func (s *PaymentEventsSubscriber) Handle(ctx context.Context, data []byte) error {
	var evt PaymentEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed payment event")
	}
	if evt.MilestoneID == "" {
		return errors.InvalidInput("milestone_id", "milestone id is required")
	}

	plan, err := s.engine.ApplyPayment(ctx, &service.PaymentApplication{
		MilestoneID: evt.MilestoneID,
		Amount:      evt.Amount,
		Reference:   evt.Reference,
		PaidAt:      evt.PaidAt,
	})
	if err != nil {
		return err
	}

	s.log.Debug().
		Str("milestone_id", evt.MilestoneID).
		Str("plan_id", plan.ID).
		Int64("balance_amount", plan.BalanceAmount).
		Msg("payment event applied")
	return nil
}

// Stop drains the subscription.
func (s *PaymentEventsSubscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

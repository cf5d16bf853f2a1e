package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
	"github.com/pesio-ai/be-re-milestones/internal/service"
)

type recordingApplier struct {
	calls []*service.PaymentApplication
	err   error
}

func (a *recordingApplier) ApplyPayment(_ context.Context, req *service.PaymentApplication) (*repository.FlatPaymentPlan, error) {
	a.calls = append(a.calls, req)
	if a.err != nil {
		return nil, a.err
	}
	return &repository.FlatPaymentPlan{ID: "plan-1", BalanceAmount: 0}, nil
}

func TestPaymentEventsSubscriberHandle(t *testing.T) {
	applier := &recordingApplier{}
	sub := NewPaymentEventsSubscriber(nil, applier, "payments.milestone.applied", "q", time.Second, zerolog.Nop())

	paidAt := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	data, _ := json.Marshal(map[string]interface{}{
		"milestone_id": "m-1",
		"amount":       250000,
		"reference":    "UTR-77",
		"paid_at":      paidAt,
	})
	if err := sub.Handle(context.Background(), data); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("ApplyPayment calls = %d, want 1", len(applier.calls))
	}
	got := applier.calls[0]
	if got.MilestoneID != "m-1" || got.Amount != 250000 || got.Reference == nil || *got.Reference != "UTR-77" {
		t.Errorf("application = %+v", got)
	}
	if got.PaidAt == nil || !got.PaidAt.Equal(paidAt) {
		t.Errorf("PaidAt = %v, want %v", got.PaidAt, paidAt)
	}
}

func TestPaymentEventsSubscriberRejectsBadEvents(t *testing.T) {
	applier := &recordingApplier{}
	sub := NewPaymentEventsSubscriber(nil, applier, "s", "q", time.Second, zerolog.Nop())

	for name, data := range map[string]string{
		"malformed":         `{"milestone_id":`,
		"missing milestone": `{"amount":100}`,
	} {
		t.Run(name, func(t *testing.T) {
			if err := sub.Handle(context.Background(), []byte(data)); !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("Handle() error = %v, want INVALID_INPUT", err)
			}
		})
	}
	if len(applier.calls) != 0 {
		t.Errorf("bad events reached the engine %d times", len(applier.calls))
	}
}

func TestPaymentEventsSubscriberPropagatesEngineErrors(t *testing.T) {
	applier := &recordingApplier{err: errors.Invariant("milestone m-1 is already paid")}
	sub := NewPaymentEventsSubscriber(nil, applier, "s", "q", time.Second, zerolog.Nop())

	err := sub.Handle(context.Background(), []byte(`{"milestone_id":"m-1","amount":5}`))
	if !errors.Is(err, errors.ErrCodeInvariant) {
		t.Errorf("Handle() error = %v, want INVARIANT_VIOLATION", err)
	}
}

func TestNewDemandNoticeEvent(t *testing.T) {
	evt := NewDemandNoticeEvent(&service.DemandNotice{
		DraftID:     "d-1",
		PlanID:      "plan-1",
		MilestoneID: "m-1",
		FlatID:      "flat-1",
		Subject:     "Payment due",
		HTMLContent: "<p>pay</p>",
		Recipient:   "asha@example.com",
	})

	if evt.EventType != "demand_draft_issued" || evt.ResourceID != "m-1" || evt.ResourceType != "payment_milestone" {
		t.Errorf("event header = %+v", evt)
	}
	if len(evt.Recipients) != 1 || evt.Recipients[0] != "asha@example.com" {
		t.Errorf("recipients = %v", evt.Recipients)
	}
	if evt.Payload["draft_id"] != "d-1" || evt.Payload["subject"] != "Payment due" {
		t.Errorf("payload = %v", evt.Payload)
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["category"] != "re_collections" {
		t.Errorf("category = %v", decoded["category"])
	}
}

func TestNewDemandNoticeEventWithoutRecipient(t *testing.T) {
	evt := NewDemandNoticeEvent(&service.DemandNotice{DraftID: "d-1"})
	if evt.Recipients == nil || len(evt.Recipients) != 0 {
		t.Errorf("recipients = %#v, want empty non-nil slice", evt.Recipients)
	}
}

func TestNotificationPublisherWithoutConnection(t *testing.T) {
	p := NewNotificationPublisher(nil, "notifications.re.demand_draft_issued", zerolog.Nop())
	if err := p.Send(context.Background(), &service.DemandNotice{DraftID: "d-1"}); err == nil {
		t.Error("Send() without connection should fail")
	}
}

func TestLogDispatcherAlwaysSucceeds(t *testing.T) {
	d := NewLogDispatcher(zerolog.Nop())
	if err := d.Send(context.Background(), &service.DemandNotice{DraftID: "d-1"}); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

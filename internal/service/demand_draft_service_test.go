package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		text string
		data map[string]string
		want string
	}{
		{"known keys", "Dear {{customer_name}}, pay {{amount}}", map[string]string{"customer_name": "Asha", "amount": "10.00"}, "Dear Asha, pay 10.00"},
		{"unknown key kept verbatim", "Ref {{unknown}} for {{flat_number}}", map[string]string{"flat_number": "A-1"}, "Ref {{unknown}} for A-1"},
		{"repeated key", "{{x}}-{{x}}", map[string]string{"x": "1"}, "1-1"},
		{"no second pass", "{{a}}", map[string]string{"a": "{{b}}", "b": "nope"}, "{{b}}"},
		{"empty value", "[{{due_date}}]", map[string]string{"due_date": ""}, "[]"},
		{"no tokens", "plain text", nil, "plain text"},
		{"unbalanced braces", "{{open and }} close", map[string]string{"open": "x"}, "{{open and }} close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(&repository.DemandDraftTemplate{Subject: tt.text, HTMLContent: tt.text}, tt.data)
			if got.Subject != tt.want || got.HTMLContent != tt.want {
				t.Errorf("Render() = %q / %q, want %q", got.Subject, got.HTMLContent, tt.want)
			}
		})
	}
}

func TestFormatMinor(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{0, "INR", "0.00"},
		{5, "INR", "0.05"},
		{123456, "INR", "1234.56"},
		{100000000, "USD", "1000000.00"},
		{-250, "INR", "-2.50"},
		{123456, "JPY", "123456"},
		{1234567, "KWD", "1234.567"},
		{123456, "??", "1234.56"},
	}
	for _, tt := range tests {
		if got := FormatMinor(tt.amount, tt.currency); got != tt.want {
			t.Errorf("FormatMinor(%d, %s) = %q, want %q", tt.amount, tt.currency, got, tt.want)
		}
	}
}

func TestAmountInWords(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{20_000_050, "INR", "two hundred thousand INR and 50/100"},
		{100, "INR", "one INR and 00/100"},
		{7, "INR", "zero INR and 07/100"},
		{5000, "JPY", "five thousand JPY"},
		{1250, "KWD", "one KWD and 250/1000"},
	}
	for _, tt := range tests {
		if got := AmountInWords(tt.amount, tt.currency); got != tt.want {
			t.Errorf("AmountInWords(%d, %s) = %q, want %q", tt.amount, tt.currency, got, tt.want)
		}
	}
}

func TestNoticeData(t *testing.T) {
	due := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	plan := &repository.FlatPaymentPlan{
		FlatID: "flat-1", TowerID: "tower-1", Currency: "INR",
		CustomerName: strPtr("Asha Rao"), FlatNumber: strPtr("A-1203"),
		TotalAmount: 100_000_000, PaidAmount: 20_000_000, BalanceAmount: 80_000_000,
	}
	m := &repository.FlatMilestone{
		Sequence: 2, Name: "Structure complete", Amount: 30_000_000,
		PaymentPercentage: 30, DueDate: &due,
		ConstructionPhase: phasePtr(repository.PhaseStructure), PhasePercentage: floatPtr(100),
	}

	data := NoticeData(plan, m, time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC))
	want := map[string]string{
		"customer_name":      "Asha Rao",
		"customer_email":     "",
		"flat_number":        "A-1203",
		"amount":             "300000.00",
		"amount_in_words":    "three hundred thousand INR and 00/100",
		"total_amount":       "1000000.00",
		"balance_amount":     "800000.00",
		"milestone_sequence": "2",
		"payment_percentage": "30",
		"due_date":           "2026-04-15",
		"issue_date":         "2026-03-31",
		"construction_phase": "STRUCTURE",
		"phase_percentage":   "100",
	}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("data[%q] = %q, want %q", k, data[k], v)
		}
	}
}

func TestDraftTemplateLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.notices.CreateTemplate(ctx, &DraftTemplateRequest{Name: "x", Subject: " "}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("blank subject error = %v, want INVALID_INPUT", err)
	}

	first := f.addDraftTemplate()
	second := f.addDraftTemplate()

	selected, err := f.notices.SelectTemplate(ctx)
	if err != nil || selected.ID != first.ID {
		t.Fatalf("SelectTemplate() = %v, %v; want oldest %s", selected, err, first.ID)
	}

	if err := f.notices.DeactivateTemplate(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	selected, err = f.notices.SelectTemplate(ctx)
	if err != nil || selected.ID != second.ID {
		t.Fatalf("SelectTemplate() after deactivate = %v, %v; want %s", selected, err, second.ID)
	}

	updated, err := f.notices.UpdateTemplate(ctx, second.ID, &DraftTemplateRequest{Name: "Renamed", Subject: "s", HTMLContent: "b"})
	if err != nil || updated.Name != "Renamed" || !updated.IsActive {
		t.Errorf("UpdateTemplate() = %+v, %v", updated, err)
	}

	if err := f.notices.DeactivateTemplate(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.notices.SelectTemplate(ctx); !errors.Is(err, errors.ErrCodeRender) {
		t.Errorf("no active template error = %v, want RENDER_FAILURE", err)
	}
}

func TestIssueNoticeIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addDraftTemplate()
	plan := &repository.FlatPaymentPlan{ID: "plan-1", FlatID: "flat-1", Currency: "INR", CustomerName: strPtr("Asha"), CustomerEmail: strPtr("asha@example.com")}
	m := &repository.FlatMilestone{ID: "m-1", Sequence: 1, Name: "First", Amount: 1234}

	f.dispatcher.setFail(stderrors.New("broker unavailable"))
	draft, err := f.notices.IssueNotice(ctx, plan, m)
	if !errors.Is(err, errors.ErrCodeRender) {
		t.Fatalf("IssueNotice() error = %v, want RENDER_FAILURE", err)
	}
	if draft == nil || draft.SentAt != nil {
		t.Fatalf("failed issue draft = %+v, want stored and unsent", draft)
	}
	if draft.HTMLContent != "<p>Dear Asha, please pay INR 12.34 by .</p>" {
		t.Errorf("body = %q", draft.HTMLContent)
	}

	f.dispatcher.setFail(nil)
	retried, err := f.notices.IssueNotice(ctx, plan, m)
	if err != nil {
		t.Fatal(err)
	}
	if retried.ID != draft.ID || retried.SentAt == nil {
		t.Errorf("retry draft = %+v, want same draft marked sent", retried)
	}

	again, err := f.notices.IssueNotice(ctx, plan, m)
	if err != nil || again.ID != draft.ID {
		t.Errorf("third issue = %v, %v", again, err)
	}
	if f.dispatcher.count() != 1 {
		t.Errorf("dispatched %d notices, want 1", f.dispatcher.count())
	}

	drafts, _ := f.notices.ListDrafts(ctx, "plan-1")
	if len(drafts) != 1 {
		t.Errorf("stored %d drafts, want 1", len(drafts))
	}
}

func TestIssueNoticeRespectsLiveClaim(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addDraftTemplate()
	plan := &repository.FlatPaymentPlan{ID: "plan-1", FlatID: "flat-1", Currency: "INR", CustomerEmail: strPtr("asha@example.com")}
	m := &repository.FlatMilestone{ID: "m-1", Sequence: 1, Name: "First", Amount: 500}

	f.dispatcher.setFail(stderrors.New("broker unavailable"))
	draft, _ := f.notices.IssueNotice(ctx, plan, m)
	f.dispatcher.setFail(nil)

	now := f.clock.now()
	claimed, err := f.drafts.ClaimSend(ctx, draft.ID, now, now.Add(-noticeClaimTTL))
	if err != nil || !claimed {
		t.Fatalf("ClaimSend() = %v, %v; a failed dispatch must release its claim", claimed, err)
	}

	if _, err := f.notices.IssueNotice(ctx, plan, m); !errors.Is(err, errors.ErrCodeConflict) {
		t.Fatalf("IssueNotice() under live claim error = %v, want CONFLICT", err)
	}
	if f.dispatcher.count() != 0 {
		t.Fatalf("dispatched %d notices under a live claim", f.dispatcher.count())
	}

	f.clock.advance(noticeClaimTTL + time.Minute)
	sent, err := f.notices.IssueNotice(ctx, plan, m)
	if err != nil || sent.SentAt == nil {
		t.Fatalf("IssueNotice() after stale claim = %+v, %v", sent, err)
	}
	if f.dispatcher.count() != 1 || f.drafts.count() != 1 {
		t.Errorf("sends=%d drafts=%d, want 1 and 1", f.dispatcher.count(), f.drafts.count())
	}
}

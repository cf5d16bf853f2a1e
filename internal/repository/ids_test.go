package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
)

func TestCheckID(t *testing.T) {
	if err := checkID("milestone", uuid.NewString()); err != nil {
		t.Errorf("checkID(valid uuid) = %v", err)
	}
	for _, id := range []string{"", "abc", "plan-1", "1234"} {
		if err := checkID("milestone", id); !errors.Is(err, errors.ErrCodeNotFound) {
			t.Errorf("checkID(%q) = %v, want NOT_FOUND", id, err)
		}
	}
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	ctx := context.Background()
	plans := NewPlanRepository(nil)
	templates := NewTemplateRepository(nil)
	drafts := NewDemandDraftRepository(nil)

	calls := map[string]func() error{
		"plan by id": func() error { _, err := plans.GetByID(ctx, "abc"); return err },
		"milestone plan": func() error {
			_, err := plans.GetPlanIDByMilestone(ctx, "abc")
			return err
		},
		"plan update": func() error {
			return plans.Update(ctx, "abc", func(*FlatPaymentPlan) error { return nil })
		},
		"template by id":   func() error { _, err := templates.GetByID(ctx, "abc"); return err },
		"template update":  func() error { return templates.Update(ctx, &PaymentPlanTemplate{ID: "abc"}) },
		"template default": func() error { return templates.SetDefault(ctx, "abc") },
		"template active":  func() error { return templates.SetActive(ctx, "abc", false) },
		"draft template":   func() error { _, err := drafts.GetTemplate(ctx, "abc"); return err },
		"draft by milestone": func() error {
			_, err := drafts.GetDraftByMilestone(ctx, "abc")
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, errors.ErrCodeNotFound) {
				t.Errorf("error = %v, want NOT_FOUND", err)
			}
		})
	}

	list, err := drafts.ListDrafts(ctx, "abc")
	if err != nil || len(list) != 0 {
		t.Errorf("ListDrafts(malformed) = %v, %v; want empty", list, err)
	}
}

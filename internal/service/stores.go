package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

// PhaseStore persists per-phase construction progress.
type PhaseStore interface {
	CreateAll(ctx context.Context, records []*repository.PhaseProgressRecord) error
	ListByTower(ctx context.Context, towerID string) ([]*repository.PhaseProgressRecord, error)
	Get(ctx context.Context, towerID string, phase repository.ConstructionPhase) (*repository.PhaseProgressRecord, error)
	UpdateProgress(ctx context.Context, rec *repository.PhaseProgressRecord) error
	SetOverallProgress(ctx context.Context, towerID string, overall float64) error
	DeleteByTower(ctx context.Context, towerID string) error
}

// TemplateStore persists payment plan templates. Create (with IsDefault set)
// and SetDefault must clear the previous default atomically.
type TemplateStore interface {
	Create(ctx context.Context, tpl *repository.PaymentPlanTemplate) error
	Update(ctx context.Context, tpl *repository.PaymentPlanTemplate) error
	GetByID(ctx context.Context, id string) (*repository.PaymentPlanTemplate, error)
	GetDefault(ctx context.Context) (*repository.PaymentPlanTemplate, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.PaymentPlanTemplate, error)
	SetDefault(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// PlanStore persists flat payment plans. Update must serialize concurrent
// mutations of the same plan.
type PlanStore interface {
	Create(ctx context.Context, plan *repository.FlatPaymentPlan) error
	GetByID(ctx context.Context, id string) (*repository.FlatPaymentPlan, error)
	GetByFlatID(ctx context.Context, flatID string) (*repository.FlatPaymentPlan, error)
	GetPlanIDByMilestone(ctx context.Context, milestoneID string) (string, error)
	List(ctx context.Context, filter repository.PlanFilter) ([]*repository.FlatPaymentPlan, error)
	Update(ctx context.Context, planID string, fn func(plan *repository.FlatPaymentPlan) error) error
}

// DraftStore persists notice templates and issued notices. CreateDraft
// returns CONFLICT when the milestone already has a draft, and ClaimSend
// grants at most one live claim per draft.
type DraftStore interface {
	CreateTemplate(ctx context.Context, tpl *repository.DemandDraftTemplate) error
	UpdateTemplate(ctx context.Context, tpl *repository.DemandDraftTemplate) error
	GetTemplate(ctx context.Context, id string) (*repository.DemandDraftTemplate, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]*repository.DemandDraftTemplate, error)
	CreateDraft(ctx context.Context, draft *repository.DemandDraft) error
	GetDraftByMilestone(ctx context.Context, milestoneID string) (*repository.DemandDraft, error)
	ClaimSend(ctx context.Context, id string, at, staleBefore time.Time) (bool, error)
	ReleaseSend(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	ListDrafts(ctx context.Context, planID string) ([]*repository.DemandDraft, error)
}

// DemandNotice is a rendered notice ready for delivery.
type DemandNotice struct {
	DraftID     string
	PlanID      string
	MilestoneID string
	FlatID      string
	Subject     string
	HTMLContent string
	Recipient   string
}

// NotificationDispatcher delivers rendered notices to customers.
type NotificationDispatcher interface {
	Send(ctx context.Context, notice *DemandNotice) error
}

var (
	_ PhaseStore    = (*repository.PhaseProgressRepository)(nil)
	_ TemplateStore = (*repository.TemplateRepository)(nil)
	_ PlanStore     = (*repository.PlanRepository)(nil)
	_ DraftStore    = (*repository.DemandDraftRepository)(nil)
)

package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// PlanInput carries everything needed to price a template for one flat.
// TotalAmount is in the currency's minor unit.
type PlanInput struct {
	FlatID        string
	BookingID     *string
	TowerID       string
	Currency      string
	CustomerName  *string
	CustomerEmail *string
	FlatNumber    *string
	StartDate     time.Time
	TotalAmount   int64
}

// BuildPlan materializes a template into an unsaved plan. Each milestone is
// priced at its percentage of the total rounded to the minor unit; the last
// milestone absorbs the rounding remainder so the amounts sum to the total.
func BuildPlan(tpl *repository.PaymentPlanTemplate, in PlanInput, timeLinkedInterval time.Duration) (*repository.FlatPaymentPlan, error) {
	if in.TotalAmount <= 0 {
		return nil, errors.InvalidInput("total_amount", "total amount must be positive")
	}
	if err := ValidateMilestones(tpl.Milestones); err != nil {
		return nil, err
	}

	defs := make([]repository.TemplateMilestone, len(tpl.Milestones))
	copy(defs, tpl.Milestones)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Sequence < defs[j].Sequence })

	startDate := in.StartDate.UTC().Truncate(24 * time.Hour)
	total := decimal.NewFromInt(in.TotalAmount)
	allocated := int64(0)
	milestones := make([]*repository.FlatMilestone, 0, len(defs))

	for i, def := range defs {
		var amount int64
		if i == len(defs)-1 {
			amount = in.TotalAmount - allocated
		} else {
			amount = total.Mul(decimal.NewFromFloat(def.PaymentPercentage)).Div(hundred).Round(0).IntPart()
		}
		if amount < 0 {
			return nil, errors.Invariant(fmt.Sprintf("milestone %d priced negative (%d)", def.Sequence, amount))
		}
		allocated += amount

		m := &repository.FlatMilestone{
			Sequence:          def.Sequence,
			Name:              def.Name,
			ConstructionPhase: def.ConstructionPhase,
			PhasePercentage:   def.PhasePercentage,
			PaymentPercentage: def.PaymentPercentage,
			Description:       def.Description,
			Amount:            amount,
			Status:            repository.MilestonePending,
		}
		if tpl.Type == repository.PlanTimeLinked && !m.PhaseGated() {
			due := startDate.Add(time.Duration(i) * timeLinkedInterval)
			m.DueDate = &due
		}
		milestones = append(milestones, m)
	}

	plan := &repository.FlatPaymentPlan{
		FlatID:        in.FlatID,
		BookingID:     in.BookingID,
		TowerID:       in.TowerID,
		TemplateID:    tpl.ID,
		PlanType:      tpl.Type,
		Currency:      in.Currency,
		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		FlatNumber:    in.FlatNumber,
		StartDate:     startDate,
		TotalAmount:   in.TotalAmount,
		PaidAmount:    0,
		Status:        repository.PlanActive,
		Milestones:    milestones,
	}
	plan.RecomputeBalance()
	return plan, nil
}

// PlanService assigns payment plans to flats.
type PlanService struct {
	plans     PlanStore
	templates TemplateStore
	engine    *TriggerEngine
	interval  time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// NewPlanService creates a new plan service
func NewPlanService(
	plans PlanStore,
	templates TemplateStore,
	engine *TriggerEngine,
	timeLinkedInterval time.Duration,
	log *logger.Logger,
) *PlanService {
	return &PlanService{
		plans:     plans,
		templates: templates,
		engine:    engine,
		interval:  timeLinkedInterval,
		log:       log,
		now:       time.Now,
	}
}

// InstantiatePlanRequest represents an assign plan request
type InstantiatePlanRequest struct {
	FlatID        string
	TemplateID    string // empty selects the default template
	TowerID       string
	BookingID     *string
	TotalAmount   int64
	Currency      string
	CustomerName  *string
	CustomerEmail *string
	FlatNumber    *string
	StartDate     *time.Time
}

// InstantiatePlan prices a template for a flat and stores the plan. A
// down-payment plan has its first milestone triggered immediately.
func (s *PlanService) InstantiatePlan(ctx context.Context, req *InstantiatePlanRequest) (*repository.FlatPaymentPlan, error) {
	if strings.TrimSpace(req.FlatID) == "" {
		return nil, errors.InvalidInput("flat_id", "flat id is required")
	}
	if strings.TrimSpace(req.TowerID) == "" {
		return nil, errors.InvalidInput("tower_id", "tower id is required")
	}
	if len(req.Currency) != 3 {
		return nil, errors.InvalidInput("currency", "currency must be 3-letter ISO code")
	}

	tpl, err := s.resolveTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, errors.New(errors.ErrCodeConflict, "payment plan template is inactive")
	}

	startDate := s.now()
	if req.StartDate != nil {
		startDate = *req.StartDate
	}

	plan, err := BuildPlan(tpl, PlanInput{
		FlatID:        req.FlatID,
		BookingID:     req.BookingID,
		TowerID:       req.TowerID,
		Currency:      strings.ToUpper(req.Currency),
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		FlatNumber:    req.FlatNumber,
		StartDate:     startDate,
		TotalAmount:   req.TotalAmount,
	}, s.interval)
	if err != nil {
		return nil, err
	}

	if err := s.plans.Create(ctx, plan); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("plan_id", plan.ID).
		Str("flat_id", plan.FlatID).
		Str("template_id", tpl.ID).
		Str("plan_type", string(plan.PlanType)).
		Int64("total_amount", plan.TotalAmount).
		Int("milestone_count", len(plan.Milestones)).
		Msg("Payment plan instantiated")

	if plan.PlanType == repository.PlanDownPayment {
		if _, err := s.engine.TriggerDownPayment(ctx, plan.ID); err != nil {
			return nil, err
		}
		return s.plans.GetByID(ctx, plan.ID)
	}

	return plan, nil
}

// GetPlan retrieves the plan of a flat
func (s *PlanService) GetPlan(ctx context.Context, flatID string) (*repository.FlatPaymentPlan, error) {
	return s.plans.GetByFlatID(ctx, flatID)
}

// GetPlanByID retrieves a plan by id
func (s *PlanService) GetPlanByID(ctx context.Context, id string) (*repository.FlatPaymentPlan, error) {
	return s.plans.GetByID(ctx, id)
}

// ListPlansByTower lists all plans of a tower
func (s *PlanService) ListPlansByTower(ctx context.Context, towerID string) ([]*repository.FlatPaymentPlan, error) {
	return s.plans.List(ctx, repository.PlanFilter{TowerID: &towerID})
}

// CancelPlan stops all further evaluation of a plan. Milestone states are
// left untouched.
func (s *PlanService) CancelPlan(ctx context.Context, planID string) (*repository.FlatPaymentPlan, error) {
	var result *repository.FlatPaymentPlan
	err := s.plans.Update(ctx, planID, func(plan *repository.FlatPaymentPlan) error {
		if plan.Status != repository.PlanActive {
			return errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("cannot cancel plan with status '%s'", plan.Status))
		}
		plan.Status = repository.PlanCancelled
		result = plan
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("plan_id", planID).Msg("Payment plan cancelled")
	return result, nil
}

func (s *PlanService) resolveTemplate(ctx context.Context, templateID string) (*repository.PaymentPlanTemplate, error) {
	if templateID != "" {
		return s.templates.GetByID(ctx, templateID)
	}
	tpl, err := s.templates.GetDefault(ctx)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, errors.NotFound("payment_plan_template", "default")
	}
	return tpl, nil
}

package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

// errNoChange aborts a plan update that would not modify anything.
var errNoChange = stderrors.New("no change")

// NoticeIssuer renders and delivers the notice of a triggered milestone.
type NoticeIssuer interface {
	IssueNotice(ctx context.Context, plan *repository.FlatPaymentPlan, m *repository.FlatMilestone) (*repository.DemandDraft, error)
}

// TriggerEngine moves milestone instances through
// PENDING → TRIGGERED → PAID, with TRIGGERED → OVERDUE on an elapsed due date.
// Financial state always advances; notices are best effort and retried.
type TriggerEngine struct {
	plans         PlanStore
	phases        PhaseStore
	notices       NoticeIssuer
	paymentWindow time.Duration
	log           *logger.Logger
	now           func() time.Time
}

// NewTriggerEngine creates a new trigger engine
func NewTriggerEngine(
	plans PlanStore,
	phases PhaseStore,
	notices NoticeIssuer,
	paymentWindow time.Duration,
	log *logger.Logger,
) *TriggerEngine {
	return &TriggerEngine{
		plans:         plans,
		phases:        phases,
		notices:       notices,
		paymentWindow: paymentWindow,
		log:           log,
		now:           time.Now,
	}
}

// EvaluationResult summarizes one evaluation pass.
type EvaluationResult struct {
	PlansScanned   int `json:"plans_scanned"`
	Triggered      int `json:"milestones_triggered"`
	MarkedOverdue  int `json:"milestones_overdue"`
	NoticesSent    int `json:"notices_sent"`
	NoticesPending int `json:"notices_pending"`
}

// PaymentApplication is a payment recorded against one milestone.
type PaymentApplication struct {
	MilestoneID string
	Amount      int64
	Reference   *string
	PaidAt      *time.Time
}

// selector picks the PENDING milestones of a locked plan that should trigger.
type selector func(plan *repository.FlatPaymentPlan, now time.Time) ([]*repository.FlatMilestone, error)

// ── Construction-linked ──────────────────────────────────────────────────────

// EvaluateTriggersForTower triggers every phase-gated milestone of the
// tower's active plans whose phase progress has reached its threshold.
// Re-running it with unchanged progress is a no-op.
func (e *TriggerEngine) EvaluateTriggersForTower(ctx context.Context, towerID string) (*EvaluationResult, error) {
	records, err := e.phases.ListByTower(ctx, towerID)
	if err != nil {
		return nil, err
	}
	progress := make(map[repository.ConstructionPhase]float64, len(records))
	for _, rec := range records {
		progress[rec.Phase] = rec.PhaseProgress
	}

	active := repository.PlanActive
	plans, err := e.plans.List(ctx, repository.PlanFilter{TowerID: &towerID, Status: &active})
	if err != nil {
		return nil, err
	}

	result := &EvaluationResult{}
	choose := func(plan *repository.FlatPaymentPlan, _ time.Time) ([]*repository.FlatMilestone, error) {
		return selectPhaseTriggers(plan, progress), nil
	}

	for _, candidate := range plans {
		result.PlansScanned++
		if len(selectPhaseTriggers(candidate, progress)) == 0 {
			continue
		}
		if err := e.triggerAndNotify(ctx, candidate.ID, choose, result); err != nil {
			return result, err
		}
	}

	e.log.Info().
		Str("tower_id", towerID).
		Int("plans_scanned", result.PlansScanned).
		Int("triggered", result.Triggered).
		Int("notices_pending", result.NoticesPending).
		Msg("Tower triggers evaluated")

	return result, nil
}

// selectPhaseTriggers returns PENDING phase-gated milestones whose threshold
// is met. Phase-gated milestones of construction-linked plans are independent
// of each other; in sequence-ordered plans the first PENDING milestone that
// cannot trigger blocks every later one.
func selectPhaseTriggers(plan *repository.FlatPaymentPlan, progress map[repository.ConstructionPhase]float64) []*repository.FlatMilestone {
	ordered := plan.PlanType.SequenceOrdered()
	var chosen []*repository.FlatMilestone
	for _, m := range plan.Milestones {
		if m.Status != repository.MilestonePending {
			continue
		}
		if m.PhaseGated() {
			if p, ok := progress[*m.ConstructionPhase]; ok && p >= *m.PhasePercentage {
				chosen = append(chosen, m)
				continue
			}
		}
		if ordered {
			break
		}
	}
	return chosen
}

// ── Time-linked ──────────────────────────────────────────────────────────────

// EvaluateTimeLinkedTriggers triggers scheduled milestones whose due date has
// arrived, in sequence order.
func (e *TriggerEngine) EvaluateTimeLinkedTriggers(ctx context.Context) (*EvaluationResult, error) {
	now := e.now()
	active := repository.PlanActive
	pending := repository.MilestonePending
	plans, err := e.plans.List(ctx, repository.PlanFilter{
		Status:          &active,
		Types:           []repository.PlanType{repository.PlanTimeLinked, repository.PlanDownPayment},
		MilestoneStatus: &pending,
		DueBefore:       &now,
	})
	if err != nil {
		return nil, err
	}

	result := &EvaluationResult{}
	for _, candidate := range plans {
		result.PlansScanned++
		if len(selectDueTriggers(candidate, now)) == 0 {
			continue
		}
		choose := func(plan *repository.FlatPaymentPlan, now time.Time) ([]*repository.FlatMilestone, error) {
			return selectDueTriggers(plan, now), nil
		}
		if err := e.triggerAndNotify(ctx, candidate.ID, choose, result); err != nil {
			return result, err
		}
	}

	e.log.Info().
		Int("plans_scanned", result.PlansScanned).
		Int("triggered", result.Triggered).
		Int("notices_pending", result.NoticesPending).
		Msg("Time-linked triggers evaluated")

	return result, nil
}

// selectDueTriggers returns the leading run of PENDING scheduled milestones
// whose due date is not after now.
func selectDueTriggers(plan *repository.FlatPaymentPlan, now time.Time) []*repository.FlatMilestone {
	var chosen []*repository.FlatMilestone
	for _, m := range plan.Milestones {
		if m.Status != repository.MilestonePending {
			continue
		}
		if m.PhaseGated() || m.DueDate == nil || m.DueDate.After(now) {
			break
		}
		chosen = append(chosen, m)
	}
	return chosen
}

// ── Down payment and manual triggers ─────────────────────────────────────────

// TriggerDownPayment triggers the first milestone of a down-payment plan.
// It is a no-op once that milestone has left PENDING.
func (e *TriggerEngine) TriggerDownPayment(ctx context.Context, planID string) (*EvaluationResult, error) {
	result := &EvaluationResult{PlansScanned: 1}
	choose := func(plan *repository.FlatPaymentPlan, _ time.Time) ([]*repository.FlatMilestone, error) {
		if plan.PlanType != repository.PlanDownPayment {
			return nil, errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("plan type '%s' has no down payment", plan.PlanType))
		}
		if len(plan.Milestones) == 0 || plan.Milestones[0].Status != repository.MilestonePending {
			return nil, nil
		}
		return plan.Milestones[:1], nil
	}
	if err := e.triggerAndNotify(ctx, planID, choose, result); err != nil {
		return nil, err
	}
	return result, nil
}

// TriggerMilestone is the explicit administrative trigger, used for
// milestones without a phase gate or schedule. In sequence-ordered plans an
// earlier PENDING milestone blocks it.
func (e *TriggerEngine) TriggerMilestone(ctx context.Context, milestoneID string) (*repository.FlatPaymentPlan, error) {
	planID, err := e.plans.GetPlanIDByMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	result := &EvaluationResult{PlansScanned: 1}
	choose := func(plan *repository.FlatPaymentPlan, _ time.Time) ([]*repository.FlatMilestone, error) {
		if plan.Status != repository.PlanActive {
			return nil, errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("cannot trigger milestone of plan with status '%s'", plan.Status))
		}
		m := plan.FindMilestone(milestoneID)
		if m == nil {
			return nil, errors.NotFound("milestone", milestoneID)
		}
		if m.Status != repository.MilestonePending {
			return nil, errors.Invariant(
				fmt.Sprintf("milestone %s is %s and cannot be triggered again", milestoneID, m.Status))
		}
		if plan.PlanType.SequenceOrdered() {
			for _, earlier := range plan.Milestones {
				if earlier.Sequence < m.Sequence && earlier.Status == repository.MilestonePending {
					return nil, errors.New(errors.ErrCodeConflict,
						fmt.Sprintf("milestone %d must be triggered first", earlier.Sequence))
				}
			}
		}
		return []*repository.FlatMilestone{m}, nil
	}

	if err := e.triggerAndNotify(ctx, planID, choose, result); err != nil {
		if errors.Is(err, errors.ErrCodeInvariant) {
			e.log.Error().Err(err).Str("milestone_id", milestoneID).Msg("Duplicate trigger attempted")
		}
		return nil, err
	}
	return e.plans.GetByID(ctx, planID)
}

// ── Payments ─────────────────────────────────────────────────────────────────

// ApplyPayment marks a TRIGGERED or OVERDUE milestone as PAID. A milestone is
// atomic: the amount must equal the milestone amount. Replaying a payment
// with the same reference is a no-op.
func (e *TriggerEngine) ApplyPayment(ctx context.Context, req *PaymentApplication) (*repository.FlatPaymentPlan, error) {
	if req.Amount <= 0 {
		return nil, errors.InvalidInput("amount", "payment amount must be positive")
	}

	planID, err := e.plans.GetPlanIDByMilestone(ctx, req.MilestoneID)
	if err != nil {
		return nil, err
	}

	replayed := false
	err = e.plans.Update(ctx, planID, func(plan *repository.FlatPaymentPlan) error {
		m := plan.FindMilestone(req.MilestoneID)
		if m == nil {
			return errors.NotFound("milestone", req.MilestoneID)
		}

		switch m.Status {
		case repository.MilestonePaid:
			if req.Reference != nil && m.PaymentReference != nil && *req.Reference == *m.PaymentReference {
				replayed = true
				return errNoChange
			}
			return errors.Invariant(fmt.Sprintf("milestone %s is already paid", m.ID))
		case repository.MilestonePending:
			return errors.New(errors.ErrCodeConflict, "milestone has not been triggered")
		case repository.MilestoneTriggered, repository.MilestoneOverdue:
		default:
			return errors.Invariant(fmt.Sprintf("milestone %s has unknown status '%s'", m.ID, m.Status))
		}

		if plan.Status == repository.PlanCancelled {
			return errors.New(errors.ErrCodeConflict, "cannot apply payment to a cancelled plan")
		}
		if req.Amount != m.Amount {
			return errors.InvalidInput("amount",
				fmt.Sprintf("payment amount (%d) must equal milestone amount (%d)", req.Amount, m.Amount))
		}

		paidAt := e.now()
		if req.PaidAt != nil {
			paidAt = *req.PaidAt
		}
		m.Status = repository.MilestonePaid
		m.CompletedAt = &paidAt
		m.PaymentReference = req.Reference
		m.NoticePending = false

		plan.PaidAmount += m.Amount
		plan.RecomputeBalance()
		if allPaid(plan) {
			plan.Status = repository.PlanCompleted
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, errNoChange) {
		if errors.Is(err, errors.ErrCodeInvariant) {
			e.log.Error().Err(err).Str("milestone_id", req.MilestoneID).Msg("Payment rejected")
		}
		return nil, err
	}

	if !replayed {
		e.log.Info().
			Str("plan_id", planID).
			Str("milestone_id", req.MilestoneID).
			Int64("amount", req.Amount).
			Msg("Milestone payment applied")
	}

	return e.plans.GetByID(ctx, planID)
}

func allPaid(plan *repository.FlatPaymentPlan) bool {
	for _, m := range plan.Milestones {
		if m.Status != repository.MilestonePaid {
			return false
		}
	}
	return true
}

// ── Sweeps ───────────────────────────────────────────────────────────────────

// SweepOverdue moves TRIGGERED milestones past their due date to OVERDUE.
func (e *TriggerEngine) SweepOverdue(ctx context.Context) (*EvaluationResult, error) {
	now := e.now()
	active := repository.PlanActive
	triggered := repository.MilestoneTriggered
	plans, err := e.plans.List(ctx, repository.PlanFilter{
		Status:          &active,
		MilestoneStatus: &triggered,
		DueBefore:       &now,
	})
	if err != nil {
		return nil, err
	}

	result := &EvaluationResult{}
	for _, candidate := range plans {
		result.PlansScanned++
		marked := 0
		err := e.plans.Update(ctx, candidate.ID, func(plan *repository.FlatPaymentPlan) error {
			marked = 0
			if plan.Status != repository.PlanActive {
				return errNoChange
			}
			for _, m := range plan.Milestones {
				if m.Status == repository.MilestoneTriggered && m.DueDate != nil && now.After(*m.DueDate) {
					m.Status = repository.MilestoneOverdue
					marked++
				}
			}
			if marked == 0 {
				return errNoChange
			}
			return nil
		})
		if err != nil && !stderrors.Is(err, errNoChange) {
			return result, err
		}
		if err == nil {
			result.MarkedOverdue += marked
			e.log.Info().
				Str("plan_id", candidate.ID).
				Int("overdue", marked).
				Msg("Milestones marked overdue")
		}
	}
	return result, nil
}

// RetryPendingNotices re-attempts notices that failed after a trigger.
func (e *TriggerEngine) RetryPendingNotices(ctx context.Context) (*EvaluationResult, error) {
	active := repository.PlanActive
	plans, err := e.plans.List(ctx, repository.PlanFilter{Status: &active, NoticePending: true})
	if err != nil {
		return nil, err
	}

	result := &EvaluationResult{}
	for _, plan := range plans {
		result.PlansScanned++
		var pending []*repository.FlatMilestone
		for _, m := range plan.Milestones {
			if m.NoticePending && (m.Status == repository.MilestoneTriggered || m.Status == repository.MilestoneOverdue) {
				pending = append(pending, m)
			}
		}
		e.deliver(ctx, plan, pending, result)
	}

	if result.NoticesSent > 0 || result.NoticesPending > 0 {
		e.log.Info().
			Int("sent", result.NoticesSent).
			Int("still_pending", result.NoticesPending).
			Msg("Pending notices retried")
	}
	return result, nil
}

// ── Internals ────────────────────────────────────────────────────────────────

// triggerAndNotify transitions the selected milestones under the plan lock,
// then issues their notices after the transition has committed.
func (e *TriggerEngine) triggerAndNotify(ctx context.Context, planID string, choose selector, result *EvaluationResult) error {
	var snapshot *repository.FlatPaymentPlan
	var fired []*repository.FlatMilestone

	err := e.plans.Update(ctx, planID, func(plan *repository.FlatPaymentPlan) error {
		fired = nil
		if plan.Status != repository.PlanActive {
			return errNoChange
		}

		now := e.now()
		chosen, err := choose(plan, now)
		if err != nil {
			return err
		}
		if len(chosen) == 0 {
			return errNoChange
		}

		due := now.Add(e.paymentWindow)
		for _, m := range chosen {
			if m.Status != repository.MilestonePending {
				return errors.Invariant(fmt.Sprintf("milestone %s selected for trigger while %s", m.ID, m.Status))
			}
			triggeredAt := now
			dueDate := due
			m.Status = repository.MilestoneTriggered
			m.TriggeredAt = &triggeredAt
			m.DueDate = &dueDate
			m.NoticePending = true
		}

		snapshot = plan
		fired = chosen
		return nil
	})
	if stderrors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, m := range fired {
		e.log.Info().
			Str("plan_id", snapshot.ID).
			Str("flat_id", snapshot.FlatID).
			Str("milestone_id", m.ID).
			Int("sequence", m.Sequence).
			Int64("amount", m.Amount).
			Time("due_date", *m.DueDate).
			Msg("Milestone triggered")
	}
	result.Triggered += len(fired)

	e.deliver(ctx, snapshot, fired, result)
	return nil
}

// deliver issues notices and clears the pending flag of every delivered one.
// Failures leave the flag set for RetryPendingNotices; a notice claimed by
// another sender is left to that sender.
func (e *TriggerEngine) deliver(ctx context.Context, plan *repository.FlatPaymentPlan, milestones []*repository.FlatMilestone, result *EvaluationResult) {
	for _, m := range milestones {
		if _, err := e.notices.IssueNotice(ctx, plan, m); err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				e.log.Debug().Str("milestone_id", m.ID).Msg("Demand notice already being sent")
				continue
			}
			result.NoticesPending++
			e.log.Warn().
				Err(err).
				Str("plan_id", plan.ID).
				Str("milestone_id", m.ID).
				Msg("Demand notice could not be issued; will retry")
			continue
		}

		milestoneID := m.ID
		err := e.plans.Update(ctx, plan.ID, func(p *repository.FlatPaymentPlan) error {
			pm := p.FindMilestone(milestoneID)
			if pm == nil || !pm.NoticePending {
				return errNoChange
			}
			pm.NoticePending = false
			return nil
		})
		if err != nil && !stderrors.Is(err, errNoChange) {
			result.NoticesPending++
			e.log.Warn().Err(err).Str("milestone_id", milestoneID).Msg("Failed to clear notice flag")
			continue
		}
		m.NoticePending = false
		result.NoticesSent++
	}
}

package repository

import "time"

// ── Construction phases ──────────────────────────────────────────────────────

// ConstructionPhase is one of the five fixed stages of a tower's build-out.
type ConstructionPhase string

const (
	PhaseFoundation ConstructionPhase = "FOUNDATION"
	PhaseStructure  ConstructionPhase = "STRUCTURE"
	PhaseMEP        ConstructionPhase = "MEP"
	PhaseFinishing  ConstructionPhase = "FINISHING"
	PhaseHandover   ConstructionPhase = "HANDOVER"
)

// Phases lists every construction phase in build order.
var Phases = []ConstructionPhase{
	PhaseFoundation,
	PhaseStructure,
	PhaseMEP,
	PhaseFinishing,
	PhaseHandover,
}

// PhaseWeight is the share of overall tower completion carried by each phase.
const PhaseWeight = 100.0 / 5

// Valid reports whether p is one of the fixed phases.
func (p ConstructionPhase) Valid() bool {
	switch p {
	case PhaseFoundation, PhaseStructure, PhaseMEP, PhaseFinishing, PhaseHandover:
		return true
	}
	return false
}

// PhaseStatus is the status of a single phase record.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "NOT_STARTED"
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	PhaseCompleted  PhaseStatus = "COMPLETED"
)

// PhaseStatusFor derives the status implied by a progress percentage.
func PhaseStatusFor(progress float64) PhaseStatus {
	switch {
	case progress <= 0:
		return PhaseNotStarted
	case progress >= 100:
		return PhaseCompleted
	default:
		return PhaseInProgress
	}
}

// PhaseProgressRecord is the progress of one phase of one tower.
type PhaseProgressRecord struct {
	ID                    string
	ConstructionProjectID string
	TowerID               string
	Phase                 ConstructionPhase
	PhaseProgress         float64
	Status                PhaseStatus
	OverallProgress       float64 // tower-wide, denormalized
	StartedAt             *time.Time
	CompletedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ── Payment plan templates ───────────────────────────────────────────────────

// PlanType is the kind of payment plan.
type PlanType string

const (
	PlanConstructionLinked PlanType = "CONSTRUCTION_LINKED"
	PlanTimeLinked         PlanType = "TIME_LINKED"
	PlanDownPayment        PlanType = "DOWN_PAYMENT"
)

// Valid reports whether t is a known plan type.
func (t PlanType) Valid() bool {
	switch t {
	case PlanConstructionLinked, PlanTimeLinked, PlanDownPayment:
		return true
	}
	return false
}

// SequenceOrdered reports whether milestones of this plan type must trigger
// in sequence order. Phase-gated plans trigger each milestone independently.
func (t PlanType) SequenceOrdered() bool {
	return t == PlanTimeLinked || t == PlanDownPayment
}

// TemplateMilestone is one entry in a template's milestones JSONB array.
type TemplateMilestone struct {
	Sequence          int                `json:"sequence"`
	Name              string             `json:"name"`
	ConstructionPhase *ConstructionPhase `json:"construction_phase,omitempty"`
	PhasePercentage   *float64           `json:"phase_percentage,omitempty"`
	PaymentPercentage float64            `json:"payment_percentage"`
	Description       string             `json:"description,omitempty"`
}

// PaymentPlanTemplate is a reusable milestone blueprint.
type PaymentPlanTemplate struct {
	ID              string
	Name            string
	Description     *string
	Type            PlanType
	Milestones      []TemplateMilestone
	TotalPercentage float64
	IsActive        bool
	IsDefault       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ── Flat payment plans ───────────────────────────────────────────────────────

// PlanStatus is the lifecycle status of a flat payment plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "ACTIVE"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// MilestoneStatus is the state of a milestone instance.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "PENDING"
	MilestoneTriggered MilestoneStatus = "TRIGGERED"
	MilestonePaid      MilestoneStatus = "PAID"
	MilestoneOverdue   MilestoneStatus = "OVERDUE"
)

// FlatPaymentPlan is the amount-bearing plan of one flat/booking.
// Amounts are in the currency's minor unit.
type FlatPaymentPlan struct {
	ID            string
	FlatID        string
	BookingID     *string
	TowerID       string
	TemplateID    string
	PlanType      PlanType
	Currency      string
	CustomerName  *string
	CustomerEmail *string
	FlatNumber    *string
	StartDate     time.Time
	TotalAmount   int64
	PaidAmount    int64
	BalanceAmount int64
	Status        PlanStatus
	Milestones    []*FlatMilestone
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RecomputeBalance keeps BalanceAmount derived from its components.
func (p *FlatPaymentPlan) RecomputeBalance() {
	p.BalanceAmount = p.TotalAmount - p.PaidAmount
}

// FindMilestone returns the milestone with the given id, or nil.
func (p *FlatPaymentPlan) FindMilestone(id string) *FlatMilestone {
	for _, m := range p.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// FlatMilestone is a milestone instance of a flat payment plan.
type FlatMilestone struct {
	ID                string
	PlanID            string
	Sequence          int
	Name              string
	ConstructionPhase *ConstructionPhase
	PhasePercentage   *float64
	PaymentPercentage float64
	Description       string
	Amount            int64
	Status            MilestoneStatus
	DueDate           *time.Time
	TriggeredAt       *time.Time
	CompletedAt       *time.Time
	NoticePending     bool
	PaymentReference  *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PhaseGated reports whether the milestone waits on a construction phase.
func (m *FlatMilestone) PhaseGated() bool {
	return m.ConstructionPhase != nil && m.PhasePercentage != nil
}

// ── Demand drafts ────────────────────────────────────────────────────────────

// DemandDraftTemplate is an administrator-managed notice template with
// {{placeholder}} tokens in its subject and body.
type DemandDraftTemplate struct {
	ID          string
	Name        string
	Subject     string
	HTMLContent string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DemandDraft is a rendered notice issued for a triggered milestone. A
// milestone has at most one draft; SendingAt is set while a dispatch is in
// flight.
type DemandDraft struct {
	ID          string
	PlanID      string
	MilestoneID string
	TemplateID  string
	Subject     string
	HTMLContent string
	Recipient   string
	CreatedAt   time.Time
	SendingAt   *time.Time
	SentAt      *time.Time
}

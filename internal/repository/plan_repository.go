package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-re-milestones/internal/platform/database"
	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
)

// PlanFilter narrows plan listings. Zero fields are ignored; milestone
// conditions match plans having at least one milestone that satisfies all of them.
type PlanFilter struct {
	TowerID         *string
	Status          *PlanStatus
	Types           []PlanType
	MilestoneStatus *MilestoneStatus
	DueBefore       *time.Time
	NoticePending   bool
}

// PlanRepository handles flat payment plans and their milestone rows.
type PlanRepository struct {
	db *database.DB
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(db *database.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const planColumns = `
	p.id, p.flat_id, p.booking_id, p.tower_id, p.template_id, p.plan_type, p.currency,
	p.customer_name, p.customer_email, p.flat_number, p.start_date,
	p.total_amount, p.paid_amount, p.balance_amount, p.status, p.created_at, p.updated_at
`

const milestoneColumns = `
	id, plan_id, sequence, name, construction_phase, phase_percentage, payment_percentage,
	description, amount, status, due_date, triggered_at, completed_at,
	notice_pending, payment_reference, created_at, updated_at
`

// Create inserts a plan and its milestones in one transaction.
func (r *PlanRepository) Create(ctx context.Context, plan *FlatPaymentPlan) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM flat_payment_plans WHERE flat_id = $1)`, plan.FlatID,
		).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check existing plan")
		}
		if exists {
			return errors.New(errors.ErrCodeConflict, fmt.Sprintf("flat '%s' already has a payment plan", plan.FlatID))
		}

		query := `
			INSERT INTO flat_payment_plans
			    (flat_id, booking_id, tower_id, template_id, plan_type, currency,
			     customer_name, customer_email, flat_number, start_date,
			     total_amount, paid_amount, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id, balance_amount, created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			plan.FlatID,
			plan.BookingID,
			plan.TowerID,
			plan.TemplateID,
			plan.PlanType,
			plan.Currency,
			plan.CustomerName,
			plan.CustomerEmail,
			plan.FlatNumber,
			plan.StartDate,
			plan.TotalAmount,
			plan.PaidAmount,
			plan.Status,
		).Scan(&plan.ID, &plan.BalanceAmount, &plan.CreatedAt, &plan.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payment plan")
		}

		milestoneQuery := `
			INSERT INTO flat_payment_milestones
			    (plan_id, sequence, name, construction_phase, phase_percentage, payment_percentage,
			     description, amount, status, due_date, triggered_at, notice_pending)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, created_at, updated_at
		`
		for _, m := range plan.Milestones {
			m.PlanID = plan.ID
			err := tx.QueryRow(ctx, milestoneQuery,
				m.PlanID,
				m.Sequence,
				m.Name,
				m.ConstructionPhase,
				m.PhasePercentage,
				m.PaymentPercentage,
				m.Description,
				m.Amount,
				m.Status,
				m.DueDate,
				m.TriggeredAt,
				m.NoticePending,
			).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create plan milestone")
			}
		}
		return nil
	})
}

// GetByID retrieves a plan with its milestones.
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*FlatPaymentPlan, error) {
	if err := checkID("payment_plan", id); err != nil {
		return nil, err
	}
	return r.getOne(ctx, r.db, `WHERE p.id = $1`, "payment_plan", id)
}

// GetByFlatID retrieves the plan of a flat.
func (r *PlanRepository) GetByFlatID(ctx context.Context, flatID string) (*FlatPaymentPlan, error) {
	return r.getOne(ctx, r.db, `WHERE p.flat_id = $1`, "payment_plan", flatID)
}

// GetPlanIDByMilestone resolves the owning plan of a milestone.
func (r *PlanRepository) GetPlanIDByMilestone(ctx context.Context, milestoneID string) (string, error) {
	if err := checkID("milestone", milestoneID); err != nil {
		return "", err
	}
	var planID string
	err := r.db.QueryRow(ctx, `SELECT plan_id FROM flat_payment_milestones WHERE id = $1`, milestoneID).Scan(&planID)
	if err == pgx.ErrNoRows {
		return "", errors.NotFound("milestone", milestoneID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve milestone plan")
	}
	return planID, nil
}

// List returns plans matching the filter, oldest first.
func (r *PlanRepository) List(ctx context.Context, filter PlanFilter) ([]*FlatPaymentPlan, error) {
	query := `SELECT ` + planColumns + ` FROM flat_payment_plans p WHERE 1 = 1`
	args := []interface{}{}
	argCount := 1

	if filter.TowerID != nil {
		query += fmt.Sprintf(" AND p.tower_id = $%d", argCount)
		args = append(args, *filter.TowerID)
		argCount++
	}

	if filter.Status != nil {
		query += fmt.Sprintf(" AND p.status = $%d", argCount)
		args = append(args, *filter.Status)
		argCount++
	}

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query += fmt.Sprintf(" AND p.plan_type = ANY($%d)", argCount)
		args = append(args, types)
		argCount++
	}

	if filter.MilestoneStatus != nil || filter.DueBefore != nil || filter.NoticePending {
		sub := ` AND EXISTS (SELECT 1 FROM flat_payment_milestones m WHERE m.plan_id = p.id`
		if filter.MilestoneStatus != nil {
			sub += fmt.Sprintf(" AND m.status = $%d", argCount)
			args = append(args, *filter.MilestoneStatus)
			argCount++
		}
		if filter.DueBefore != nil {
			sub += fmt.Sprintf(" AND m.due_date <= $%d", argCount)
			args = append(args, *filter.DueBefore)
			argCount++
		}
		if filter.NoticePending {
			sub += " AND m.notice_pending"
		}
		query += sub + ")"
	}

	query += " ORDER BY p.created_at, p.id"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list payment plans")
	}

	plans := make([]*FlatPaymentPlan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan payment plan")
		}
		plans = append(plans, plan)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate payment plans")
	}

	for _, plan := range plans {
		milestones, err := r.getMilestones(ctx, r.db, plan.ID)
		if err != nil {
			return nil, err
		}
		plan.Milestones = milestones
	}
	return plans, nil
}

// Update locks the plan row, applies fn to the loaded plan and persists the
// result before committing. Concurrent updates of the same plan serialize on
// the row lock; an error from fn rolls everything back.
func (r *PlanRepository) Update(ctx context.Context, planID string, fn func(plan *FlatPaymentPlan) error) error {
	if err := checkID("payment_plan", planID); err != nil {
		return err
	}
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		plan, err := r.getOne(ctx, tx, `WHERE p.id = $1 FOR UPDATE`, "payment_plan", planID)
		if err != nil {
			return err
		}

		if err := fn(plan); err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			UPDATE flat_payment_plans
			SET paid_amount = $2, status = $3, updated_at = now()
			WHERE id = $1
			RETURNING balance_amount, updated_at
		`, plan.ID, plan.PaidAmount, plan.Status).Scan(&plan.BalanceAmount, &plan.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update payment plan")
		}

		milestoneQuery := `
			UPDATE flat_payment_milestones
			SET status = $2, due_date = $3, triggered_at = $4, completed_at = $5,
			    notice_pending = $6, payment_reference = $7, updated_at = now()
			WHERE id = $1
			RETURNING updated_at
		`
		for _, m := range plan.Milestones {
			err := tx.QueryRow(ctx, milestoneQuery,
				m.ID,
				m.Status,
				m.DueDate,
				m.TriggeredAt,
				m.CompletedAt,
				m.NoticePending,
				m.PaymentReference,
			).Scan(&m.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update plan milestone")
			}
		}
		return nil
	})
}

func (r *PlanRepository) getOne(ctx context.Context, q querier, where, resource, id string) (*FlatPaymentPlan, error) {
	query := `SELECT ` + planColumns + ` FROM flat_payment_plans p ` + where

	plan, err := scanPlan(q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(resource, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get payment plan")
	}

	milestones, err := r.getMilestones(ctx, q, plan.ID)
	if err != nil {
		return nil, err
	}
	plan.Milestones = milestones
	return plan, nil
}

func (r *PlanRepository) getMilestones(ctx context.Context, q querier, planID string) ([]*FlatMilestone, error) {
	query := `SELECT ` + milestoneColumns + `
		FROM flat_payment_milestones
		WHERE plan_id = $1
		ORDER BY sequence
	`

	rows, err := q.Query(ctx, query, planID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get plan milestones")
	}
	defer rows.Close()

	milestones := make([]*FlatMilestone, 0)
	for rows.Next() {
		m := &FlatMilestone{}
		err := rows.Scan(
			&m.ID,
			&m.PlanID,
			&m.Sequence,
			&m.Name,
			&m.ConstructionPhase,
			&m.PhasePercentage,
			&m.PaymentPercentage,
			&m.Description,
			&m.Amount,
			&m.Status,
			&m.DueDate,
			&m.TriggeredAt,
			&m.CompletedAt,
			&m.NoticePending,
			&m.PaymentReference,
			&m.CreatedAt,
			&m.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan plan milestone")
		}
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate plan milestones")
	}
	return milestones, nil
}

func scanPlan(row pgx.Row) (*FlatPaymentPlan, error) {
	plan := &FlatPaymentPlan{}
	err := row.Scan(
		&plan.ID,
		&plan.FlatID,
		&plan.BookingID,
		&plan.TowerID,
		&plan.TemplateID,
		&plan.PlanType,
		&plan.Currency,
		&plan.CustomerName,
		&plan.CustomerEmail,
		&plan.FlatNumber,
		&plan.StartDate,
		&plan.TotalAmount,
		&plan.PaidAmount,
		&plan.BalanceAmount,
		&plan.Status,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

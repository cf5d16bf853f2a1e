package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-re-milestones/internal/platform/database"
	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
)

// defaultTemplateLockKey guards the single-default transition.
const defaultTemplateLockKey = 73_100_001

// TemplateRepository handles payment_plan_templates.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `
	id, name, description, plan_type, milestones, total_percentage,
	is_active, is_default, created_at, updated_at
`

// Create inserts a template. When tpl.IsDefault is set every other default is
// cleared in the same transaction.
func (r *TemplateRepository) Create(ctx context.Context, tpl *PaymentPlanTemplate) error {
	milestonesJSON, err := json.Marshal(tpl.Milestones)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template milestones")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if tpl.IsDefault {
			if err := clearDefaults(ctx, tx); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO payment_plan_templates
			    (name, description, plan_type, milestones, total_percentage, is_active, is_default)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			tpl.Name,
			tpl.Description,
			tpl.Type,
			milestonesJSON,
			tpl.TotalPercentage,
			tpl.IsActive,
			tpl.IsDefault,
		).Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payment plan template")
		}
		return nil
	})
}

// Update rewrites the editable fields of a template. Default and active flags
// are changed only through SetDefault and SetActive.
func (r *TemplateRepository) Update(ctx context.Context, tpl *PaymentPlanTemplate) error {
	milestonesJSON, err := json.Marshal(tpl.Milestones)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template milestones")
	}
	if err := checkID("payment_plan_template", tpl.ID); err != nil {
		return err
	}

	query := `
		UPDATE payment_plan_templates
		SET name = $2, description = $3, plan_type = $4, milestones = $5,
		    total_percentage = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.db.QueryRow(ctx, query,
		tpl.ID,
		tpl.Name,
		tpl.Description,
		tpl.Type,
		milestonesJSON,
		tpl.TotalPercentage,
	).Scan(&tpl.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("payment_plan_template", tpl.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update payment plan template")
	}
	return nil
}

// GetByID retrieves a template by primary key.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*PaymentPlanTemplate, error) {
	if err := checkID("payment_plan_template", id); err != nil {
		return nil, err
	}
	query := `SELECT ` + templateColumns + ` FROM payment_plan_templates WHERE id = $1`

	tpl, err := scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("payment_plan_template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get payment plan template")
	}
	return tpl, nil
}

// GetDefault returns the current default template, or nil when none is set.
func (r *TemplateRepository) GetDefault(ctx context.Context) (*PaymentPlanTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM payment_plan_templates WHERE is_default LIMIT 1`

	tpl, err := scanTemplate(r.db.QueryRow(ctx, query))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get default template")
	}
	return tpl, nil
}

// List returns templates ordered by creation time.
func (r *TemplateRepository) List(ctx context.Context, activeOnly bool) ([]*PaymentPlanTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM payment_plan_templates`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list templates")
	}
	defer rows.Close()

	templates := make([]*PaymentPlanTemplate, 0)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template")
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate templates")
	}
	return templates, nil
}

// SetDefault clears every default and marks id as default in one transaction.
func (r *TemplateRepository) SetDefault(ctx context.Context, id string) error {
	if err := checkID("payment_plan_template", id); err != nil {
		return err
	}
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := clearDefaults(ctx, tx); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE payment_plan_templates SET is_default = true, updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to set default template")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("payment_plan_template", id)
		}
		return nil
	})
}

// SetActive flips the active flag. Deactivating the default template is
// refused inside the same statement so a concurrent SetDefault cannot slip in.
func (r *TemplateRepository) SetActive(ctx context.Context, id string, active bool) error {
	if err := checkID("payment_plan_template", id); err != nil {
		return err
	}
	query := `
		UPDATE payment_plan_templates
		SET is_active = $2, updated_at = now()
		WHERE id = $1 AND ($2 OR NOT is_default)
	`
	tag, err := r.db.Exec(ctx, query, id, active)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update template status")
	}
	if tag.RowsAffected() == 0 {
		tpl, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		if tpl.IsDefault && !active {
			return errors.Invariant("cannot delete the default payment plan template")
		}
	}
	return nil
}

func clearDefaults(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, defaultTemplateLockKey); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock default template")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE payment_plan_templates SET is_default = false, updated_at = now() WHERE is_default`); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear default templates")
	}
	return nil
}

func scanTemplate(row pgx.Row) (*PaymentPlanTemplate, error) {
	tpl := &PaymentPlanTemplate{}
	var milestonesJSON []byte
	err := row.Scan(
		&tpl.ID,
		&tpl.Name,
		&tpl.Description,
		&tpl.Type,
		&milestonesJSON,
		&tpl.TotalPercentage,
		&tpl.IsActive,
		&tpl.IsDefault,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(milestonesJSON, &tpl.Milestones); err != nil {
		return nil, err
	}
	return tpl, nil
}

package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-re-milestones/internal/platform/database"
	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
)

// DemandDraftRepository handles notice templates and issued drafts.
type DemandDraftRepository struct {
	db *database.DB
}

// NewDemandDraftRepository creates a new DemandDraftRepository.
func NewDemandDraftRepository(db *database.DB) *DemandDraftRepository {
	return &DemandDraftRepository{db: db}
}

const draftTemplateColumns = `id, name, subject, html_content, is_active, created_at, updated_at`

// CreateTemplate inserts a notice template.
func (r *DemandDraftRepository) CreateTemplate(ctx context.Context, tpl *DemandDraftTemplate) error {
	query := `
		INSERT INTO demand_draft_templates (name, subject, html_content, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, tpl.Name, tpl.Subject, tpl.HTMLContent, tpl.IsActive).
		Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create demand draft template")
	}
	return nil
}

// UpdateTemplate rewrites a notice template.
func (r *DemandDraftRepository) UpdateTemplate(ctx context.Context, tpl *DemandDraftTemplate) error {
	if err := checkID("demand_draft_template", tpl.ID); err != nil {
		return err
	}
	query := `
		UPDATE demand_draft_templates
		SET name = $2, subject = $3, html_content = $4, is_active = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query, tpl.ID, tpl.Name, tpl.Subject, tpl.HTMLContent, tpl.IsActive).
		Scan(&tpl.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("demand_draft_template", tpl.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update demand draft template")
	}
	return nil
}

// GetTemplate retrieves a notice template by id.
func (r *DemandDraftRepository) GetTemplate(ctx context.Context, id string) (*DemandDraftTemplate, error) {
	if err := checkID("demand_draft_template", id); err != nil {
		return nil, err
	}
	query := `SELECT ` + draftTemplateColumns + ` FROM demand_draft_templates WHERE id = $1`

	tpl := &DemandDraftTemplate{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.HTMLContent, &tpl.IsActive, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("demand_draft_template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get demand draft template")
	}
	return tpl, nil
}

// ListTemplates returns notice templates ordered by creation time.
func (r *DemandDraftRepository) ListTemplates(ctx context.Context, activeOnly bool) ([]*DemandDraftTemplate, error) {
	query := `SELECT ` + draftTemplateColumns + ` FROM demand_draft_templates`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list demand draft templates")
	}
	defer rows.Close()

	templates := make([]*DemandDraftTemplate, 0)
	for rows.Next() {
		tpl := &DemandDraftTemplate{}
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.HTMLContent, &tpl.IsActive, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan demand draft template")
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate demand draft templates")
	}
	return templates, nil
}

const draftColumns = `id, plan_id, milestone_id, template_id, subject, html_content, recipient, created_at, sending_at, sent_at`

func scanDraft(row pgx.Row) (*DemandDraft, error) {
	d := &DemandDraft{}
	err := row.Scan(&d.ID, &d.PlanID, &d.MilestoneID, &d.TemplateID, &d.Subject,
		&d.HTMLContent, &d.Recipient, &d.CreatedAt, &d.SendingAt, &d.SentAt)
	return d, err
}

// CreateDraft stores an issued notice. A milestone holds at most one draft;
// a second insert returns CONFLICT.
func (r *DemandDraftRepository) CreateDraft(ctx context.Context, draft *DemandDraft) error {
	query := `
		INSERT INTO demand_drafts (id, plan_id, milestone_id, template_id, subject, html_content, recipient)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (milestone_id) DO NOTHING
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		draft.ID,
		draft.PlanID,
		draft.MilestoneID,
		draft.TemplateID,
		draft.Subject,
		draft.HTMLContent,
		draft.Recipient,
	).Scan(&draft.CreatedAt)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "milestone "+draft.MilestoneID+" already has a demand draft")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create demand draft")
	}
	return nil
}

// GetDraftByMilestone returns the draft issued for a milestone.
func (r *DemandDraftRepository) GetDraftByMilestone(ctx context.Context, milestoneID string) (*DemandDraft, error) {
	if err := checkID("demand_draft", milestoneID); err != nil {
		return nil, err
	}
	query := `SELECT ` + draftColumns + ` FROM demand_drafts WHERE milestone_id = $1`

	d, err := scanDraft(r.db.QueryRow(ctx, query, milestoneID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("demand_draft", milestoneID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get demand draft")
	}
	return d, nil
}

// ClaimSend marks an unsent draft as being dispatched. It reports false when
// the draft is already sent or another sender holds a claim newer than
// staleBefore.
func (r *DemandDraftRepository) ClaimSend(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE demand_drafts
		SET sending_at = $2
		WHERE id = $1 AND sent_at IS NULL AND (sending_at IS NULL OR sending_at < $3)
	`
	tag, err := r.db.Exec(ctx, query, id, at, staleBefore)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim demand draft")
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSend drops the claim after a failed dispatch.
func (r *DemandDraftRepository) ReleaseSend(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE demand_drafts SET sending_at = NULL WHERE id = $1 AND sent_at IS NULL`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to release demand draft")
	}
	return nil
}

// MarkSent stamps the delivery time of a draft and clears its claim.
func (r *DemandDraftRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE demand_drafts SET sent_at = $2, sending_at = NULL WHERE id = $1`, id, sentAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark demand draft sent")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("demand_draft", id)
	}
	return nil
}

// ListDrafts returns drafts issued for a plan, oldest first.
func (r *DemandDraftRepository) ListDrafts(ctx context.Context, planID string) ([]*DemandDraft, error) {
	drafts := make([]*DemandDraft, 0)
	if checkID("payment_plan", planID) != nil {
		return drafts, nil
	}
	query := `SELECT ` + draftColumns + ` FROM demand_drafts WHERE plan_id = $1 ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, planID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list demand drafts")
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan demand draft")
		}
		drafts = append(drafts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate demand drafts")
	}
	return drafts, nil
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-re-milestones/internal/platform/database"
	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
)

// PhaseProgressRepository stores one progress record per (tower, phase).
type PhaseProgressRepository struct {
	db *database.DB
}

// NewPhaseProgressRepository creates a new PhaseProgressRepository.
func NewPhaseProgressRepository(db *database.DB) *PhaseProgressRepository {
	return &PhaseProgressRepository{db: db}
}

const phaseColumns = `
	id, construction_project_id, tower_id, phase, phase_progress, status,
	overall_progress, started_at, completed_at, created_at, updated_at
`

// CreateAll inserts the given records in one transaction. Fails with a
// conflict when the tower already has any phase record.
func (r *PhaseProgressRepository) CreateAll(ctx context.Context, records []*PhaseProgressRecord) error {
	if len(records) == 0 {
		return nil
	}
	towerID := records[0].TowerID

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// serialize concurrent initialization of the same tower
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('tower_phases:' || $1))`, towerID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock tower")
		}

		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM tower_phase_progress WHERE tower_id = $1`, towerID).Scan(&existing); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count tower phases")
		}
		if existing > 0 {
			return errors.New(errors.ErrCodeConflict, "tower phases are already initialized")
		}

		query := `
			INSERT INTO tower_phase_progress
			    (construction_project_id, tower_id, phase, phase_progress, status, overall_progress)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`
		for _, rec := range records {
			err := tx.QueryRow(ctx, query,
				rec.ConstructionProjectID,
				rec.TowerID,
				rec.Phase,
				rec.PhaseProgress,
				rec.Status,
				rec.OverallProgress,
			).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create phase record")
			}
		}
		return nil
	})
}

// ListByTower returns all phase records of a tower in build order.
func (r *PhaseProgressRepository) ListByTower(ctx context.Context, towerID string) ([]*PhaseProgressRecord, error) {
	query := `SELECT ` + phaseColumns + `
		FROM tower_phase_progress
		WHERE tower_id = $1
		ORDER BY array_position(ARRAY['FOUNDATION','STRUCTURE','MEP','FINISHING','HANDOVER'], phase)
	`

	rows, err := r.db.Query(ctx, query, towerID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list tower phases")
	}
	defer rows.Close()

	records := make([]*PhaseProgressRecord, 0, len(Phases))
	for rows.Next() {
		rec, err := scanPhase(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan phase record")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate phase records")
	}
	return records, nil
}

// Get returns the record of one phase of a tower.
func (r *PhaseProgressRepository) Get(ctx context.Context, towerID string, phase ConstructionPhase) (*PhaseProgressRecord, error) {
	query := `SELECT ` + phaseColumns + `
		FROM tower_phase_progress
		WHERE tower_id = $1 AND phase = $2
	`

	rec, err := scanPhase(r.db.QueryRow(ctx, query, towerID, phase))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("tower_phase", towerID+"/"+string(phase))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get phase record")
	}
	return rec, nil
}

// UpdateProgress writes the progress, status and phase timestamps of a record.
func (r *PhaseProgressRepository) UpdateProgress(ctx context.Context, rec *PhaseProgressRecord) error {
	query := `
		UPDATE tower_phase_progress
		SET phase_progress = $3, status = $4, started_at = $5, completed_at = $6, updated_at = now()
		WHERE tower_id = $1 AND phase = $2
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.TowerID,
		rec.Phase,
		rec.PhaseProgress,
		rec.Status,
		rec.StartedAt,
		rec.CompletedAt,
	).Scan(&rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("tower_phase", rec.TowerID+"/"+string(rec.Phase))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update phase progress")
	}
	return nil
}

// SetOverallProgress stores the tower-wide value on every phase record.
func (r *PhaseProgressRepository) SetOverallProgress(ctx context.Context, towerID string, overall float64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE tower_phase_progress SET overall_progress = $2, updated_at = now() WHERE tower_id = $1`,
		towerID, overall)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update overall progress")
	}
	return nil
}

// DeleteByTower removes every phase record of a tower.
func (r *PhaseProgressRepository) DeleteByTower(ctx context.Context, towerID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tower_phase_progress WHERE tower_id = $1`, towerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete tower phases")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("tower", towerID)
	}
	return nil
}

func scanPhase(row pgx.Row) (*PhaseProgressRecord, error) {
	rec := &PhaseProgressRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.ConstructionProjectID,
		&rec.TowerID,
		&rec.Phase,
		&rec.PhaseProgress,
		&rec.Status,
		&rec.OverallProgress,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

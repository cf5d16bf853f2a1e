package service

import (
	"context"
	"math"
	"time"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

// ProgressService tracks construction progress per tower phase.
type ProgressService struct {
	phases PhaseStore
	log    *logger.Logger
	now    func() time.Time
}

// NewProgressService creates a new progress service
func NewProgressService(phases PhaseStore, log *logger.Logger) *ProgressService {
	return &ProgressService{
		phases: phases,
		log:    log,
		now:    time.Now,
	}
}

// TowerProgress is a tower's phase records with its overall completion.
type TowerProgress struct {
	TowerID         string
	OverallProgress float64
	Phases          []*repository.PhaseProgressRecord
}

// OverallProgress aggregates phase records into a tower completion
// percentage. Every phase weighs the same; a missing phase contributes 0 and
// a phase is counted at most once.
func OverallProgress(records []*repository.PhaseProgressRecord) float64 {
	seen := make(map[repository.ConstructionPhase]bool, len(repository.Phases))
	total := 0.0
	for _, rec := range records {
		if rec == nil || !rec.Phase.Valid() || seen[rec.Phase] {
			continue
		}
		seen[rec.Phase] = true
		total += clampPercent(rec.PhaseProgress) * repository.PhaseWeight / 100
	}
	return round2(total)
}

// InitializeTowerPhases creates the five phase records of a tower at 0%.
func (s *ProgressService) InitializeTowerPhases(ctx context.Context, projectID, towerID string) ([]*repository.PhaseProgressRecord, error) {
	if projectID == "" {
		return nil, errors.InvalidInput("project_id", "project id is required")
	}
	if towerID == "" {
		return nil, errors.InvalidInput("tower_id", "tower id is required")
	}

	records := make([]*repository.PhaseProgressRecord, 0, len(repository.Phases))
	for _, phase := range repository.Phases {
		records = append(records, &repository.PhaseProgressRecord{
			ConstructionProjectID: projectID,
			TowerID:               towerID,
			Phase:                 phase,
			PhaseProgress:         0,
			Status:                repository.PhaseNotStarted,
			OverallProgress:       0,
		})
	}

	if err := s.phases.CreateAll(ctx, records); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tower_id", towerID).
		Str("project_id", projectID).
		Msg("Tower phases initialized")

	return records, nil
}

// ReportPhaseProgress records the progress of one phase. It deliberately
// does not recompute the overall progress or evaluate triggers; callers
// invoke UpdateTowerOverallProgress and the trigger engine explicitly.
func (s *ProgressService) ReportPhaseProgress(ctx context.Context, towerID string, phase repository.ConstructionPhase, percentage float64) (*repository.PhaseProgressRecord, error) {
	if !phase.Valid() {
		return nil, errors.InvalidInput("phase", "unknown construction phase '"+string(phase)+"'")
	}
	if math.IsNaN(percentage) || percentage < 0 || percentage > 100 {
		return nil, errors.InvalidInput("percentage", "progress must be between 0 and 100")
	}

	rec, err := s.phases.Get(ctx, towerID, phase)
	if err != nil {
		return nil, err
	}

	previous := rec.PhaseProgress
	if percentage < previous {
		s.log.Warn().
			Str("tower_id", towerID).
			Str("phase", string(phase)).
			Float64("previous", previous).
			Float64("reported", percentage).
			Msg("Phase progress regressed; recording as correction")
	}

	now := s.now()
	rec.PhaseProgress = round2(percentage)
	rec.Status = repository.PhaseStatusFor(rec.PhaseProgress)
	if rec.PhaseProgress > 0 && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if rec.Status == repository.PhaseCompleted {
		if rec.CompletedAt == nil {
			rec.CompletedAt = &now
		}
	} else {
		rec.CompletedAt = nil
	}

	if err := s.phases.UpdateProgress(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tower_id", towerID).
		Str("phase", string(phase)).
		Float64("previous", previous).
		Float64("progress", rec.PhaseProgress).
		Str("status", string(rec.Status)).
		Msg("Phase progress reported")

	return rec, nil
}

// ComputeOverallProgress returns a tower's completion percentage. Unknown
// towers yield 0; callers check existence themselves.
func (s *ProgressService) ComputeOverallProgress(ctx context.Context, towerID string) (float64, error) {
	records, err := s.phases.ListByTower(ctx, towerID)
	if err != nil {
		return 0, err
	}
	return OverallProgress(records), nil
}

// UpdateTowerOverallProgress recomputes the overall percentage and caches it
// on every phase record of the tower.
func (s *ProgressService) UpdateTowerOverallProgress(ctx context.Context, towerID string) (float64, error) {
	records, err := s.phases.ListByTower(ctx, towerID)
	if err != nil {
		return 0, err
	}
	overall := OverallProgress(records)
	if len(records) == 0 {
		return overall, nil
	}

	if err := s.phases.SetOverallProgress(ctx, towerID, overall); err != nil {
		return 0, err
	}

	s.log.Debug().
		Str("tower_id", towerID).
		Float64("overall_progress", overall).
		Msg("Tower overall progress updated")

	return overall, nil
}

// GetTowerPhases returns the phase records of a tower with its overall progress.
func (s *ProgressService) GetTowerPhases(ctx context.Context, towerID string) (*TowerProgress, error) {
	records, err := s.phases.ListByTower(ctx, towerID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NotFound("tower", towerID)
	}
	return &TowerProgress{
		TowerID:         towerID,
		OverallProgress: OverallProgress(records),
		Phases:          records,
	}, nil
}

// RemoveTower deletes every phase record of a tower.
func (s *ProgressService) RemoveTower(ctx context.Context, towerID string) error {
	if err := s.phases.DeleteByTower(ctx, towerID); err != nil {
		return err
	}
	s.log.Info().Str("tower_id", towerID).Msg("Tower phases removed")
	return nil
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

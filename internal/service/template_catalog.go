package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

// percentageTolerance absorbs floating point rounding in percentage sums.
const percentageTolerance = 0.01

// TemplateCatalog manages validated payment plan templates.
type TemplateCatalog struct {
	templates TemplateStore
	log       *logger.Logger
}

// NewTemplateCatalog creates a new template catalog
func NewTemplateCatalog(templates TemplateStore, log *logger.Logger) *TemplateCatalog {
	return &TemplateCatalog{
		templates: templates,
		log:       log,
	}
}

// TemplateRequest is the editable content of a template.
type TemplateRequest struct {
	Name        string
	Description *string
	Type        repository.PlanType
	Milestones  []repository.TemplateMilestone
	IsDefault   bool
}

// ValidateMilestones checks a milestone list. The payment percentages must
// total 100 within tolerance and sequences must be unique.
func ValidateMilestones(milestones []repository.TemplateMilestone) error {
	if len(milestones) == 0 {
		return errors.InvalidInput("milestones", "payment plan must have at least 1 milestone")
	}

	sequences := make(map[int]bool, len(milestones))
	total := 0.0

	for _, m := range milestones {
		if m.Sequence < 1 {
			return errors.InvalidInput("sequence", fmt.Sprintf("sequence must be positive, got %d", m.Sequence))
		}
		if sequences[m.Sequence] {
			return errors.InvalidInput("sequence", fmt.Sprintf("duplicate milestone sequence %d", m.Sequence))
		}
		sequences[m.Sequence] = true

		if strings.TrimSpace(m.Name) == "" {
			return errors.InvalidInput("name", fmt.Sprintf("milestone %d must have a name", m.Sequence))
		}
		if math.IsNaN(m.PaymentPercentage) || m.PaymentPercentage < 0 || m.PaymentPercentage > 100 {
			return errors.InvalidInput("payment_percentage",
				fmt.Sprintf("milestone %d payment percentage must be between 0 and 100", m.Sequence))
		}

		if m.ConstructionPhase != nil && !m.ConstructionPhase.Valid() {
			return errors.InvalidInput("construction_phase",
				fmt.Sprintf("milestone %d has unknown construction phase '%s'", m.Sequence, *m.ConstructionPhase))
		}
		if m.PhasePercentage != nil {
			if m.ConstructionPhase == nil {
				return errors.InvalidInput("phase_percentage",
					fmt.Sprintf("milestone %d has a phase percentage without a construction phase", m.Sequence))
			}
			if *m.PhasePercentage <= 0 || *m.PhasePercentage > 100 {
				return errors.InvalidInput("phase_percentage",
					fmt.Sprintf("milestone %d phase percentage must be in (0, 100]", m.Sequence))
			}
		}

		total += m.PaymentPercentage
	}

	if math.Abs(total-100) > percentageTolerance {
		return errors.InvalidInput("milestones",
			fmt.Sprintf("payment percentages total %.2f%%, must total 100%%", total))
	}
	return nil
}

// Create validates and stores a new template. A default template replaces
// the previous default atomically.
func (c *TemplateCatalog) Create(ctx context.Context, req *TemplateRequest) (*repository.PaymentPlanTemplate, error) {
	tpl, err := buildTemplate(req)
	if err != nil {
		return nil, err
	}
	tpl.IsActive = true
	tpl.IsDefault = req.IsDefault

	if err := c.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("template_id", tpl.ID).
		Str("type", string(tpl.Type)).
		Int("milestone_count", len(tpl.Milestones)).
		Bool("is_default", tpl.IsDefault).
		Msg("Payment plan template created")

	return tpl, nil
}

// Update re-validates and rewrites a template's content. Plans already
// instantiated from it are unaffected.
func (c *TemplateCatalog) Update(ctx context.Context, id string, req *TemplateRequest) (*repository.PaymentPlanTemplate, error) {
	existing, err := c.templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	tpl, err := buildTemplate(req)
	if err != nil {
		return nil, err
	}
	tpl.ID = existing.ID
	tpl.IsActive = existing.IsActive
	tpl.IsDefault = existing.IsDefault
	tpl.CreatedAt = existing.CreatedAt

	if err := c.templates.Update(ctx, tpl); err != nil {
		return nil, err
	}

	c.log.Info().Str("template_id", id).Msg("Payment plan template updated")
	return tpl, nil
}

// SetDefault makes a template the single catalog-wide default.
func (c *TemplateCatalog) SetDefault(ctx context.Context, id string) (*repository.PaymentPlanTemplate, error) {
	tpl, err := c.templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, errors.New(errors.ErrCodeConflict, "an inactive template cannot become the default")
	}
	if tpl.IsDefault {
		return tpl, nil
	}

	if err := c.templates.SetDefault(ctx, id); err != nil {
		return nil, err
	}

	c.log.Info().Str("template_id", id).Msg("Default payment plan template changed")
	return c.templates.GetByID(ctx, id)
}

// Remove soft-disables a template. The default template cannot be removed
// until another template becomes default.
func (c *TemplateCatalog) Remove(ctx context.Context, id string) error {
	tpl, err := c.templates.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if tpl.IsDefault {
		return errors.Invariant("cannot delete the default payment plan template")
	}
	if !tpl.IsActive {
		return nil
	}

	if err := c.templates.SetActive(ctx, id, false); err != nil {
		return err
	}

	c.log.Info().Str("template_id", id).Msg("Payment plan template deactivated")
	return nil
}

// Activate re-enables a soft-disabled template.
func (c *TemplateCatalog) Activate(ctx context.Context, id string) error {
	tpl, err := c.templates.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if tpl.IsActive {
		return nil
	}
	if err := c.templates.SetActive(ctx, id, true); err != nil {
		return err
	}
	c.log.Info().Str("template_id", id).Msg("Payment plan template activated")
	return nil
}

// Get retrieves a template
func (c *TemplateCatalog) Get(ctx context.Context, id string) (*repository.PaymentPlanTemplate, error) {
	return c.templates.GetByID(ctx, id)
}

// GetDefault returns the default template
func (c *TemplateCatalog) GetDefault(ctx context.Context) (*repository.PaymentPlanTemplate, error) {
	tpl, err := c.templates.GetDefault(ctx)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, errors.NotFound("payment_plan_template", "default")
	}
	return tpl, nil
}

// List lists templates
func (c *TemplateCatalog) List(ctx context.Context, activeOnly bool) ([]*repository.PaymentPlanTemplate, error) {
	return c.templates.List(ctx, activeOnly)
}

func buildTemplate(req *TemplateRequest) (*repository.PaymentPlanTemplate, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.InvalidInput("name", "template name is required")
	}

	planType := repository.PlanType(strings.ToUpper(string(req.Type)))
	if !planType.Valid() {
		return nil, errors.InvalidInput("type", "invalid payment plan type")
	}

	if err := ValidateMilestones(req.Milestones); err != nil {
		return nil, err
	}

	milestones := make([]repository.TemplateMilestone, len(req.Milestones))
	copy(milestones, req.Milestones)
	sort.Slice(milestones, func(i, j int) bool {
		return milestones[i].Sequence < milestones[j].Sequence
	})

	total := 0.0
	for _, m := range milestones {
		total += m.PaymentPercentage
	}

	return &repository.PaymentPlanTemplate{
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		Type:            planType,
		Milestones:      milestones,
		TotalPercentage: round2(total),
	}, nil
}

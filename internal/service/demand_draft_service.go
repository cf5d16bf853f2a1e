package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/divan/num2words"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// RenderedDraft is a filled-in notice.
type RenderedDraft struct {
	Subject     string
	HTMLContent string
}

// Render substitutes every {{key}} token present in data. Unknown tokens are
// left verbatim and substituted values are not scanned again.
func Render(tpl *repository.DemandDraftTemplate, data map[string]string) RenderedDraft {
	return RenderedDraft{
		Subject:     substitute(tpl.Subject, data),
		HTMLContent: substitute(tpl.HTMLContent, data),
	}
}

func substitute(text string, data map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		key := token[2 : len(token)-2]
		if v, ok := data[key]; ok {
			return v
		}
		return token
	})
}

// DemandDraftService manages notice templates and issues notices for
// triggered milestones.
type DemandDraftService struct {
	drafts     DraftStore
	dispatcher NotificationDispatcher
	log        *logger.Logger
	now        func() time.Time
}

// NewDemandDraftService creates a new demand draft service
func NewDemandDraftService(drafts DraftStore, dispatcher NotificationDispatcher, log *logger.Logger) *DemandDraftService {
	return &DemandDraftService{
		drafts:     drafts,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

// DraftTemplateRequest is the editable content of a notice template.
type DraftTemplateRequest struct {
	Name        string
	Subject     string
	HTMLContent string
}

// CreateTemplate stores a new active notice template
func (s *DemandDraftService) CreateTemplate(ctx context.Context, req *DraftTemplateRequest) (*repository.DemandDraftTemplate, error) {
	if err := validateDraftTemplate(req); err != nil {
		return nil, err
	}

	tpl := &repository.DemandDraftTemplate{
		Name:        strings.TrimSpace(req.Name),
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
		IsActive:    true,
	}
	if err := s.drafts.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}

	s.log.Info().Str("template_id", tpl.ID).Msg("Demand draft template created")
	return tpl, nil
}

// UpdateTemplate rewrites a notice template
func (s *DemandDraftService) UpdateTemplate(ctx context.Context, id string, req *DraftTemplateRequest) (*repository.DemandDraftTemplate, error) {
	if err := validateDraftTemplate(req); err != nil {
		return nil, err
	}

	tpl, err := s.drafts.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	tpl.Name = strings.TrimSpace(req.Name)
	tpl.Subject = req.Subject
	tpl.HTMLContent = req.HTMLContent

	if err := s.drafts.UpdateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// DeactivateTemplate stops a notice template from being selected
func (s *DemandDraftService) DeactivateTemplate(ctx context.Context, id string) error {
	tpl, err := s.drafts.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if !tpl.IsActive {
		return nil
	}
	tpl.IsActive = false
	return s.drafts.UpdateTemplate(ctx, tpl)
}

// GetTemplate retrieves a notice template
func (s *DemandDraftService) GetTemplate(ctx context.Context, id string) (*repository.DemandDraftTemplate, error) {
	return s.drafts.GetTemplate(ctx, id)
}

// ListTemplates lists notice templates
func (s *DemandDraftService) ListTemplates(ctx context.Context, activeOnly bool) ([]*repository.DemandDraftTemplate, error) {
	return s.drafts.ListTemplates(ctx, activeOnly)
}

// ListDrafts lists notices issued for a plan
func (s *DemandDraftService) ListDrafts(ctx context.Context, planID string) ([]*repository.DemandDraft, error) {
	return s.drafts.ListDrafts(ctx, planID)
}

// SelectTemplate returns the oldest active notice template.
func (s *DemandDraftService) SelectTemplate(ctx context.Context) (*repository.DemandDraftTemplate, error) {
	templates, err := s.drafts.ListTemplates(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, errors.RenderFailure("no active demand draft template")
	}
	return templates[0], nil
}

// noticeClaimTTL bounds how long a crashed sender can hold a draft.
const noticeClaimTTL = 5 * time.Minute

// IssueNotice renders, stores and dispatches the notice for a triggered
// milestone. The draft is stored before dispatch so a delivery failure still
// leaves an audit record; a retry re-sends that stored draft, and a milestone
// whose draft was already sent is never notified again. The send is claimed
// first; a concurrent caller gets CONFLICT and must not count the notice.
func (s *DemandDraftService) IssueNotice(ctx context.Context, plan *repository.FlatPaymentPlan, m *repository.FlatMilestone) (*repository.DemandDraft, error) {
	draft, err := s.drafts.GetDraftByMilestone(ctx, m.ID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		draft, err = s.createDraft(ctx, plan, m)
	}
	if err != nil {
		return nil, err
	}
	if draft.SentAt != nil {
		return draft, nil
	}

	claimedAt := s.now()
	claimed, err := s.drafts.ClaimSend(ctx, draft.ID, claimedAt, claimedAt.Add(-noticeClaimTTL))
	if err != nil {
		return draft, err
	}
	if !claimed {
		return draft, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("demand notice for milestone %s is already being sent", m.ID))
	}

	err = s.dispatcher.Send(ctx, &DemandNotice{
		DraftID:     draft.ID,
		PlanID:      plan.ID,
		MilestoneID: m.ID,
		FlatID:      plan.FlatID,
		Subject:     draft.Subject,
		HTMLContent: draft.HTMLContent,
		Recipient:   draft.Recipient,
	})
	if err != nil {
		if relErr := s.drafts.ReleaseSend(ctx, draft.ID); relErr != nil {
			s.log.Warn().Err(relErr).Str("draft_id", draft.ID).Msg("Failed to release demand draft claim")
		}
		return draft, errors.Wrap(err, errors.ErrCodeRender, "failed to dispatch demand notice")
	}

	sentAt := s.now()
	if err := s.drafts.MarkSent(ctx, draft.ID, sentAt); err != nil {
		s.log.Warn().Err(err).Str("draft_id", draft.ID).Msg("Failed to stamp demand draft as sent")
	} else {
		draft.SentAt = &sentAt
	}

	s.log.Info().
		Str("draft_id", draft.ID).
		Str("plan_id", plan.ID).
		Str("milestone_id", m.ID).
		Str("recipient", draft.Recipient).
		Msg("Demand notice issued")

	return draft, nil
}

// createDraft renders and stores the milestone's draft. Losing the insert
// race returns the winner's draft.
func (s *DemandDraftService) createDraft(ctx context.Context, plan *repository.FlatPaymentPlan, m *repository.FlatMilestone) (*repository.DemandDraft, error) {
	tpl, err := s.SelectTemplate(ctx)
	if err != nil {
		return nil, err
	}

	rendered := Render(tpl, NoticeData(plan, m, s.now()))
	draft := &repository.DemandDraft{
		ID:          uuid.NewString(),
		PlanID:      plan.ID,
		MilestoneID: m.ID,
		TemplateID:  tpl.ID,
		Subject:     rendered.Subject,
		HTMLContent: rendered.HTMLContent,
		Recipient:   deref(plan.CustomerEmail),
	}
	err = s.drafts.CreateDraft(ctx, draft)
	if errors.Is(err, errors.ErrCodeConflict) {
		return s.drafts.GetDraftByMilestone(ctx, m.ID)
	}
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// NoticeData builds the placeholder values for a milestone notice.
func NoticeData(plan *repository.FlatPaymentPlan, m *repository.FlatMilestone, issuedAt time.Time) map[string]string {
	data := map[string]string{
		"customer_name":         deref(plan.CustomerName),
		"customer_email":        deref(plan.CustomerEmail),
		"flat_number":           deref(plan.FlatNumber),
		"flat_id":               plan.FlatID,
		"booking_id":            deref(plan.BookingID),
		"tower_id":              plan.TowerID,
		"currency":              plan.Currency,
		"total_amount":          FormatMinor(plan.TotalAmount, plan.Currency),
		"paid_amount":           FormatMinor(plan.PaidAmount, plan.Currency),
		"balance_amount":        FormatMinor(plan.BalanceAmount, plan.Currency),
		"milestone_name":        m.Name,
		"milestone_sequence":    strconv.Itoa(m.Sequence),
		"milestone_description": m.Description,
		"payment_percentage":    strconv.FormatFloat(m.PaymentPercentage, 'f', -1, 64),
		"amount":                FormatMinor(m.Amount, plan.Currency),
		"amount_in_words":       AmountInWords(m.Amount, plan.Currency),
		"issue_date":            issuedAt.Format("2006-01-02"),
		"due_date":              "",
		"construction_phase":    "",
		"phase_percentage":      "",
	}
	if m.DueDate != nil {
		data["due_date"] = m.DueDate.Format("2006-01-02")
	}
	if m.ConstructionPhase != nil {
		data["construction_phase"] = string(*m.ConstructionPhase)
	}
	if m.PhasePercentage != nil {
		data["phase_percentage"] = strconv.FormatFloat(*m.PhasePercentage, 'f', -1, 64)
	}
	return data
}

// MinorDigits returns the number of minor-unit digits of an ISO 4217 code:
// 0 for JPY, 3 for KWD. Unknown codes use 2.
func MinorDigits(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// FormatMinor renders a minor-unit amount in major units of code.
func FormatMinor(amount int64, code string) string {
	digits := MinorDigits(code)
	return decimal.New(amount, -digits).StringFixed(digits)
}

// AmountInWords spells out the major units of a minor-unit amount, e.g.
// "two hundred thousand INR and 50/100".
func AmountInWords(amount int64, code string) string {
	if amount < 0 {
		amount = -amount
	}
	digits := MinorDigits(code)
	if digits == 0 {
		return fmt.Sprintf("%s %s", num2words.Convert(int(amount)), code)
	}
	base := int64(1)
	for i := int32(0); i < digits; i++ {
		base *= 10
	}
	return fmt.Sprintf("%s %s and %0*d/%d", num2words.Convert(int(amount/base)), code, int(digits), amount%base, base)
}

func validateDraftTemplate(req *DraftTemplateRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.InvalidInput("name", "template name is required")
	}
	if strings.TrimSpace(req.Subject) == "" {
		return errors.InvalidInput("subject", "subject is required")
	}
	if strings.TrimSpace(req.HTMLContent) == "" {
		return errors.InvalidInput("html_content", "html content is required")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

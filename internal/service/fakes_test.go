package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-re-milestones/internal/platform/errors"
	"github.com/pesio-ai/be-re-milestones/internal/platform/logger"
	"github.com/pesio-ai/be-re-milestones/internal/repository"
)

func testLogger() *logger.Logger { return logger.Nop() }

// ── Phases ───────────────────────────────────────────────────────────────────

type memPhases struct {
	mu      sync.Mutex
	records map[string]map[repository.ConstructionPhase]*repository.PhaseProgressRecord
	seq     int
}

func newMemPhases() *memPhases {
	return &memPhases{records: map[string]map[repository.ConstructionPhase]*repository.PhaseProgressRecord{}}
}

func (s *memPhases) CreateAll(_ context.Context, records []*repository.PhaseProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	towerID := records[0].TowerID
	if len(s.records[towerID]) > 0 {
		return errors.New(errors.ErrCodeConflict, "tower phases already initialized")
	}
	byPhase := map[repository.ConstructionPhase]*repository.PhaseProgressRecord{}
	for _, rec := range records {
		s.seq++
		rec.ID = fmt.Sprintf("phase-%d", s.seq)
		cp := *rec
		byPhase[rec.Phase] = &cp
	}
	s.records[towerID] = byPhase
	return nil
}

func (s *memPhases) ListByTower(_ context.Context, towerID string) ([]*repository.PhaseProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.PhaseProgressRecord
	for _, phase := range repository.Phases {
		if rec, ok := s.records[towerID][phase]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memPhases) Get(_ context.Context, towerID string, phase repository.ConstructionPhase) (*repository.PhaseProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[towerID][phase]
	if !ok {
		return nil, errors.NotFound("tower_phase", towerID+"/"+string(phase))
	}
	cp := *rec
	return &cp, nil
}

func (s *memPhases) UpdateProgress(_ context.Context, rec *repository.PhaseProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.TowerID][rec.Phase]; !ok {
		return errors.NotFound("tower_phase", rec.ID)
	}
	cp := *rec
	s.records[rec.TowerID][rec.Phase] = &cp
	return nil
}

func (s *memPhases) SetOverallProgress(_ context.Context, towerID string, overall float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records[towerID] {
		rec.OverallProgress = overall
	}
	return nil
}

func (s *memPhases) DeleteByTower(_ context.Context, towerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, towerID)
	return nil
}

// ── Templates ────────────────────────────────────────────────────────────────

type memTemplates struct {
	mu        sync.Mutex
	templates map[string]*repository.PaymentPlanTemplate
	order     []string
	seq       int
}

func newMemTemplates() *memTemplates {
	return &memTemplates{templates: map[string]*repository.PaymentPlanTemplate{}}
}

func copyTemplate(t *repository.PaymentPlanTemplate) *repository.PaymentPlanTemplate {
	cp := *t
	cp.Milestones = append([]repository.TemplateMilestone(nil), t.Milestones...)
	return &cp
}

func (s *memTemplates) Create(_ context.Context, tpl *repository.PaymentPlanTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	tpl.ID = fmt.Sprintf("tpl-%d", s.seq)
	if tpl.IsDefault {
		for _, t := range s.templates {
			t.IsDefault = false
		}
	}
	s.templates[tpl.ID] = copyTemplate(tpl)
	s.order = append(s.order, tpl.ID)
	return nil
}

func (s *memTemplates) Update(_ context.Context, tpl *repository.PaymentPlanTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[tpl.ID]; !ok {
		return errors.NotFound("payment_plan_template", tpl.ID)
	}
	s.templates[tpl.ID] = copyTemplate(tpl)
	return nil
}

func (s *memTemplates) GetByID(_ context.Context, id string) (*repository.PaymentPlanTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("payment_plan_template", id)
	}
	return copyTemplate(t), nil
}

func (s *memTemplates) GetDefault(_ context.Context) (*repository.PaymentPlanTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.IsDefault {
			return copyTemplate(t), nil
		}
	}
	return nil, nil
}

func (s *memTemplates) List(_ context.Context, activeOnly bool) ([]*repository.PaymentPlanTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.PaymentPlanTemplate
	for _, id := range s.order {
		t := s.templates[id]
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, copyTemplate(t))
	}
	return out, nil
}

func (s *memTemplates) SetDefault(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.templates[id]
	if !ok {
		return errors.NotFound("payment_plan_template", id)
	}
	for _, t := range s.templates {
		t.IsDefault = false
	}
	target.IsDefault = true
	return nil
}

func (s *memTemplates) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return errors.NotFound("payment_plan_template", id)
	}
	if !active && t.IsDefault {
		return errors.Invariant("cannot deactivate the default payment plan template")
	}
	t.IsActive = active
	return nil
}

func (s *memTemplates) defaults() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.templates {
		if t.IsDefault {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ── Plans ────────────────────────────────────────────────────────────────────

type memPlans struct {
	mu      sync.Mutex
	plans   map[string]*repository.FlatPaymentPlan
	order   []string
	seq     int
	updates int
}

func newMemPlans() *memPlans {
	return &memPlans{plans: map[string]*repository.FlatPaymentPlan{}}
}

func copyPlan(p *repository.FlatPaymentPlan) *repository.FlatPaymentPlan {
	cp := *p
	cp.Milestones = make([]*repository.FlatMilestone, len(p.Milestones))
	for i, m := range p.Milestones {
		mc := *m
		cp.Milestones[i] = &mc
	}
	return &cp
}

func (s *memPlans) Create(_ context.Context, plan *repository.FlatPaymentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.FlatID == plan.FlatID {
			return errors.New(errors.ErrCodeConflict, "flat already has a payment plan")
		}
	}
	s.seq++
	plan.ID = fmt.Sprintf("plan-%d", s.seq)
	for i, m := range plan.Milestones {
		m.ID = fmt.Sprintf("%s-m%d", plan.ID, i+1)
		m.PlanID = plan.ID
	}
	s.plans[plan.ID] = copyPlan(plan)
	s.order = append(s.order, plan.ID)
	return nil
}

func (s *memPlans) GetByID(_ context.Context, id string) (*repository.FlatPaymentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, errors.NotFound("flat_payment_plan", id)
	}
	return copyPlan(p), nil
}

func (s *memPlans) GetByFlatID(_ context.Context, flatID string) (*repository.FlatPaymentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.FlatID == flatID {
			return copyPlan(p), nil
		}
	}
	return nil, errors.NotFound("flat_payment_plan", flatID)
}

func (s *memPlans) GetPlanIDByMilestone(_ context.Context, milestoneID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.FindMilestone(milestoneID) != nil {
			return p.ID, nil
		}
	}
	return "", errors.NotFound("milestone", milestoneID)
}

func (s *memPlans) List(_ context.Context, f repository.PlanFilter) ([]*repository.FlatPaymentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.FlatPaymentPlan
	for _, id := range s.order {
		p := s.plans[id]
		if f.TowerID != nil && p.TowerID != *f.TowerID {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, p.PlanType) {
			continue
		}
		if (f.MilestoneStatus != nil || f.DueBefore != nil || f.NoticePending) && !anyMilestone(p, f) {
			continue
		}
		out = append(out, copyPlan(p))
	}
	return out, nil
}

func containsType(types []repository.PlanType, t repository.PlanType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func anyMilestone(p *repository.FlatPaymentPlan, f repository.PlanFilter) bool {
	for _, m := range p.Milestones {
		if f.MilestoneStatus != nil && m.Status != *f.MilestoneStatus {
			continue
		}
		if f.DueBefore != nil && (m.DueDate == nil || m.DueDate.After(*f.DueBefore)) {
			continue
		}
		if f.NoticePending && !m.NoticePending {
			continue
		}
		return true
	}
	return false
}

// Update runs fn on a private copy and commits it only when fn succeeds,
// mirroring the transactional repository.
func (s *memPlans) Update(_ context.Context, planID string, fn func(plan *repository.FlatPaymentPlan) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return errors.NotFound("flat_payment_plan", planID)
	}
	work := copyPlan(p)
	if err := fn(work); err != nil {
		return err
	}
	work.RecomputeBalance()
	s.plans[planID] = copyPlan(work)
	s.updates++
	return nil
}

func (s *memPlans) milestone(planID string, seq int) *repository.FlatMilestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.plans[planID].Milestones {
		if m.Sequence == seq {
			cp := *m
			return &cp
		}
	}
	return nil
}

func (s *memPlans) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// ── Drafts ───────────────────────────────────────────────────────────────────

type memDrafts struct {
	mu        sync.Mutex
	templates map[string]*repository.DemandDraftTemplate
	tplOrder  []string
	drafts    []*repository.DemandDraft
	seq       int
}

func newMemDrafts() *memDrafts {
	return &memDrafts{templates: map[string]*repository.DemandDraftTemplate{}}
}

func (s *memDrafts) CreateTemplate(_ context.Context, tpl *repository.DemandDraftTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	tpl.ID = fmt.Sprintf("ddt-%d", s.seq)
	cp := *tpl
	s.templates[tpl.ID] = &cp
	s.tplOrder = append(s.tplOrder, tpl.ID)
	return nil
}

func (s *memDrafts) UpdateTemplate(_ context.Context, tpl *repository.DemandDraftTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[tpl.ID]; !ok {
		return errors.NotFound("demand_draft_template", tpl.ID)
	}
	cp := *tpl
	s.templates[tpl.ID] = &cp
	return nil
}

func (s *memDrafts) GetTemplate(_ context.Context, id string) (*repository.DemandDraftTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("demand_draft_template", id)
	}
	cp := *t
	return &cp, nil
}

func (s *memDrafts) ListTemplates(_ context.Context, activeOnly bool) ([]*repository.DemandDraftTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.DemandDraftTemplate
	for _, id := range s.tplOrder {
		t := s.templates[id]
		if activeOnly && !t.IsActive {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memDrafts) CreateDraft(_ context.Context, draft *repository.DemandDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.drafts {
		if d.MilestoneID == draft.MilestoneID {
			return errors.New(errors.ErrCodeConflict, "milestone already has a demand draft")
		}
	}
	cp := *draft
	s.drafts = append(s.drafts, &cp)
	return nil
}

func (s *memDrafts) GetDraftByMilestone(_ context.Context, milestoneID string) (*repository.DemandDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.drafts {
		if d.MilestoneID == milestoneID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errors.NotFound("demand_draft", milestoneID)
}

func (s *memDrafts) find(id string) *repository.DemandDraft {
	for _, d := range s.drafts {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (s *memDrafts) ClaimSend(_ context.Context, id string, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.find(id)
	if d == nil {
		return false, errors.NotFound("demand_draft", id)
	}
	if d.SentAt != nil || (d.SendingAt != nil && !d.SendingAt.Before(staleBefore)) {
		return false, nil
	}
	t := at
	d.SendingAt = &t
	return true, nil
}

func (s *memDrafts) ReleaseSend(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.find(id); d != nil && d.SentAt == nil {
		d.SendingAt = nil
	}
	return nil
}

func (s *memDrafts) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.find(id)
	if d == nil {
		return errors.NotFound("demand_draft", id)
	}
	t := sentAt
	d.SentAt = &t
	d.SendingAt = nil
	return nil
}

func (s *memDrafts) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

func (s *memDrafts) ListDrafts(_ context.Context, planID string) ([]*repository.DemandDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.DemandDraft
	for _, d := range s.drafts {
		if d.PlanID == planID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── Dispatcher ───────────────────────────────────────────────────────────────

type fakeDispatcher struct {
	mu      sync.Mutex
	fail    error
	sent    []*DemandNotice
	entered chan struct{}
	release chan struct{}
}

func (d *fakeDispatcher) Send(_ context.Context, notice *DemandNotice) error {
	d.mu.Lock()
	if d.fail != nil {
		d.mu.Unlock()
		return d.fail
	}
	entered, release := d.entered, d.release
	d.mu.Unlock()

	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, notice)
	return nil
}

// hold makes every Send block until release is closed. entered receives
// once a Send is blocked.
func (d *fakeDispatcher) hold() (entered <-chan struct{}, release chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entered = make(chan struct{}, 1)
	d.release = make(chan struct{})
	return d.entered, d.release
}

func (d *fakeDispatcher) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// ── Fixture ──────────────────────────────────────────────────────────────────

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const testWindow = 15 * 24 * time.Hour

type fixture struct {
	clock      *clock
	phases     *memPhases
	templates  *memTemplates
	plans      *memPlans
	drafts     *memDrafts
	dispatcher *fakeDispatcher

	progress *ProgressService
	catalog  *TemplateCatalog
	planSvc  *PlanService
	engine   *TriggerEngine
	notices  *DemandDraftService
}

func newFixture() *fixture {
	f := &fixture{
		clock:      &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		phases:     newMemPhases(),
		templates:  newMemTemplates(),
		plans:      newMemPlans(),
		drafts:     newMemDrafts(),
		dispatcher: &fakeDispatcher{},
	}
	log := testLogger()

	f.notices = NewDemandDraftService(f.drafts, f.dispatcher, log)
	f.notices.now = f.clock.now
	f.engine = NewTriggerEngine(f.plans, f.phases, f.notices, testWindow, log)
	f.engine.now = f.clock.now
	f.planSvc = NewPlanService(f.plans, f.templates, f.engine, 90*24*time.Hour, log)
	f.planSvc.now = f.clock.now
	f.progress = NewProgressService(f.phases, log)
	f.progress.now = f.clock.now
	f.catalog = NewTemplateCatalog(f.templates, log)
	return f
}

func phasePtr(p repository.ConstructionPhase) *repository.ConstructionPhase { return &p }
func floatPtr(v float64) *float64                                            { return &v }
func strPtr(s string) *string                                                { return &s }

// constructionLinked is a 20/30/50 plan gated on foundation 50%, structure
// 100% and an ungated handover milestone.
func constructionLinked() []repository.TemplateMilestone {
	return []repository.TemplateMilestone{
		{Sequence: 1, Name: "Foundation 50%", ConstructionPhase: phasePtr(repository.PhaseFoundation), PhasePercentage: floatPtr(50), PaymentPercentage: 20},
		{Sequence: 2, Name: "Structure complete", ConstructionPhase: phasePtr(repository.PhaseStructure), PhasePercentage: floatPtr(100), PaymentPercentage: 30},
		{Sequence: 3, Name: "Handover", PaymentPercentage: 50},
	}
}

func (f *fixture) addDraftTemplate() *repository.DemandDraftTemplate {
	tpl, err := f.notices.CreateTemplate(context.Background(), &DraftTemplateRequest{
		Name:        "Standard demand",
		Subject:     "Payment due for {{milestone_name}}",
		HTMLContent: "<p>Dear {{customer_name}}, please pay {{currency}} {{amount}} by {{due_date}}.</p>",
	})
	if err != nil {
		panic(err)
	}
	return tpl
}

func (f *fixture) addTemplate(planType repository.PlanType, milestones []repository.TemplateMilestone, isDefault bool) *repository.PaymentPlanTemplate {
	tpl, err := f.catalog.Create(context.Background(), &TemplateRequest{
		Name:       string(planType) + " plan",
		Type:       planType,
		Milestones: milestones,
		IsDefault:  isDefault,
	})
	if err != nil {
		panic(err)
	}
	return tpl
}

func (f *fixture) instantiate(templateID, flatID, towerID string, total int64) *repository.FlatPaymentPlan {
	plan, err := f.planSvc.InstantiatePlan(context.Background(), &InstantiatePlanRequest{
		FlatID:        flatID,
		TemplateID:    templateID,
		TowerID:       towerID,
		TotalAmount:   total,
		Currency:      "INR",
		CustomerName:  strPtr("Asha Rao"),
		CustomerEmail: strPtr("asha@example.com"),
		FlatNumber:    strPtr("A-1203"),
	})
	if err != nil {
		panic(err)
	}
	return plan
}

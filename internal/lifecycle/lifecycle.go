// Package lifecycle owns create, replace and delete of resumes and
// opportunities. Each mutation is audited and subscribed listeners are told
// when a resume or opportunity becomes ready for scoring.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/garnizeh/volunteer-match/internal/audit"
	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/pkg/repository"
)

// Listener reacts to entities becoming scorable. Errors are logged by the
// service and never fail the mutation that caused them.
type Listener interface {
	OnResumeTextReady(ctx context.Context, resumeID int64) error
	OnOpportunityActivated(ctx context.Context, opportunityID int64) error
}

type Store interface {
	repository.ResumeRepo
	repository.OpportunityRepo
}

type Service struct {
	store  Store
	audit  *audit.Recorder
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func New(store Store, rec *audit.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, audit: rec, logger: logger}
}

// Subscribe registers l for every subsequent mutation.
func (s *Service) Subscribe(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Service) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Listener(nil), s.listeners...)
}

func (s *Service) resumeTextReady(ctx context.Context, id int64) {
	for _, l := range s.snapshot() {
		if err := l.OnResumeTextReady(ctx, id); err != nil {
			s.logger.Warn("resume listener failed", "resume_id", id, "err", err)
		}
	}
}

func (s *Service) opportunityActivated(ctx context.Context, id int64) {
	for _, l := range s.snapshot() {
		if err := l.OnOpportunityActivated(ctx, id); err != nil {
			s.logger.Warn("opportunity listener failed", "opportunity_id", id, "err", err)
		}
	}
}

func allowed(actor models.Principal, role models.Role, ownerID int64) bool {
	if actor.Role == models.RoleAdmin {
		return true
	}
	return actor.Role == role && actor.ID == ownerID
}

// ResumeUpload describes a newly uploaded resume. ExtractedText may be empty
// when extraction has not run yet.
type ResumeUpload struct {
	OwnerID          int64
	OriginalFilename string
	ExtractedText    string
}

// UploadResume stores a new current resume for the owner. A previous resume
// and its score records are deleted in the same step.
func (s *Service) UploadResume(ctx context.Context, actor models.Principal, in ResumeUpload) (*models.Resume, error) {
	if !allowed(actor, models.RoleVolunteer, in.OwnerID) {
		return nil, fmt.Errorf("%s cannot upload for owner %d: %w", actor, in.OwnerID, errs.ErrForbidden)
	}
	name := strings.TrimSpace(in.OriginalFilename)
	if name == "" {
		return nil, fmt.Errorf("original filename is required: %w", errs.ErrValidation)
	}

	r := &models.Resume{
		OwnerID:          in.OwnerID,
		OriginalFilename: name,
		ExtractedText:    strings.TrimSpace(in.ExtractedText),
	}
	rep, err := s.store.ReplaceResume(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("store resume: %w", err)
	}

	if rep.SupersededID != 0 {
		s.auditDeletedScores(ctx, actor, rep.RemovedScoreIDs, fmt.Sprintf("resume %d superseded", rep.SupersededID))
		s.audit.Record(ctx, models.EntityResume, rep.SupersededID, models.ActionDeleted, actor,
			fmt.Sprintf("superseded by resume %d", rep.ID))
	}
	s.audit.Record(ctx, models.EntityResume, rep.ID, models.ActionCreated, actor, name)
	s.logger.Info("resume uploaded", "resume_id", rep.ID, "owner_id", r.OwnerID, "superseded_id", rep.SupersededID)

	if r.HasText() {
		s.resumeTextReady(ctx, r.ID)
	}
	return r, nil
}

// SetResumeText stores extracted text for an existing resume. Identity and
// candidate statuses are kept.
func (s *Service) SetResumeText(ctx context.Context, actor models.Principal, id int64, text string) (*models.Resume, error) {
	r, err := s.store.GetResume(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get resume: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("resume %d: %w", id, errs.ErrNotFound)
	}
	if !allowed(actor, models.RoleVolunteer, r.OwnerID) {
		return nil, fmt.Errorf("%s cannot edit resume %d: %w", actor, id, errs.ErrForbidden)
	}

	text = strings.TrimSpace(text)
	if text == strings.TrimSpace(r.ExtractedText) {
		return r, nil
	}
	if err := s.store.UpdateResumeText(ctx, id, text); err != nil {
		return nil, fmt.Errorf("update resume text: %w", err)
	}
	r.ExtractedText = text
	s.audit.Record(ctx, models.EntityResume, id, models.ActionUpdated, actor, fmt.Sprintf("extracted text set (%d chars)", len([]rune(text))))

	if r.Active && r.HasText() {
		s.resumeTextReady(ctx, id)
	}
	return r, nil
}

// DeleteResume removes a resume together with its score records.
func (s *Service) DeleteResume(ctx context.Context, actor models.Principal, id int64) error {
	r, err := s.store.GetResume(ctx, id)
	if err != nil {
		return fmt.Errorf("get resume: %w", err)
	}
	if r == nil {
		return fmt.Errorf("resume %d: %w", id, errs.ErrNotFound)
	}
	if !allowed(actor, models.RoleVolunteer, r.OwnerID) {
		return fmt.Errorf("%s cannot delete resume %d: %w", actor, id, errs.ErrForbidden)
	}

	removed, err := s.store.DeleteResume(ctx, id)
	if err != nil {
		return fmt.Errorf("delete resume: %w", err)
	}
	s.auditDeletedScores(ctx, actor, removed, fmt.Sprintf("resume %d deleted", id))
	s.audit.Record(ctx, models.EntityResume, id, models.ActionDeleted, actor, r.OriginalFilename)
	s.logger.Info("resume deleted", "resume_id", id, "score_records", len(removed))
	return nil
}

// CreateOpportunity stores o for the acting organization.
func (s *Service) CreateOpportunity(ctx context.Context, actor models.Principal, o *models.Opportunity) (*models.Opportunity, error) {
	if o == nil {
		return nil, fmt.Errorf("opportunity is nil: %w", errs.ErrValidation)
	}
	if !allowed(actor, models.RoleOrganization, o.OrgID) {
		return nil, fmt.Errorf("%s cannot create for organization %d: %w", actor, o.OrgID, errs.ErrForbidden)
	}
	o.Title = strings.TrimSpace(o.Title)
	if o.Title == "" {
		return nil, fmt.Errorf("title is required: %w", errs.ErrValidation)
	}

	id, err := s.store.CreateOpportunity(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("create opportunity: %w", err)
	}
	o.ID = id
	s.audit.Record(ctx, models.EntityOpportunity, id, models.ActionCreated, actor, o.Title)

	if o.Active {
		s.opportunityActivated(ctx, id)
	}
	return o, nil
}

// OpportunityPatch carries the fields to change. Nil fields are left alone.
type OpportunityPatch struct {
	Title          *string
	Description    *string
	RequiredSkills *string
	Active         *bool
	EndDate        *time.Time
	ClearEndDate   bool
}

// UpdateOpportunity applies p. Listeners are notified when the opportunity
// is reactivated or its scoring text changes while active.
func (s *Service) UpdateOpportunity(ctx context.Context, actor models.Principal, id int64, p OpportunityPatch) (*models.Opportunity, error) {
	o, err := s.store.GetOpportunity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	if o == nil {
		return nil, fmt.Errorf("opportunity %d: %w", id, errs.ErrNotFound)
	}
	if !allowed(actor, models.RoleOrganization, o.OrgID) {
		return nil, fmt.Errorf("%s cannot edit opportunity %d: %w", actor, id, errs.ErrForbidden)
	}

	wasActive := o.Active
	before := o.ScoringText()
	if p.Title != nil {
		o.Title = strings.TrimSpace(*p.Title)
		if o.Title == "" {
			return nil, fmt.Errorf("title is required: %w", errs.ErrValidation)
		}
	}
	if p.Description != nil {
		o.Description = *p.Description
	}
	if p.RequiredSkills != nil {
		o.RequiredSkills = *p.RequiredSkills
	}
	if p.Active != nil {
		o.Active = *p.Active
	}
	switch {
	case p.ClearEndDate:
		o.EndDate = nil
	case p.EndDate != nil:
		end := p.EndDate.UTC()
		o.EndDate = &end
	}

	if err := s.store.UpdateOpportunity(ctx, o); err != nil {
		return nil, fmt.Errorf("update opportunity: %w", err)
	}
	s.audit.Record(ctx, models.EntityOpportunity, id, models.ActionUpdated, actor, o.Title)

	reactivated := o.Active && !wasActive
	textChanged := o.Active && o.ScoringText() != before
	if reactivated || textChanged {
		s.opportunityActivated(ctx, id)
	}
	return o, nil
}

// DeleteOpportunity removes an opportunity together with its score records.
func (s *Service) DeleteOpportunity(ctx context.Context, actor models.Principal, id int64) error {
	o, err := s.store.GetOpportunity(ctx, id)
	if err != nil {
		return fmt.Errorf("get opportunity: %w", err)
	}
	if o == nil {
		return fmt.Errorf("opportunity %d: %w", id, errs.ErrNotFound)
	}
	if !allowed(actor, models.RoleOrganization, o.OrgID) {
		return fmt.Errorf("%s cannot delete opportunity %d: %w", actor, id, errs.ErrForbidden)
	}

	removed, err := s.store.DeleteOpportunity(ctx, id)
	if err != nil {
		return fmt.Errorf("delete opportunity: %w", err)
	}
	s.auditDeletedScores(ctx, actor, removed, fmt.Sprintf("opportunity %d deleted", id))
	s.audit.Record(ctx, models.EntityOpportunity, id, models.ActionDeleted, actor, o.Title)
	s.logger.Info("opportunity deleted", "opportunity_id", id, "score_records", len(removed))
	return nil
}

// ExpireOpportunities deactivates active opportunities whose end date is
// before now and returns their IDs. Score records are kept.
func (s *Service) ExpireOpportunities(ctx context.Context, now time.Time) ([]int64, error) {
	expired, err := s.store.ListExpiredOpportunities(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired opportunities: %w", err)
	}
	ids := make([]int64, 0, len(expired))
	for i := range expired {
		o := &expired[i]
		o.Active = false
		if err := s.store.UpdateOpportunity(ctx, o); err != nil {
			return ids, fmt.Errorf("deactivate opportunity %d: %w", o.ID, err)
		}
		s.audit.Record(ctx, models.EntityOpportunity, o.ID, models.ActionUpdated, models.SystemPrincipal, "expired")
		ids = append(ids, o.ID)
	}
	if len(ids) > 0 {
		s.logger.Info("opportunities expired", "count", len(ids))
	}
	return ids, nil
}

func (s *Service) auditDeletedScores(ctx context.Context, actor models.Principal, ids []int64, summary string) {
	for _, id := range ids {
		s.audit.Record(ctx, models.EntityScoreRecord, id, models.ActionDeleted, actor, summary)
	}
}

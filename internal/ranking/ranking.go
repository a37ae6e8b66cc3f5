// Package ranking serves the per-resume and per-opportunity top-N views and
// the organization-driven candidate status workflow.
package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/garnizeh/volunteer-match/internal/audit"
	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/notify"
	"github.com/garnizeh/volunteer-match/pkg/repository"
)

type Store interface {
	GetResume(ctx context.Context, id int64) (*models.Resume, error)
	GetOpportunity(ctx context.Context, id int64) (*models.Opportunity, error)
	repository.ScoreRepo
}

// Limits are the default list sizes used when a caller passes limit <= 0.
type Limits struct {
	Matches    int
	Candidates int
}

type Engine struct {
	store      Store
	audit      *audit.Recorder
	dispatcher notify.Dispatcher
	logger     *slog.Logger
	limits     Limits
	now        func() time.Time
}

func New(store Store, rec *audit.Recorder, dispatcher notify.Dispatcher, logger *slog.Logger, limits Limits) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(logger)
	}
	if limits.Matches <= 0 {
		limits.Matches = 5
	}
	if limits.Candidates <= 0 {
		limits.Candidates = 10
	}
	return &Engine{store: store, audit: rec, dispatcher: dispatcher, logger: logger, limits: limits, now: time.Now}
}

// TopMatchesForResume lists the best scored active opportunities for a resume.
func (e *Engine) TopMatchesForResume(ctx context.Context, resumeID int64, limit int) ([]models.ScoreRecord, error) {
	r, err := e.store.GetResume(ctx, resumeID)
	if err != nil {
		return nil, fmt.Errorf("get resume: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("resume %d: %w", resumeID, errs.ErrNotFound)
	}
	if limit <= 0 {
		limit = e.limits.Matches
	}
	out, err := e.store.ListTopForResume(ctx, resumeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return out, nil
}

// TopCandidatesForOpportunity lists the best scored resumes for an
// opportunity, dropping those below minScore.
func (e *Engine) TopCandidatesForOpportunity(ctx context.Context, opportunityID int64, limit int, minScore float64) ([]models.Candidate, error) {
	if minScore < 0 || minScore > 100 {
		return nil, fmt.Errorf("min score %.1f out of range: %w", minScore, errs.ErrValidation)
	}
	o, err := e.store.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	if o == nil {
		return nil, fmt.Errorf("opportunity %d: %w", opportunityID, errs.ErrNotFound)
	}
	if limit <= 0 {
		limit = e.limits.Candidates
	}
	out, err := e.store.ListTopForOpportunity(ctx, opportunityID, limit, minScore)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return out, nil
}

// UpdateCandidateStatus records an organization's decision on a candidate.
// Checks run in order: the record must exist, the actor must own the
// opportunity, and the status must be a decided one.
func (e *Engine) UpdateCandidateStatus(ctx context.Context, scoreRecordID int64, newStatus string, actorOrgID int64) (*models.ScoreRecord, error) {
	rec, err := e.store.GetScore(ctx, scoreRecordID)
	if err != nil {
		return nil, fmt.Errorf("get score record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("score record %d: %w", scoreRecordID, errs.ErrNotFound)
	}
	opp, err := e.store.GetOpportunity(ctx, rec.OpportunityID)
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	if opp == nil {
		return nil, fmt.Errorf("opportunity %d: %w", rec.OpportunityID, errs.ErrNotFound)
	}
	if opp.OrgID != actorOrgID {
		return nil, fmt.Errorf("organization %d does not own opportunity %d: %w", actorOrgID, opp.ID, errs.ErrForbidden)
	}
	status, err := models.ParseCandidateStatus(newStatus)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	if !status.Decided() {
		return nil, fmt.Errorf("status %q cannot be assigned: %w", status, errs.ErrValidation)
	}

	at := e.now().UTC()
	if err := e.store.UpdateCandidateStatus(ctx, rec.ID, status, actorOrgID, at); err != nil {
		return nil, fmt.Errorf("update candidate status: %w", err)
	}
	previous := rec.Status
	rec.Status = status
	rec.StatusUpdated = &at
	rec.StatusBy = &actorOrgID

	actor := models.Principal{ID: actorOrgID, Role: models.RoleOrganization}
	e.audit.Record(ctx, models.EntityScoreRecord, rec.ID, models.ActionUpdated, actor,
		fmt.Sprintf("status %s -> %s", previous, status))

	ownerID := int64(0)
	if r, err := e.store.GetResume(ctx, rec.ResumeID); err != nil {
		e.logger.Warn("resolve resume owner failed", "resume_id", rec.ResumeID, "err", err)
	} else if r != nil {
		ownerID = r.OwnerID
	}
	ev := notify.Event{
		Kind:          notify.KindCandidateStatusChanged,
		ScoreRecordID: rec.ID,
		NewStatus:     status,
		OpportunityID: rec.OpportunityID,
		ResumeOwnerID: ownerID,
		OccurredAt:    at,
	}
	if err := e.dispatcher.Dispatch(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Error("notification dispatch failed", "score_record_id", rec.ID, "err", err)
	}
	return rec, nil
}

// Package trigger decides when a resume or opportunity change requires a
// rescoring fan-out and starts it, either inline or through the job queue.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/jobs"
	"github.com/garnizeh/volunteer-match/internal/lifecycle"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/scoring"
)

// Job types processed by the worker pool.
const (
	JobRescoreResume      = "scoring.resume"
	JobRescoreOpportunity = "scoring.opportunity"
)

var _ lifecycle.Listener = (*Observer)(nil)

type Rescorer interface {
	RescoreForResume(ctx context.Context, resumeID int64) (*scoring.Report, error)
	RescoreForOpportunity(ctx context.Context, opportunityID int64) (*scoring.Report, error)
}

// Enqueuer persists a background job. *jobs.WorkerPool satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ string, payload any, priority int, maxAttempts int) (int64, error)
}

type Store interface {
	GetResume(ctx context.Context, id int64) (*models.Resume, error)
	GetOpportunity(ctx context.Context, id int64) (*models.Opportunity, error)
}

type resumePayload struct {
	ResumeID int64 `json:"resume_id"`
}

type opportunityPayload struct {
	OpportunityID int64 `json:"opportunity_id"`
}

// Observer implements lifecycle.Listener. Exactly one of rescorer or queue is set.
type Observer struct {
	store       Store
	rescorer    Rescorer
	queue       Enqueuer
	maxAttempts int
	logger      *slog.Logger
}

// NewInline runs fan-outs synchronously inside the triggering call.
func NewInline(store Store, rescorer Rescorer, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{store: store, rescorer: rescorer, logger: logger}
}

// NewQueued enqueues fan-outs as background jobs.
func NewQueued(store Store, queue Enqueuer, maxAttempts int, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Observer{store: store, queue: queue, maxAttempts: maxAttempts, logger: logger}
}

// OnResumeTextReady starts a fan-out for a current resume with text.
// Inactive or empty resumes are ignored.
func (o *Observer) OnResumeTextReady(ctx context.Context, resumeID int64) error {
	r, err := o.store.GetResume(ctx, resumeID)
	if err != nil {
		return fmt.Errorf("get resume: %w", err)
	}
	if r == nil {
		return fmt.Errorf("resume %d: %w", resumeID, errs.ErrNotFound)
	}
	if !r.Active || !r.HasText() {
		o.logger.Debug("resume not scorable, trigger skipped", "resume_id", resumeID)
		return nil
	}

	if o.queue != nil {
		id, err := o.queue.Enqueue(ctx, JobRescoreResume, resumePayload{ResumeID: resumeID}, 0, o.maxAttempts)
		if err != nil {
			return fmt.Errorf("enqueue resume rescore: %w", err)
		}
		o.logger.Info("resume rescore queued", "resume_id", resumeID, "job_id", id)
		return nil
	}
	_, err = o.rescorer.RescoreForResume(ctx, resumeID)
	return err
}

// OnOpportunityActivated starts a fan-out for an active opportunity.
func (o *Observer) OnOpportunityActivated(ctx context.Context, opportunityID int64) error {
	opp, err := o.store.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return fmt.Errorf("get opportunity: %w", err)
	}
	if opp == nil {
		return fmt.Errorf("opportunity %d: %w", opportunityID, errs.ErrNotFound)
	}
	if !opp.Active {
		o.logger.Debug("opportunity inactive, trigger skipped", "opportunity_id", opportunityID)
		return nil
	}

	if o.queue != nil {
		id, err := o.queue.Enqueue(ctx, JobRescoreOpportunity, opportunityPayload{OpportunityID: opportunityID}, 0, o.maxAttempts)
		if err != nil {
			return fmt.Errorf("enqueue opportunity rescore: %w", err)
		}
		o.logger.Info("opportunity rescore queued", "opportunity_id", opportunityID, "job_id", id)
		return nil
	}
	_, err = o.rescorer.RescoreForOpportunity(ctx, opportunityID)
	return err
}

// Registrar accepts job handlers. *jobs.WorkerPool satisfies it.
type Registrar interface {
	Register(typ string, h jobs.Handler)
}

// RegisterHandlers wires the rescoring job types to rescorer. Jobs for
// entities that were deleted or became unscorable complete without work.
func RegisterHandlers(r Registrar, rescorer Rescorer, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.Register(JobRescoreResume, func(ctx context.Context, j *models.BackgroundJob) error {
		var p resumePayload
		if err := json.Unmarshal(j.Payload, &p); err != nil || p.ResumeID == 0 {
			return fmt.Errorf("bad %s payload %s: %w", j.Type, j.Payload, jobs.ErrPermanent)
		}
		rep, err := rescorer.RescoreForResume(ctx, p.ResumeID)
		return settle(logger, j, rep, err)
	})
	r.Register(JobRescoreOpportunity, func(ctx context.Context, j *models.BackgroundJob) error {
		var p opportunityPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil || p.OpportunityID == 0 {
			return fmt.Errorf("bad %s payload %s: %w", j.Type, j.Payload, jobs.ErrPermanent)
		}
		rep, err := rescorer.RescoreForOpportunity(ctx, p.OpportunityID)
		return settle(logger, j, rep, err)
	})
}

// settle maps a rescore outcome to a job outcome. A fan-out that skipped pairs
// is retried so the remaining pairs are scored by a later run.
func settle(logger *slog.Logger, j *models.BackgroundJob, rep *scoring.Report, err error) error {
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrValidation) {
		logger.Info("rescore job has nothing to do", "job_id", j.ID, "type", j.Type, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}
	if rep != nil && rep.Skipped > 0 {
		return fmt.Errorf("%s %d: %d of %d pairs skipped", rep.EntityKind, rep.EntityID, rep.Skipped, rep.Attempted+rep.Skipped)
	}
	return nil
}

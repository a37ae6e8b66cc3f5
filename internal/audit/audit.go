// Package audit appends change-log entries for resumes, opportunities and
// score records. Writes are attempted synchronously but never fail the
// operation being audited.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/pkg/repository"
)

type Recorder struct {
	repo   repository.AuditRepo
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(repo repository.AuditRepo, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger, now: time.Now}
}

// Record appends one entry. A failed write is logged at error level and
// otherwise ignored.
func (r *Recorder) Record(ctx context.Context, kind models.EntityKind, id int64, action models.AuditAction, actor models.Principal, summary string) {
	if r == nil || r.repo == nil {
		return
	}
	e := &models.AuditEntry{
		EventID:    uuid.NewString(),
		EntityKind: kind,
		EntityID:   id,
		Action:     action,
		Actor:      actor.String(),
		Summary:    summary,
		Created:    r.now().UTC(),
	}
	if _, err := r.repo.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Error("audit write failed",
			"event_id", e.EventID,
			"entity_kind", kind,
			"entity_id", id,
			"action", action,
			"err", err)
	}
}

// List returns audit entries newest first.
func (r *Recorder) List(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	return r.repo.ListAudit(ctx, f)
}

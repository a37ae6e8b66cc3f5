// Package notify delivers candidate status events to volunteers through an
// external dispatcher.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/garnizeh/volunteer-match/internal/models"
)

const KindCandidateStatusChanged = "candidateStatusChanged"

type Event struct {
	Kind          string                 `json:"kind"`
	ScoreRecordID int64                  `json:"score_record_id"`
	NewStatus     models.CandidateStatus `json:"new_status"`
	OpportunityID int64                  `json:"opportunity_id"`
	ResumeOwnerID int64                  `json:"resume_owner_id"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

// Dispatcher hands an event to the delivery channel. Callers treat errors as
// non-fatal.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// LogDispatcher only logs events. It is used when no broker is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, e Event) error {
	d.logger.Info("notification",
		"kind", e.Kind,
		"score_record_id", e.ScoreRecordID,
		"new_status", e.NewStatus,
		"opportunity_id", e.OpportunityID,
		"resume_owner_id", e.ResumeOwnerID)
	return nil
}

package repository

import (
	"context"
	"time"

	"github.com/garnizeh/volunteer-match/internal/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.
// Getters return (nil, nil) when the entity does not exist.

// ResumeReplacement reports what an upload superseded.
type ResumeReplacement struct {
	ID              int64
	SupersededID    int64
	RemovedScoreIDs []int64
}

type ResumeRepo interface {
	// ReplaceResume stores r as the owner's current resume, deleting any previous one and its score records.
	ReplaceResume(ctx context.Context, r *models.Resume) (*ResumeReplacement, error)
	GetResume(ctx context.Context, id int64) (*models.Resume, error)
	GetActiveResumeByOwner(ctx context.Context, ownerID int64) (*models.Resume, error)
	UpdateResumeText(ctx context.Context, id int64, text string) error
	ListScorableResumes(ctx context.Context) ([]models.Resume, error)
	DeleteResume(ctx context.Context, id int64) ([]int64, error)
}

type OpportunityRepo interface {
	CreateOpportunity(ctx context.Context, o *models.Opportunity) (int64, error)
	GetOpportunity(ctx context.Context, id int64) (*models.Opportunity, error)
	UpdateOpportunity(ctx context.Context, o *models.Opportunity) error
	ListActiveOpportunities(ctx context.Context) ([]models.Opportunity, error)
	ListExpiredOpportunities(ctx context.Context, now time.Time) ([]models.Opportunity, error)
	DeleteOpportunity(ctx context.Context, id int64) ([]int64, error)
}

type ScoreRepo interface {
	// UpsertScore writes score fields keyed on (resume, opportunity). Status is
	// only set on insert. A write older than the stored computed_at returns
	// Applied=false together with errs.ErrConflict.
	UpsertScore(ctx context.Context, rec *models.ScoreRecord) (models.UpsertResult, error)
	GetScore(ctx context.Context, id int64) (*models.ScoreRecord, error)
	GetScoreByPair(ctx context.Context, resumeID, opportunityID int64) (*models.ScoreRecord, error)
	ListTopForResume(ctx context.Context, resumeID int64, limit int) ([]models.ScoreRecord, error)
	ListTopForOpportunity(ctx context.Context, opportunityID int64, limit int, minScore float64) ([]models.Candidate, error)
	UpdateCandidateStatus(ctx context.Context, id int64, status models.CandidateStatus, actorID int64, at time.Time) error
	ListScores(ctx context.Context) ([]models.ScoreRecord, error)
	UpdateGrade(ctx context.Context, id int64, grade string) error
	ScoringStats(ctx context.Context) (*models.ScoringStats, error)
	// ListUnscoredPairs returns every current resume with text paired with
	// every active opportunity that has no score record yet.
	ListUnscoredPairs(ctx context.Context) ([]models.PairRef, error)
}

type AuditRepo interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) (int64, error)
	ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)
}

type JobRepo interface {
	Enqueue(ctx context.Context, j *models.BackgroundJob) (int64, error)
	FetchNext(ctx context.Context) (*models.BackgroundJob, error)
	UpdateJob(ctx context.Context, j *models.BackgroundJob) error
	MoveToDeadLetter(ctx context.Context, j *models.BackgroundJob) error
	// RequeueRunning returns every job left in running to queued and reports
	// how many it moved.
	RequeueRunning(ctx context.Context) (int64, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	ResumeRepo
	OpportunityRepo
	ScoreRepo
	AuditRepo
	JobRepo
}

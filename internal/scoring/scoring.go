// Package scoring fans score computations out to the oracle and persists the
// results. A failing pair never aborts its siblings; every outcome is counted
// in a Report.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/garnizeh/volunteer-match/internal/audit"
	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/grading"
	"github.com/garnizeh/volunteer-match/internal/jobs"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/oracle"
	"github.com/garnizeh/volunteer-match/pkg/repository"
)

// Scorer is the oracle surface the orchestrator needs.
type Scorer interface {
	Score(ctx context.Context, resumeText, opportunityText string) (*oracle.Result, error)
	Model() string
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	repository.ResumeRepo
	repository.OpportunityRepo
	repository.ScoreRepo
}

type Options struct {
	Concurrency int
	MaxAttempts int
	// Backoff scales the jobs.BackoffDuration curve: attempt n waits Backoff*2^(n-1).
	Backoff time.Duration
}

// Failure is one pair that could not be scored.
type Failure struct {
	ResumeID      int64  `json:"resume_id"`
	OpportunityID int64  `json:"opportunity_id"`
	Err           string `json:"error"`
}

// Report summarises one fan-out.
type Report struct {
	EntityKind models.EntityKind `json:"entity_kind"`
	EntityID   int64             `json:"entity_id"`
	Attempted  int               `json:"attempted"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Stale      int               `json:"stale"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Failures   []Failure         `json:"failures,omitempty"`
}

type Orchestrator struct {
	store  Store
	scorer Scorer
	audit  *audit.Recorder
	logger *slog.Logger
	opts   Options
	locks  *keyedLock
	now    func() time.Time
}

func New(store Store, scorer Scorer, rec *audit.Recorder, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &Orchestrator{
		store:  store,
		scorer: scorer,
		audit:  rec,
		logger: logger,
		opts:   opts,
		locks:  newKeyedLock(),
		now:    time.Now,
	}
}

// errSkipped marks a pair whose retry was abandoned because ctx ended.
var errSkipped = errors.New("scoring skipped")

type pair struct {
	resume models.Resume
	opp    models.Opportunity
}

// RescoreForResume scores the resume against every active opportunity.
func (o *Orchestrator) RescoreForResume(ctx context.Context, resumeID int64) (*Report, error) {
	unlock, err := o.locks.lock(ctx, fmt.Sprintf("resume:%d", resumeID))
	if err != nil {
		return nil, fmt.Errorf("wait for resume %d: %w", resumeID, err)
	}
	defer unlock()

	r, err := o.store.GetResume(ctx, resumeID)
	if err != nil {
		return nil, fmt.Errorf("get resume: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("resume %d: %w", resumeID, errs.ErrNotFound)
	}
	if !r.Active {
		return nil, fmt.Errorf("resume %d is not current: %w", resumeID, errs.ErrValidation)
	}
	if !r.HasText() {
		return nil, fmt.Errorf("resume %d has no extracted text: %w", resumeID, errs.ErrValidation)
	}

	opps, err := o.store.ListActiveOpportunities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active opportunities: %w", err)
	}
	pairs := make([]pair, 0, len(opps))
	for _, opp := range opps {
		pairs = append(pairs, pair{resume: *r, opp: opp})
	}

	rep := &Report{EntityKind: models.EntityResume, EntityID: resumeID}
	o.fanOut(ctx, rep, pairs)
	return rep, nil
}

// RescoreForOpportunity scores the opportunity against every current resume
// that has extracted text.
func (o *Orchestrator) RescoreForOpportunity(ctx context.Context, opportunityID int64) (*Report, error) {
	unlock, err := o.locks.lock(ctx, fmt.Sprintf("opportunity:%d", opportunityID))
	if err != nil {
		return nil, fmt.Errorf("wait for opportunity %d: %w", opportunityID, err)
	}
	defer unlock()

	opp, err := o.store.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	if opp == nil {
		return nil, fmt.Errorf("opportunity %d: %w", opportunityID, errs.ErrNotFound)
	}
	if !opp.Active {
		return nil, fmt.Errorf("opportunity %d is not active: %w", opportunityID, errs.ErrValidation)
	}

	resumes, err := o.store.ListScorableResumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scorable resumes: %w", err)
	}
	pairs := make([]pair, 0, len(resumes))
	for _, r := range resumes {
		pairs = append(pairs, pair{resume: r, opp: *opp})
	}

	rep := &Report{EntityKind: models.EntityOpportunity, EntityID: opportunityID}
	o.fanOut(ctx, rep, pairs)
	return rep, nil
}

// ScoreUnscored scores every current resume against every active opportunity
// it has no record for. Pairs that already have a score never reach the oracle.
func (o *Orchestrator) ScoreUnscored(ctx context.Context) (*Report, error) {
	refs, err := o.store.ListUnscoredPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unscored pairs: %w", err)
	}

	resumes := map[int64]*models.Resume{}
	opps := map[int64]*models.Opportunity{}
	pairs := make([]pair, 0, len(refs))
	for _, ref := range refs {
		r, ok := resumes[ref.ResumeID]
		if !ok {
			if r, err = o.store.GetResume(ctx, ref.ResumeID); err != nil {
				return nil, fmt.Errorf("get resume: %w", err)
			}
			resumes[ref.ResumeID] = r
		}
		opp, ok := opps[ref.OpportunityID]
		if !ok {
			if opp, err = o.store.GetOpportunity(ctx, ref.OpportunityID); err != nil {
				return nil, fmt.Errorf("get opportunity: %w", err)
			}
			opps[ref.OpportunityID] = opp
		}
		// Deleted between listing and loading.
		if r == nil || opp == nil {
			continue
		}
		pairs = append(pairs, pair{resume: *r, opp: *opp})
	}

	rep := &Report{}
	o.fanOut(ctx, rep, pairs)
	return rep, nil
}

// ScorePair rescores a single pair and returns the stored record. Unlike a
// fan-out, every failure is returned to the caller.
func (o *Orchestrator) ScorePair(ctx context.Context, resumeID, opportunityID int64) (*models.ScoreRecord, error) {
	r, err := o.store.GetResume(ctx, resumeID)
	if err != nil {
		return nil, fmt.Errorf("get resume: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("resume %d: %w", resumeID, errs.ErrNotFound)
	}
	opp, err := o.store.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	if opp == nil {
		return nil, fmt.Errorf("opportunity %d: %w", opportunityID, errs.ErrNotFound)
	}

	res, err := o.score(ctx, pair{resume: *r, opp: *opp})
	if err != nil {
		return nil, err
	}
	return o.store.GetScore(ctx, res.ID)
}

func (o *Orchestrator) fanOut(ctx context.Context, rep *Report, pairs []pair) {
	start := time.Now()
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)

	for i, p := range pairs {
		if ctx.Err() != nil {
			mu.Lock()
			rep.Skipped += len(pairs) - i
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				rep.Skipped++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			rep.Attempted++
			mu.Unlock()

			res, err := o.score(ctx, p)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errSkipped):
				rep.Attempted--
				rep.Skipped++
			case errors.Is(err, errs.ErrConflict):
				rep.Stale++
			case err != nil:
				rep.Failed++
				rep.Failures = append(rep.Failures, Failure{ResumeID: p.resume.ID, OpportunityID: p.opp.ID, Err: err.Error()})
				o.logger.Warn("pair scoring failed", "resume_id", p.resume.ID, "opportunity_id", p.opp.ID, "err", err)
			case res.Created:
				rep.Created++
			default:
				rep.Updated++
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("rescore finished",
		"entity_kind", rep.EntityKind,
		"entity_id", rep.EntityID,
		"attempted", rep.Attempted,
		"created", rep.Created,
		"updated", rep.Updated,
		"stale", rep.Stale,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"duration_ms", time.Since(start).Milliseconds())
}

// score calls the oracle with retries and upserts the result. Once the first
// call is dispatched the pair runs to completion even if ctx is cancelled;
// cancellation only prevents further retries.
func (o *Orchestrator) score(ctx context.Context, p pair) (models.UpsertResult, error) {
	dctx := context.WithoutCancel(ctx)

	var (
		res        *oracle.Result
		computedAt time.Time
		err        error
	)
	for attempt := 1; ; attempt++ {
		computedAt = o.now().UTC()
		res, err = o.scorer.Score(dctx, p.resume.ExtractedText, p.opp.ScoringText())
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrScoringUnavailable) || attempt >= o.opts.MaxAttempts {
			return models.UpsertResult{}, fmt.Errorf("score resume %d against opportunity %d: %w", p.resume.ID, p.opp.ID, err)
		}
		o.logger.Debug("oracle unavailable, retrying", "resume_id", p.resume.ID, "opportunity_id", p.opp.ID, "attempt", attempt, "err", err)
		if !sleep(ctx, o.backoff(attempt)) {
			return models.UpsertResult{}, fmt.Errorf("score resume %d against opportunity %d: %w: %w", p.resume.ID, p.opp.ID, errSkipped, err)
		}
	}

	model := res.Model
	if model == "" {
		model = o.scorer.Model()
	}
	rec := &models.ScoreRecord{
		ResumeID:       p.resume.ID,
		OpportunityID:  p.opp.ID,
		Overall:        res.Overall,
		Skills:         res.Skills,
		Experience:     res.Experience,
		Education:      res.Education,
		Recommendation: res.Recommendation,
		KeyStrength:    res.KeyStrength,
		Concerns:       res.Concerns,
		Model:          model,
		ComputedAt:     computedAt,
	}
	out, err := o.store.UpsertScore(dctx, rec)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			o.logger.Info("stale score discarded", "resume_id", p.resume.ID, "opportunity_id", p.opp.ID, "computed_at", computedAt)
		}
		return out, fmt.Errorf("upsert score: %w", err)
	}

	action := models.ActionUpdated
	if out.Created {
		action = models.ActionCreated
	}
	o.audit.Record(dctx, models.EntityScoreRecord, out.ID, action, models.SystemPrincipal,
		fmt.Sprintf("resume=%d opportunity=%d overall=%.1f grade=%s", p.resume.ID, p.opp.ID, rec.Overall, rec.Grade))
	return out, nil
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	return o.opts.Backoff * (jobs.BackoffDuration(attempt-1) / time.Second)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Regrade recomputes the grade of every stored score record from its overall
// score and rewrites the ones that drifted. It returns how many changed.
func (o *Orchestrator) Regrade(ctx context.Context) (int, error) {
	recs, err := o.store.ListScores(ctx)
	if err != nil {
		return 0, fmt.Errorf("list scores: %w", err)
	}
	changed := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		g := grading.Grade(rec.Overall)
		if g == rec.Grade {
			continue
		}
		if err := o.store.UpdateGrade(ctx, rec.ID, g); err != nil {
			return changed, fmt.Errorf("update grade of score record %d: %w", rec.ID, err)
		}
		o.audit.Record(ctx, models.EntityScoreRecord, rec.ID, models.ActionUpdated, models.SystemPrincipal,
			fmt.Sprintf("grade %s -> %s", rec.Grade, g))
		changed++
	}
	o.logger.Info("regrade finished", "records", len(recs), "changed", changed)
	return changed, nil
}

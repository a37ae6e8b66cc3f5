// Package mock provides an in-memory repository.Store for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/grading"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/pkg/repository"
)

var _ repository.Store = (*Store)(nil)

// Store keeps every entity in maps guarded by a single mutex. The exported
// error fields let tests force failures on specific calls.
type Store struct {
	mu sync.Mutex

	nextID        int64
	resumes       map[int64]*models.Resume
	opportunities map[int64]*models.Opportunity
	scores        map[int64]*models.ScoreRecord
	audit         []models.AuditEntry
	jobs          map[int64]*models.BackgroundJob
	deadLetters   []models.BackgroundJob

	UpsertErr error
	AuditErr  error
	StatusErr error
	Upserts   int
}

func NewStore() *Store {
	return &Store{
		resumes:       map[int64]*models.Resume{},
		opportunities: map[int64]*models.Opportunity{},
		scores:        map[int64]*models.ScoreRecord{},
		jobs:          map[int64]*models.BackgroundJob{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// PutResume inserts a resume as-is, bypassing supersede semantics.
func (s *Store) PutResume(r models.Resume) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	s.resumes[r.ID] = &r
	return r.ID
}

// PutOpportunity inserts an opportunity as-is.
func (s *Store) PutOpportunity(o models.Opportunity) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.id()
	}
	s.opportunities[o.ID] = &o
	return o.ID
}

// PutScore inserts a score record as-is.
func (s *Store) PutScore(rec models.ScoreRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = s.id()
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	s.scores[rec.ID] = &rec
	return rec.ID
}

// Scores returns a snapshot of all score records ordered by ID.
func (s *Store) Scores() []models.ScoreRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedScores(func(*models.ScoreRecord) bool { return true })
}

// Audit returns a snapshot of the audit log in append order.
func (s *Store) Audit() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.audit...)
}

// Jobs returns a snapshot of queued jobs ordered by ID.
func (s *Store) Jobs() []models.BackgroundJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BackgroundJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// DeadLetters returns the jobs moved to the dead letter list.
func (s *Store) DeadLetters() []models.BackgroundJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BackgroundJob(nil), s.deadLetters...)
}

func (s *Store) sortedScores(keep func(*models.ScoreRecord) bool) []models.ScoreRecord {
	var out []models.ScoreRecord
	for _, rec := range s.scores {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Store) dropScores(match func(*models.ScoreRecord) bool) []int64 {
	var ids []int64
	for id, rec := range s.scores {
		if match(rec) {
			ids = append(ids, id)
			delete(s.scores, id)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}

func (s *Store) ReplaceResume(ctx context.Context, r *models.Resume) (*repository.ResumeReplacement, error) {
	if r == nil {
		return nil, fmt.Errorf("resume is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &repository.ResumeReplacement{}
	for id, cur := range s.resumes {
		if cur.OwnerID == r.OwnerID && cur.Active {
			out.SupersededID = id
			out.RemovedScoreIDs = s.dropScores(func(rec *models.ScoreRecord) bool { return rec.ResumeID == id })
			delete(s.resumes, id)
		}
	}

	cp := *r
	cp.ID = s.id()
	cp.Active = true
	cp.Uploaded = time.Now().UTC()
	cp.Updated = cp.Uploaded
	s.resumes[cp.ID] = &cp
	*r = cp
	out.ID = cp.ID
	return out, nil
}

func (s *Store) GetResume(ctx context.Context, id int64) (*models.Resume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resumes[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) GetActiveResumeByOwner(ctx context.Context, ownerID int64) (*models.Resume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.resumes {
		if r.OwnerID == ownerID && r.Active {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateResumeText(ctx context.Context, id int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resumes[id]
	if !ok {
		return fmt.Errorf("resume %d: %w", id, errs.ErrNotFound)
	}
	r.ExtractedText = text
	r.Updated = time.Now().UTC()
	return nil
}

func (s *Store) ListScorableResumes(ctx context.Context) ([]models.Resume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Resume
	for _, r := range s.resumes {
		if r.Active && strings.TrimSpace(r.ExtractedText) != "" {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) DeleteResume(ctx context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resumes[id]; !ok {
		return nil, fmt.Errorf("resume %d: %w", id, errs.ErrNotFound)
	}
	delete(s.resumes, id)
	return s.dropScores(func(rec *models.ScoreRecord) bool { return rec.ResumeID == id }), nil
}

func (s *Store) CreateOpportunity(ctx context.Context, o *models.Opportunity) (int64, error) {
	if o == nil {
		return 0, fmt.Errorf("opportunity is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.id()
	o.Created = time.Now().UTC()
	o.Updated = o.Created
	cp := *o
	s.opportunities[cp.ID] = &cp
	return cp.ID, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id int64) (*models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.opportunities[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) UpdateOpportunity(ctx context.Context, o *models.Opportunity) error {
	if o == nil {
		return fmt.Errorf("opportunity is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opportunities[o.ID]; !ok {
		return fmt.Errorf("opportunity %d: %w", o.ID, errs.ErrNotFound)
	}
	o.Updated = time.Now().UTC()
	cp := *o
	s.opportunities[o.ID] = &cp
	return nil
}

func (s *Store) listOpportunities(keep func(*models.Opportunity) bool) []models.Opportunity {
	var out []models.Opportunity
	for _, o := range s.opportunities {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Store) ListActiveOpportunities(ctx context.Context) ([]models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOpportunities(func(o *models.Opportunity) bool { return o.Active }), nil
}

func (s *Store) ListExpiredOpportunities(ctx context.Context, at time.Time) ([]models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOpportunities(func(o *models.Opportunity) bool {
		return o.Active && o.EndDate != nil && o.EndDate.Before(at)
	}), nil
}

func (s *Store) DeleteOpportunity(ctx context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opportunities[id]; !ok {
		return nil, fmt.Errorf("opportunity %d: %w", id, errs.ErrNotFound)
	}
	delete(s.opportunities, id)
	return s.dropScores(func(rec *models.ScoreRecord) bool { return rec.OpportunityID == id }), nil
}

func (s *Store) UpsertScore(ctx context.Context, rec *models.ScoreRecord) (models.UpsertResult, error) {
	if rec == nil {
		return models.UpsertResult{}, fmt.Errorf("score record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upserts++
	if s.UpsertErr != nil {
		return models.UpsertResult{}, s.UpsertErr
	}
	if _, ok := s.resumes[rec.ResumeID]; !ok {
		return models.UpsertResult{}, fmt.Errorf("resume %d: %w", rec.ResumeID, errs.ErrNotFound)
	}
	if _, ok := s.opportunities[rec.OpportunityID]; !ok {
		return models.UpsertResult{}, fmt.Errorf("opportunity %d: %w", rec.OpportunityID, errs.ErrNotFound)
	}
	rec.Grade = grading.Grade(rec.Overall)

	for _, cur := range s.scores {
		if cur.ResumeID != rec.ResumeID || cur.OpportunityID != rec.OpportunityID {
			continue
		}
		if rec.ComputedAt.Before(cur.ComputedAt) {
			return models.UpsertResult{ID: cur.ID}, fmt.Errorf("score record %d has a newer computation: %w", cur.ID, errs.ErrConflict)
		}
		cur.Overall, cur.Skills, cur.Experience, cur.Education = rec.Overall, rec.Skills, rec.Experience, rec.Education
		cur.Grade = rec.Grade
		cur.Recommendation, cur.KeyStrength, cur.Concerns, cur.Model = rec.Recommendation, rec.KeyStrength, rec.Concerns, rec.Model
		cur.ComputedAt = rec.ComputedAt
		rec.ID = cur.ID
		return models.UpsertResult{ID: cur.ID, Applied: true}, nil
	}

	cp := *rec
	cp.ID = s.id()
	if cp.Status == "" {
		cp.Status = models.StatusPending
	}
	s.scores[cp.ID] = &cp
	rec.ID = cp.ID
	rec.Status = cp.Status
	return models.UpsertResult{ID: cp.ID, Created: true, Applied: true}, nil
}

func (s *Store) GetScore(ctx context.Context, id int64) (*models.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.scores[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) GetScoreByPair(ctx context.Context, resumeID, opportunityID int64) (*models.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.scores {
		if rec.ResumeID == resumeID && rec.OpportunityID == opportunityID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func rank(out []models.ScoreRecord) {
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Overall != out[k].Overall {
			return out[i].Overall > out[k].Overall
		}
		if !out[i].ComputedAt.Equal(out[k].ComputedAt) {
			return out[i].ComputedAt.After(out[k].ComputedAt)
		}
		return out[i].ID > out[k].ID
	})
}

func (s *Store) ListTopForResume(ctx context.Context, resumeID int64, limit int) ([]models.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedScores(func(rec *models.ScoreRecord) bool {
		o, ok := s.opportunities[rec.OpportunityID]
		return rec.ResumeID == resumeID && ok && o.Active
	})
	rank(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListTopForOpportunity(ctx context.Context, opportunityID int64, limit int, minScore float64) ([]models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.sortedScores(func(rec *models.ScoreRecord) bool {
		return rec.OpportunityID == opportunityID && rec.Overall >= minScore
	})
	rank(recs)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]models.Candidate, 0, len(recs))
	for _, rec := range recs {
		c := models.Candidate{ScoreRecord: rec}
		if r, ok := s.resumes[rec.ResumeID]; ok {
			c.ResumeOwnerID = r.OwnerID
		}
		for _, other := range s.scores {
			if other.ResumeID == rec.ResumeID && other.OpportunityID != rec.OpportunityID && other.Status == models.StatusAccepted {
				c.PlacedElsewhere = true
				break
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) UpdateCandidateStatus(ctx context.Context, id int64, status models.CandidateStatus, actorID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatusErr != nil {
		return s.StatusErr
	}
	rec, ok := s.scores[id]
	if !ok {
		return fmt.Errorf("score record %d: %w", id, errs.ErrNotFound)
	}
	rec.Status = status
	when := at.UTC()
	rec.StatusUpdated = &when
	rec.StatusBy = &actorID
	return nil
}

func (s *Store) ListScores(ctx context.Context) ([]models.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedScores(func(*models.ScoreRecord) bool { return true }), nil
}

func (s *Store) UpdateGrade(ctx context.Context, id int64, grade string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.scores[id]; ok {
		rec.Grade = grade
	}
	return nil
}

func (s *Store) ListUnscoredPairs(ctx context.Context) ([]models.PairRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scored := map[models.PairRef]bool{}
	for _, rec := range s.scores {
		scored[models.PairRef{ResumeID: rec.ResumeID, OpportunityID: rec.OpportunityID}] = true
	}
	var out []models.PairRef
	for _, r := range s.resumes {
		if !r.Active || strings.TrimSpace(r.ExtractedText) == "" {
			continue
		}
		for _, o := range s.opportunities {
			p := models.PairRef{ResumeID: r.ID, OpportunityID: o.ID}
			if o.Active && !scored[p] {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].ResumeID != out[k].ResumeID {
			return out[i].ResumeID < out[k].ResumeID
		}
		return out[i].OpportunityID < out[k].OpportunityID
	})
	return out, nil
}

func (s *Store) ScoringStats(ctx context.Context) (*models.ScoringStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &models.ScoringStats{ByStatus: map[models.CandidateStatus]int64{}}
	for _, r := range s.resumes {
		if !r.Active {
			continue
		}
		st.Resumes++
		if strings.TrimSpace(r.ExtractedText) == "" {
			continue
		}
		st.ResumesWithText++
		for _, o := range s.opportunities {
			if !o.Active {
				continue
			}
			scored := false
			for _, rec := range s.scores {
				if rec.ResumeID == r.ID && rec.OpportunityID == o.ID {
					scored = true
					break
				}
			}
			if !scored {
				st.UnscoredPairs++
			}
		}
	}
	for _, o := range s.opportunities {
		st.Opportunities++
		if o.Active {
			st.ActiveOpportunities++
		}
	}
	for _, rec := range s.scores {
		st.ScoreRecords++
		st.ByStatus[rec.Status]++
	}
	return st, nil
}

func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEntry) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("audit entry is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuditErr != nil {
		return 0, s.AuditErr
	}
	e.ID = s.id()
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	s.audit = append(s.audit, *e)
	return e.ID, nil
}

func (s *Store) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.EntityKind != "" && e.EntityKind != f.EntityKind {
			continue
		}
		if f.EntityID != 0 && e.EntityID != f.EntityID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Enqueue(ctx context.Context, j *models.BackgroundJob) (int64, error) {
	if j == nil {
		return 0, fmt.Errorf("job is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	j.ID = s.id()
	j.Status = "queued"
	cp := *j
	s.jobs[cp.ID] = &cp
	return cp.ID, nil
}

func (s *Store) FetchNext(ctx context.Context) (*models.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var next *models.BackgroundJob
	for _, j := range s.jobs {
		if j.Status != "queued" && j.Status != "retry" {
			continue
		}
		if j.NextTryAt != nil && j.NextTryAt.After(now) {
			continue
		}
		if next == nil || j.Priority < next.Priority || (j.Priority == next.Priority && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = "running"
	cp := *next
	return &cp, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *models.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *Store) MoveToDeadLetter(ctx context.Context, j *models.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, j.ID)
	s.deadLetters = append(s.deadLetters, *j)
	return nil
}

func (s *Store) RequeueRunning(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == "running" {
			j.Status = "queued"
			n++
		}
	}
	return n, nil
}

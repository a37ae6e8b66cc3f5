package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/grading"
	"github.com/garnizeh/volunteer-match/internal/models"
)

const scoreColumns = `s.id, s.resume_id, s.opportunity_id, s.overall, s.skills, s.experience, s.education, s.grade, s.recommendation, s.key_strength, s.concerns, s.model, s.status, s.status_updated, s.status_by, s.computed_at`

func scanScore(s scanner, extra ...any) (*models.ScoreRecord, error) {
	var (
		rec           models.ScoreRecord
		status        string
		statusUpdated sql.NullInt64
		statusBy      sql.NullInt64
		computedAt    int64
	)
	dest := []any{&rec.ID, &rec.ResumeID, &rec.OpportunityID, &rec.Overall, &rec.Skills, &rec.Experience, &rec.Education,
		&rec.Grade, &rec.Recommendation, &rec.KeyStrength, &rec.Concerns, &rec.Model, &status, &statusUpdated, &statusBy, &computedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	rec.Status = models.CandidateStatus(status)
	rec.StatusUpdated = timePtr(statusUpdated)
	if statusBy.Valid {
		by := statusBy.Int64
		rec.StatusBy = &by
	}
	rec.ComputedAt = fromNanos(computedAt)
	return &rec, nil
}

// UpsertScore inserts or refreshes the score fields of a pair. The grade is
// always derived from the overall score being written. Status columns are
// untouched on update, and an update whose computed_at is older than the
// stored one is rejected with errs.ErrConflict.
func (r *SQLiteRepo) UpsertScore(ctx context.Context, rec *models.ScoreRecord) (models.UpsertResult, error) {
	if rec == nil {
		return models.UpsertResult{}, fmt.Errorf("score record is nil")
	}
	rec.Grade = grading.Grade(rec.Overall)
	computedAt := rec.ComputedAt.UTC().UnixNano()

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM score_records WHERE resume_id = ? AND opportunity_id = ?`, rec.ResumeID, rec.OpportunityID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.UpsertResult{}, fmt.Errorf("lookup score record: %w", err)
	}

	var out models.UpsertResult
	if existing == 0 {
		status := rec.Status
		if status == "" {
			status = models.StatusPending
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO score_records (resume_id, opportunity_id, overall, skills, experience, education, grade, recommendation, key_strength, concerns, model, status, computed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ResumeID, rec.OpportunityID, rec.Overall, rec.Skills, rec.Experience, rec.Education, rec.Grade,
			rec.Recommendation, rec.KeyStrength, rec.Concerns, rec.Model, string(status), computedAt)
		if err != nil {
			if isForeignKeyViolation(err) {
				return models.UpsertResult{}, fmt.Errorf("resume %d or opportunity %d: %w", rec.ResumeID, rec.OpportunityID, errs.ErrNotFound)
			}
			return models.UpsertResult{}, fmt.Errorf("insert score record: %w", err)
		}
		if out.ID, err = res.LastInsertId(); err != nil {
			return models.UpsertResult{}, err
		}
		out.Created = true
		out.Applied = true
		rec.Status = status
	} else {
		res, err := tx.ExecContext(ctx, `UPDATE score_records SET overall = ?, skills = ?, experience = ?, education = ?, grade = ?, recommendation = ?, key_strength = ?, concerns = ?, model = ?, computed_at = ? WHERE id = ? AND computed_at <= ?`,
			rec.Overall, rec.Skills, rec.Experience, rec.Education, rec.Grade,
			rec.Recommendation, rec.KeyStrength, rec.Concerns, rec.Model, computedAt, existing, computedAt)
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("update score record: %w", err)
		}
		out.ID = existing
		n, err := res.RowsAffected()
		if err != nil {
			return models.UpsertResult{}, err
		}
		if n == 0 {
			return out, fmt.Errorf("score record %d has a newer computation: %w", existing, errs.ErrConflict)
		}
		out.Applied = true
	}

	if err := tx.Commit(); err != nil {
		return models.UpsertResult{}, err
	}
	rec.ID = out.ID
	return out, nil
}

func (r *SQLiteRepo) GetScore(ctx context.Context, id int64) (*models.ScoreRecord, error) {
	rec, err := scanScore(r.conn.QueryRow(ctx, `SELECT `+scoreColumns+` FROM score_records s WHERE s.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteRepo) GetScoreByPair(ctx context.Context, resumeID, opportunityID int64) (*models.ScoreRecord, error) {
	rec, err := scanScore(r.conn.QueryRow(ctx, `SELECT `+scoreColumns+` FROM score_records s WHERE s.resume_id = ? AND s.opportunity_id = ?`, resumeID, opportunityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListTopForResume orders by overall desc, newest computation first on ties,
// and only considers active opportunities.
func (r *SQLiteRepo) ListTopForResume(ctx context.Context, resumeID int64, limit int) ([]models.ScoreRecord, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := r.conn.QueryRows(ctx, `SELECT `+scoreColumns+` FROM score_records s JOIN opportunities o ON o.id = s.opportunity_id
		WHERE s.resume_id = ? AND o.active = 1
		ORDER BY s.overall DESC, s.computed_at DESC, s.id DESC LIMIT ?`, resumeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoreRecord
	for rows.Next() {
		rec, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListTopForOpportunity returns candidates at or above minScore. PlacedElsewhere
// is set when the same resume was accepted for a different opportunity.
func (r *SQLiteRepo) ListTopForOpportunity(ctx context.Context, opportunityID int64, limit int, minScore float64) ([]models.Candidate, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.conn.QueryRows(ctx, `SELECT `+scoreColumns+`, r.owner_id,
		EXISTS (SELECT 1 FROM score_records s2 WHERE s2.resume_id = s.resume_id AND s2.opportunity_id <> s.opportunity_id AND s2.status = 'accepted')
		FROM score_records s JOIN resumes r ON r.id = s.resume_id
		WHERE s.opportunity_id = ? AND s.overall >= ?
		ORDER BY s.overall DESC, s.computed_at DESC, s.id DESC LIMIT ?`, opportunityID, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		var (
			owner  int64
			placed int
		)
		rec, err := scanScore(rows, &owner, &placed)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Candidate{ScoreRecord: *rec, ResumeOwnerID: owner, PlacedElsewhere: placed == 1})
	}
	return out, rows.Err()
}

// UpdateCandidateStatus touches only the status columns.
func (r *SQLiteRepo) UpdateCandidateStatus(ctx context.Context, id int64, status models.CandidateStatus, actorID int64, at time.Time) error {
	res, err := r.conn.Exec(ctx, `UPDATE score_records SET status = ?, status_updated = ?, status_by = ? WHERE id = ?`, string(status), at.UTC().UnixNano(), actorID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("score record %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepo) ListScores(ctx context.Context) ([]models.ScoreRecord, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+scoreColumns+` FROM score_records s ORDER BY s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoreRecord
	for rows.Next() {
		rec, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) UpdateGrade(ctx context.Context, id int64, grade string) error {
	_, err := r.conn.Exec(ctx, `UPDATE score_records SET grade = ? WHERE id = ?`, grade, id)
	return err
}

const unscoredPairsFrom = `FROM resumes r CROSS JOIN opportunities o
	WHERE r.active = 1 AND TRIM(COALESCE(r.extracted_text, '')) <> '' AND o.active = 1
	AND NOT EXISTS (SELECT 1 FROM score_records s WHERE s.resume_id = r.id AND s.opportunity_id = o.id)`

func (r *SQLiteRepo) ListUnscoredPairs(ctx context.Context) ([]models.PairRef, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT r.id, o.id `+unscoredPairsFrom+` ORDER BY r.id, o.id`)
	if err != nil {
		return nil, fmt.Errorf("list unscored pairs: %w", err)
	}
	defer rows.Close()

	var out []models.PairRef
	for rows.Next() {
		var p models.PairRef
		if err := rows.Scan(&p.ResumeID, &p.OpportunityID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) ScoringStats(ctx context.Context) (*models.ScoringStats, error) {
	st := &models.ScoringStats{ByStatus: map[models.CandidateStatus]int64{}}

	counts := []struct {
		q   string
		dst *int64
	}{
		{`SELECT COUNT(*) FROM resumes WHERE active = 1`, &st.Resumes},
		{`SELECT COUNT(*) FROM resumes WHERE active = 1 AND TRIM(COALESCE(extracted_text, '')) <> ''`, &st.ResumesWithText},
		{`SELECT COUNT(*) FROM opportunities`, &st.Opportunities},
		{`SELECT COUNT(*) FROM opportunities WHERE active = 1`, &st.ActiveOpportunities},
		{`SELECT COUNT(*) FROM score_records`, &st.ScoreRecords},
		{`SELECT COUNT(*) ` + unscoredPairsFrom, &st.UnscoredPairs},
	}
	for _, c := range counts {
		if err := r.conn.QueryRow(ctx, c.q).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("scoring stats: %w", err)
		}
	}

	rows, err := r.conn.QueryRows(ctx, `SELECT status, COUNT(*) FROM score_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.ByStatus[models.CandidateStatus(status)] = n
	}
	return st, rows.Err()
}

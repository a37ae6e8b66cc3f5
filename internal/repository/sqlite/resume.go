package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/pkg/repository"
)

const resumeColumns = `id, owner_id, original_filename, extracted_text, active, uploaded, updated`

func scanResume(s scanner) (*models.Resume, error) {
	var (
		r        models.Resume
		text     sql.NullString
		active   int
		uploaded int64
		updated  int64
	)
	if err := s.Scan(&r.ID, &r.OwnerID, &r.OriginalFilename, &text, &active, &uploaded, &updated); err != nil {
		return nil, err
	}
	r.ExtractedText = text.String
	r.Active = active == 1
	r.Uploaded = fromNanos(uploaded)
	r.Updated = fromNanos(updated)
	return &r, nil
}

// ReplaceResume supersedes the owner's current resume inside one transaction so
// that at most one active resume exists per owner at any time.
func (r *SQLiteRepo) ReplaceResume(ctx context.Context, res *models.Resume) (*repository.ResumeReplacement, error) {
	if res == nil {
		return nil, fmt.Errorf("resume is nil")
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := &repository.ResumeReplacement{}
	var prev int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM resumes WHERE owner_id = ? AND active = 1`, res.OwnerID).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("find current resume: %w", err)
	default:
		removed, err := deleteResumeTx(ctx, tx, prev)
		if err != nil {
			return nil, err
		}
		out.SupersededID = prev
		out.RemovedScoreIDs = removed
	}

	ts := now()
	var text any
	if res.ExtractedText != "" {
		text = res.ExtractedText
	}
	result, err := tx.ExecContext(ctx, `INSERT INTO resumes (owner_id, original_filename, extracted_text, active, uploaded, updated) VALUES (?, ?, ?, 1, ?, ?)`,
		res.OwnerID, res.OriginalFilename, text, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("owner %d already has a current resume: %w", res.OwnerID, errs.ErrConflict)
		}
		return nil, fmt.Errorf("insert resume: %w", err)
	}
	if out.ID, err = result.LastInsertId(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	res.ID = out.ID
	res.Active = true
	res.Uploaded = fromNanos(ts)
	res.Updated = res.Uploaded
	return out, nil
}

func (r *SQLiteRepo) GetResume(ctx context.Context, id int64) (*models.Resume, error) {
	res, err := scanResume(r.conn.QueryRow(ctx, `SELECT `+resumeColumns+` FROM resumes WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func (r *SQLiteRepo) GetActiveResumeByOwner(ctx context.Context, ownerID int64) (*models.Resume, error) {
	res, err := scanResume(r.conn.QueryRow(ctx, `SELECT `+resumeColumns+` FROM resumes WHERE owner_id = ? AND active = 1`, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func (r *SQLiteRepo) UpdateResumeText(ctx context.Context, id int64, text string) error {
	result, err := r.conn.Exec(ctx, `UPDATE resumes SET extracted_text = ?, updated = ? WHERE id = ?`, text, now(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("resume %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepo) ListScorableResumes(ctx context.Context) ([]models.Resume, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+resumeColumns+` FROM resumes WHERE active = 1 AND TRIM(COALESCE(extracted_text, '')) <> '' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Resume
	for rows.Next() {
		res, err := scanResume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// DeleteResume removes the resume and its score records, returning the removed score IDs.
func (r *SQLiteRepo) DeleteResume(ctx context.Context, id int64) ([]int64, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	removed, err := deleteResumeTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

func deleteResumeTx(ctx context.Context, tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM score_records WHERE resume_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	removed, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM score_records WHERE resume_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete resume scores: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM resumes WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete resume: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("resume %d: %w", id, errs.ErrNotFound)
	}
	return removed, nil
}

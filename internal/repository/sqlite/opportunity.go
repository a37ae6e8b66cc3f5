package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/volunteer-match/internal/errs"
	"github.com/garnizeh/volunteer-match/internal/models"
)

const opportunityColumns = `id, org_id, title, description, required_skills, active, end_date, created, updated`

func scanOpportunity(s scanner) (*models.Opportunity, error) {
	var (
		o       models.Opportunity
		active  int
		endDate sql.NullInt64
		created int64
		updated int64
	)
	if err := s.Scan(&o.ID, &o.OrgID, &o.Title, &o.Description, &o.RequiredSkills, &active, &endDate, &created, &updated); err != nil {
		return nil, err
	}
	o.Active = active == 1
	o.EndDate = timePtr(endDate)
	o.Created = fromNanos(created)
	o.Updated = fromNanos(updated)
	return &o, nil
}

func (r *SQLiteRepo) CreateOpportunity(ctx context.Context, o *models.Opportunity) (int64, error) {
	if o == nil {
		return 0, fmt.Errorf("opportunity is nil")
	}

	ts := now()
	res, err := r.conn.Exec(ctx, `INSERT INTO opportunities (org_id, title, description, required_skills, active, end_date, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrgID, o.Title, o.Description, o.RequiredSkills, boolInt(o.Active), nullableNanos(o.EndDate), ts, ts)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	o.ID = id
	o.Created = fromNanos(ts)
	o.Updated = o.Created
	return id, nil
}

func (r *SQLiteRepo) GetOpportunity(ctx context.Context, id int64) (*models.Opportunity, error) {
	o, err := scanOpportunity(r.conn.QueryRow(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (r *SQLiteRepo) UpdateOpportunity(ctx context.Context, o *models.Opportunity) error {
	if o == nil {
		return fmt.Errorf("opportunity is nil")
	}

	ts := now()
	res, err := r.conn.Exec(ctx, `UPDATE opportunities SET title = ?, description = ?, required_skills = ?, active = ?, end_date = ?, updated = ? WHERE id = ?`,
		o.Title, o.Description, o.RequiredSkills, boolInt(o.Active), nullableNanos(o.EndDate), ts, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("opportunity %d: %w", o.ID, errs.ErrNotFound)
	}
	o.Updated = fromNanos(ts)
	return nil
}

func (r *SQLiteRepo) ListActiveOpportunities(ctx context.Context) ([]models.Opportunity, error) {
	return r.listOpportunities(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE active = 1 ORDER BY id`)
}

// ListExpiredOpportunities returns active opportunities whose end date has passed.
func (r *SQLiteRepo) ListExpiredOpportunities(ctx context.Context, at time.Time) ([]models.Opportunity, error) {
	return r.listOpportunities(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE active = 1 AND end_date IS NOT NULL AND end_date < ? ORDER BY id`, at.UTC().UnixNano())
}

func (r *SQLiteRepo) listOpportunities(ctx context.Context, q string, args ...any) ([]models.Opportunity, error) {
	rows, err := r.conn.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// DeleteOpportunity removes the opportunity and its score records, returning the removed score IDs.
func (r *SQLiteRepo) DeleteOpportunity(ctx context.Context, id int64) ([]int64, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM score_records WHERE opportunity_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	removed, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM score_records WHERE opportunity_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete opportunity scores: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM opportunities WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete opportunity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("opportunity %d: %w", id, errs.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

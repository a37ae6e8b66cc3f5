package sqlite

import (
	"context"
	"fmt"

	"github.com/garnizeh/volunteer-match/internal/models"
)

func (r *SQLiteRepo) AppendAudit(ctx context.Context, e *models.AuditEntry) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("audit entry is nil")
	}

	created := now()
	if !e.Created.IsZero() {
		created = e.Created.UTC().UnixNano()
	}
	res, err := r.conn.Exec(ctx, `INSERT INTO audit_entries (event_id, entity_kind, entity_id, action, actor, summary, created) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, string(e.EntityKind), e.EntityID, string(e.Action), e.Actor, e.Summary, created)
	if err != nil {
		return 0, fmt.Errorf("append audit: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	e.Created = fromNanos(created)
	return id, nil
}

// ListAudit returns entries newest first.
func (r *SQLiteRepo) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	rows, err := r.conn.QueryRows(ctx, `SELECT id, event_id, entity_kind, entity_id, action, actor, summary, created FROM audit_entries
		WHERE (? = '' OR entity_kind = ?) AND (? = 0 OR entity_id = ?)
		ORDER BY id DESC LIMIT ?`, string(f.EntityKind), string(f.EntityKind), f.EntityID, f.EntityID, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e       models.AuditEntry
			kind    string
			action  string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.EventID, &kind, &e.EntityID, &action, &e.Actor, &e.Summary, &created); err != nil {
			return nil, err
		}
		e.EntityKind = models.EntityKind(kind)
		e.Action = models.AuditAction(action)
		e.Created = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

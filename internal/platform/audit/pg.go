package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomvault/dicomvault/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGRecorder persists audit events to the audit_events table.
type PGRecorder struct{ pool *pgxpool.Pool }

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

func (r *PGRecorder) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const eventCols = `id, time, user_id, roles, action, resource_type, resource_id,
	study_uid, outcome, status_code, break_glass, break_glass_reason,
	request_id, ip, user_agent, path, method`

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	err := row.Scan(&ev.ID, &ev.Time, &ev.UserID, &ev.Roles, &ev.Action,
		&ev.ResourceType, &ev.ResourceID, &ev.StudyUID, &ev.Outcome,
		&ev.StatusCode, &ev.BreakGlass, &ev.BreakGlassReason,
		&ev.RequestID, &ev.IP, &ev.UserAgent, &ev.Path, &ev.Method)
	return ev, err
}

func (r *PGRecorder) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Roles == nil {
		ev.Roles = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_events (`+eventCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		ev.ID, ev.Time, ev.UserID, ev.Roles, ev.Action,
		ev.ResourceType, ev.ResourceID, ev.StudyUID, ev.Outcome,
		ev.StatusCode, ev.BreakGlass, ev.BreakGlassReason,
		ev.RequestID, ev.IP, ev.UserAgent, ev.Path, ev.Method)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first, with the total
// match count.
func (r *PGRecorder) List(ctx context.Context, f Filter) ([]Event, int, error) {
	query := `SELECT ` + eventCols + ` FROM audit_events WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM audit_events WHERE 1=1`
	var args []interface{}
	idx := 1

	addCond := func(cond string, val interface{}) {
		clause := fmt.Sprintf(` AND %s = $%d`, cond, idx)
		query += clause
		countQuery += clause
		args = append(args, val)
		idx++
	}

	if f.UserID != "" {
		addCond("user_id", f.UserID)
	}
	if f.Action != "" {
		addCond("action", f.Action)
	}
	if f.ResourceType != "" {
		addCond("resource_type", f.ResourceType)
	}
	if f.StudyUID != "" {
		addCond("study_uid", f.StudyUID)
	}
	if f.BreakGlass != nil {
		addCond("break_glass", *f.BreakGlass)
	}
	if !f.From.IsZero() {
		clause := fmt.Sprintf(` AND time >= $%d`, idx)
		query += clause
		countQuery += clause
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		clause := fmt.Sprintf(` AND time <= $%d`, idx)
		query += clause
		countQuery += clause
		args = append(args, f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY time DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	stderrors "github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/errors"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Filter narrows an audit listing. Zero values mean "any".
type Filter struct {
	SenderID       string
	RequestedLevel string
	FallbackOnly   bool
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// SummaryRow is one (requested, actual) routing pair with its volume.
type SummaryRow struct {
	RequestedLevel hierarchy.Level `json:"requestedLevel"`
	ActualLevel    hierarchy.Level `json:"actualLevel"`
	Total          int             `json:"total"`
	Fallbacks      int             `json:"fallbacks"`
}

// Query serves the audit read path straight from the messages table, which
// is the system of record for routing decisions.
type Query struct {
	db     *sql.DB
	logger logger.Logger
}

func NewQuery(db *sql.DB, log logger.Logger) *Query {
	return &Query{db: db, logger: log}
}

// List returns routing decisions, newest first.
func (q *Query) List(ctx context.Context, f Filter) ([]models.RoutingAuditRecord, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SenderID != "" {
		where = append(where, "sender_id = "+arg(f.SenderID))
	}
	if f.RequestedLevel != "" {
		level, err := hierarchy.ParseLevel(f.RequestedLevel)
		if err != nil {
			return nil, stderrors.NewUnknownLevelError(f.RequestedLevel)
		}
		where = append(where, "requested_level = "+arg(string(level)))
	}
	if f.FallbackOnly {
		where = append(where, "fallback_applied = TRUE")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < "+arg(f.Until))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, sender_id, requested_level, actual_level,
		       recipient_account_id, fallback_applied, notification_status, created_at
		FROM messages
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %s OFFSET %s`,
		strings.Join(where, " AND "), arg(limit), arg(offset))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, stderrors.NewAuditQueryFailedError(err)
	}
	defer rows.Close()

	records := []models.RoutingAuditRecord{}
	for rows.Next() {
		var rec models.RoutingAuditRecord
		if err := rows.Scan(
			&rec.MessageID, &rec.SenderID, &rec.RequestedLevel, &rec.ActualLevel,
			&rec.RecipientAccountID, &rec.FallbackApplied, &rec.NotificationStatus, &rec.CreatedAt,
		); err != nil {
			return nil, stderrors.NewAuditQueryFailedError(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewAuditQueryFailedError(err)
	}
	return records, nil
}

// Summary aggregates routing volume per (requested, actual) pair since the
// given time. Fallback frequency per requested level falls out of it.
func (q *Query) Summary(ctx context.Context, since time.Time) ([]SummaryRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT requested_level, actual_level,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE fallback_applied) AS fallbacks
		FROM messages
		WHERE created_at >= $1
		GROUP BY requested_level, actual_level
		ORDER BY requested_level, actual_level`,
		since,
	)
	if err != nil {
		return nil, stderrors.NewAuditQueryFailedError(err)
	}
	defer rows.Close()

	summary := []SummaryRow{}
	for rows.Next() {
		var row SummaryRow
		if err := rows.Scan(&row.RequestedLevel, &row.ActualLevel, &row.Total, &row.Fallbacks); err != nil {
			return nil, stderrors.NewAuditQueryFailedError(err)
		}
		summary = append(summary, row)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewAuditQueryFailedError(err)
	}
	return summary, nil
}

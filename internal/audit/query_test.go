package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stderrors "github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/errors"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
)

func auditColumns() []string {
	return []string{
		"id", "sender_id", "requested_level", "actual_level",
		"recipient_account_id", "fallback_applied", "notification_status", "created_at",
	}
}

func TestListDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Now().UTC()
	rows := sqlmock.NewRows(auditColumns()).
		AddRow("msg-2", "member-2", "ward", "lga", "acct-2", true, "delivered", created).
		AddRow("msg-1", "member-1", "state", "state", "acct-3", false, "pending", created.Add(-time.Hour))

	mock.ExpectQuery("FROM messages").
		WithArgs(50, 0).
		WillReturnRows(rows)

	records, err := NewQuery(db, logger.NewNoOpLogger()).List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "msg-2", records[0].MessageID)
	assert.True(t, records[0].FallbackApplied)
	assert.Equal(t, hierarchy.LevelState, records[1].RequestedLevel)
}

func TestListWithFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	since := time.Now().UTC().Add(-24 * time.Hour)
	mock.ExpectQuery("fallback_applied = TRUE").
		WithArgs("member-1", "ward", since, 10, 5).
		WillReturnRows(sqlmock.NewRows(auditColumns()))

	records, err := NewQuery(db, logger.NewNoOpLogger()).List(context.Background(), Filter{
		SenderID:       "member-1",
		RequestedLevel: "ward",
		FallbackOnly:   true,
		Since:          since,
		Limit:          10,
		Offset:         5,
	})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListRejectsUnknownLevel(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewQuery(db, logger.NewNoOpLogger()).List(context.Background(), Filter{RequestedLevel: "zone"})
	require.Error(t, err)

	var stdErr *stderrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, stderrors.ErrCodeUnknownLevel, stdErr.Code)
}

func TestListQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM messages").WillReturnError(errors.New("connection reset"))

	_, err = NewQuery(db, logger.NewNoOpLogger()).List(context.Background(), Filter{})
	require.Error(t, err)

	var stdErr *stderrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, stderrors.ErrCodeAuditQueryFailed, stdErr.Code)
}

func TestSummaryGroupsByLevelPair(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	rows := sqlmock.NewRows([]string{"requested_level", "actual_level", "total", "fallbacks"}).
		AddRow("ward", "ward", 40, 0).
		AddRow("ward", "lga", 12, 12).
		AddRow("ward", "national", 1, 1)

	mock.ExpectQuery("GROUP BY requested_level, actual_level").
		WithArgs(since).
		WillReturnRows(rows)

	summary, err := NewQuery(db, logger.NewNoOpLogger()).Summary(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, summary, 3)
	assert.Equal(t, SummaryRow{RequestedLevel: hierarchy.LevelWard, ActualLevel: hierarchy.LevelLGA, Total: 12, Fallbacks: 12}, summary[1])
}

type stubAnalytics struct {
	rows []SummaryRow
	err  error
}

func (s *stubAnalytics) FallbackSummary(_ context.Context, _ time.Time) ([]SummaryRow, error) {
	return s.rows, s.err
}

func TestServiceSummaryPrefersAnalytics(t *testing.T) {
	analytics := &stubAnalytics{rows: []SummaryRow{{RequestedLevel: hierarchy.LevelWard, ActualLevel: hierarchy.LevelWard, Total: 7}}}
	svc := NewService(nil, analytics, logger.NewNoOpLogger())

	summary, err := svc.Summary(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, 7, summary[0].Total)
}

func TestServiceSummaryFallsBackToStorage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("GROUP BY requested_level, actual_level").
		WillReturnRows(sqlmock.NewRows([]string{"requested_level", "actual_level", "total", "fallbacks"}).
			AddRow("lga", "lga", 3, 0))

	analytics := &stubAnalytics{err: errors.New("index unavailable")}
	svc := NewService(NewQuery(db, logger.NewNoOpLogger()), analytics, logger.NewNoOpLogger())

	summary, err := svc.Summary(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, hierarchy.LevelLGA, summary[0].RequestedLevel)
}

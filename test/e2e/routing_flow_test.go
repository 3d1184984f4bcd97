// test/e2e/routing_flow_test.go
//
// End-to-end flow through the real components: HTTP handler, lifecycle
// manager, resolver, directory (with a live miniredis cache), repository,
// and dispatcher. Postgres is the only mocked backend.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/api"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/audit"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/config"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/directory"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/message"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/notify"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/resolver"
)

type capturePublisher struct {
	bodies [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, body []byte) error {
	p.bodies = append(p.bodies, body)
	return nil
}

type stack struct {
	server    *api.Server
	repo      *message.Repository
	publisher *capturePublisher
	mock      sqlmock.Sqlmock
}

func newStack(t *testing.T) *stack {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	log := logger.NewNoOpLogger()
	dir := directory.NewPostgresDirectory(db, directory.NewRedisCache(redisClient), 15*time.Second, log)
	res := resolver.New(dir, log)
	repo := message.NewRepository(db)
	pub := &capturePublisher{}
	svc := message.NewService(repo, res, pub, nil, log)
	auditSvc := audit.NewService(audit.NewQuery(db, log), nil, log)

	return &stack{
		server:    api.NewServer(svc, auditSvc, dir, nil, log),
		repo:      repo,
		publisher: pub,
		mock:      mock,
	}
}

func accountColumns() []string {
	return []string{"id", "full_name", "email", "phone", "designation", "state", "lga", "ward", "active", "activated_at"}
}

func TestSendFlowWithFallbackAndDelivery(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC()

	// No prior send with this idempotency key.
	s.mock.ExpectQuery("FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	// Sender profile.
	s.mock.ExpectQuery("SELECT state, lga, ward FROM accounts").
		WithArgs("member-1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "lga", "ward"}).
			AddRow("Anambra", "Idemili North", "Ogidi 1"))

	// Ward slot is vacant, the LGA coordinator picks it up.
	s.mock.ExpectQuery("FROM accounts").
		WillReturnRows(sqlmock.NewRows(accountColumns()))
	s.mock.ExpectQuery("FROM accounts").
		WillReturnRows(sqlmock.NewRows(accountColumns()).
			AddRow("acct-lga", "Ngozi Eze", "ngozi@example.org", "+2348000000001", "lga", "Anambra", "Idemili North", nil, true, now))

	s.mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"senderId":"member-1","requestedLevel":"ward","body":"Polling unit update","idempotencyKey":"e2e-key-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var outcome models.RoutingOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.Success)
	assert.True(t, outcome.FallbackApplied)
	assert.Equal(t, "Ward Coordinator not available for your location; routed to LGA Coordinator", outcome.Explanation)

	// The notification job left the send path carrying the message ID.
	require.Len(t, s.publisher.bodies, 1)
	var job models.NotificationJob
	require.NoError(t, json.Unmarshal(s.publisher.bodies[0], &job))
	assert.Equal(t, outcome.MessageID, job.MessageID)

	// The dispatcher picks the job up and delivers over email.
	s.mock.ExpectQuery("JOIN accounts").
		WithArgs(job.MessageID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sender_id", "body", "requested_level", "actual_level",
			"recipient_account_id", "fallback_applied", "notification_status", "created_at",
			"full_name", "email", "phone", "full_name",
		}).AddRow(job.MessageID, "member-1", "Polling unit update", "ward", "lga",
			"acct-lga", true, models.NotificationPending, now,
			"Ngozi Eze", "ngozi@example.org", "+2348000000001", "Chinedu Okeke"))
	s.mock.ExpectExec("UPDATE messages SET notification_status").
		WithArgs(job.MessageID, models.NotificationDelivered).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var emailed string
	sesMock := sesFunc(func(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		emailed = params.Destination.ToAddresses[0]
		return &ses.SendEmailOutput{}, nil
	})
	snsMock := snsFunc(func(_ context.Context, _ *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
		return nil, errors.New("sms disabled in test")
	})

	var channels config.NotificationConfig
	channels.Email.Enabled = true
	channels.Email.FromEmail = "no-reply@obidients.org"

	d := notify.NewDispatcher(
		config.DispatcherConfig{Workers: 1, MaxAttempts: 3, BaseBackoff: 0},
		channels, s.repo, sesMock, snsMock, logger.NewNoOpLogger(),
	)
	require.NoError(t, d.Process(context.Background(), job))
	assert.Equal(t, "ngozi@example.org", emailed)

	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestSendFlowChainExhausted(t *testing.T) {
	s := newStack(t)

	s.mock.ExpectQuery("FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	s.mock.ExpectQuery("SELECT state, lga, ward FROM accounts").
		WillReturnRows(sqlmock.NewRows([]string{"state", "lga", "ward"}).
			AddRow("Anambra", "Idemili North", "Ogidi 1"))

	// Every level in the chain is vacant.
	for i := 0; i < 4; i++ {
		s.mock.ExpectQuery("FROM accounts").
			WillReturnRows(sqlmock.NewRows(accountColumns()))
	}

	body := `{"senderId":"member-1","requestedLevel":"ward","body":"anyone there?","idempotencyKey":"e2e-key-2"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome models.RoutingOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.False(t, outcome.Success)
	assert.Equal(t, "no coordinator available in the hierarchy for your location", outcome.FailureReason)
	assert.Empty(t, s.publisher.bodies, "a failed send must leave nothing behind")
}

type sesFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)

func (f sesFunc) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return f(ctx, params, optFns...)
}

type snsFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)

func (f snsFunc) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return f(ctx, params, optFns...)
}

package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stderrors "github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/errors"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/resolver"
)

type fakeStore struct {
	prior     *models.Message
	priorErr  error
	scope     hierarchy.LocationScope
	scopeErr  error
	insertErr error

	inserted []*models.Message
	calls    []string
}

func (f *fakeStore) Insert(_ context.Context, msg *models.Message) error {
	f.calls = append(f.calls, "insert")
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, msg)
	return nil
}

func (f *fakeStore) FindByIdempotencyKey(_ context.Context, _, _ string, _ time.Duration) (*models.Message, error) {
	f.calls = append(f.calls, "dedup")
	return f.prior, f.priorErr
}

func (f *fakeStore) SenderScope(_ context.Context, _ string) (hierarchy.LocationScope, error) {
	f.calls = append(f.calls, "scope")
	return f.scope, f.scopeErr
}

type fakeResolver struct {
	resolution *resolver.Resolution
	err        error
	calls      int
}

func (f *fakeResolver) Resolve(_ context.Context, _ hierarchy.Level, _ hierarchy.LocationScope) (*resolver.Resolution, error) {
	f.calls++
	return f.resolution, f.err
}

type fakePublisher struct {
	err       error
	published [][]byte
	calls     []string
	store     *fakeStore
}

func (f *fakePublisher) Publish(_ context.Context, body []byte) error {
	if f.store != nil {
		f.store.calls = append(f.store.calls, "publish")
	}
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

func newTestService(store *fakeStore, res *fakeResolver, pub *fakePublisher) *Service {
	pub.store = store
	return NewService(store, res, pub, nil, logger.NewNoOpLogger())
}

func wardResolution() *resolver.Resolution {
	return &resolver.Resolution{
		Account: &models.Account{
			ID:          "acct-ward-1",
			FullName:    "Ada Obi",
			Designation: hierarchy.LevelWard,
		},
		ActualLevel: hierarchy.LevelWard,
	}
}

func validRequest() SendRequest {
	return SendRequest{
		SenderID:       "member-1",
		RequestedLevel: "ward",
		Body:           "The polling unit needs more agents",
		IdempotencyKey: "key-1",
	}
}

func TestSendRoutesAtRequestedLevel(t *testing.T) {
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra", LGA: "Idemili North", Ward: "Ogidi 1"}}
	res := &fakeResolver{resolution: wardResolution()}
	pub := &fakePublisher{}
	svc := newTestService(store, res, pub)

	out, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.NotEmpty(t, out.MessageID)
	assert.Equal(t, hierarchy.LevelWard, out.RequestedLevel)
	assert.Equal(t, hierarchy.LevelWard, out.ActualLevel)
	assert.False(t, out.FallbackApplied)
	assert.Empty(t, out.Explanation)

	require.Len(t, store.inserted, 1)
	msg := store.inserted[0]
	assert.Equal(t, "acct-ward-1", msg.RecipientAccountID)
	assert.Equal(t, models.NotificationPending, msg.NotificationStatus)
	assert.Equal(t, "key-1", msg.IdempotencyKey)
}

func TestSendPersistsBeforeEnqueue(t *testing.T) {
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra"}}
	res := &fakeResolver{resolution: wardResolution()}
	pub := &fakePublisher{}
	svc := newTestService(store, res, pub)

	_, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"dedup", "scope", "insert", "publish"}, store.calls)
	require.Len(t, pub.published, 1)
	assert.Contains(t, string(pub.published[0]), store.inserted[0].ID)
	assert.Contains(t, string(pub.published[0]), `"attempt":0`)
}

func TestSendFallbackExplanation(t *testing.T) {
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra"}}
	res := &fakeResolver{resolution: &resolver.Resolution{
		Account:     &models.Account{ID: "acct-state-1", Designation: hierarchy.LevelState},
		ActualLevel: hierarchy.LevelState,
	}}
	svc := newTestService(store, res, &fakePublisher{})

	out, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.True(t, out.FallbackApplied)
	assert.Equal(t, hierarchy.LevelState, out.ActualLevel)
	assert.Equal(t, "Ward Coordinator not available for your location; routed to State Coordinator", out.Explanation)
}

func TestSendDuplicateReturnsPriorOutcome(t *testing.T) {
	prior := &models.Message{
		ID:                 "msg-prior",
		SenderID:           "member-1",
		RequestedLevel:     hierarchy.LevelWard,
		ActualLevel:        hierarchy.LevelLGA,
		FallbackApplied:    true,
		NotificationStatus: models.NotificationDelivered,
	}
	store := &fakeStore{prior: prior}
	res := &fakeResolver{}
	pub := &fakePublisher{}
	svc := newTestService(store, res, pub)

	out, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "msg-prior", out.MessageID)
	assert.True(t, out.FallbackApplied)
	assert.Zero(t, res.calls, "duplicate send must not re-resolve")
	assert.Empty(t, store.inserted, "duplicate send must not persist")
	assert.Empty(t, pub.published, "duplicate send must not enqueue")
}

func TestSendResolutionFailureLeavesNoTrace(t *testing.T) {
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra"}}
	res := &fakeResolver{err: resolver.ErrNoRecipient}
	pub := &fakePublisher{}
	svc := newTestService(store, res, pub)

	out, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err, "chain exhaustion is a business outcome, not a fault")

	assert.False(t, out.Success)
	assert.Empty(t, out.MessageID)
	assert.Equal(t, "no coordinator available in the hierarchy for your location", out.FailureReason)
	assert.Empty(t, store.inserted)
	assert.Empty(t, pub.published)
}

func TestSendValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*SendRequest)
		wantCode stderrors.ErrorCode
	}{
		{"empty body", func(r *SendRequest) { r.Body = "   " }, stderrors.ErrCodeValidationFailed},
		{"empty sender", func(r *SendRequest) { r.SenderID = "" }, stderrors.ErrCodeValidationFailed},
		{"empty idempotency key", func(r *SendRequest) { r.IdempotencyKey = "" }, stderrors.ErrCodeValidationFailed},
		{"unknown level", func(r *SendRequest) { r.RequestedLevel = "zone" }, stderrors.ErrCodeUnknownLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			svc := newTestService(store, &fakeResolver{}, &fakePublisher{})

			req := validRequest()
			tt.mutate(&req)

			out, err := svc.Send(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, out)

			var stdErr *stderrors.StandardError
			require.ErrorAs(t, err, &stdErr)
			assert.Equal(t, tt.wantCode, stdErr.Code)
			assert.Empty(t, store.calls, "validation failures must not touch storage")
		})
	}
}

func TestSendLevelCaseInsensitive(t *testing.T) {
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra"}}
	svc := newTestService(store, &fakeResolver{resolution: wardResolution()}, &fakePublisher{})

	req := validRequest()
	req.RequestedLevel = " Ward "

	out, err := svc.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, hierarchy.LevelWard, out.RequestedLevel)
}

func TestSendEnqueueFailureStillSucceeds(t *testing.T) {
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra"}}
	pub := &fakePublisher{err: errors.New("broker down")}
	svc := newTestService(store, &fakeResolver{resolution: wardResolution()}, pub)

	out, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, out.Success, "a committed message is routed even if enqueue fails")
	require.Len(t, store.inserted, 1)
}

func TestSendDirectoryFailureIsAnError(t *testing.T) {
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra"}}
	res := &fakeResolver{err: resolver.ErrLookupFailed}
	svc := newTestService(store, res, &fakePublisher{})

	out, err := svc.Send(context.Background(), validRequest())
	require.Error(t, err)
	assert.Nil(t, out)

	var stdErr *stderrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, stderrors.ErrCodeDirectoryLookupFailed, stdErr.Code)
	assert.Empty(t, store.inserted)
}

func TestSendInsertRaceReturnsWinner(t *testing.T) {
	store := &fakeStore{
		scope:     hierarchy.LocationScope{State: "Anambra"},
		insertErr: ErrDuplicateKey,
	}
	// First dedup check sees nothing; after the lost race the re-read
	// returns the winner.
	winner := &models.Message{ID: "msg-winner", RequestedLevel: hierarchy.LevelWard, ActualLevel: hierarchy.LevelWard}
	calls := 0
	svcStore := &racingStore{fakeStore: store, winner: winner, calls: &calls}
	svc := NewService(svcStore, &fakeResolver{resolution: wardResolution()}, &fakePublisher{}, nil, logger.NewNoOpLogger())

	out, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "msg-winner", out.MessageID)
}

// racingStore returns no prior on the first dedup read and the race winner
// on the second.
type racingStore struct {
	*fakeStore
	winner *models.Message
	calls  *int
}

func (r *racingStore) FindByIdempotencyKey(ctx context.Context, senderID, key string, window time.Duration) (*models.Message, error) {
	*r.calls++
	if *r.calls == 1 {
		return nil, nil
	}
	return r.winner, nil
}

// windowedStore mimics the real repository: the bounded dedup read misses a
// message older than the window while the unbounded read still finds it.
type windowedStore struct {
	*fakeStore
	stale *models.Message
}

func (w *windowedStore) FindByIdempotencyKey(_ context.Context, _, _ string, window time.Duration) (*models.Message, error) {
	if window > 0 {
		return nil, nil
	}
	return w.stale, nil
}

func TestSendStaleKeyDuplicateReturnsOriginal(t *testing.T) {
	// The unique index has no age bound: a resend whose key fell out of the
	// dedup window still collides on insert, and the caller must get the
	// original outcome back, not a persist failure.
	stale := &models.Message{
		ID:             "msg-original",
		RequestedLevel: hierarchy.LevelWard,
		ActualLevel:    hierarchy.LevelWard,
	}
	store := &windowedStore{
		fakeStore: &fakeStore{
			scope:     hierarchy.LocationScope{State: "Anambra"},
			insertErr: ErrDuplicateKey,
		},
		stale: stale,
	}
	svc := NewService(store, &fakeResolver{resolution: wardResolution()}, &fakePublisher{}, nil, logger.NewNoOpLogger())

	out, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "msg-original", out.MessageID)
}

func TestSendUnknownSenderIsValidationFailure(t *testing.T) {
	store := &fakeStore{scopeErr: fmt.Errorf("%w: member-1", ErrUnknownSender)}
	svc := newTestService(store, &fakeResolver{}, &fakePublisher{})

	_, err := svc.Send(context.Background(), validRequest())
	require.Error(t, err)

	var stdErr *stderrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, stderrors.ErrCodeValidationFailed, stdErr.Code)
	assert.False(t, stdErr.Retryable)
}

func TestSendSenderLookupOutageIsRetryable(t *testing.T) {
	// A storage outage during the sender scope read is transient, not the
	// caller's fault.
	store := &fakeStore{scopeErr: errors.New("sender scope lookup: connection refused")}
	svc := newTestService(store, &fakeResolver{}, &fakePublisher{})

	_, err := svc.Send(context.Background(), validRequest())
	require.Error(t, err)

	var stdErr *stderrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, stderrors.ErrCodeDatabaseConnFailed, stdErr.Code)
	assert.True(t, stdErr.Retryable)
}

type slowIndexer struct {
	mu      sync.Mutex
	records []models.RoutingAuditRecord
}

func (s *slowIndexer) IndexDecision(_ context.Context, rec models.RoutingAuditRecord) {
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func TestDrainWaitsForIndexWrites(t *testing.T) {
	idx := &slowIndexer{}
	store := &fakeStore{scope: hierarchy.LocationScope{State: "Anambra"}}
	pub := &fakePublisher{store: store}
	svc := NewService(store, &fakeResolver{resolution: wardResolution()}, pub, idx, logger.NewNoOpLogger())

	_, err := svc.Send(context.Background(), validRequest())
	require.NoError(t, err)

	svc.Drain()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.records, 1)
	assert.Equal(t, store.inserted[0].ID, idx.records[0].MessageID)
}

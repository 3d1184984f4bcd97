package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	stderrors "github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/errors"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/metrics"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/resolver"
)

// idempotencyWindow is how long a (sender, key) pair shields against
// duplicate sends.
const idempotencyWindow = 24 * time.Hour

// JobPublisher enqueues notification jobs for asynchronous delivery.
type JobPublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// RecipientResolver walks the escalation chain for a send.
type RecipientResolver interface {
	Resolve(ctx context.Context, requested hierarchy.Level, sender hierarchy.LocationScope) (*resolver.Resolution, error)
}

// MessageStore is the slice of Repository the service needs.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) error
	FindByIdempotencyKey(ctx context.Context, senderID, key string, window time.Duration) (*models.Message, error)
	SenderScope(ctx context.Context, senderID string) (hierarchy.LocationScope, error)
}

// AuditIndexer receives routing decisions for analytics. Best effort only.
type AuditIndexer interface {
	IndexDecision(ctx context.Context, rec models.RoutingAuditRecord)
}

// SendRequest is a member's request to reach a coordinator.
type SendRequest struct {
	SenderID       string `json:"senderId"`
	RequestedLevel string `json:"requestedLevel"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Service is the message lifecycle manager. A send is validated, deduped,
// resolved, persisted, and enqueued, in that order. Nothing is persisted
// for a send that fails resolution.
type Service struct {
	store     MessageStore
	resolver  RecipientResolver
	publisher JobPublisher
	indexer   AuditIndexer
	logger    logger.Logger

	indexing sync.WaitGroup
}

func NewService(store MessageStore, res RecipientResolver, pub JobPublisher, indexer AuditIndexer, log logger.Logger) *Service {
	return &Service{
		store:     store,
		resolver:  res,
		publisher: pub,
		indexer:   indexer,
		logger:    log,
	}
}

// Send routes one message. A validation problem comes back as an error;
// an exhausted escalation chain comes back as a failed outcome with a nil
// error, since it is an expected business result rather than a fault.
func (s *Service) Send(ctx context.Context, req SendRequest) (*models.RoutingOutcome, error) {
	start := time.Now()

	if strings.TrimSpace(req.SenderID) == "" {
		return nil, stderrors.NewValidationFailedError("senderId is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, stderrors.NewValidationFailedError("message body must not be empty")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, stderrors.NewValidationFailedError("idempotencyKey is required")
	}
	level, err := hierarchy.ParseLevel(req.RequestedLevel)
	if err != nil {
		return nil, stderrors.NewUnknownLevelError(req.RequestedLevel)
	}

	prior, err := s.store.FindByIdempotencyKey(ctx, req.SenderID, req.IdempotencyKey, idempotencyWindow)
	if err != nil {
		return nil, stderrors.NewDatabaseConnFailedError(err)
	}
	if prior != nil {
		s.logger.Info("duplicate send suppressed", map[string]interface{}{
			"senderId":       req.SenderID,
			"messageId":      prior.ID,
			"idempotencyKey": req.IdempotencyKey,
		})
		outcome := outcomeFor(prior)
		metrics.SendDuration.WithLabelValues("duplicate").Observe(time.Since(start).Seconds())
		return outcome, nil
	}

	senderScope, err := s.store.SenderScope(ctx, req.SenderID)
	if err != nil {
		if errors.Is(err, ErrUnknownSender) {
			return nil, stderrors.NewValidationFailedError(err.Error())
		}
		return nil, stderrors.NewDatabaseConnFailedError(err)
	}

	res, err := s.resolver.Resolve(ctx, level, senderScope)
	if err != nil {
		if errors.Is(err, resolver.ErrNoRecipient) {
			s.logger.Warn("escalation chain exhausted", map[string]interface{}{
				"senderId":       req.SenderID,
				"requestedLevel": string(level),
			})
			metrics.SendDuration.WithLabelValues("resolution_failed").Observe(time.Since(start).Seconds())
			metrics.ResolutionFailures.WithLabelValues(string(level)).Inc()
			return &models.RoutingOutcome{
				Success:        false,
				RequestedLevel: level,
				FailureReason:  "no coordinator available in the hierarchy for your location",
			}, nil
		}
		return nil, stderrors.NewDirectoryLookupFailedError(err)
	}

	msg := &models.Message{
		ID:                 uuid.New().String(),
		SenderID:           req.SenderID,
		Body:               req.Body,
		RequestedLevel:     level,
		ActualLevel:        res.ActualLevel,
		RecipientAccountID: res.Account.ID,
		FallbackApplied:    res.FallbackApplied(level),
		IdempotencyKey:     req.IdempotencyKey,
		NotificationStatus: models.NotificationPending,
		CreatedAt:          time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, msg); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// The winner provably exists but may be older than the dedup
			// window, so this read is unbounded.
			prior, ferr := s.store.FindByIdempotencyKey(ctx, req.SenderID, req.IdempotencyKey, 0)
			if ferr == nil && prior != nil {
				return outcomeFor(prior), nil
			}
		}
		return nil, stderrors.NewMessagePersistFailedError(err)
	}

	s.enqueueNotification(ctx, msg)
	s.indexDecision(msg)

	metrics.MessagesRouted.WithLabelValues(string(msg.RequestedLevel), string(msg.ActualLevel)).Inc()
	if msg.FallbackApplied {
		metrics.FallbackApplied.WithLabelValues(string(msg.RequestedLevel), string(msg.ActualLevel)).Inc()
	}
	metrics.SendDuration.WithLabelValues("routed").Observe(time.Since(start).Seconds())

	s.logger.Info("message routed", map[string]interface{}{
		"messageId":       msg.ID,
		"requestedLevel":  string(msg.RequestedLevel),
		"actualLevel":     string(msg.ActualLevel),
		"fallbackApplied": msg.FallbackApplied,
	})

	return outcomeFor(msg), nil
}

// enqueueNotification publishes the delivery job. The message is already
// committed, so a broker hiccup degrades delivery but never the routing
// outcome.
func (s *Service) enqueueNotification(ctx context.Context, msg *models.Message) {
	job := models.NotificationJob{MessageID: msg.ID, Attempt: 0}
	body, err := json.Marshal(job)
	if err != nil {
		s.logger.WithError(err).Error("marshal notification job", map[string]interface{}{
			"messageId": msg.ID,
		})
		return
	}
	if err := s.publisher.Publish(ctx, body); err != nil {
		s.logger.WithError(stderrors.NewQueuePublishFailedError(err)).Error("enqueue notification job", map[string]interface{}{
			"messageId": msg.ID,
		})
		metrics.NotificationAttempts.WithLabelValues("enqueue_failed").Inc()
	}
}

func (s *Service) indexDecision(msg *models.Message) {
	if s.indexer == nil {
		return
	}
	rec := models.RoutingAuditRecord{
		MessageID:          msg.ID,
		SenderID:           msg.SenderID,
		RequestedLevel:     msg.RequestedLevel,
		ActualLevel:        msg.ActualLevel,
		RecipientAccountID: msg.RecipientAccountID,
		FallbackApplied:    msg.FallbackApplied,
		CreatedAt:          msg.CreatedAt,
	}
	s.indexing.Add(1)
	go func() {
		defer s.indexing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.indexer.IndexDecision(ctx, rec)
	}()
}

// Drain blocks until in-flight audit index writes have finished. Called
// during shutdown; each write is bounded by its own timeout.
func (s *Service) Drain() {
	s.indexing.Wait()
}

func outcomeFor(msg *models.Message) *models.RoutingOutcome {
	out := &models.RoutingOutcome{
		Success:         true,
		MessageID:       msg.ID,
		RequestedLevel:  msg.RequestedLevel,
		ActualLevel:     msg.ActualLevel,
		FallbackApplied: msg.FallbackApplied,
	}
	if msg.FallbackApplied {
		out.Explanation = fmt.Sprintf("%s not available for your location; routed to %s",
			msg.RequestedLevel.DisplayName(), msg.ActualLevel.DisplayName())
	}
	return out
}

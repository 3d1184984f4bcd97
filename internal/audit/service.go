package audit

import (
	"context"
	"time"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

// AnalyticsSource serves aggregate summaries from the analytics index.
type AnalyticsSource interface {
	FallbackSummary(ctx context.Context, since time.Time) ([]SummaryRow, error)
}

// Service fronts the audit read path. Listings always come from Postgres;
// summaries prefer the analytics index and fall back to Postgres when it is
// unavailable, since the index is populated best effort.
type Service struct {
	query     *Query
	analytics AnalyticsSource
	logger    logger.Logger
}

func NewService(query *Query, analytics AnalyticsSource, log logger.Logger) *Service {
	return &Service{query: query, analytics: analytics, logger: log}
}

func (s *Service) List(ctx context.Context, f Filter) ([]models.RoutingAuditRecord, error) {
	return s.query.List(ctx, f)
}

func (s *Service) Summary(ctx context.Context, since time.Time) ([]SummaryRow, error) {
	if s.analytics != nil {
		rows, err := s.analytics.FallbackSummary(ctx, since)
		if err == nil {
			return rows, nil
		}
		s.logger.WithError(err).Warn("analytics summary unavailable, using storage", nil)
	}
	return s.query.Summary(ctx, since)
}

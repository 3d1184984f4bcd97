package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/audit"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/message"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

// MessageSender is the send path behind POST /v1/messages.
type MessageSender interface {
	Send(ctx context.Context, req message.SendRequest) (*models.RoutingOutcome, error)
}

// AuditReader serves the admin audit surface.
type AuditReader interface {
	List(ctx context.Context, f audit.Filter) ([]models.RoutingAuditRecord, error)
	Summary(ctx context.Context, since time.Time) ([]audit.SummaryRow, error)
}

// CoordinatorAdmin mutates coordinator assignments and keeps the directory
// cache honest.
type CoordinatorAdmin interface {
	Reassign(ctx context.Context, accountID string, level hierarchy.Level, scope hierarchy.LocationScope, active bool) error
}

// Pinger reports backend health for /healthz.
type Pinger func() error

// Server wires the HTTP surface of the routing engine.
type Server struct {
	sender  MessageSender
	auditor AuditReader
	admin   CoordinatorAdmin
	pingers map[string]Pinger
	logger  logger.Logger
	router  *mux.Router
}

func NewServer(sender MessageSender, auditor AuditReader, admin CoordinatorAdmin, pingers map[string]Pinger, log logger.Logger) *Server {
	s := &Server{
		sender:  sender,
		auditor: auditor,
		admin:   admin,
		pingers: pingers,
		logger:  log.WithFields(map[string]interface{}{"component": "api"}),
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/messages", s.handleSendMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/admin/routing-audit", s.handleAuditList).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/admin/routing-audit/summary", s.handleAuditSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/admin/coordinators/{id}/reassign", s.handleReassign).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

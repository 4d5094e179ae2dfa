// Package http provides the HTTP API for remedyd: the webhook intake the
// monitoring and investigation systems post to, the approval decision
// endpoint, and read-only incident inspection.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

// Pipeline is the orchestrator surface the API drives.
type Pipeline interface {
	HandleTrigger(ctx context.Context, id string, fields store.Fields) (*incident.Record, error)
	ProcessHypothesis(ctx context.Context, id string, h *incident.Hypothesis) (*incident.Record, error)
	Escalate(ctx context.Context, id, errorStage, reason string) (*incident.Record, error)
}

// ApprovalResolver records a human decision and resumes or escalates.
type ApprovalResolver interface {
	ResolveApproval(ctx context.Context, id string, approved bool, approver string) (*incident.Record, error)
}

// Server provides HTTP endpoints for remedyd.
type Server struct {
	echo      *echo.Echo
	pipeline  Pipeline
	approvals ApprovalResolver
	store     store.Store
	logger    *zap.Logger
	config    *config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(pipeline Pipeline, approvals ApprovalResolver, st store.Store, logger *zap.Logger, cfg *config.ServerConfig) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if approvals == nil {
		return nil, fmt.Errorf("approval resolver cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &config.ServerConfig{Host: "localhost", Port: 9093}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	if cfg.RateLimit > 0 {
		e.Use(newRateLimiter(cfg.RateLimit).middleware())
	}

	s := &Server{
		echo:      e,
		pipeline:  pipeline,
		approvals: approvals,
		store:     st,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// Echo exposes the underlying router so callers can mount extra handlers.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/incidents/trigger", s.handleTrigger)
	v1.POST("/incidents/:id/hypothesis", s.handleHypothesis)
	v1.POST("/incidents/:id/approval", s.handleApproval)
	v1.POST("/incidents/:id/escalate", s.handleEscalate)
	v1.GET("/incidents", s.handleList)
	v1.GET("/incidents/:id", s.handleGet)
}

// TriggerRequest is the request body for POST /api/v1/incidents/trigger.
// IncidentID is optional; the monitoring system's own id keeps retried
// webhook deliveries idempotent.
type TriggerRequest struct {
	IncidentID string `json:"incident_id"`
	Title      string `json:"title"`
	Service    string `json:"service"`
	Urgency    string `json:"urgency"`
}

// ApprovalRequest is the request body for POST /api/v1/incidents/:id/approval.
type ApprovalRequest struct {
	Decision string `json:"decision"`
	Approver string `json:"approver"`
}

// EscalateRequest is the request body for POST /api/v1/incidents/:id/escalate.
type EscalateRequest struct {
	Reason string `json:"reason"`
}

// ListResponse is the response body for GET /api/v1/incidents.
type ListResponse struct {
	Incidents []*incident.Record `json:"incidents"`
	Count     int                `json:"count"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleTrigger opens an incident and starts the investigation.
func (s *Server) handleTrigger(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid trigger request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title field is required")
	}
	id := req.IncidentID
	if id == "" {
		id = uuid.NewString()
	}

	rec, err := s.pipeline.HandleTrigger(c.Request().Context(), id, store.Fields{
		"title":   req.Title,
		"service": req.Service,
		"urgency": req.Urgency,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusAccepted, rec)
}

// handleHypothesis accepts the investigator's hypothesis and drives the
// incident through the pipeline. The response carries the record in
// whatever stage the pipeline reached.
func (s *Server) handleHypothesis(c echo.Context) error {
	var h incident.Hypothesis
	if err := c.Bind(&h); err != nil {
		s.logger.Warn("invalid hypothesis request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, err := s.pipeline.ProcessHypothesis(c.Request().Context(), c.Param("id"), &h)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// handleApproval records a human approve/reject decision.
func (s *Server) handleApproval(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid approval request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var approved bool
	switch req.Decision {
	case "approve":
		approved = true
	case "reject":
		approved = false
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be \"approve\" or \"reject\"")
	}

	rec, err := s.approvals.ResolveApproval(c.Request().Context(), c.Param("id"), approved, req.Approver)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// handleEscalate hands the incident to a human on operator request.
func (s *Server) handleEscalate(c echo.Context) error {
	var req EscalateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "operator requested escalation"
	}

	rec, err := s.pipeline.Escalate(c.Request().Context(), c.Param("id"), "manual", req.Reason)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// handleList returns all active incidents.
func (s *Server) handleList(c echo.Context) error {
	recs, err := s.store.ListActive(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	if recs == nil {
		recs = []*incident.Record{}
	}
	return c.JSON(http.StatusOK, ListResponse{Incidents: recs, Count: len(recs)})
}

// handleGet returns a single incident record.
func (s *Server) handleGet(c echo.Context) error {
	rec, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// mapError translates domain errors into HTTP status codes. Unrecognized
// errors are logged and reported as 500 without leaking internals.
func (s *Server) mapError(err error) error {
	var (
		validation *incident.ValidationError
		notFound   *incident.NotFoundError
		transition *incident.TransitionError
	)
	switch {
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusConflict, transition.Error())
	case errors.Is(err, incident.ErrApprovalExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Package api exposes the management HTTP API and mounts the webhook
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ds1/outreach/internal/campaign"
	"github.com/ds1/outreach/internal/dispatch"
	"github.com/ds1/outreach/internal/metrics"
	"github.com/ds1/outreach/internal/oerr"
	"github.com/ds1/outreach/internal/provider"
	"github.com/ds1/outreach/internal/queue"
	"github.com/ds1/outreach/internal/repository"
	"github.com/ds1/outreach/internal/webhook"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
	startTime  time.Time
	version    string
	apiKey     string

	campaignSvc *campaign.Service
	campaigns   *repository.CampaignRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	templates   *repository.TemplateRepository
	rules       *repository.EscalationRepository
	activities  *repository.ActivityRepository
	store       *queue.BoltStorage
	webhooks    *webhook.Handler
	progress    ProgressSource
	content     provider.ContentGenerator
}

// ProgressSource reports in-flight dispatch jobs
type ProgressSource interface {
	Progress() []dispatch.JobProgress
}

// Deps carries everything the server routes against
type Deps struct {
	CampaignSvc *campaign.Service
	Campaigns   *repository.CampaignRepository
	Contacts    *repository.ContactRepository
	Enrollments *repository.EnrollmentRepository
	Templates   *repository.TemplateRepository
	Rules       *repository.EscalationRepository
	Activities  *repository.ActivityRepository
	Store       *queue.BoltStorage
	Webhooks    *webhook.Handler
	Progress    ProgressSource
	Content     provider.ContentGenerator
}

// NewServer creates a new API server
func NewServer(logger *slog.Logger, listenAddr, apiKey, version string, deps Deps) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "api"),
		startTime:   time.Now(),
		version:     version,
		apiKey:      apiKey,
		campaignSvc: deps.CampaignSvc,
		campaigns:   deps.Campaigns,
		contacts:    deps.Contacts,
		enrollments: deps.Enrollments,
		templates:   deps.Templates,
		rules:       deps.Rules,
		activities:  deps.Activities,
		store:       deps.Store,
		webhooks:    deps.Webhooks,
		progress:    deps.Progress,
		content:     deps.Content,
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	s.router.Get("/health", s.handleHealth)

	// Webhook endpoints authenticate with provider credentials, not the API key
	if s.webhooks != nil {
		s.router.Mount("/webhooks", s.webhooks.Routes())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.authMiddleware)
		}

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Put("/{id}", s.handleUpdateCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)

			r.Get("/{id}/steps", s.handleListSteps)
			r.Post("/{id}/steps", s.handleAddStep)

			r.Post("/{id}/schedule", s.lifecycle(func(id string) error { _, err := s.campaignSvc.Schedule(id); return err }))
			r.Post("/{id}/start", s.lifecycle(func(id string) error { _, err := s.campaignSvc.Activate(id); return err }))
			r.Post("/{id}/pause", s.lifecycle(func(id string) error { _, err := s.campaignSvc.Pause(id); return err }))
			r.Post("/{id}/resume", s.lifecycle(func(id string) error { _, err := s.campaignSvc.Resume(id); return err }))
			r.Post("/{id}/complete", s.lifecycle(func(id string) error { _, err := s.campaignSvc.Complete(id); return err }))
			r.Post("/{id}/cancel", s.lifecycle(func(id string) error { _, err := s.campaignSvc.Cancel(id); return err }))

			r.Post("/{id}/enroll", s.handleEnroll)
			r.Post("/{id}/unenroll", s.handleUnenroll)
			r.Get("/{id}/enrollments", s.handleListEnrollments)
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", s.handleCreateContact)
			r.Get("/", s.handleListContacts)
			r.Get("/{id}", s.handleGetContact)
			r.Put("/{id}", s.handleUpdateContact)
			r.Delete("/{id}", s.handleDeleteContact)
			r.Post("/{id}/unsubscribe", s.handleUnsubscribeContact)
			r.Get("/{id}/activities", s.handleContactActivities)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Post("/generate", s.handleGenerateContent)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})

		r.Route("/escalation-rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Get("/{id}", s.handleGetRule)
			r.Put("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueStats)
			r.Get("/dlq", s.handleListDLQ)
			r.Post("/dlq/{id}/retry", s.handleRetryDLQ)
			r.Delete("/dlq/{id}", s.handleDeleteDLQ)
		})

		r.Get("/dispatch/progress", s.handleDispatchProgress)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying router, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

// lifecycle adapts a campaign state transition into a handler with uniform
// error mapping
func (s *Server) lifecycle(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(id); err != nil {
			s.serviceError(w, r, err)
			return
		}
		c, err := s.campaigns.GetByID(id)
		if err != nil {
			s.serviceError(w, r, err)
			return
		}
		s.sendJSON(w, http.StatusOK, c)
	}
}

// serviceError maps domain errors onto HTTP status codes
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *oerr.ValidationError
	switch {
	case errors.Is(err, oerr.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, oerr.ErrDuplicate):
		s.sendError(w, http.StatusConflict, err.Error())
	case oerr.IsInvalidTransition(err):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ve):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}

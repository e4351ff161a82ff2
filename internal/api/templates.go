package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/oerr"
	"github.com/ds1/outreach/internal/provider"
)

// TemplateRequest is the body for creating or updating a template
type TemplateRequest struct {
	Name      string             `json:"name"`
	Channel   models.ChannelType `json:"channel"`
	Subject   string             `json:"subject"`
	Body      string             `json:"body"`
	Variables string             `json:"variables"`
}

func (r *TemplateRequest) validate() error {
	if r.Name == "" {
		return &oerr.ValidationError{Field: "name", Reason: "name is required"}
	}
	if r.Channel != models.ChannelMessage && r.Channel != models.ChannelVoice {
		return &oerr.ValidationError{Field: "channel", Reason: "channel must be message or voice"}
	}
	if r.Body == "" {
		return &oerr.ValidationError{Field: "body", Reason: "body is required"}
	}
	if r.Channel == models.ChannelMessage && r.Subject == "" {
		return &oerr.ValidationError{Field: "subject", Reason: "message templates need a subject"}
	}
	if r.Variables != "" && !json.Valid([]byte(r.Variables)) {
		return &oerr.ValidationError{Field: "variables", Reason: "must be a JSON object"}
	}
	return nil
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}

	t := &models.Template{
		Name:      req.Name,
		Channel:   req.Channel,
		Subject:   req.Subject,
		Body:      req.Body,
		Variables: req.Variables,
	}
	if err := s.templates.Create(t); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, t)
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	channel := models.ChannelType(r.URL.Query().Get("channel"))
	templates, err := s.templates.List(channel)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, templates)
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if t == nil {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}
	s.sendJSON(w, http.StatusOK, t)
}

// handleUpdateTemplate handles PUT /api/v1/templates/{id}. A body change
// invalidates any cached voice synthesis so the next send re-synthesizes.
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if t == nil {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}

	if req.Body != t.Body {
		t.AudioURL = ""
		if err := s.templates.SetAudioURL(t.ID, ""); err != nil {
			s.serviceError(w, r, err)
			return
		}
	}
	t.Name = req.Name
	t.Channel = req.Channel
	t.Subject = req.Subject
	t.Body = req.Body
	t.Variables = req.Variables
	if err := s.templates.Update(t); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, t)
}

// GenerateContentRequest is the body for POST /api/v1/templates/generate
type GenerateContentRequest struct {
	Prompt    string            `json:"prompt"`
	Variables map[string]string `json:"variables"`
}

// GenerateContentResponse carries a drafted template body
type GenerateContentResponse struct {
	Text string `json:"text"`
}

// handleGenerateContent handles POST /api/v1/templates/generate. It drafts
// template copy through the content generation capability; persisting the
// result is the caller's move.
func (s *Server) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	if s.content == nil {
		s.sendError(w, http.StatusServiceUnavailable, "content generation is not configured")
		return
	}

	var req GenerateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		s.serviceError(w, r, &oerr.ValidationError{Field: "prompt", Reason: "prompt is required"})
		return
	}

	resp, err := s.content.Generate(r.Context(), &provider.GenerateRequest{
		Prompt:    req.Prompt,
		Variables: req.Variables,
	})
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, GenerateContentResponse{Text: resp.Text})
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(chi.URLParam(r, "id")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

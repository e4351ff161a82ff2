package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/oerr"
)

// RuleRequest is the body for creating or updating an escalation rule
type RuleRequest struct {
	Name                string                    `json:"name"`
	Active              bool                      `json:"active"`
	TriggerType         models.TriggerType        `json:"trigger_type"`
	ThresholdDays       int                       `json:"threshold_days"`
	EngagementThreshold int                       `json:"engagement_threshold"`
	CooldownHours       int                       `json:"cooldown_hours"`
	Actions             []models.EscalationAction `json:"actions"`
}

func (r *RuleRequest) validate() error {
	if r.Name == "" {
		return &oerr.ValidationError{Field: "name", Reason: "name is required"}
	}
	switch r.TriggerType {
	case models.TriggerNoResponseDays:
		if r.ThresholdDays <= 0 {
			return &oerr.ValidationError{Field: "threshold_days", Reason: "must be positive for no_response_days"}
		}
	case models.TriggerHighEngagement:
		if r.EngagementThreshold <= 0 {
			return &oerr.ValidationError{Field: "engagement_threshold", Reason: "must be positive for high_engagement"}
		}
	case models.TriggerReplyReceived, models.TriggerLinkClicked, models.TriggerChannelFailed:
	default:
		return &oerr.ValidationError{Field: "trigger_type", Reason: "unknown trigger type"}
	}
	if r.CooldownHours < 0 {
		return &oerr.ValidationError{Field: "cooldown_hours", Reason: "must not be negative"}
	}
	if len(r.Actions) == 0 {
		return &oerr.ValidationError{Field: "actions", Reason: "at least one action is required"}
	}
	for _, a := range r.Actions {
		if a.Type != models.ActionNotify && a.Type != models.ActionMutateStatus {
			return &oerr.ValidationError{Field: "actions", Reason: "action type must be notify or mutate_status"}
		}
	}
	return nil
}

func (r *RuleRequest) apply(rule *models.EscalationRule) error {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return err
	}
	rule.Name = r.Name
	rule.Active = r.Active
	rule.TriggerType = r.TriggerType
	rule.ThresholdDays = r.ThresholdDays
	rule.EngagementThreshold = r.EngagementThreshold
	rule.CooldownHours = r.CooldownHours
	rule.Actions = string(actions)
	return nil
}

// handleCreateRule handles POST /api/v1/escalation-rules
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}

	rule := &models.EscalationRule{}
	if err := req.apply(rule); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := s.rules.Create(rule); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, rule)
}

// handleListRules handles GET /api/v1/escalation-rules
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List()
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rules)
}

// handleGetRule handles GET /api/v1/escalation-rules/{id}
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if rule == nil {
		s.sendError(w, http.StatusNotFound, "rule not found")
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

// handleUpdateRule handles PUT /api/v1/escalation-rules/{id}
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if rule == nil {
		s.sendError(w, http.StatusNotFound, "rule not found")
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := req.apply(rule); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := s.rules.Update(rule); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

// handleDeleteRule handles DELETE /api/v1/escalation-rules/{id}
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Delete(chi.URLParam(r, "id")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

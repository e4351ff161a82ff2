package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/oerr"
)

// CampaignRequest is the body for creating or updating a campaign
type CampaignRequest struct {
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Channel       models.ChannelType `json:"channel"`
	Timezone      string             `json:"timezone"`
	SendDays      []int              `json:"send_days"`
	SendHourStart int                `json:"send_hour_start"`
	SendHourEnd   int                `json:"send_hour_end"`
}

// StepRequest is the body for POST /campaigns/{id}/steps
type StepRequest struct {
	StepIndex  int                `json:"step_index"`
	Channel    models.ChannelType `json:"channel"`
	TemplateID string             `json:"template_id"`
	DelayDays  int                `json:"delay_days"`
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []models.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
}

// EnrollmentListResponse is the response for GET /campaigns/{id}/enrollments
type EnrollmentListResponse struct {
	Enrollments []*models.Enrollment            `json:"enrollments"`
	Total       int                             `json:"total"`
	ByStatus    map[models.EnrollmentStatus]int `json:"by_status"`
}

// EnrollRequest is the body for enroll and unenroll
type EnrollRequest struct {
	ContactID string `json:"contact_id"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func (r *CampaignRequest) validate() error {
	if r.Name == "" {
		return &oerr.ValidationError{Field: "name", Reason: "name is required"}
	}
	switch r.Channel {
	case models.ChannelMessage, models.ChannelVoice, models.ChannelMulti:
	default:
		return &oerr.ValidationError{Field: "channel", Reason: "channel must be message, voice, or multi"}
	}
	for _, d := range r.SendDays {
		if d < 0 || d > 6 {
			return &oerr.ValidationError{Field: "send_days", Reason: "weekdays run 0 (Sunday) through 6"}
		}
	}
	if r.SendHourStart < 0 || r.SendHourStart > 23 || r.SendHourEnd < 0 || r.SendHourEnd > 24 {
		return &oerr.ValidationError{Field: "send_hours", Reason: "hours must fall within the day"}
	}
	if r.SendHourEnd != 0 && r.SendHourEnd <= r.SendHourStart {
		return &oerr.ValidationError{Field: "send_hours", Reason: "send_hour_end must be after send_hour_start"}
	}
	return nil
}

// apply copies the request onto a campaign, encoding the send-day list
func (r *CampaignRequest) apply(c *models.Campaign) error {
	days, err := json.Marshal(r.SendDays)
	if err != nil {
		return err
	}
	c.Name = r.Name
	c.Description = r.Description
	c.Channel = r.Channel
	c.Timezone = r.Timezone
	c.SendDays = string(days)
	c.SendHourStart = r.SendHourStart
	c.SendHourEnd = r.SendHourEnd
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	return nil
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}

	c := &models.Campaign{}
	if err := req.apply(c); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := s.campaigns.Create(c); err != nil {
		s.serviceError(w, r, err)
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "name", c.Name)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.CampaignListFilter{
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	campaigns, total, err := s.campaigns.List(filter)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns, Total: total})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}. Send-window and
// channel edits are limited to campaigns that have not started sending.
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
		s.sendError(w, http.StatusConflict, "only draft or scheduled campaigns can be edited")
		return
	}

	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := req.apply(c); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := s.campaigns.Update(c); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}. A campaign
// that enrollments still reference is never physically deleted; its history
// stays queryable and the enrollments keep their audit trail.
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if c.Status == models.CampaignActive {
		s.sendError(w, http.StatusConflict, "pause or cancel the campaign before deleting it")
		return
	}

	byStatus, err := s.enrollments.CountByStatus(id)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	enrolled := 0
	for _, n := range byStatus {
		enrolled += n
	}
	if enrolled > 0 {
		s.sendError(w, http.StatusConflict, "campaign has enrollments and cannot be deleted")
		return
	}

	if err := s.campaigns.DeleteSteps(id); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := s.campaigns.Delete(id); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListSteps handles GET /api/v1/campaigns/{id}/steps
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.campaigns.GetSteps(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, steps)
}

// handleAddStep handles POST /api/v1/campaigns/{id}/steps. Steps append in
// order and freeze once the campaign leaves draft.
func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if c.Status != models.CampaignDraft {
		s.sendError(w, http.StatusConflict, "steps can only be added to draft campaigns")
		return
	}

	var req StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Channel != models.ChannelMessage && req.Channel != models.ChannelVoice {
		s.sendError(w, http.StatusBadRequest, "step channel must be message or voice")
		return
	}
	if req.DelayDays < 0 {
		s.sendError(w, http.StatusBadRequest, "delay_days must not be negative")
		return
	}

	tpl, err := s.templates.GetByID(req.TemplateID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if tpl == nil {
		s.sendError(w, http.StatusBadRequest, "template not found")
		return
	}
	if tpl.Channel != req.Channel {
		s.sendError(w, http.StatusBadRequest, "template channel does not match step channel")
		return
	}

	steps, err := s.campaigns.GetSteps(id)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	index := req.StepIndex
	if index == 0 {
		index = len(steps) + 1
	}
	if index != len(steps)+1 {
		s.sendError(w, http.StatusBadRequest, "step_index must extend the sequence contiguously")
		return
	}

	step := &models.Step{
		CampaignID: id,
		StepIndex:  index,
		Channel:    req.Channel,
		TemplateID: req.TemplateID,
		DelayDays:  req.DelayDays,
	}
	if err := s.campaigns.AddStep(step); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, step)
}

// handleEnroll handles POST /api/v1/campaigns/{id}/enroll
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContactID == "" {
		s.sendError(w, http.StatusBadRequest, "contact_id is required")
		return
	}

	e, err := s.campaignSvc.Enroll(chi.URLParam(r, "id"), req.ContactID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, e)
}

// handleUnenroll handles POST /api/v1/campaigns/{id}/unenroll
func (s *Server) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContactID == "" {
		s.sendError(w, http.StatusBadRequest, "contact_id is required")
		return
	}

	if err := s.campaignSvc.Unenroll(chi.URLParam(r, "id"), req.ContactID); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListEnrollments handles GET /api/v1/campaigns/{id}/enrollments
func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filter := models.EnrollmentListFilter{
		CampaignID: id,
		Status:     models.EnrollmentStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}

	enrollments, total, err := s.enrollments.List(filter)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	byStatus, err := s.enrollments.CountByStatus(id)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, EnrollmentListResponse{
		Enrollments: enrollments,
		Total:       total,
		ByStatus:    byStatus,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

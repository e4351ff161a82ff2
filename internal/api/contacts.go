package api

import (
	"encoding/json"
	"net/http"
	"net/mail"

	"github.com/go-chi/chi/v5"

	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/oerr"
)

// ContactRequest is the body for creating or updating a contact
type ContactRequest struct {
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Company      string `json:"company"`
	DoNotContact bool   `json:"do_not_contact"`
	Variables    string `json:"variables"`
}

// ContactListResponse is the response for GET /contacts
type ContactListResponse struct {
	Contacts []models.Contact `json:"contacts"`
	Total    int              `json:"total"`
}

func (r *ContactRequest) validate() error {
	if r.Email == "" && r.Phone == "" {
		return &oerr.ValidationError{Field: "contact", Reason: "email or phone is required"}
	}
	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			return &oerr.ValidationError{Field: "email", Reason: "invalid address"}
		}
	}
	if r.Variables != "" && !json.Valid([]byte(r.Variables)) {
		return &oerr.ValidationError{Field: "variables", Reason: "must be a JSON object"}
	}
	return nil
}

func (r *ContactRequest) apply(c *models.Contact) {
	c.Email = r.Email
	c.Phone = r.Phone
	c.FirstName = r.FirstName
	c.LastName = r.LastName
	c.Company = r.Company
	c.DoNotContact = r.DoNotContact
	c.Variables = r.Variables
}

// handleCreateContact handles POST /api/v1/contacts
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}

	if req.Email != "" {
		existing, err := s.contacts.GetByEmail(req.Email)
		if err != nil {
			s.serviceError(w, r, err)
			return
		}
		if existing != nil {
			s.sendError(w, http.StatusConflict, "a contact with this email already exists")
			return
		}
	}

	c := &models.Contact{}
	req.apply(c)
	if err := s.contacts.Create(c); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListContacts handles GET /api/v1/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	filter := models.ContactListFilter{
		Status: models.ContactStatus(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	contacts, total, err := s.contacts.List(filter)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ContactListResponse{Contacts: contacts, Total: total})
}

// handleGetContact handles GET /api/v1/contacts/{id}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.contacts.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "contact not found")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateContact handles PUT /api/v1/contacts/{id}
func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.contacts.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "contact not found")
		return
	}

	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.serviceError(w, r, err)
		return
	}

	req.apply(c)
	if err := s.contacts.Update(c); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteContact handles DELETE /api/v1/contacts/{id}
func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := s.contacts.Delete(chi.URLParam(r, "id")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnsubscribeContact handles POST /api/v1/contacts/{id}/unsubscribe.
// Unsubscribing exits the contact from every non-terminal enrollment.
func (s *Server) handleUnsubscribeContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.contacts.GetByID(id)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "contact not found")
		return
	}

	if err := s.contacts.UpdateStatus(id, models.ContactUnsubscribed); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := s.contacts.SetDoNotContact(id, true); err != nil {
		s.serviceError(w, r, err)
		return
	}

	n, err := s.enrollments.TransitionStatusByContact(id,
		[]models.EnrollmentStatus{models.EnrollmentEnrolled, models.EnrollmentInProgress, models.EnrollmentPaused},
		models.EnrollmentUnsubscribed)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.logger.Info("contact unsubscribed", "contact_id", id, "exited_enrollments", n)

	c, err = s.contacts.GetByID(id)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleContactActivities handles GET /api/v1/contacts/{id}/activities
func (s *Server) handleContactActivities(w http.ResponseWriter, r *http.Request) {
	filter := models.ActivityFilter{
		ContactID:  chi.URLParam(r, "id"),
		CampaignID: r.URL.Query().Get("campaign_id"),
		Kind:       models.ActivityKind(r.URL.Query().Get("kind")),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}

	acts, err := s.activities.List(filter)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, acts)
}

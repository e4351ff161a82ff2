// Package campaign implements the campaign lifecycle state machine and
// enrollment operations.
package campaign

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/oerr"
	"github.com/ds1/outreach/internal/repository"
)

// allowedFrom maps each target status to the statuses a campaign may leave
var allowedFrom = map[models.CampaignStatus][]models.CampaignStatus{
	models.CampaignScheduled: {models.CampaignDraft},
	models.CampaignActive:    {models.CampaignDraft, models.CampaignScheduled, models.CampaignPaused},
	models.CampaignPaused:    {models.CampaignActive},
	models.CampaignCompleted: {models.CampaignActive, models.CampaignPaused},
}

type Service struct {
	logger      *slog.Logger
	campaigns   *repository.CampaignRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository

	// onActivate runs after a successful activation so the first step goes
	// out without waiting for the next scheduler tick
	onActivate func()
}

func NewService(logger *slog.Logger, campaigns *repository.CampaignRepository, contacts *repository.ContactRepository, enrollments *repository.EnrollmentRepository) *Service {
	return &Service{
		logger:      logger.With("component", "campaign"),
		campaigns:   campaigns,
		contacts:    contacts,
		enrollments: enrollments,
	}
}

// SetActivateHook registers a callback invoked after every successful
// activation or resume
func (s *Service) SetActivateHook(fn func()) {
	s.onActivate = fn
}

// transition moves a campaign to a new status, enforcing the lifecycle graph
// in a single guarded update
func (s *Service) transition(id string, to models.CampaignStatus) (*models.Campaign, error) {
	from, ok := allowedFrom[to]
	if !ok {
		return nil, &oerr.InvalidTransitionError{Entity: "campaign", To: string(to)}
	}

	moved, err := s.campaigns.TransitionStatus(id, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to transition campaign: %w", err)
	}

	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, oerr.ErrNotFound
	}
	if !moved {
		return nil, &oerr.InvalidTransitionError{Entity: "campaign", From: string(c.Status), To: string(to)}
	}

	s.logger.Info("campaign status changed", "campaign_id", id, "status", to)
	return c, nil
}

// Schedule marks a draft campaign ready for activation
func (s *Service) Schedule(id string) (*models.Campaign, error) {
	if err := s.validateLaunchable(id); err != nil {
		return nil, err
	}
	return s.transition(id, models.CampaignScheduled)
}

// Activate starts or resumes sending. The first activation records the
// campaign start time; re-activations keep it.
func (s *Service) Activate(id string) (*models.Campaign, error) {
	if err := s.validateLaunchable(id); err != nil {
		return nil, err
	}

	if _, err := s.transition(id, models.CampaignActive); err != nil {
		return nil, err
	}

	if err := s.campaigns.SetStartedAt(id, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to record start time: %w", err)
	}

	// Enrollments paused with the campaign pick up where they left off
	n, err := s.enrollments.TransitionStatusByCampaign(id,
		[]models.EnrollmentStatus{models.EnrollmentPaused},
		models.EnrollmentInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to resume enrollments: %w", err)
	}
	if n > 0 {
		s.logger.Info("resumed enrollments", "campaign_id", id, "count", n)
	}

	if s.onActivate != nil {
		s.onActivate()
	}

	return s.campaigns.GetByID(id)
}

// Resume reactivates a paused campaign
func (s *Service) Resume(id string) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, oerr.ErrNotFound
	}
	if c.Status != models.CampaignPaused {
		return nil, &oerr.InvalidTransitionError{Entity: "campaign", From: string(c.Status), To: string(models.CampaignActive)}
	}
	return s.Activate(id)
}

// Pause suspends sending. In-flight enrollments hold their step pointer so a
// later resume continues from the same position.
func (s *Service) Pause(id string) (*models.Campaign, error) {
	c, err := s.transition(id, models.CampaignPaused)
	if err != nil {
		return nil, err
	}

	n, err := s.enrollments.TransitionStatusByCampaign(id,
		[]models.EnrollmentStatus{models.EnrollmentEnrolled, models.EnrollmentInProgress},
		models.EnrollmentPaused)
	if err != nil {
		return nil, fmt.Errorf("failed to pause enrollments: %w", err)
	}
	s.logger.Info("paused enrollments", "campaign_id", id, "count", n)

	return c, nil
}

// Complete finishes a campaign. Remaining non-terminal enrollments complete
// with it.
func (s *Service) Complete(id string) (*models.Campaign, error) {
	c, err := s.transition(id, models.CampaignCompleted)
	if err != nil {
		return nil, err
	}

	_, err = s.enrollments.TransitionStatusByCampaign(id,
		[]models.EnrollmentStatus{models.EnrollmentEnrolled, models.EnrollmentInProgress, models.EnrollmentPaused},
		models.EnrollmentCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to complete enrollments: %w", err)
	}

	return c, nil
}

// Cancel aborts a campaign. Every remaining non-terminal enrollment is
// removed so no further steps go out, and the campaign lands in completed.
func (s *Service) Cancel(id string) (*models.Campaign, error) {
	c, err := s.transition(id, models.CampaignCompleted)
	if err != nil {
		return nil, err
	}

	n, err := s.enrollments.TransitionStatusByCampaign(id,
		[]models.EnrollmentStatus{models.EnrollmentEnrolled, models.EnrollmentInProgress, models.EnrollmentPaused},
		models.EnrollmentRemoved)
	if err != nil {
		return nil, fmt.Errorf("failed to remove enrollments: %w", err)
	}
	s.logger.Info("campaign cancelled", "campaign_id", id, "removed_enrollments", n)

	return c, nil
}

// validateLaunchable rejects scheduling or activating a campaign without steps
func (s *Service) validateLaunchable(id string) error {
	steps, err := s.campaigns.GetSteps(id)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return &oerr.ValidationError{Field: "steps", Reason: "campaign has no steps"}
	}
	for i, step := range steps {
		if step.StepIndex != i+1 {
			return &oerr.ValidationError{Field: "steps", Reason: fmt.Sprintf("step indexes must be contiguous from 1, found %d at position %d", step.StepIndex, i+1)}
		}
	}
	return nil
}

// Enroll adds a contact to a campaign. Unsubscribed and do-not-contact
// contacts are rejected, as are duplicate enrollments.
func (s *Service) Enroll(campaignID, contactID string) (*models.Enrollment, error) {
	c, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, oerr.ErrNotFound)
	}
	if c.Status == models.CampaignCompleted {
		return nil, &oerr.InvalidTransitionError{Entity: "enrollment", From: string(c.Status), To: string(models.EnrollmentEnrolled)}
	}

	contact, err := s.contacts.GetByID(contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, fmt.Errorf("contact %s: %w", contactID, oerr.ErrNotFound)
	}
	if contact.Status == models.ContactUnsubscribed {
		return nil, &oerr.ValidationError{Field: "contact", Reason: "contact is unsubscribed"}
	}
	if contact.DoNotContact {
		return nil, &oerr.ValidationError{Field: "contact", Reason: "contact is flagged do-not-contact"}
	}

	existing, err := s.enrollments.GetByCampaignContact(campaignID, contactID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("contact already enrolled: %w", oerr.ErrDuplicate)
	}

	e := &models.Enrollment{CampaignID: campaignID, ContactID: contactID}
	if err := s.enrollments.Create(e); err != nil {
		return nil, err
	}

	if err := s.campaigns.IncrementCounter(campaignID, "total_enrolled"); err != nil {
		return nil, err
	}

	s.logger.Info("contact enrolled", "campaign_id", campaignID, "contact_id", contactID)
	return e, nil
}

// Unenroll removes a contact from a campaign without contacting them again
func (s *Service) Unenroll(campaignID, contactID string) error {
	e, err := s.enrollments.GetByCampaignContact(campaignID, contactID)
	if err != nil {
		return err
	}
	if e == nil {
		return oerr.ErrNotFound
	}

	moved, err := s.enrollments.TransitionStatus(e.ID,
		[]models.EnrollmentStatus{models.EnrollmentEnrolled, models.EnrollmentInProgress, models.EnrollmentPaused},
		models.EnrollmentRemoved)
	if err != nil {
		return err
	}
	if !moved {
		return &oerr.InvalidTransitionError{Entity: "enrollment", From: string(e.Status), To: string(models.EnrollmentRemoved)}
	}
	return nil
}

// Package webhook receives delivery-provider callbacks and folds them into
// activity records and engagement state. Both endpoints authenticate at the
// boundary; nothing unauthenticated reaches the ingest logic.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ds1/outreach/internal/metrics"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/repository"
)

// EventEvaluator reacts to ingested events with escalation rules whose
// triggers are event-driven rather than poll-based
type EventEvaluator interface {
	EvaluateEvent(ctx context.Context, trigger models.TriggerType, contactID, campaignID string)
}

// MessageEvent is the decoded message-channel callback payload
type MessageEvent struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID string   `json:"email_id"`
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		Click   *struct {
			Link      string `json:"link"`
			Timestamp string `json:"timestamp"`
		} `json:"click,omitempty"`
	} `json:"data"`
}

// VoiceEvent is the decoded voice-channel status callback
type VoiceEvent struct {
	SessionID string
	Phone     string
	Status    string
	Timestamp string
	Carrier   string
}

// Ingestor applies provider events to contacts, enrollments, and campaign
// aggregates. All effects are idempotent or cumulative per the event kind:
// engagement counters count every event including replays, terminal
// enrollment exits happen exactly once behind status-guarded transitions.
type Ingestor struct {
	logger      *slog.Logger
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	campaigns   *repository.CampaignRepository
	activities  *repository.ActivityRepository

	evaluator EventEvaluator // nil disables event-reactive escalations
}

func NewIngestor(
	logger *slog.Logger,
	contacts *repository.ContactRepository,
	enrollments *repository.EnrollmentRepository,
	campaigns *repository.CampaignRepository,
	activities *repository.ActivityRepository,
) *Ingestor {
	return &Ingestor{
		logger:      logger.With("component", "webhook"),
		contacts:    contacts,
		enrollments: enrollments,
		campaigns:   campaigns,
		activities:  activities,
	}
}

// SetEvaluator wires the event-reactive escalation evaluator. Called after
// construction because the escalation engine is built later in startup.
func (in *Ingestor) SetEvaluator(e EventEvaluator) {
	in.evaluator = e
}

var nonTerminal = []models.EnrollmentStatus{
	models.EnrollmentEnrolled,
	models.EnrollmentInProgress,
	models.EnrollmentPaused,
}

// ApplyMessageEvent correlates a message event to its originating send and
// applies the per-kind effects
func (in *Ingestor) ApplyMessageEvent(ctx context.Context, evt *MessageEvent) error {
	logger := in.logger.With("event", evt.Type, "email_id", evt.Data.EmailID)

	switch evt.Type {
	case "sent", "delivery_delayed":
		// Acknowledged but carries no state we track
		logger.Debug("informational event ignored")
		metrics.IncWebhookEvents("message", evt.Type)
		return nil
	}

	sent, err := in.activities.GetByProviderID(evt.Data.EmailID)
	if err != nil {
		return fmt.Errorf("failed to correlate event: %w", err)
	}
	if sent == nil {
		logger.Warn("event references unknown send, ignoring")
		metrics.IncWebhookRejected("message", "unknown_send")
		return nil
	}

	logger = logger.With("contact_id", sent.ContactID, "campaign_id", sent.CampaignID)

	var enrollment *models.Enrollment
	if sent.CampaignID != "" {
		enrollment, err = in.enrollments.GetByCampaignContact(sent.CampaignID, sent.ContactID)
		if err != nil {
			return err
		}
	}

	switch evt.Type {
	case "delivered":
		err = in.record(sent, models.ActivityMessageDelivered, evt.Data.EmailID, "")

	case "opened":
		if err = in.record(sent, models.ActivityMessageOpened, evt.Data.EmailID, ""); err != nil {
			break
		}
		err = in.bumpEngagement(logger, sent, enrollment, "messages_opened", "total_opened")

	case "clicked":
		meta := ""
		if evt.Data.Click != nil {
			meta = fmt.Sprintf(`{"link":%q}`, evt.Data.Click.Link)
		}
		if err = in.record(sent, models.ActivityMessageClicked, evt.Data.EmailID, meta); err != nil {
			break
		}
		if err = in.bumpEngagement(logger, sent, enrollment, "messages_clicked", "total_clicked"); err != nil {
			break
		}
		in.evaluate(ctx, models.TriggerLinkClicked, sent.ContactID, sent.CampaignID)

	case "bounced":
		if err = in.record(sent, models.ActivityMessageBounced, evt.Data.EmailID, ""); err != nil {
			break
		}
		if err = in.contacts.SetDoNotContact(sent.ContactID, true); err != nil {
			break
		}
		err = in.exitEnrollment(logger, enrollment, models.EnrollmentRemoved)
		in.evaluate(ctx, models.TriggerChannelFailed, sent.ContactID, sent.CampaignID)

	case "complained":
		if err = in.record(sent, models.ActivityMessageComplained, evt.Data.EmailID, ""); err != nil {
			break
		}
		if err = in.contacts.SetDoNotContact(sent.ContactID, true); err != nil {
			break
		}
		if err = in.contacts.UpdateStatus(sent.ContactID, models.ContactUnsubscribed); err != nil {
			break
		}
		err = in.exitEnrollment(logger, enrollment, models.EnrollmentUnsubscribed)

	case "replied":
		if err = in.record(sent, models.ActivityMessageReplied, evt.Data.EmailID, ""); err != nil {
			break
		}
		in.evaluate(ctx, models.TriggerReplyReceived, sent.ContactID, sent.CampaignID)

	default:
		logger.Warn("unrecognized event type, ignoring")
		metrics.IncWebhookRejected("message", "unknown_type")
		return nil
	}

	if err != nil {
		return err
	}

	metrics.IncWebhookEvents("message", evt.Type)
	logger.Info("message event applied")
	return nil
}

// ApplyVoiceEvent applies a voice status callback. The bool return reports
// whether the session was recognized; unknown sessions are acknowledged
// upstream without processing.
func (in *Ingestor) ApplyVoiceEvent(ctx context.Context, evt *VoiceEvent) (bool, error) {
	logger := in.logger.With("session_id", evt.SessionID, "status", evt.Status)

	// One session covers a whole batch; the sent record recovers the
	// campaign, the phone number recovers the contact
	sent, err := in.activities.GetByProviderID(evt.SessionID)
	if err != nil {
		return false, fmt.Errorf("failed to correlate session: %w", err)
	}
	if sent == nil || sent.Kind != models.ActivityVoiceSent {
		logger.Warn("callback references unknown session")
		metrics.IncWebhookRejected("voice", "unknown_session")
		return false, nil
	}

	contact, err := in.contacts.GetByPhone(evt.Phone)
	if err != nil {
		return false, err
	}
	if contact == nil {
		logger.Warn("callback references unknown phone number", "phone", evt.Phone)
		metrics.IncWebhookRejected("voice", "unknown_phone")
		return false, nil
	}

	logger = logger.With("contact_id", contact.ID, "campaign_id", sent.CampaignID)

	kind, ok := voiceActivityKind(evt.Status)
	if !ok {
		logger.Warn("unrecognized voice status, ignoring")
		metrics.IncWebhookRejected("voice", "unknown_status")
		return false, nil
	}

	meta := fmt.Sprintf(`{"status":%q,"carrier":%q}`, evt.Status, evt.Carrier)
	activity := &models.Activity{
		ContactID:  contact.ID,
		CampaignID: sent.CampaignID,
		Kind:       kind,
		StepIndex:  sent.StepIndex,
		ProviderID: evt.SessionID,
		Metadata:   meta,
	}
	if err := in.activities.Create(activity); err != nil {
		return false, err
	}

	switch evt.Status {
	case "failed", "invalid":
		// An invalid number stays invalid; stop contacting it anywhere
		if evt.Status == "invalid" {
			if err := in.contacts.SetDoNotContact(contact.ID, true); err != nil {
				return false, err
			}
			if sent.CampaignID != "" {
				enrollment, err := in.enrollments.GetByCampaignContact(sent.CampaignID, contact.ID)
				if err != nil {
					return false, err
				}
				if err := in.exitEnrollment(logger, enrollment, models.EnrollmentRemoved); err != nil {
					return false, err
				}
			}
		}
		in.evaluate(ctx, models.TriggerChannelFailed, contact.ID, sent.CampaignID)
	}

	metrics.IncWebhookEvents("voice", evt.Status)
	logger.Info("voice event applied")
	return true, nil
}

func voiceActivityKind(status string) (models.ActivityKind, bool) {
	switch status {
	case "delivered":
		return models.ActivityVoiceDelivered, true
	case "failed", "invalid":
		return models.ActivityVoiceFailed, true
	case "busy":
		return models.ActivityVoiceBusy, true
	case "no_answer":
		return models.ActivityVoiceNoAnswer, true
	}
	return "", false
}

// record appends the event's activity, inheriting correlation from the sent
// record
func (in *Ingestor) record(sent *models.Activity, kind models.ActivityKind, providerID, metadata string) error {
	return in.activities.Create(&models.Activity{
		ContactID:  sent.ContactID,
		CampaignID: sent.CampaignID,
		Kind:       kind,
		StepIndex:  sent.StepIndex,
		ProviderID: providerID,
		Metadata:   metadata,
	})
}

// bumpEngagement increments the enrollment and campaign engagement counters.
// Counting is cumulative: replayed events count again.
func (in *Ingestor) bumpEngagement(logger *slog.Logger, sent *models.Activity, enrollment *models.Enrollment, enrollmentCounter, campaignCounter string) error {
	if sent.CampaignID == "" {
		return nil // campaign-less sends skip aggregates
	}
	if enrollment != nil {
		if err := in.enrollments.IncrementCounter(enrollment.ID, enrollmentCounter); err != nil {
			return err
		}
	}
	if err := in.campaigns.IncrementCounter(sent.CampaignID, campaignCounter); err != nil {
		logger.Error("failed to increment campaign counter", "counter", campaignCounter, "error", err)
	}
	return nil
}

// exitEnrollment moves the enrollment to a terminal state exactly once.
// Replays find the enrollment already terminal and change nothing.
func (in *Ingestor) exitEnrollment(logger *slog.Logger, enrollment *models.Enrollment, to models.EnrollmentStatus) error {
	if enrollment == nil {
		return nil
	}
	ok, err := in.enrollments.TransitionStatus(enrollment.ID, nonTerminal, to)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("enrollment already terminal", "enrollment_id", enrollment.ID)
	}
	return nil
}

func (in *Ingestor) evaluate(ctx context.Context, trigger models.TriggerType, contactID, campaignID string) {
	if in.evaluator == nil {
		return
	}
	in.evaluator.EvaluateEvent(ctx, trigger, contactID, campaignID)
}

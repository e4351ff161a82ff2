package models

import "time"

// EnrollmentStatus represents the per-contact progress state within a campaign
type EnrollmentStatus string

const (
	EnrollmentEnrolled     EnrollmentStatus = "enrolled"
	EnrollmentInProgress   EnrollmentStatus = "in_progress"
	EnrollmentCompleted    EnrollmentStatus = "completed"
	EnrollmentPaused       EnrollmentStatus = "paused"
	EnrollmentRemoved      EnrollmentStatus = "removed"
	EnrollmentUnsubscribed EnrollmentStatus = "unsubscribed"
)

// Terminal reports whether the status is a terminal state. Terminal
// enrollments are never selected by the scheduler.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentRemoved, EnrollmentUnsubscribed:
		return true
	}
	return false
}

// Enrollment associates one contact with one campaign and tracks progress
// through the campaign's steps
type Enrollment struct {
	ID         string           `json:"id"`
	CampaignID string           `json:"campaign_id"`
	ContactID  string           `json:"contact_id"`
	Status     EnrollmentStatus `json:"status"`

	// CurrentStep is the last step index successfully completed, 0 = none.
	CurrentStep int `json:"current_step"`

	// Per-channel engagement counters
	MessagesSent    int `json:"messages_sent"`
	MessagesOpened  int `json:"messages_opened"`
	MessagesClicked int `json:"messages_clicked"`
	VoiceSent       int `json:"voice_sent"`

	EnrolledAt time.Time `json:"enrolled_at"`

	// LastSentAt is the timestamp of the last completed send. Step delays
	// count from it; engagement events never move it.
	LastSentAt     *time.Time `json:"last_sent_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	// Joined fields for dispatch
	ContactEmail string `json:"contact_email,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

// EnrollmentListFilter for filtering enrollments
type EnrollmentListFilter struct {
	CampaignID string
	Status     EnrollmentStatus
	Limit      int
	Offset     int
}

package models

import "time"

// ActivityKind identifies the kind of an activity record
type ActivityKind string

const (
	ActivityMessageSent       ActivityKind = "message_sent"
	ActivityMessageDelivered  ActivityKind = "message_delivered"
	ActivityMessageOpened     ActivityKind = "message_opened"
	ActivityMessageClicked    ActivityKind = "message_clicked"
	ActivityMessageBounced    ActivityKind = "message_bounced"
	ActivityMessageComplained ActivityKind = "message_complained"
	ActivityMessageReplied    ActivityKind = "message_replied"
	ActivityVoiceSent         ActivityKind = "voice_sent"
	ActivityVoiceDelivered    ActivityKind = "voice_delivered"
	ActivityVoiceFailed       ActivityKind = "voice_failed"
	ActivityVoiceBusy         ActivityKind = "voice_busy"
	ActivityVoiceNoAnswer     ActivityKind = "voice_no_answer"
	ActivityEscalation        ActivityKind = "escalation_triggered"
)

// SentKind returns the *_sent activity kind for a channel
func SentKind(channel ChannelType) ActivityKind {
	if channel == ChannelVoice {
		return ActivityVoiceSent
	}
	return ActivityMessageSent
}

// Activity is an append-only audit record. Activities are never mutated after
// creation; *_sent activities double as the exactly-once oracle for dispatch.
type Activity struct {
	ID         string       `json:"id"`
	ContactID  string       `json:"contact_id"`
	CampaignID string       `json:"campaign_id,omitempty"`
	Kind       ActivityKind `json:"kind"`
	StepIndex  int          `json:"step_index,omitempty"`

	// ProviderID is the provider-assigned send identifier (message id or
	// voice session id), used to correlate webhook events back to the send.
	ProviderID string `json:"provider_id,omitempty"`

	// RuleID identifies the escalation rule for escalation_triggered records;
	// it anchors the per-rule-per-contact cooldown.
	RuleID string `json:"rule_id,omitempty"`

	Metadata  string    `json:"metadata,omitempty"` // JSON
	CreatedAt time.Time `json:"created_at"`
}

// ActivityFilter for querying activities
type ActivityFilter struct {
	ContactID  string
	CampaignID string
	Kind       ActivityKind
	Limit      int
	Offset     int
}

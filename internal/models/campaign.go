package models

import "time"

// CampaignStatus represents the lifecycle status of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// ChannelType identifies which delivery channels a campaign uses
type ChannelType string

const (
	ChannelMessage ChannelType = "message"
	ChannelVoice   ChannelType = "voice"
	ChannelMulti   ChannelType = "multi"
)

// Campaign represents an outreach campaign with an ordered step sequence
type Campaign struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Channel     ChannelType    `json:"channel"`
	Status      CampaignStatus `json:"status"`

	// Send window policy
	Timezone      string `json:"timezone"`
	SendDays      string `json:"send_days"` // JSON array of weekday ints, 0=Sunday
	SendHourStart int    `json:"send_hour_start"`
	SendHourEnd   int    `json:"send_hour_end"`

	// Aggregate counters, maintained by atomic increments only
	TotalEnrolled  int `json:"total_enrolled"`
	TotalSent      int `json:"total_sent"`
	TotalOpened    int `json:"total_opened"`
	TotalClicked   int `json:"total_clicked"`
	TotalReplied   int `json:"total_replied"`
	TotalConverted int `json:"total_converted"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Step is one unit of a campaign's sequence. Steps are immutable once the
// campaign leaves draft.
type Step struct {
	ID         string      `json:"id"`
	CampaignID string      `json:"campaign_id"`
	StepIndex  int         `json:"step_index"` // 1-based, contiguous
	Channel    ChannelType `json:"channel"`    // message or voice
	TemplateID string      `json:"template_id"`
	DelayDays  int         `json:"delay_days"` // from the eligibility baseline
	CreatedAt  time.Time   `json:"created_at"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Status CampaignStatus
	Search string
	Limit  int
	Offset int
}

package models

import (
	"encoding/json"
	"time"
)

// TriggerType identifies what condition fires an escalation rule
type TriggerType string

const (
	TriggerNoResponseDays TriggerType = "no_response_days"
	TriggerHighEngagement TriggerType = "high_engagement"
	TriggerReplyReceived  TriggerType = "reply_received"
	TriggerLinkClicked    TriggerType = "link_clicked"
	TriggerChannelFailed  TriggerType = "channel_failed"
)

// ActionType identifies an escalation action
type ActionType string

const (
	ActionNotify       ActionType = "notify"
	ActionMutateStatus ActionType = "mutate_status"
)

// EscalationAction is one entry in a rule's ordered action list
type EscalationAction struct {
	Type   ActionType        `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// EscalationRule surfaces high-value or stalled contacts outside the normal
// step flow. The same rule never fires twice for the same contact within the
// cooldown window.
type EscalationRule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Active      bool        `json:"active"`
	TriggerType TriggerType `json:"trigger_type"`

	// Trigger parameters
	ThresholdDays       int `json:"threshold_days,omitempty"`
	EngagementThreshold int `json:"engagement_threshold,omitempty"`

	CooldownHours int    `json:"cooldown_hours"`
	Actions       string `json:"actions"` // JSON array of EscalationAction

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionList decodes the rule's ordered action list
func (r *EscalationRule) ActionList() ([]EscalationAction, error) {
	if r.Actions == "" {
		return nil, nil
	}
	var actions []EscalationAction
	if err := json.Unmarshal([]byte(r.Actions), &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

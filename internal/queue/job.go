package queue

import (
	"time"
)

// JobStatus represents the status of a job in the queue
type JobStatus string

const (
	StatusReady      JobStatus = "ready"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
	StatusDelayed    JobStatus = "delayed"
)

// JobKind identifies what a job does when dispatched
type JobKind string

const (
	KindSendStep   JobKind = "send_step"
	KindSynthesize JobKind = "synthesize_audio"
	KindEscalate   JobKind = "run_escalation"
)

// JobContact is one batch member of a send job
type JobContact struct {
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
}

// Job is one unit of dispatch work. Send jobs carry a batch of contacts for
// one (campaign, step). Jobs survive process restarts; the IdempotencyKey
// guards against double-enqueue of the same logical batch.
type Job struct {
	ID             string       `json:"id"`
	Kind           JobKind      `json:"kind"`
	CampaignID     string       `json:"campaign_id,omitempty"`
	Contacts       []JobContact `json:"contacts,omitempty"`
	StepIndex      int          `json:"step_index,omitempty"`
	Channel        string       `json:"channel,omitempty"`
	TemplateID     string       `json:"template_id,omitempty"`
	RuleID         string       `json:"rule_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Payload        []byte       `json:"payload,omitempty"`
	Status         JobStatus    `json:"status"`

	// RunAt defers execution: step delays and send-window alignment both
	// land here. Zero means run immediately.
	RunAt time.Time `json:"run_at,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	NextRetryAt time.Time `json:"next_retry_at"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// Stats represents queue statistics
type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Delayed    int64 `json:"delayed"`
	Total      int64 `json:"total"`
}

// ListFilter represents filter options for listing jobs
type ListFilter struct {
	Status JobStatus
	Kind   JobKind
	Limit  int
	Offset int
}

package models

import "time"

// ContactStatus represents the lifecycle status of a contact
type ContactStatus string

const (
	ContactActive       ContactStatus = "active"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactEscalated    ContactStatus = "escalated"
)

// Contact represents an outreach recipient
type Contact struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	Phone        string        `json:"phone"`
	FirstName    string        `json:"first_name"`
	LastName     string        `json:"last_name"`
	Company      string        `json:"company"`
	Status       ContactStatus `json:"status"`
	DoNotContact bool          `json:"do_not_contact"`
	Variables    string        `json:"variables"` // JSON
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ContactListFilter for filtering contacts
type ContactListFilter struct {
	Status ContactStatus
	Search string
	Limit  int
	Offset int
}

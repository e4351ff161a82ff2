package models

import "time"

// Template holds the content for one step: subject/body for the message
// channel, script plus synthesized audio URL for the voice channel.
type Template struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Channel   ChannelType `json:"channel"`
	Subject   string      `json:"subject"`
	Body      string      `json:"body"`                // HTML for message, script text for voice
	AudioURL  string      `json:"audio_url,omitempty"` // cached synthesis result
	Variables string      `json:"variables"`           // JSON
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

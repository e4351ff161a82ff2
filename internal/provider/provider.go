// Package provider holds the outbound capability boundaries. Every external
// system the engine talks to sits behind one of these interfaces so delivery
// logic never depends on a concrete vendor.
package provider

import "context"

// MessageSendRequest is a rendered message ready for delivery
type MessageSendRequest struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MessageSendResponse carries the provider-assigned message identifier used
// to correlate webhook events
type MessageSendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// MessageSender delivers rendered messages through an external provider
type MessageSender interface {
	Send(ctx context.Context, req *MessageSendRequest) (*MessageSendResponse, error)
}

// VoiceCallRequest initiates one bulk voice drop that plays synthesized
// audio to every listed number
type VoiceCallRequest struct {
	Phones   []string `json:"phones"`
	AudioURL string   `json:"audio_url"`
	Script   string   `json:"script,omitempty"`
}

// VoiceCallResponse carries the provider session identifier shared by the
// whole batch
type VoiceCallResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// VoiceSender places bulk voice drops through an external provider
type VoiceSender interface {
	SendBulk(ctx context.Context, req *VoiceCallRequest) (*VoiceCallResponse, error)
}

// SynthesizeRequest turns script text into audio
type SynthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// SynthesizeResponse points at the generated audio asset
type SynthesizeResponse struct {
	AudioURL string `json:"audio_url"`
}

// SpeechSynthesizer renders voice scripts to audio
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error)
}

// GenerateRequest asks the content service for personalized copy
type GenerateRequest struct {
	Prompt    string            `json:"prompt"`
	Variables map[string]string `json:"variables,omitempty"`
}

// GenerateResponse holds the generated copy
type GenerateResponse struct {
	Text string `json:"text"`
}

// ContentGenerator produces personalized content on demand
type ContentGenerator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

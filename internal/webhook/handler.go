package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ds1/outreach/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Handler exposes the two provider callback endpoints
type Handler struct {
	logger   *slog.Logger
	ingestor *Ingestor

	// signingSecret authenticates message callbacks. Empty runs the
	// endpoint in degraded mode: events accepted, every request logged.
	signingSecret string

	// voiceToken authenticates voice callbacks via a query parameter; the
	// voice provider has no signature scheme.
	voiceToken string
}

func NewHandler(logger *slog.Logger, ingestor *Ingestor, signingSecret, voiceToken string) *Handler {
	return &Handler{
		logger:        logger.With("component", "webhook"),
		ingestor:      ingestor,
		signingSecret: signingSecret,
		voiceToken:    voiceToken,
	}
}

// Routes returns the webhook sub-router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/message", h.handleMessage)
	r.Post("/voice", h.handleVoice)
	return r
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	id := r.Header.Get("webhook-id")
	timestamp := r.Header.Get("webhook-timestamp")
	signature := r.Header.Get("webhook-signature")

	if h.signingSecret == "" {
		h.logger.Warn("no signing secret configured, accepting unverified webhook", "webhook_id", id)
	} else if !verifySignature(h.signingSecret, id, timestamp, body, signature) {
		h.logger.Warn("webhook signature verification failed", "webhook_id", id)
		metrics.IncWebhookRejected("message", "bad_signature")
		h.sendError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var evt MessageEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		metrics.IncWebhookRejected("message", "malformed")
		h.sendError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if evt.Type == "" {
		metrics.IncWebhookRejected("message", "malformed")
		h.sendError(w, http.StatusBadRequest, "type is required")
		return
	}

	if err := h.ingestor.ApplyMessageEvent(r.Context(), &evt); err != nil {
		h.logger.Error("failed to apply message event", "event", evt.Type, "error", err)
		h.sendError(w, http.StatusInternalServerError, "failed to process event")
		return
	}

	h.sendReceived(w)
}

func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	if h.voiceToken == "" || r.URL.Query().Get("token") != h.voiceToken {
		metrics.IncWebhookRejected("voice", "bad_token")
		h.sendError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := r.ParseForm(); err != nil {
		metrics.IncWebhookRejected("voice", "malformed")
		h.sendError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	evt := &VoiceEvent{
		SessionID: r.PostFormValue("session_id"),
		Phone:     r.PostFormValue("phone"),
		Status:    r.PostFormValue("status"),
		Timestamp: r.PostFormValue("timestamp"),
		Carrier:   r.PostFormValue("carrier"),
	}
	if evt.SessionID == "" || evt.Phone == "" || evt.Status == "" {
		metrics.IncWebhookRejected("voice", "malformed")
		h.sendError(w, http.StatusBadRequest, "session_id, phone and status are required")
		return
	}

	// Unknown sessions are acknowledged to stop provider retries
	if _, err := h.ingestor.ApplyVoiceEvent(r.Context(), evt); err != nil {
		h.logger.Error("failed to apply voice event", "session_id", evt.SessionID, "error", err)
		h.sendError(w, http.StatusInternalServerError, "failed to process event")
		return
	}

	h.sendReceived(w)
}

// verifySignature checks the HMAC-SHA256 over "id.timestamp.body"
func verifySignature(secret, id, timestamp string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Handler) sendReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

func (h *Handler) sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
)

// maxWebhookBody caps how much of a webhook POST body is read.
const maxWebhookBody = 1 << 20

// WebhookEvent is the Todoist webhook POST body.
type WebhookEvent struct {
	EventName string          `json:"event_name"`
	UserID    string          `json:"user_id"`
	EventData json.RawMessage `json:"event_data"`
}

// actionFor maps a webhook event name to a sync action. The second return
// is false for events the engine ignores.
func actionFor(eventName string) (models.SyncAction, bool) {
	switch eventName {
	case "item:added", "item:updated", "item:completed", "item:uncompleted",
		"note:added", "note:updated":
		return models.ActionUpsert, true
	case "item:deleted":
		return models.ActionArchive, true
	default:
		return "", false
	}
}

// verifySignature checks the HMAC-SHA256 signature Todoist sends over the
// raw body, base64-encoded in X-Todoist-Hmac-SHA256.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		// No secret configured: accept (local dev).
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// handleWebhook validates, translates, and enqueues one source event.
// Intake is non-blocking: the response returns as soon as the message is
// durably queued.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "read body")
		return
	}

	if !verifySignature(s.config.WebhookSecret, body, r.Header.Get("X-Todoist-Hmac-SHA256")) {
		slog.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid signature")
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	action, ok := actionFor(event.EventName)
	if !ok {
		s.metrics.RecordEventIgnored()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "irrelevant_event"})
		return
	}

	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.EventData, &data); err != nil || data.ID == "" {
		s.metrics.RecordEventIgnored()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no_task_id"})
		return
	}

	msg := models.SyncMessage{
		Action: action,
		TaskID: data.ID,
		Source: models.SourceWebhook,
	}
	if action == models.ActionUpsert {
		// The event payload doubles as a fresh snapshot, saving a re-fetch.
		msg.Snapshot = event.EventData
	}

	if err := s.engine.Enqueue(r.Context(), msg); err != nil {
		slog.Error("enqueue webhook event failed", "task_id", data.ID, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "enqueue failed")
		return
	}

	s.metrics.RecordEventQueued()
	slog.Info("webhook event queued", "event", event.EventName, "task_id", data.ID, "action", action)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "queued",
		"task_id": data.ID,
		"action":  string(action),
	})
}

// pushEnvelope is the wrapped message a queue push subscription delivers:
// the inner sync message travels base64-encoded in message.data.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"message_id"`
	} `json:"message"`
}

// handleQueuePush unwraps a pushed envelope and enqueues the inner sync
// message.
func (s *Server) handleQueuePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "read body")
		return
	}

	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid envelope")
		return
	}

	var msg models.SyncMessage
	if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid inner message")
		return
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	if err := s.engine.Enqueue(r.Context(), msg); err != nil {
		slog.Error("enqueue pushed message failed", "task_id", msg.TaskID, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "enqueue failed")
		return
	}

	s.metrics.RecordEventQueued()
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "task_id": msg.TaskID})
}

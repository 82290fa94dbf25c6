// Package httpapi exposes the ingestion surface: the webhook endpoints, the
// notification stream, and a small status dashboard. Webhook responses are
// always HTTP 200 with the real outcome carried in-band, so upstream
// delivery systems never retry on our behalf.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/assistantworks/vigil/internal/dedup"
	"github.com/assistantworks/vigil/internal/ingest"
	"github.com/assistantworks/vigil/internal/notify"
	"github.com/assistantworks/vigil/internal/platform"
	"github.com/assistantworks/vigil/internal/snapshot"
	"github.com/assistantworks/vigil/internal/watch"
)

type ServerConfig struct {
	// WebhookSecret enables HMAC verification of webhook bodies when set.
	WebhookSecret string
	MaxBodyBytes  int64
}

type Server struct {
	queue     ingest.Queue
	dedups    *dedup.Store
	snapshots *snapshot.Store
	registry  *watch.Registry
	account   platform.AccountProvider
	hub       *notify.WebsocketHub
	cfg       ServerConfig
	logger    *slog.Logger
}

func NewServer(queue ingest.Queue, dedups *dedup.Store, snapshots *snapshot.Store, registry *watch.Registry, account platform.AccountProvider, hub *notify.WebsocketHub, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		queue:     queue,
		dedups:    dedups,
		snapshots: snapshots,
		registry:  registry,
		account:   account,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
	case r.URL.Path == "/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, "tracker")
	case r.URL.Path == "/calendar/webhook_response" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, "calendar")
	case r.URL.Path == "/notifications/stream" && r.Method == http.MethodGet:
		if s.hub == nil {
			http.Error(w, "stream unavailable", http.StatusNotFound)
			return
		}
		s.hub.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

// webhookAck is the in-band response contract: the HTTP status is always
// 200, status says ok or error, detail says what actually happened.
type webhookAck struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func ackOK(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusOK, webhookAck{Status: "ok", Detail: detail})
}

func ackError(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusOK, webhookAck{Status: "error", Detail: detail})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, source string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		ackError(w, "unreadable body")
		return
	}
	if s.cfg.WebhookSecret != "" {
		if err := verifySignature(s.cfg.WebhookSecret, r.Header.Get("X-Signature"), body); err != nil {
			s.logger.Warn("webhook signature rejected", "source", source, "error", err)
			ackError(w, "invalid signature")
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("webhook payload unparseable", "source", source, "error", err)
		ackError(w, "invalid payload")
		return
	}

	trigger, data, messageID := normalizeEnvelope(payload)
	if trigger == "" {
		s.logger.Debug("webhook without trigger slug ignored", "source", source)
		ackOK(w, "ignored (no trigger)")
		return
	}

	if s.isSelfAction(trigger, data) {
		ackOK(w, "ignored (current user action)")
		return
	}

	key := dedup.DeriveKey(source, businessKey(data), changedAt(data), messageID, data)
	if s.dedups != nil && s.dedups.IsDuplicate(key) {
		s.logger.Debug("duplicate webhook ignored", "trigger", trigger, "key", key)
		ackOK(w, "duplicate ignored")
		return
	}

	if !s.queue.TryEnqueue(ingest.NewDelivery(trigger, data)) {
		// Unmark so the sender's redelivery is not swallowed as a duplicate.
		if s.dedups != nil {
			s.dedups.Forget(key)
		}
		s.logger.Warn("delivery queue full, webhook dropped", "trigger", trigger)
		ackError(w, "queue full, delivery dropped")
		return
	}
	s.logger.Info("webhook accepted", "trigger", trigger, "source", source)
	ackOK(w, "processing started")
}

// normalizeEnvelope strips the platform's message wrapper. A wrapped message
// carries the trigger slug in metadata and the payload under data; a bare
// payload names its trigger inline.
func normalizeEnvelope(payload map[string]any) (trigger string, data map[string]any, messageID string) {
	messageID, _ = payload["id"].(string)
	if kind, _ := payload["type"].(string); kind == "platform.trigger.message" {
		if metadata, ok := payload["metadata"].(map[string]any); ok {
			trigger, _ = metadata["trigger_slug"].(string)
		}
		data, _ = payload["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		return trigger, platform.NormalizePayload(data), messageID
	}
	for _, key := range []string{"trigger_slug", "trigger", "triggerName"} {
		if slug, ok := payload[key].(string); ok && slug != "" {
			trigger = slug
			break
		}
	}
	return trigger, platform.NormalizePayload(payload), messageID
}

// isSelfAction filters events caused by the connected account itself. Your
// own edits are not news.
func (s *Server) isSelfAction(trigger string, data map[string]any) bool {
	if s.account == nil {
		return false
	}
	account := s.account()
	if account.DisplayName == "" {
		return false
	}
	switch trigger {
	case platform.TriggerIssueCreated, platform.TriggerIssueUpdated:
	default:
		return false
	}
	return actorName(data) == account.DisplayName
}

func actorName(data map[string]any) string {
	for _, key := range []string{"user", "actor"} {
		if nested, ok := data[key].(map[string]any); ok {
			if name, _ := nested["displayName"].(string); name != "" {
				return name
			}
			if name, _ := nested["name"].(string); name != "" {
				return name
			}
		}
	}
	if fields, ok := data["fields"].(map[string]any); ok {
		if nested, ok := fields["reporter"].(map[string]any); ok {
			if name, _ := nested["displayName"].(string); name != "" {
				return name
			}
		}
	}
	if nested, ok := data["reporter"].(map[string]any); ok {
		if name, _ := nested["displayName"].(string); name != "" {
			return name
		}
	}
	return ""
}

func businessKey(data map[string]any) string {
	for _, key := range []string{"key", "issue_key", "event_id"} {
		if value, ok := data[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func changedAt(data map[string]any) string {
	for _, key := range []string{"updated", "updated_at", "timestamp"} {
		if value, ok := data[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	if fields, ok := data["fields"].(map[string]any); ok {
		if value, ok := fields["updated"].(string); ok {
			return value
		}
	}
	return ""
}

type statusResponse struct {
	Connected      bool   `json:"connected"`
	Account        string `json:"account,omitempty"`
	QueueDepth     int    `json:"queueDepth"`
	QueueCapacity  int    `json:"queueCapacity"`
	TrackedIssues  int    `json:"trackedIssues"`
	SeenEvents     int    `json:"seenEvents"`
	ActiveTriggers int    `json:"activeTriggers"`
	StreamClients  int    `json:"streamClients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := statusResponse{}
	if s.account != nil {
		account := s.account()
		status.Connected = account.Connected()
		status.Account = account.DisplayName
	}
	if s.queue != nil {
		status.QueueDepth = s.queue.Depth()
		status.QueueCapacity = s.queue.Capacity()
	}
	if s.snapshots != nil {
		status.TrackedIssues = s.snapshots.Len()
	}
	if s.dedups != nil {
		status.SeenEvents = s.dedups.Len()
	}
	if s.registry != nil {
		status.ActiveTriggers = s.registry.ActiveCount()
	}
	if s.hub != nil {
		status.StreamClients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

package watch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/assistantworks/vigil/internal/event"
	"github.com/assistantworks/vigil/internal/ingest"
	"github.com/assistantworks/vigil/internal/notify"
	"github.com/assistantworks/vigil/internal/platform"
)

// PushHandler routes accepted webhook deliveries to the matching reaction:
// issue triggers feed the same diff path the poll loop uses, project
// triggers expand the registry, calendar triggers dispatch directly.
type PushHandler struct {
	watcher    *Watcher
	registry   *Registry
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

func NewPushHandler(watcher *Watcher, registry *Registry, dispatcher *notify.Dispatcher, logger *slog.Logger) *PushHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushHandler{
		watcher:    watcher,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle processes one delivery. Unknown triggers are logged and dropped.
func (h *PushHandler) Handle(ctx context.Context, d ingest.Delivery) {
	payload := platform.NormalizePayload(d.Data)
	switch d.Trigger {
	case platform.TriggerProjectCreated:
		h.handleProjectCreated(ctx, payload)
	case platform.TriggerIssueCreated:
		h.handleIssueCreated(ctx, payload)
	case platform.TriggerIssueUpdated:
		h.handleIssueUpdated(ctx, payload)
	case platform.TriggerIssueDeleted:
		h.handleIssueDeleted(ctx, payload)
	case platform.TriggerRSVPChanged:
		h.handleRSVPChanged(ctx, payload)
	case platform.TriggerEventStarting:
		h.handleEventStarting(ctx, payload)
	default:
		h.logger.Warn("unknown trigger dropped", "trigger", d.Trigger, "delivery", d.ID)
	}
}

// handleProjectCreated widens coverage: new projects get their own issue
// triggers so pushes keep flowing without a restart.
func (h *PushHandler) handleProjectCreated(ctx context.Context, payload map[string]any) {
	projectKey := stringValue(payload, "key", "project_key")
	if projectKey == "" {
		h.logger.Warn("project created payload without key")
		return
	}
	if h.registry != nil {
		h.registry.ExpandProject(ctx, projectKey)
	}
	h.dispatcher.Dispatch(ctx, event.ChangeEvent{
		Type:   event.TypeCreated,
		Key:    projectKey,
		Title:  stringValue(payload, "name"),
		Source: "tracker",
	})
}

func (h *PushHandler) handleIssueCreated(ctx context.Context, payload map[string]any) {
	issue, ok := platform.ParseIssue(payload)
	if !ok {
		h.logger.Warn("issue created payload unparseable")
		return
	}
	h.dispatcher.Dispatch(ctx, event.ChangeEvent{
		Type:     event.TypeCreated,
		Key:      issue.Key,
		Title:    issue.Summary,
		Source:   "tracker",
		Status:   issue.Status,
		Assignee: issue.Assignee,
	})
	// Seed the baseline so the next poll does not re-announce the issue.
	if h.watcher != nil {
		h.watcher.seedIssue(ctx, h.watcher.account(), issue)
	}
}

func (h *PushHandler) handleIssueUpdated(ctx context.Context, payload map[string]any) {
	issue, ok := platform.ParseIssue(payload)
	if !ok {
		h.logger.Warn("issue updated payload unparseable")
		return
	}
	if h.watcher == nil {
		return
	}
	// The push path converges on the poll path: same diff, same gate, same
	// snapshot write. Whichever side sees a change first wins; the other
	// finds an already-updated baseline.
	h.watcher.ProcessIssue(ctx, issue)
}

func (h *PushHandler) handleIssueDeleted(ctx context.Context, payload map[string]any) {
	issue, ok := platform.ParseIssue(payload)
	if !ok {
		h.logger.Warn("issue deleted payload unparseable")
		return
	}
	h.dispatcher.Dispatch(ctx, event.ChangeEvent{
		Type:   event.TypeDeleted,
		Key:    issue.Key,
		Title:  issue.Summary,
		Source: "tracker",
	})
}

func (h *PushHandler) handleRSVPChanged(ctx context.Context, payload map[string]any) {
	title := stringValue(payload, "summary", "title", "event_title")
	person := stringValue(payload, "attendee", "attendee_name", "person")
	status := stringValue(payload, "response", "response_status", "rsvp_status")
	if person == "" || status == "" {
		h.logger.Warn("rsvp payload missing attendee or response")
		return
	}
	h.dispatcher.Dispatch(ctx, event.ChangeEvent{
		Type:       event.TypeRSVPChanged,
		Key:        stringValue(payload, "event_id", "id"),
		Title:      title,
		Source:     "calendar",
		Person:     person,
		RSVPStatus: status,
		StartTime:  stringValue(payload, "start_time", "start"),
	})
}

func (h *PushHandler) handleEventStarting(ctx context.Context, payload map[string]any) {
	title := stringValue(payload, "summary", "title", "event_title")
	if title == "" {
		h.logger.Warn("event starting payload without title")
		return
	}
	h.dispatcher.Dispatch(ctx, event.ChangeEvent{
		Type:        event.TypeStartingSoon,
		Key:         stringValue(payload, "event_id", "id"),
		Title:       title,
		Source:      "calendar",
		StartTime:   stringValue(payload, "start_time", "start"),
		Location:    stringValue(payload, "location"),
		MeetingLink: stringValue(payload, "meeting_link", "hangout_link", "link"),
	})
}

func stringValue(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := m[key]; ok {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Package notify renders change events into user-facing messages and hands
// them to a delivery sink. Dispatch is fire-and-forget: sink failures are
// logged, never surfaced to the detection pipeline.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/assistantworks/vigil/internal/event"
)

// Sink delivers one rendered message to the user's channel.
type Sink interface {
	HandleMessage(ctx context.Context, text string) error
}

// LogSink writes messages to the structured log. Useful as a development
// sink and as the fallback when no delivery channel is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) HandleMessage(_ context.Context, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "message", text)
	return nil
}

// Dispatcher formats events and sends them through the configured sink.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger
}

func NewDispatcher(sink Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &Dispatcher{sink: sink, logger: logger}
}

// Dispatch renders and delivers one event. Delivery errors are swallowed
// after logging so a flaky sink cannot stall change detection.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.ChangeEvent) {
	text := Render(ev)
	if text == "" {
		d.logger.Debug("event rendered empty, dropping", "type", ev.Type, "key", ev.Key)
		return
	}
	if err := d.sink.HandleMessage(ctx, text); err != nil {
		d.logger.Error("notification delivery failed", "type", ev.Type, "key", ev.Key, "error", err)
		return
	}
	d.logger.Info("notification sent", "type", ev.Type, "key", ev.Key)
}

// Render produces the message body for an event. Unknown types render empty.
func Render(ev event.ChangeEvent) string {
	switch ev.Type {
	case event.TypeCreated:
		return renderCreated(ev)
	case event.TypeUpdated, event.TypeMention:
		return renderUpdate(ev)
	case event.TypeDeleted:
		return renderDeleted(ev)
	case event.TypeRSVPChanged:
		return renderRSVP(ev)
	case event.TypeStartingSoon:
		return renderStartingSoon(ev)
	default:
		return ""
	}
}

func renderCreated(ev event.ChangeEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🆕 **New Ticket Created: %s**\n", ev.Key)
	fmt.Fprintf(&b, "**Summary:** %s\n", ev.Title)
	if ev.Status != "" {
		fmt.Fprintf(&b, "**Status:** %s", ev.Status)
		if ev.Assignee != "" {
			fmt.Fprintf(&b, " | **Assignee:** %s", ev.Assignee)
		}
		b.WriteString("\n")
	}
	writeSourceTrailer(&b, ev.Source)
	return b.String()
}

func renderUpdate(ev event.ChangeEvent) string {
	header := ev.Header
	if header == "" {
		header = "Tracker Update"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 **%s: %s**\n", header, ev.Key)
	fmt.Fprintf(&b, "**Summary:** %s\n", ev.Title)
	if len(ev.Reasons) > 0 {
		b.WriteString("\n**Analysis:**\n")
		for _, reason := range ev.Reasons {
			label := strings.ToUpper(reason.Field)
			if reason.Importance != "" {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", reason.Importance, label, reason.Reason)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", label, reason.Reason)
			}
		}
	}
	if ev.MentionText != "" {
		fmt.Fprintf(&b, "\n**Mention:** %q\n", ev.MentionText)
	}
	if ev.Status != "" || ev.Assignee != "" {
		b.WriteString("\n")
		if ev.Status != "" {
			fmt.Fprintf(&b, "**Status:** %s", ev.Status)
		}
		if ev.Assignee != "" {
			if ev.Status != "" {
				b.WriteString(" | ")
			}
			fmt.Fprintf(&b, "**Assignee:** %s", ev.Assignee)
		}
		b.WriteString("\n")
	}
	writeSourceTrailer(&b, ev.Source)
	return b.String()
}

func renderDeleted(ev event.ChangeEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🗑️ **Ticket Deleted: %s**\n", ev.Key)
	if ev.Title != "" {
		fmt.Fprintf(&b, "**Summary:** %s\n", ev.Title)
	}
	writeSourceTrailer(&b, ev.Source)
	return b.String()
}

func renderRSVP(ev event.ChangeEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 **Meeting Response: %s**\n", ev.Title)
	fmt.Fprintf(&b, "**%s** responded: %s\n", ev.Person, ev.RSVPStatus)
	if ev.StartTime != "" {
		fmt.Fprintf(&b, "**When:** %s\n", ev.StartTime)
	}
	writeSourceTrailer(&b, ev.Source)
	return b.String()
}

func renderStartingSoon(ev event.ChangeEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ **Meeting Starting Soon: %s**\n", ev.Title)
	if ev.StartTime != "" {
		fmt.Fprintf(&b, "**When:** %s\n", ev.StartTime)
	}
	if ev.Location != "" {
		fmt.Fprintf(&b, "**Where:** %s\n", ev.Location)
	}
	if ev.MeetingLink != "" {
		fmt.Fprintf(&b, "**Join:** %s\n", ev.MeetingLink)
	}
	writeSourceTrailer(&b, ev.Source)
	return b.String()
}

func writeSourceTrailer(b *strings.Builder, source string) {
	if source == "" {
		return
	}
	fmt.Fprintf(b, "\n*Source: %s*", source)
}

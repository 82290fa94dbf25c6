package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/assistantworks/vigil/internal/classify"
	"github.com/assistantworks/vigil/internal/event"
	"github.com/assistantworks/vigil/internal/notify"
	"github.com/assistantworks/vigil/internal/platform"
	"github.com/assistantworks/vigil/internal/snapshot"
)

const mentionSnippetLimit = 100

// IssueAPI is the slice of the platform client the watcher needs.
type IssueAPI interface {
	SearchIssues(ctx context.Context, userID string, limit int) ([]platform.Issue, error)
	ListComments(ctx context.Context, userID, issueKey string) ([]platform.Comment, error)
}

// Options tune the poll loop. Zero values take defaults.
type Options struct {
	Interval          time.Duration
	PageSize          int
	TrackedFields     []string
	AlertOnFirstSight bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Minute
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if len(o.TrackedFields) == 0 {
		o.TrackedFields = []string{"assignee", "priority", "status", "due_date"}
	}
	return o
}

// Watcher polls the tracker at a fixed interval, diffs each issue against
// its stored snapshot, runs detected changes through the significance gate
// and dispatches the survivors. The first cycle against an empty snapshot
// store seeds silently so a restart never replays history as news.
type Watcher struct {
	api        IssueAPI
	account    platform.AccountProvider
	snapshots  *snapshot.Store
	gate       classify.Gate
	dispatcher *notify.Dispatcher
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// procMu serializes read-diff-write passes over the snapshot store so
	// concurrent push workers and the poll loop cannot both diff the same
	// stale baseline and double-dispatch one change.
	procMu sync.Mutex
}

func NewWatcher(api IssueAPI, account platform.AccountProvider, snapshots *snapshot.Store, gate classify.Gate, dispatcher *notify.Dispatcher, opts Options, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		api:        api,
		account:    account,
		snapshots:  snapshots,
		gate:       gate,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// Start launches the poll goroutine. Calling Start on a running watcher is
// a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	w.logger.Info("watcher started", "interval", w.opts.Interval)
}

// Stop cancels the loop and waits for the in-flight cycle. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// cycle runs one poll pass. A panic anywhere in the pass is contained here
// so a bad payload cannot kill the loop.
func (w *Watcher) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("poll cycle panicked", "panic", r)
		}
	}()
	if err := w.pollOnce(ctx); err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("poll cycle failed", "error", err)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) error {
	account := w.account()
	if !account.Connected() {
		w.logger.Debug("poll skipped, no account connected")
		return nil
	}

	issues, err := w.api.SearchIssues(ctx, account.UserID, w.opts.PageSize)
	if err != nil {
		return fmt.Errorf("fetch issues: %w", err)
	}

	if w.snapshots.IsEmpty() {
		w.seedAll(ctx, account, issues)
		return nil
	}

	for _, issue := range issues {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.ProcessIssue(ctx, issue)
	}
	return nil
}

// seedAll records the current state of every issue without notifying.
// Comment watermarks advance to the newest existing comment so pre-existing
// mentions stay quiet.
func (w *Watcher) seedAll(ctx context.Context, account platform.AccountContext, issues []platform.Issue) {
	for _, issue := range issues {
		if ctx.Err() != nil {
			return
		}
		w.seedIssue(ctx, account, issue)
	}
	w.logger.Info("snapshot store seeded", "issues", len(issues))
}

func (w *Watcher) seedIssue(ctx context.Context, account platform.AccountContext, issue platform.Issue) {
	snap := snapshot.Snapshot{
		Fields:    issueFields(issue),
		Watermark: snapshot.DefaultWatermark,
	}
	if comments, err := w.api.ListComments(ctx, account.UserID, issue.Key); err == nil {
		snap.Watermark = strconv.FormatInt(latestCommentID(comments), 10)
	} else {
		w.logger.Debug("comment watermark seed failed", "issue", issue.Key, "error", err)
	}
	w.snapshots.Put(issue.Key, snap)
}

// ProcessIssue diffs one issue against its snapshot and dispatches a
// notification when the gate lets the change through. The snapshot is
// updated regardless of the gate's verdict, so both the poll loop and the
// webhook path converge on the same baseline and never alert twice for one
// change. Passes are serialized: a concurrent call for the same change
// waits, then diffs against the updated baseline and finds nothing.
func (w *Watcher) ProcessIssue(ctx context.Context, issue platform.Issue) {
	account := w.account()
	if !account.Connected() || strings.TrimSpace(issue.Key) == "" {
		return
	}

	w.procMu.Lock()
	defer w.procMu.Unlock()

	previous, known := w.snapshots.Get(issue.Key)
	if !known {
		if w.opts.AlertOnFirstSight {
			w.dispatcher.Dispatch(ctx, event.ChangeEvent{
				Type:     event.TypeCreated,
				Key:      issue.Key,
				Title:    issue.Summary,
				Source:   "tracker",
				Status:   issue.Status,
				Assignee: issue.Assignee,
			})
		}
		w.seedIssue(ctx, account, issue)
		return
	}

	current := snapshot.Snapshot{
		Fields:    issueFields(issue),
		Watermark: previous.Watermark,
	}
	changes := snapshot.Diff(previous, current, w.opts.TrackedFields)
	mention, watermark := w.scanMentions(ctx, account, issue.Key, previous.Watermark)
	current.Watermark = watermark

	if len(changes) == 0 && mention == "" {
		w.snapshots.Put(issue.Key, current)
		return
	}

	decision, err := w.gate.Classify(ctx, classify.IssueContext{
		Key:         issue.Key,
		Summary:     issue.Summary,
		Status:      issue.Status,
		Assignee:    issue.Assignee,
		IssueType:   issue.IssueType,
		Description: issue.Description,
	}, changes, mention)
	if err != nil {
		w.logger.Debug("gate errored, suppressing", "issue", issue.Key, "error", err)
	}
	if decision != nil && decision.Notify {
		eventType := event.TypeUpdated
		if len(changes) == 0 && mention != "" {
			eventType = event.TypeMention
		}
		w.dispatcher.Dispatch(ctx, event.ChangeEvent{
			Type:         eventType,
			Key:          issue.Key,
			Title:        issue.Summary,
			Source:       "tracker",
			Status:       issue.Status,
			Assignee:     issue.Assignee,
			FieldChanges: changes,
			Header:       decision.Header,
			Reasons:      decision.Reasons,
			MentionText:  mention,
		})
	} else if decision == nil {
		w.logger.Debug("gate unavailable, change suppressed", "issue", issue.Key, "changes", len(changes))
	}

	w.snapshots.Put(issue.Key, current)
}

// scanMentions looks for the account identity in comments newer than the
// watermark. Returns a snippet of the first mention found and the advanced
// watermark.
func (w *Watcher) scanMentions(ctx context.Context, account platform.AccountContext, issueKey, watermark string) (string, string) {
	if strings.TrimSpace(account.AccountID) == "" {
		return "", watermark
	}
	comments, err := w.api.ListComments(ctx, account.UserID, issueKey)
	if err != nil {
		w.logger.Debug("comment scan failed", "issue", issueKey, "error", err)
		return "", watermark
	}
	seen, _ := strconv.ParseInt(watermark, 10, 64)
	highest := seen
	mention := ""
	for _, comment := range comments {
		if comment.ID > highest {
			highest = comment.ID
		}
		if comment.ID <= seen {
			continue
		}
		if comment.Author == account.DisplayName {
			continue
		}
		if !strings.Contains(comment.Body, account.AccountID) {
			continue
		}
		if mention == "" {
			mention = snippet(comment.Body, mentionSnippetLimit)
		}
	}
	return mention, strconv.FormatInt(highest, 10)
}

func snippet(body string, limit int) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= limit {
		return body
	}
	return string(runes[:limit]) + "..."
}

func latestCommentID(comments []platform.Comment) int64 {
	var highest int64
	for _, comment := range comments {
		if comment.ID > highest {
			highest = comment.ID
		}
	}
	return highest
}

// issueFields projects an issue onto the snapshot field map. Empty values
// are omitted; the differ reports omitted fields as absent.
func issueFields(issue platform.Issue) map[string]string {
	fields := map[string]string{
		"summary": issue.Summary,
	}
	put := func(name, value string) {
		if strings.TrimSpace(value) != "" {
			fields[name] = value
		}
	}
	put("status", issue.Status)
	put("assignee", issue.Assignee)
	put("priority", issue.Priority)
	put("due_date", issue.DueDate)
	return fields
}

package watch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/assistantworks/vigil/internal/classify"
	"github.com/assistantworks/vigil/internal/event"
	"github.com/assistantworks/vigil/internal/notify"
	"github.com/assistantworks/vigil/internal/platform"
	"github.com/assistantworks/vigil/internal/snapshot"
	"github.com/assistantworks/vigil/internal/statestore"
)

type fakeIssueAPI struct {
	mu       sync.Mutex
	issues   []platform.Issue
	comments map[string][]platform.Comment
	err      error
}

func (f *fakeIssueAPI) SearchIssues(context.Context, string, int) ([]platform.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]platform.Issue(nil), f.issues...), nil
}

func (f *fakeIssueAPI) ListComments(_ context.Context, _ string, issueKey string) ([]platform.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]platform.Comment(nil), f.comments[issueKey]...), nil
}

func (f *fakeIssueAPI) setIssues(issues ...platform.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = issues
}

func (f *fakeIssueAPI) setComments(issueKey string, comments ...platform.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.comments == nil {
		f.comments = map[string][]platform.Comment{}
	}
	f.comments[issueKey] = comments
}

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) HandleMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func testAccount() platform.AccountProvider {
	return platform.StaticAccount(platform.AccountContext{
		UserID:      "user-1",
		AccountID:   "acct-42",
		DisplayName: "Alice Example",
	})
}

func newTestWatcher(t *testing.T, api IssueAPI, gate classify.Gate, opts Options) (*Watcher, *recordingSink, *snapshot.Store) {
	t.Helper()
	store := snapshot.NewStore(statestore.NewMemoryBackend(), 100, nil)
	sink := &recordingSink{}
	dispatcher := notify.NewDispatcher(sink, nil)
	watcher := NewWatcher(api, testAccount(), store, gate, dispatcher, opts, nil)
	return watcher, sink, store
}

func issueFixture(key, status, priority, assignee string) platform.Issue {
	return platform.Issue{
		ID:       "id-" + key,
		Key:      key,
		Summary:  "Summary of " + key,
		Status:   status,
		Priority: priority,
		Assignee: assignee,
	}
}

func TestSoftStartSeedsWithoutNotifying(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(
		issueFixture("PROJ-1", "Open", "Medium", "Alice Example"),
		issueFixture("PROJ-2", "Done", "High", "Unassigned"),
	)
	api.setComments("PROJ-1", platform.Comment{ID: 7, Author: "Bob", Body: "mentions acct-42 here"})

	watcher, sink, store := newTestWatcher(t, api, classify.PassGate{}, Options{})

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("soft start must not notify, got %d messages", sink.count())
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 seeded snapshots, got %d", store.Len())
	}
	snap, ok := store.Get("PROJ-1")
	if !ok {
		t.Fatal("PROJ-1 not seeded")
	}
	if snap.Watermark != "7" {
		t.Fatalf("watermark should seed past existing comments, got %q", snap.Watermark)
	}
}

func TestDetectsTrackedFieldChange(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(issueFixture("PROJ-1", "Open", "Medium", "Unassigned"))

	watcher, sink, _ := newTestWatcher(t, api, classify.NewRuleGate("", nil), Options{})

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	api.setIssues(issueFixture("PROJ-1", "Open", "High", "Unassigned"))
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("diff cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one notification for the escalation, got %d", sink.count())
	}

	// Same state again: no further alerts.
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("steady cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("unchanged state must stay quiet, got %d", sink.count())
	}
}

type failingGate struct{}

func (failingGate) Classify(context.Context, classify.IssueContext, []event.FieldChange, string) (*classify.Decision, error) {
	return nil, errors.New("model unavailable")
}

func TestGateFailureSuppressesButAdvancesBaseline(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(issueFixture("PROJ-1", "Open", "Medium", "Unassigned"))

	watcher, sink, store := newTestWatcher(t, api, failingGate{}, Options{})

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}
	api.setIssues(issueFixture("PROJ-1", "Done", "Medium", "Unassigned"))
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("diff cycle: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("gate failure must suppress, got %d messages", sink.count())
	}
	snap, _ := store.Get("PROJ-1")
	if snap.Fields["status"] != "Done" {
		t.Fatalf("baseline must advance even when suppressed, got %q", snap.Fields["status"])
	}
}

func TestMentionDetection(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(issueFixture("PROJ-1", "Open", "Medium", "Unassigned"))
	api.setComments("PROJ-1", platform.Comment{ID: 3, Author: "Bob", Body: "old noise"})

	watcher, sink, store := newTestWatcher(t, api, classify.NewRuleGate("", nil), Options{})

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	api.setComments("PROJ-1",
		platform.Comment{ID: 3, Author: "Bob", Body: "old noise"},
		platform.Comment{ID: 4, Author: "Alice Example", Body: "self ping acct-42"},
		platform.Comment{ID: 5, Author: "Bob", Body: "hey acct-42 can you take a look"},
	)
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("mention cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one mention notification, got %d", sink.count())
	}
	snap, _ := store.Get("PROJ-1")
	if snap.Watermark != "5" {
		t.Fatalf("watermark should advance to 5, got %q", snap.Watermark)
	}

	// Re-poll: the same comments are now behind the watermark.
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("steady cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("mention must not repeat, got %d", sink.count())
	}
}

func TestPushAndPollAlertOnce(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(issueFixture("PROJ-1", "Open", "Medium", "Unassigned"))

	watcher, sink, _ := newTestWatcher(t, api, classify.NewRuleGate("", nil), Options{})
	handler := NewPushHandler(watcher, nil, watcher.dispatcher, nil)

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	// A push delivery reports the status change first.
	updated := issueFixture("PROJ-1", "Done", "Medium", "Unassigned")
	handler.handleIssueUpdated(context.Background(), map[string]any{
		"key": updated.Key,
		"fields": map[string]any{
			"summary":  updated.Summary,
			"status":   map[string]any{"name": updated.Status},
			"priority": map[string]any{"name": updated.Priority},
		},
	})
	if sink.count() != 1 {
		t.Fatalf("push should produce one notification, got %d", sink.count())
	}

	// The next poll sees the same state and stays quiet.
	api.setIssues(updated)
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("poll must not re-alert a pushed change, got %d", sink.count())
	}
}

func TestAlertOnFirstSight(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(issueFixture("PROJ-1", "Open", "Medium", "Unassigned"))

	watcher, sink, _ := newTestWatcher(t, api, classify.PassGate{}, Options{AlertOnFirstSight: true})

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("soft start stays silent even with AlertOnFirstSight, got %d", sink.count())
	}

	api.setIssues(
		issueFixture("PROJ-1", "Open", "Medium", "Unassigned"),
		issueFixture("PROJ-9", "Open", "Low", "Unassigned"),
	)
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("discovery cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one created notification for PROJ-9, got %d", sink.count())
	}
}

func TestPushedCreationNotReAnnouncedByPoll(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(issueFixture("PROJ-1", "Open", "Medium", "Unassigned"))

	watcher, sink, _ := newTestWatcher(t, api, classify.PassGate{}, Options{AlertOnFirstSight: true})
	handler := NewPushHandler(watcher, nil, watcher.dispatcher, nil)

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	// A webhook announces the new issue first.
	handler.handleIssueCreated(context.Background(), map[string]any{
		"key": "PROJ-2",
		"fields": map[string]any{
			"summary":  "Brand new",
			"status":   map[string]any{"name": "Open"},
			"priority": map[string]any{"name": "Medium"},
		},
	})
	if sink.count() != 1 {
		t.Fatalf("push creation should notify once, got %d", sink.count())
	}

	// The next poll discovers the same issue; it is already seeded.
	api.setIssues(
		issueFixture("PROJ-1", "Open", "Medium", "Unassigned"),
		issueFixture("PROJ-2", "Open", "Medium", "Unassigned"),
	)
	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("poll must not re-announce a pushed creation, got %d", sink.count())
	}
}

// parkedGate pauses inside Classify so tests can overlap passes.
type parkedGate struct {
	entered chan struct{}
	release chan struct{}
}

func (g *parkedGate) Classify(context.Context, classify.IssueContext, []event.FieldChange, string) (*classify.Decision, error) {
	g.entered <- struct{}{}
	<-g.release
	return &classify.Decision{Notify: true}, nil
}

func TestConcurrentProcessIssueAlertsOnce(t *testing.T) {
	api := &fakeIssueAPI{}
	api.setIssues(issueFixture("PROJ-1", "Open", "Medium", "Unassigned"))

	gate := &parkedGate{entered: make(chan struct{}, 2), release: make(chan struct{})}
	watcher, sink, _ := newTestWatcher(t, api, gate, Options{})

	if err := watcher.pollOnce(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	// The webhook workers and the poll loop can hand the watcher the same
	// change at the same moment.
	updated := issueFixture("PROJ-1", "Done", "Medium", "Unassigned")
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.ProcessIssue(context.Background(), updated)
		}()
	}

	// Hold the first pass inside the gate, then let everything finish. The
	// second pass must wait its turn and find the baseline already advanced.
	select {
	case <-gate.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("no pass reached the gate")
	}
	close(gate.release)
	wg.Wait()

	if sink.count() != 1 {
		t.Fatalf("one change must produce one notification, got %d", sink.count())
	}
}

// blockingIssueAPI parks SearchIssues until released or cancelled.
type blockingIssueAPI struct {
	fetching chan struct{}
	release  chan struct{}
}

func (b *blockingIssueAPI) SearchIssues(ctx context.Context, _ string, _ int) ([]platform.Issue, error) {
	b.fetching <- struct{}{}
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingIssueAPI) ListComments(context.Context, string, string) ([]platform.Comment, error) {
	return nil, nil
}

func TestStopInterruptsInFlightFetch(t *testing.T) {
	api := &blockingIssueAPI{fetching: make(chan struct{}, 1), release: make(chan struct{})}
	watcher, sink, store := newTestWatcher(t, api, classify.PassGate{}, Options{Interval: time.Hour})
	store.Put("PROJ-1", snapshot.Snapshot{
		Fields:    map[string]string{"summary": "Summary of PROJ-1", "status": "Open"},
		Watermark: "3",
	})

	watcher.Start(context.Background())
	select {
	case <-api.fetching:
	case <-time.After(3 * time.Second):
		t.Fatal("first cycle never reached the fetch")
	}

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not unblock the in-flight fetch")
	}

	if sink.count() != 0 {
		t.Fatalf("a cancelled cycle must not notify, got %d", sink.count())
	}
	snap, ok := store.Get("PROJ-1")
	if !ok || snap.Fields["status"] != "Open" || snap.Watermark != "3" {
		t.Fatal("snapshots recorded before shutdown must survive it")
	}
}

func TestSnippetTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 60)
	got := snippet(body, 50)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated snippet is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 50)+"..." {
		t.Fatalf("unexpected snippet: %q", got)
	}
	if snippet("  short  ", 50) != "short" {
		t.Fatal("short bodies must pass through trimmed and untouched")
	}
}

func TestFetchErrorEndsCycleEarly(t *testing.T) {
	api := &fakeIssueAPI{err: errors.New("platform down")}
	watcher, sink, store := newTestWatcher(t, api, classify.PassGate{}, Options{})

	if err := watcher.pollOnce(context.Background()); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
	if sink.count() != 0 || store.Len() != 0 {
		t.Fatal("failed cycle must not notify or seed")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	api := &fakeIssueAPI{}
	watcher, _, _ := newTestWatcher(t, api, classify.PassGate{}, Options{Interval: 10 * time.Millisecond})

	ctx := context.Background()
	watcher.Start(ctx)
	watcher.Start(ctx)

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		watcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

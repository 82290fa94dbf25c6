package classify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/assistantworks/vigil/internal/event"
)

// Field policies understood by the rule table.
const (
	policyNotify     = "notify"
	policySuppress   = "suppress"
	policyEscalation = "escalation"
)

type ruleSet struct {
	Fields       map[string]string `json:"fields"`
	PriorityRank map[string]int    `json:"priority_rank"`
}

func defaultRuleSet() ruleSet {
	return ruleSet{
		Fields: map[string]string{
			"status":   policyNotify,
			"assignee": policyNotify,
			"due_date": policyNotify,
			"priority": policyEscalation,
		},
		PriorityRank: map[string]int{
			"Lowest":  1,
			"Low":     2,
			"Medium":  3,
			"High":    4,
			"Highest": 5,
		},
	}
}

// RuleGate classifies with a local rule table loaded from a JSON file. The
// file is re-read whenever it changes on disk; a missing or unreadable file
// falls back to permissive defaults. Mentions always notify.
type RuleGate struct {
	mu      sync.RWMutex
	rules   ruleSet
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func NewRuleGate(rulesPath string, logger *slog.Logger) *RuleGate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &RuleGate{
		rules:  defaultRuleSet(),
		path:   strings.TrimSpace(rulesPath),
		logger: logger,
	}
	if g.path != "" {
		g.reload()
		g.watch()
	}
	return g
}

func (g *RuleGate) Close() error {
	if g.watcher != nil {
		return g.watcher.Close()
	}
	return nil
}

func (g *RuleGate) Classify(_ context.Context, _ IssueContext, changes []event.FieldChange, mention string) (*Decision, error) {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	var reasons []event.Reason
	for _, change := range changes {
		policy, ok := rules.Fields[change.Name]
		if !ok {
			policy = policyNotify
		}
		switch policy {
		case policySuppress:
			continue
		case policyEscalation:
			if rules.PriorityRank[change.New] <= rules.PriorityRank[change.Old] {
				continue
			}
			reasons = append(reasons, event.Reason{
				Field:      change.Name,
				Reason:     "escalated from " + change.Old + " to " + change.New,
				Importance: "High",
			})
		default:
			reasons = append(reasons, event.Reason{
				Field:  change.Name,
				Reason: change.Old + " -> " + change.New,
			})
		}
	}
	if mention != "" {
		reasons = append(reasons, event.Reason{
			Field:      "mention",
			Reason:     "you were mentioned in a comment",
			Importance: "High",
		})
	}
	if len(reasons) == 0 {
		return &Decision{Notify: false}, nil
	}
	return &Decision{Notify: true, Header: "Tracker Update", Reasons: reasons}, nil
}

func (g *RuleGate) reload() {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("failed to read gate rules, keeping current set", "path", g.path, "error", err)
		}
		return
	}
	var rules ruleSet
	if err := json.Unmarshal(data, &rules); err != nil {
		g.logger.Warn("gate rules unparseable, keeping current set", "path", g.path, "error", err)
		return
	}
	if rules.Fields == nil {
		rules.Fields = defaultRuleSet().Fields
	}
	if rules.PriorityRank == nil {
		rules.PriorityRank = defaultRuleSet().PriorityRank
	}
	g.mu.Lock()
	g.rules = rules
	g.mu.Unlock()
	g.logger.Info("gate rules loaded", "path", g.path, "fields", len(rules.Fields))
}

// watch re-reads the rules file when it is rewritten. Watching the parent
// directory survives editors that replace the file by rename.
func (g *RuleGate) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.logger.Warn("rules watcher unavailable, edits require restart", "error", err)
		return
	}
	dir := filepath.Dir(g.path)
	if err := watcher.Add(dir); err != nil {
		g.logger.Warn("cannot watch rules directory", "dir", dir, "error", err)
		_ = watcher.Close()
		return
	}
	g.watcher = watcher
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(g.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					g.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.logger.Warn("rules watcher error", "error", err)
			}
		}
	}()
}

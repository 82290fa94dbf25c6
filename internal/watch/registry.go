// Package watch owns change detection: push trigger registration and the
// fixed-interval poll loop that diffs tracker state against stored
// snapshots.
package watch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/assistantworks/vigil/internal/platform"
)

// registration states for a (trigger, scope) pair.
type registrationState int

const (
	stateUnregistered registrationState = iota
	stateRegistering
	stateActive
)

// TriggerAPI is the slice of the platform client the registry needs.
type TriggerAPI interface {
	CreateTrigger(ctx context.Context, triggerName, userID string, config map[string]any) (platform.TriggerResult, error)
	DeleteTrigger(ctx context.Context, triggerID string) (platform.TriggerResult, error)
	ListProjects(ctx context.Context, userID string) ([]platform.Project, error)
}

type registration struct {
	state     registrationState
	triggerID string
}

// Registry tracks which push triggers are registered with the platform,
// keyed by (trigger name, scope). All transitions happen under one mutex,
// held across the platform call, so concurrent callers cannot double
// register the same pair.
type Registry struct {
	mu      sync.Mutex
	api     TriggerAPI
	account platform.AccountProvider
	logger  *slog.Logger
	pairs   map[string]*registration
}

func NewRegistry(api TriggerAPI, account platform.AccountProvider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		api:     api,
		account: account,
		logger:  logger,
		pairs:   make(map[string]*registration),
	}
}

func pairKey(trigger, scope string) string {
	return trigger + "|" + strings.TrimSpace(scope)
}

// activeStatus reports whether a platform status token means the trigger is
// live. The platform is inconsistent about casing and vocabulary.
func activeStatus(status string) bool {
	switch status {
	case "ENABLED", "active", "SUCCESS":
		return true
	}
	return false
}

func teardownStatus(status string) bool {
	switch status {
	case "DISABLED", "inactive", "SUCCESS":
		return true
	}
	return false
}

// EnsureRegistered registers the trigger for the scope unless it is already
// active. Returns true when the trigger is active after the call.
func (r *Registry) EnsureRegistered(ctx context.Context, trigger, scope string) bool {
	account := r.account()
	if !account.Connected() {
		r.logger.Debug("skipping trigger registration, no account", "trigger", trigger, "scope", scope)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(trigger, scope)
	reg, ok := r.pairs[key]
	if ok && reg.state == stateActive {
		return true
	}
	if !ok {
		reg = &registration{}
		r.pairs[key] = reg
	}
	reg.state = stateRegistering

	config := map[string]any{}
	if strings.TrimSpace(scope) != "" {
		config["project_key"] = scope
	}
	result, err := r.api.CreateTrigger(ctx, trigger, account.UserID, config)
	if err != nil {
		reg.state = stateUnregistered
		r.logger.Warn("trigger registration failed", "trigger", trigger, "scope", scope, "error", err)
		return false
	}
	if !activeStatus(result.Status) {
		reg.state = stateUnregistered
		r.logger.Warn("trigger registration not active", "trigger", trigger, "scope", scope, "status", result.Status)
		return false
	}
	reg.state = stateActive
	reg.triggerID = result.ID
	r.logger.Info("trigger registered", "trigger", trigger, "scope", scope, "id", result.ID)
	return true
}

// Unregister tears the trigger down. A missing pair is a no-op.
func (r *Registry) Unregister(ctx context.Context, trigger, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(trigger, scope)
	reg, ok := r.pairs[key]
	if !ok || reg.state != stateActive {
		delete(r.pairs, key)
		return
	}
	result, err := r.api.DeleteTrigger(ctx, reg.triggerID)
	if err != nil {
		r.logger.Warn("trigger teardown failed", "trigger", trigger, "scope", scope, "error", err)
		return
	}
	if !teardownStatus(result.Status) {
		r.logger.Warn("trigger teardown not confirmed", "trigger", trigger, "scope", scope, "status", result.Status)
		return
	}
	delete(r.pairs, key)
	r.logger.Info("trigger unregistered", "trigger", trigger, "scope", scope)
}

// UnregisterAll tears down every active trigger. Used on disconnect and
// shutdown.
func (r *Registry) UnregisterAll(ctx context.Context) {
	r.mu.Lock()
	type pair struct{ trigger, scope string }
	pairs := make([]pair, 0, len(r.pairs))
	for key := range r.pairs {
		trigger, scope, _ := strings.Cut(key, "|")
		pairs = append(pairs, pair{trigger, scope})
	}
	r.mu.Unlock()

	for _, p := range pairs {
		r.Unregister(ctx, p.trigger, p.scope)
	}
}

// ActiveCount reports how many pairs are currently active.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, reg := range r.pairs {
		if reg.state == stateActive {
			count++
		}
	}
	return count
}

// Bootstrap enumerates the account's projects and registers issue created
// and updated triggers for each, plus the unscoped project-created trigger
// so new projects expand the set at runtime.
func (r *Registry) Bootstrap(ctx context.Context) error {
	account := r.account()
	if !account.Connected() {
		return nil
	}
	r.EnsureRegistered(ctx, platform.TriggerProjectCreated, "")

	// Calendar pushes are account-wide, not project-scoped.
	r.EnsureRegistered(ctx, platform.TriggerRSVPChanged, "")
	r.EnsureRegistered(ctx, platform.TriggerEventStarting, "")

	projects, err := r.api.ListProjects(ctx, account.UserID)
	if err != nil {
		return err
	}
	for _, project := range projects {
		r.ExpandProject(ctx, project.Key)
	}
	return nil
}

// ExpandProject registers the per-project issue triggers. Called from
// Bootstrap and again when a project-created push arrives.
func (r *Registry) ExpandProject(ctx context.Context, projectKey string) {
	if strings.TrimSpace(projectKey) == "" {
		return
	}
	r.EnsureRegistered(ctx, platform.TriggerIssueCreated, projectKey)
	r.EnsureRegistered(ctx, platform.TriggerIssueUpdated, projectKey)
	r.EnsureRegistered(ctx, platform.TriggerIssueDeleted, projectKey)
}

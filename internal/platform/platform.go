// Package platform talks to the external integration platform: resource
// fetches, sub-resource (comment) listings, identity lookups, and push
// trigger registration. All responses arrive as loosely wrapped JSON; the
// client normalizes the wrapping before callers see it.
package platform

import (
	"strings"
)

// AccountContext identifies the currently connected external account. A
// zero value means no account is connected. The value has a single owner
// (the connect/disconnect flow); watchers and webhook handlers only read
// it through an AccountProvider.
type AccountContext struct {
	UserID      string
	AccountID   string
	DisplayName string
}

func (a AccountContext) Connected() bool {
	return strings.TrimSpace(a.UserID) != ""
}

// AccountProvider returns the current account context at call time.
type AccountProvider func() AccountContext

// StaticAccount is a convenience provider for wiring and tests.
func StaticAccount(account AccountContext) AccountProvider {
	return func() AccountContext { return account }
}

// Issue is the normalized tracker resource the poll loop diffs.
type Issue struct {
	ID          string
	Key         string
	Summary     string
	Status      string
	Priority    string
	IssueType   string
	Assignee    string
	DueDate     string
	Description string
	Reporter    string
}

// Comment is a tracker sub-resource scanned for mentions.
type Comment struct {
	ID     int64
	Author string
	Body   string
}

type Project struct {
	Key  string
	Name string
}

// TriggerResult is the normalized outcome of a trigger create or delete.
type TriggerResult struct {
	ID     string
	Status string
}

// NormalizePayload unwraps the generic message wrappers the platform adds
// around trigger payloads. A payload may arrive bare, or nested one level
// under "payload" or "data"; callers always get the innermost object.
func NormalizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	for _, wrapper := range []string{"payload", "data"} {
		if inner, ok := payload[wrapper].(map[string]any); ok {
			return inner
		}
	}
	return payload
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := m[key]; ok {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func nestedName(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(nested, "name", "displayName")
}

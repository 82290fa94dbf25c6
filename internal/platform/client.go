package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrToolFailed = errors.New("platform tool execution failed")

// Tracker tool slugs exposed by the integration platform.
const (
	toolSearchIssues = "TRACKER_SEARCH_ISSUES"
	toolListComments = "TRACKER_GET_ISSUE_COMMENTS"
	toolCurrentUser  = "TRACKER_GET_CURRENT_USER"
	toolListProjects = "TRACKER_LIST_PROJECTS"
)

// Push trigger slugs the registry manages.
const (
	TriggerProjectCreated = "TRACKER_NEW_PROJECT_TRIGGER"
	TriggerIssueCreated   = "TRACKER_NEW_ISSUE_TRIGGER"
	TriggerIssueUpdated   = "TRACKER_UPDATED_ISSUE_TRIGGER"
	TriggerIssueDeleted   = "TRACKER_DELETED_ISSUE_TRIGGER"
	TriggerRSVPChanged    = "CALENDAR_ATTENDEE_RESPONSE_TRIGGER"
	TriggerEventStarting  = "CALENDAR_EVENT_STARTING_TRIGGER"
)

// The default JQL-style scope: everything the connected user touches,
// newest activity first.
const defaultIssueQuery = "assignee = currentUser() OR watcher = currentUser() OR reporter = currentUser() ORDER BY updated DESC"

// Client is the HTTP client for the integration platform API.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if strings.TrimSpace(apiKey) != "" {
		httpClient.SetHeader("X-Api-Key", strings.TrimSpace(apiKey))
	}
	return &Client{http: httpClient, logger: logger}
}

type toolResponse struct {
	Successful bool           `json:"successful"`
	Error      string         `json:"error"`
	Data       any            `json:"data"`
	Payload    map[string]any `json:"payload"`
}

func (c *Client) executeTool(ctx context.Context, tool, userID string, arguments map[string]any) (*toolResponse, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	var out toolResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"user_id": userID, "arguments": arguments}).
		SetResult(&out).
		Post("/api/v1/tools/" + tool + "/execute")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrToolFailed, tool, resp.StatusCode())
	}
	if !out.Successful {
		return nil, fmt.Errorf("%w: %s: %s", ErrToolFailed, tool, out.Error)
	}
	return &out, nil
}

// SearchIssues fetches the issues relevant to the connected user, bounded
// by limit.
func (c *Client) SearchIssues(ctx context.Context, userID string, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := c.executeTool(ctx, toolSearchIssues, userID, map[string]any{
		"jql":        defaultIssueQuery,
		"maxResults": limit,
	})
	if err != nil {
		return nil, err
	}
	items, ok := out.Data.([]any)
	if !ok {
		if wrapped, okMap := out.Data.(map[string]any); okMap {
			items, _ = wrapped["issues"].([]any)
		}
	}
	issues := make([]Issue, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if issue, ok := ParseIssue(item); ok {
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// ListComments fetches the comments of one issue, oldest id first not
// guaranteed; callers compare against their own watermark.
func (c *Client) ListComments(ctx context.Context, userID, issueKey string) ([]Comment, error) {
	out, err := c.executeTool(ctx, toolListComments, userID, map[string]any{"issue_key": issueKey})
	if err != nil {
		return nil, err
	}
	items, _ := out.Data.([]any)
	comments := make([]Comment, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		comments = append(comments, Comment{
			ID:     parseCommentID(item["id"]),
			Author: nestedName(item, "author"),
			Body:   stringField(item, "body"),
		})
	}
	return comments, nil
}

// CurrentUser resolves the identity of the connected account.
func (c *Client) CurrentUser(ctx context.Context, userID string) (AccountContext, error) {
	out, err := c.executeTool(ctx, toolCurrentUser, userID, nil)
	if err != nil {
		return AccountContext{}, err
	}
	data, _ := out.Data.(map[string]any)
	if data == nil {
		return AccountContext{}, fmt.Errorf("%w: %s returned no data", ErrToolFailed, toolCurrentUser)
	}
	return AccountContext{
		UserID:      userID,
		AccountID:   stringField(data, "accountId", "account_id"),
		DisplayName: stringField(data, "displayName", "display_name"),
	}, nil
}

// ListProjects enumerates all project scopes visible to the account.
func (c *Client) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	out, err := c.executeTool(ctx, toolListProjects, userID, nil)
	if err != nil {
		return nil, err
	}
	items, _ := out.Data.([]any)
	projects := make([]Project, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		key := stringField(item, "key")
		if key == "" {
			continue
		}
		projects = append(projects, Project{Key: key, Name: stringField(item, "name")})
	}
	return projects, nil
}

// CreateTrigger registers a push subscription with the platform.
func (c *Client) CreateTrigger(ctx context.Context, triggerName, userID string, config map[string]any) (TriggerResult, error) {
	body := map[string]any{"trigger_name": triggerName, "user_id": userID}
	if len(config) > 0 {
		body["config"] = config
	}
	var out map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/api/v1/triggers")
	if err != nil {
		return TriggerResult{}, err
	}
	if resp.IsError() {
		return TriggerResult{}, fmt.Errorf("create trigger %s returned status %d", triggerName, resp.StatusCode())
	}
	return parseTriggerResult(out), nil
}

// DeleteTrigger removes a previously registered push subscription.
func (c *Client) DeleteTrigger(ctx context.Context, triggerID string) (TriggerResult, error) {
	var out map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Delete("/api/v1/triggers/" + triggerID)
	if err != nil {
		return TriggerResult{}, err
	}
	if resp.IsError() {
		return TriggerResult{}, fmt.Errorf("delete trigger %s returned status %d", triggerID, resp.StatusCode())
	}
	return parseTriggerResult(out), nil
}

func parseTriggerResult(out map[string]any) TriggerResult {
	normalized := NormalizePayload(out)
	result := TriggerResult{
		ID:     stringField(normalized, "id", "trigger_id"),
		Status: stringField(normalized, "status", "state"),
	}
	if result.ID == "" {
		result.ID = stringField(out, "id", "trigger_id")
	}
	if result.Status == "" {
		result.Status = stringField(out, "status", "state")
	}
	return result
}

// ParseIssue normalizes a raw issue object, from either a search response
// or a trigger payload, into an Issue. Returns false when the object has no
// usable key.
func ParseIssue(item map[string]any) (Issue, bool) {
	fields, ok := item["fields"].(map[string]any)
	if !ok {
		// Trigger payloads arrive flat, without the search wrapper.
		fields = item
	}
	assignee := nestedName(fields, "assignee")
	if assignee == "" {
		assignee = "Unassigned"
	}
	issue := Issue{
		ID:          stringField(item, "id"),
		Key:         stringField(item, "key", "issue_key"),
		Summary:     stringField(fields, "summary"),
		Status:      nestedName(fields, "status"),
		Priority:    nestedName(fields, "priority"),
		IssueType:   nestedName(fields, "issuetype"),
		Assignee:    assignee,
		DueDate:     stringField(fields, "duedate", "due_date"),
		Description: stringField(fields, "description"),
		Reporter:    nestedName(fields, "reporter"),
	}
	if issue.Summary == "" {
		issue.Summary = "No Summary"
	}
	if issue.Status == "" {
		issue.Status = "Unknown"
	}
	return issue, issue.Key != ""
}

func parseCommentID(raw any) int64 {
	switch v := raw.(type) {
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return id
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizePayloadUnwrapsWrappers(t *testing.T) {
	inner := map[string]any{"issue_key": "PROJ-1"}

	bare := NormalizePayload(map[string]any{"issue_key": "PROJ-1"})
	if bare["issue_key"] != "PROJ-1" {
		t.Fatalf("expected bare payload untouched, got %+v", bare)
	}

	wrapped := NormalizePayload(map[string]any{"payload": inner})
	if wrapped["issue_key"] != "PROJ-1" {
		t.Fatalf("expected payload wrapper unwrapped, got %+v", wrapped)
	}

	dataWrapped := NormalizePayload(map[string]any{"data": inner})
	if dataWrapped["issue_key"] != "PROJ-1" {
		t.Fatalf("expected data wrapper unwrapped, got %+v", dataWrapped)
	}

	if got := NormalizePayload(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty map for nil payload, got %+v", got)
	}
}

func TestSearchIssuesParsesToolResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tools/TRACKER_SEARCH_ISSUES/execute" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["user_id"] != "user-1" {
			t.Fatalf("unexpected user id %v", body["user_id"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"successful": true,
			"data": []any{
				map[string]any{
					"id":  "10001",
					"key": "PROJ-1",
					"fields": map[string]any{
						"summary":  "Fix login flow",
						"status":   map[string]any{"name": "In Progress"},
						"priority": map[string]any{"name": "High"},
						"assignee": map[string]any{"displayName": "Alice"},
						"duedate":  "2026-09-15",
					},
				},
				map[string]any{"id": "10002", "key": ""},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", nil)
	issues, err := client.SearchIssues(context.Background(), "user-1", 50)
	if err != nil {
		t.Fatalf("search issues failed: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 parsed issue, got %d", len(issues))
	}
	issue := issues[0]
	if issue.Key != "PROJ-1" || issue.Status != "In Progress" || issue.Assignee != "Alice" || issue.DueDate != "2026-09-15" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func TestExecuteToolReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"successful": false, "error": "connection expired"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	if _, err := client.SearchIssues(context.Background(), "user-1", 10); err == nil {
		t.Fatalf("expected error for unsuccessful tool execution")
	}
}

func TestCreateTriggerNormalizesWrappedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payload": map[string]any{"id": "trg_1", "status": "ENABLED"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	result, err := client.CreateTrigger(context.Background(), TriggerIssueCreated, "user-1", map[string]any{"project_key": "PROJ"})
	if err != nil {
		t.Fatalf("create trigger failed: %v", err)
	}
	if result.ID != "trg_1" || result.Status != "ENABLED" {
		t.Fatalf("unexpected trigger result: %+v", result)
	}
}

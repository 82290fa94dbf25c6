package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/assistantworks/vigil/internal/event"
)

const decisionToolName = "assess_update_importance"

const decisionSchemaJSON = `{
	"type": "object",
	"properties": {
		"is_worthy": {"type": "boolean"},
		"summary_header": {"type": "string"},
		"changes": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"field": {"type": "string"},
					"reason": {"type": "string"},
					"importance": {"enum": ["High", "Medium", "Low"]}
				},
				"required": ["field", "reason", "importance"]
			}
		}
	},
	"required": ["is_worthy"]
}`

const classifierSystemPrompt = "You are an intelligent issue-tracker assistant. You review updates to " +
	"tracked issues to determine if they warrant interrupting the user. The user is likely a developer " +
	"or project manager. Key rules for 'important':\n" +
	"1. DEADLINES: due dates moving closer are URGENT. Moving away is INFO.\n" +
	"2. STATUS: moving to 'Done' or 'Blocked' is important. Moving to 'Backlog' is usually low priority.\n" +
	"3. ASSIGNEE: being assigned a ticket is CRITICAL. Being unassigned is IMPORTANT.\n" +
	"4. MENTIONS: direct mentions are always CRITICAL.\n" +
	"5. PRIORITY: escalation (Medium -> High) is important. De-escalation is info.\n" +
	"Avoid notifying for trivial edits unless they fundamentally change the scope of the task."

// ChatMessage, ChatTool and friends mirror the completion API wire shapes.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ChatToolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []ChatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatCompleter issues one chat completion. Implemented by llm.Client.
type ChatCompleter interface {
	Complete(ctx context.Context, system string, messages []ChatMessage, tools []ChatTool) (*ChatResponse, error)
}

// ModelGate asks a completion model for a structured verdict through a
// function tool. Anything short of a schema-valid tool call (transport
// errors, missing tool call, unparseable arguments) yields a nil decision,
// which the pipeline treats as suppress.
type ModelGate struct {
	completer ChatCompleter
	schema    *jsonschema.Schema
	logger    *slog.Logger
}

func NewModelGate(completer ChatCompleter, logger *slog.Logger) (*ModelGate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decision schema unreadable: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decision.json", doc); err != nil {
		return nil, fmt.Errorf("decision schema rejected: %w", err)
	}
	schema, err := compiler.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("decision schema invalid: %w", err)
	}
	return &ModelGate{completer: completer, schema: schema, logger: logger}, nil
}

func (g *ModelGate) Classify(ctx context.Context, issue IssueContext, changes []event.FieldChange, mention string) (*Decision, error) {
	if len(changes) == 0 && mention == "" {
		return &Decision{Notify: false}, nil
	}
	messages := []ChatMessage{{Role: "user", Content: formatDiffPrompt(issue, changes, mention)}}
	tools := []ChatTool{{
		Type: "function",
		Function: ChatFunction{
			Name: decisionToolName,
			Description: "Analyze changes to a tracked issue and decide if they are significant enough " +
				"to proactively notify the user. Return a structured summary of the important changes.",
			Parameters: json.RawMessage(decisionSchemaJSON),
		},
	}}

	response, err := g.completer.Complete(ctx, classifierSystemPrompt, messages, tools)
	if err != nil {
		g.logger.Debug("classification call failed", "issue", issue.Key, "error", err)
		return nil, nil
	}
	decision := g.decodeDecision(response, issue.Key)
	return decision, nil
}

func (g *ModelGate) decodeDecision(response *ChatResponse, issueKey string) *Decision {
	if response == nil || len(response.Choices) == 0 {
		return nil
	}
	for _, call := range response.Choices[0].Message.ToolCalls {
		if call.Function.Name != decisionToolName {
			continue
		}
		arguments := coerceArguments(call.Function.Arguments)
		if arguments == nil {
			g.logger.Debug("classifier returned unparseable arguments", "issue", issueKey)
			return nil
		}
		if err := g.schema.Validate(arguments); err != nil {
			g.logger.Debug("classifier output failed schema validation", "issue", issueKey, "error", err)
			return nil
		}
		return decisionFromArguments(arguments.(map[string]any))
	}
	g.logger.Debug("classification produced no valid tool call", "issue", issueKey)
	return nil
}

// coerceArguments accepts the raw tool-call arguments, which some models
// emit as a JSON string and some as an object. Returns nil when neither
// parses.
func coerceArguments(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil
	}
	if _, ok := value.(map[string]any); !ok {
		return nil
	}
	return value
}

func decisionFromArguments(arguments map[string]any) *Decision {
	decision := &Decision{Header: "Tracker Update"}
	if worthy, ok := arguments["is_worthy"].(bool); ok {
		decision.Notify = worthy
	}
	if header, ok := arguments["summary_header"].(string); ok && strings.TrimSpace(header) != "" {
		decision.Header = header
	}
	rawChanges, _ := arguments["changes"].([]any)
	for _, raw := range rawChanges {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		reason := event.Reason{}
		reason.Field, _ = item["field"].(string)
		reason.Reason, _ = item["reason"].(string)
		reason.Importance, _ = item["importance"].(string)
		decision.Reasons = append(decision.Reasons, reason)
	}
	return decision
}

func formatDiffPrompt(issue IssueContext, changes []event.FieldChange, mention string) string {
	description := issue.Description
	if runes := []rune(description); len(runes) > 200 {
		description = string(runes[:200]) + "..."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: [%s] %s\n", issue.Key, issue.Summary)
	fmt.Fprintf(&b, "Type: %s | Current Status: %s\n", issue.IssueType, issue.Status)
	fmt.Fprintf(&b, "Description Snippet: %s\n\n", description)
	b.WriteString("--- DETECTED CHANGES ---\n")
	if mention != "" {
		fmt.Fprintf(&b, "NEW MENTION: User was mentioned in a comment: %q\n", mention)
	}
	for _, change := range changes {
		fmt.Fprintf(&b, "Field '%s' Changed: %s  ->  %s\n", strings.ToUpper(change.Name), change.Old, change.New)
	}
	return b.String()
}

// Package classify decides whether a detected change is worth interrupting
// the user for. The Gate is a replaceable strategy: pass everything, apply a
// local rule table, or ask a completion model. A gate that fails or returns
// nothing means "suppress", never an error the pipeline has to handle.
package classify

import (
	"context"

	"github.com/assistantworks/vigil/internal/event"
)

// IssueContext is the resource context handed to a gate alongside the diff.
type IssueContext struct {
	Key         string
	Summary     string
	Status      string
	Assignee    string
	IssueType   string
	Description string
}

// Decision is a gate's structured verdict. A nil *Decision from Classify
// means the gate was unavailable; callers must treat that as suppress.
type Decision struct {
	Notify  bool
	Header  string
	Reasons []event.Reason
}

type Gate interface {
	Classify(ctx context.Context, issue IssueContext, changes []event.FieldChange, mention string) (*Decision, error)
}

// PassGate notifies on every non-empty diff. It is the "none" strategy.
type PassGate struct{}

func (PassGate) Classify(_ context.Context, _ IssueContext, changes []event.FieldChange, mention string) (*Decision, error) {
	if len(changes) == 0 && mention == "" {
		return &Decision{Notify: false}, nil
	}
	reasons := make([]event.Reason, 0, len(changes))
	for _, change := range changes {
		reasons = append(reasons, event.Reason{
			Field:  change.Name,
			Reason: change.Old + " -> " + change.New,
		})
	}
	if mention != "" {
		reasons = append(reasons, event.Reason{Field: "mention", Reason: "you were mentioned in a comment"})
	}
	return &Decision{Notify: true, Header: "Tracker Update", Reasons: reasons}, nil
}

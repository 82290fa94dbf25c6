// Package event defines the boundary type between change detection and
// notification dispatch. Both the webhook path and the poll path normalize
// into a ChangeEvent before anything downstream sees them, so the dispatcher
// never depends on the shape of an upstream resource schema.
package event

type Type string

const (
	TypeCreated      Type = "created"
	TypeUpdated      Type = "updated"
	TypeDeleted      Type = "deleted"
	TypeRSVPChanged  Type = "rsvp-changed"
	TypeMention      Type = "mention"
	TypeStartingSoon Type = "starting-soon"
	TypeUnknown      Type = "unknown"
)

// FieldChange is one tracked attribute whose value differs between the
// stored baseline and the freshly observed resource state.
type FieldChange struct {
	Name string `json:"name"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// Reason is a per-field rationale attached by a significance gate.
type Reason struct {
	Field      string `json:"field"`
	Reason     string `json:"reason"`
	Importance string `json:"importance,omitempty"`
}

// ChangeEvent is the normalized outcome of either push or poll ingestion.
type ChangeEvent struct {
	Type   Type   `json:"type"`
	Title  string `json:"title"`
	Key    string `json:"key"`
	Source string `json:"source"`

	// Issue-style payload.
	Status       string        `json:"status,omitempty"`
	Assignee     string        `json:"assignee,omitempty"`
	Actor        string        `json:"actor,omitempty"`
	FieldChanges []FieldChange `json:"fieldChanges,omitempty"`
	Header       string        `json:"header,omitempty"`
	Reasons      []Reason      `json:"reasons,omitempty"`
	MentionText  string        `json:"mentionText,omitempty"`

	// Calendar-style payload.
	Person      string `json:"person,omitempty"`
	RSVPStatus  string `json:"rsvpStatus,omitempty"`
	MeetingLink string `json:"meetingLink,omitempty"`
	Location    string `json:"location,omitempty"`
	StartTime   string `json:"startTime,omitempty"`
}

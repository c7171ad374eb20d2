package models

// EventKind discriminates run stream events.
type EventKind string

const (
	EventRunCreated     EventKind = "run.created"
	EventRunInProgress  EventKind = "run.in_progress"
	EventTextCreated    EventKind = "text.created"
	EventTextDelta      EventKind = "text.delta"
	EventTextDone       EventKind = "text.done"
	EventImageDone      EventKind = "image.done"
	EventRequiresAction EventKind = "run.requires_action"
	EventRunCompleted   EventKind = "run.completed"
	EventRunFailed      EventKind = "run.failed"
	EventRunCancelled   EventKind = "run.cancelled"
	EventRunExpired     EventKind = "run.expired"
	EventRunIncomplete  EventKind = "run.incomplete"
	EventError          EventKind = "error"
)

// Terminal reports whether the event ends the run.
func (k EventKind) Terminal() bool {
	switch k {
	case EventRunCompleted, EventRunFailed, EventRunCancelled, EventRunExpired, EventRunIncomplete:
		return true
	default:
		return false
	}
}

// Event is one item of a run event stream. Exactly the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind `json:"kind"`

	// Run is set for run lifecycle events and requires_action.
	Run *Run `json:"run,omitempty"`

	// Text holds the fragment for text.delta and the full value for text.done.
	Text string `json:"text,omitempty"`

	// FileID identifies the image for image.done.
	FileID string `json:"file_id,omitempty"`

	// ToolCalls is the ordered batch carried by requires_action.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Err is the engine-reported fault for EventError.
	Err *RunError `json:"error,omitempty"`
}

// RunID returns the id of the run the event refers to, if known.
func (e Event) RunID() string {
	if e.Run == nil {
		return ""
	}
	return e.Run.ID
}

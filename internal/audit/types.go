package audit

import "time"

// EventType identifies the category of an audit event.
type EventType string

const (
	EventTurnStarted      EventType = "turn.started"
	EventTurnFinished     EventType = "turn.finished"
	EventToolCall         EventType = "tool.call"
	EventApprovalResolved EventType = "approval.resolved"
	EventRuleAdded        EventType = "approval.rule_added"
)

// Event is one audit record. Details is event-type specific and must be
// JSON-serializable.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TurnID    string         `json:"turn_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Config controls audit logging behavior and privacy.
type Config struct {
	// Enabled turns audit logging on. A disabled logger is a no-op.
	Enabled bool

	// Output selects the destination: "stdout", "stderr", or
	// "file:/path/to/audit.log".
	Output string

	// HashInputs replaces prompts and tool input previews with a
	// sha256 digest before writing.
	HashInputs bool

	// BufferSize is the async write buffer capacity. Default: 1000
	BufferSize int

	// FlushInterval bounds how long a buffered event may wait.
	// Default: 5s
	FlushInterval time.Duration
}

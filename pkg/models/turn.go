package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TurnState is the lifecycle state of a turn session.
type TurnState string

const (
	TurnRunning          TurnState = "running"
	TurnAwaitingApproval TurnState = "awaiting_approval"
	TurnCompleted        TurnState = "completed"
	TurnFailed           TurnState = "failed"
	TurnCancelled        TurnState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed || s == TurnCancelled
}

// FailReason is the closed set of machine-readable reasons carried by
// terminal failed events.
type FailReason string

const (
	ReasonStepBudget    FailReason = "step_budget"
	ReasonTotalTimeout  FailReason = "total_timeout"
	ReasonBackpressure  FailReason = "event_backpressure"
	ReasonSandboxFault  FailReason = "sandbox_fault"
	ReasonLMUnavailable FailReason = "lm_unavailable"
	ReasonInternal      FailReason = "internal"
)

// TurnEventType tags the variants of the turn event union.
type TurnEventType string

const (
	EventStatus           TurnEventType = "status"
	EventCodeGenerated    TurnEventType = "code_generated"
	EventToolResult       TurnEventType = "tool_result"
	EventAwaitingApproval TurnEventType = "awaiting_approval"
	EventApprovalResolved TurnEventType = "approval_resolved"
	EventAgentMessage     TurnEventType = "agent_message"
	EventFailed           TurnEventType = "failed"
	EventCompleted        TurnEventType = "completed"
)

// TurnEvent is a tagged union: exactly one payload pointer is set,
// matching Type. Sequence is monotonic within a turn; events across
// turns are unordered.
type TurnEvent struct {
	Version  int           `json:"v"`
	Type     TurnEventType `json:"type"`
	Time     time.Time     `json:"time"`
	Sequence uint64        `json:"seq"`
	TurnID   string        `json:"turn_id"`

	Status     *StatusPayload      `json:"status,omitempty"`
	Code       *CodePayload        `json:"code,omitempty"`
	Receipt    *Receipt            `json:"receipt,omitempty"`
	Approval   *ApprovalRequest    `json:"approval,omitempty"`
	Resolution *ApprovalResolution `json:"resolution,omitempty"`
	Message    *MessagePayload     `json:"message,omitempty"`
	Failure    *FailurePayload     `json:"failure,omitempty"`
	Completion *CompletionPayload  `json:"completion,omitempty"`
}

// StatusPayload reports a state transition. Detail is informational
// ("step 2/6", "calling model") and safe to display.
type StatusPayload struct {
	State  TurnState `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// CodePayload carries a model-generated snippet about to be executed.
type CodePayload struct {
	Step int    `json:"step"`
	Code string `json:"code"`
}

// MessagePayload carries intermediate assistant text.
type MessagePayload struct {
	Text string `json:"text"`
}

// FailurePayload is attached to terminal failed events. Reason is drawn
// from the closed FailReason set; Diagnostic is opaque free text the
// caller may display.
type FailurePayload struct {
	Reason     FailReason `json:"reason"`
	Diagnostic string     `json:"diagnostic,omitempty"`
}

// CompletionPayload is attached to terminal completed events.
type CompletionPayload struct {
	Text         string `json:"text"`
	ReceiptCount int    `json:"receipt_count"`
	Footer       string `json:"footer,omitempty"` // planner trace when verbose_footer is set
}

// Terminal reports whether the event ends its turn.
func (e *TurnEvent) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed:
		return true
	case EventStatus:
		return e.Status != nil && e.Status.State.Terminal()
	}
	return false
}

// Validate checks that the payload matches the tag. Used at the RPC
// boundary and in tests; malformed events are a programming error.
func (e *TurnEvent) Validate() error {
	var want bool
	switch e.Type {
	case EventStatus:
		want = e.Status != nil
	case EventCodeGenerated:
		want = e.Code != nil
	case EventToolResult:
		want = e.Receipt != nil
	case EventAwaitingApproval:
		want = e.Approval != nil
	case EventApprovalResolved:
		want = e.Resolution != nil
	case EventAgentMessage:
		want = e.Message != nil
	case EventFailed:
		want = e.Failure != nil
	case EventCompleted:
		want = e.Completion != nil
	default:
		return fmt.Errorf("unknown turn event type %q", e.Type)
	}
	if !want {
		return fmt.Errorf("turn event %q missing payload", e.Type)
	}
	return nil
}

// String renders a compact single-line form for logs.
func (e *TurnEvent) String() string {
	payload, _ := json.Marshal(e)
	return string(payload)
}

package models

import "time"

// ApprovalMode declares whether a tool may run unattended or must pass
// through the approval pipeline on every invocation.
type ApprovalMode string

const (
	// ApprovalAuto means the tool runs without human review.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalRequired means every invocation suspends until a human
	// approves or denies it.
	ApprovalRequired ApprovalMode = "required"
)

// ApprovalDecision is the binary outcome of an approval.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionDenied   ApprovalDecision = "denied"
)

// Valid reports whether d is one of the two recognized decisions.
func (d ApprovalDecision) Valid() bool {
	return d == DecisionApproved || d == DecisionDenied
}

// ResolveStatus enumerates the outcomes of resolving a pending approval.
type ResolveStatus string

const (
	ResolveOK           ResolveStatus = "resolved"
	ResolveNotFound     ResolveStatus = "not_found"
	ResolveUnauthorized ResolveStatus = "unauthorized"
)

// System actor IDs recorded on approvals not decided by a human.
const (
	ActorTimeout   = "system:timeout"
	ActorCancelled = "system:cancelled"
	ActorRule      = "system:rule"
)

// ApprovalRequest is the caller-facing projection of a pending approval.
// InputPreview is a short human-readable rendering of the tool input,
// never the raw payload.
type ApprovalRequest struct {
	CallID       string    `json:"call_id"`
	TurnID       string    `json:"turn_id"`
	ToolPath     string    `json:"tool_path"`
	InputPreview string    `json:"input_preview"`
	CreatedAt    time.Time `json:"created_at"`
}

// RuleOperator compares an extracted input field against a rule value.
type RuleOperator string

const (
	OpEquals      RuleOperator = "equals"
	OpNotEquals   RuleOperator = "not_equals"
	OpIncludes    RuleOperator = "includes"
	OpNotIncludes RuleOperator = "not_includes"
)

// Valid reports whether op is a recognized operator.
func (op RuleOperator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpIncludes, OpNotIncludes:
		return true
	}
	return false
}

// ApprovalRule auto-resolves approvals within a single turn. It applies
// only to the exact tool path and only to future or currently-pending
// approvals of the turn that created it.
type ApprovalRule struct {
	ID       string           `json:"id"`
	TurnID   string           `json:"turn_id"`
	ToolPath string           `json:"tool_path"`
	Field    string           `json:"field"` // dot-path into the tool input
	Operator RuleOperator     `json:"operator"`
	Value    string           `json:"value"`
	Decision ApprovalDecision `json:"decision"`
}

// ApprovalResolution records who settled an approval and how.
type ApprovalResolution struct {
	CallID   string           `json:"call_id"`
	TurnID   string           `json:"turn_id"`
	ToolPath string           `json:"tool_path"`
	Decision ApprovalDecision `json:"decision"`
	ActorID  string           `json:"actor_id"`
	TimedOut bool             `json:"timed_out,omitempty"`
	At       time.Time        `json:"at"`
}

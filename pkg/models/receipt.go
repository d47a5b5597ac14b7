package models

import "time"

// ReceiptDecision records how a tool invocation cleared the approval
// pipeline.
type ReceiptDecision string

const (
	ReceiptAuto     ReceiptDecision = "auto"
	ReceiptApproved ReceiptDecision = "approved"
	ReceiptDenied   ReceiptDecision = "denied"
)

// ReceiptStatus records the outcome of a tool invocation.
type ReceiptStatus string

const (
	StatusSucceeded ReceiptStatus = "succeeded"
	StatusFailed    ReceiptStatus = "failed"
	StatusDenied    ReceiptStatus = "denied"
	StatusTimedOut  ReceiptStatus = "timed_out"
)

// Receipt is the immutable record of a single tool invocation. A run
// produces receipts in invocation order regardless of whether the run
// itself succeeded.
type Receipt struct {
	ToolPath     string          `json:"tool_path"`
	CallID       string          `json:"call_id"`
	Decision     ReceiptDecision `json:"decision"`
	Status       ReceiptStatus   `json:"status"`
	InputPreview string          `json:"input_preview,omitempty"`
	OutputDigest string          `json:"output_digest,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatewright/gatewright/internal/approvals"
	"github.com/gatewright/gatewright/internal/runner"
	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/pkg/models"
)

// LoopConfig bounds one turn.
type LoopConfig struct {
	// MaxSteps limits the number of plan/code/execute iterations.
	// Default: 6
	MaxSteps int

	// PerStepTimeout is the wall-clock budget for one sandbox run.
	// Time suspended on approvals does not count. Default: 20s
	PerStepTimeout time.Duration

	// TotalTimeout limits the whole turn. Default: 2m
	TotalTimeout time.Duration

	// ApprovalTimeout is the per-approval deadline. Default: 5m
	ApprovalTimeout time.Duration

	// MaxPreviewLen bounds default input previews. Default: 160
	MaxPreviewLen int

	// VerboseFooter includes the planner trace in completed outcomes.
	VerboseFooter bool
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxSteps:        6,
		PerStepTimeout:  20 * time.Second,
		TotalTimeout:    2 * time.Minute,
		ApprovalTimeout: 5 * time.Minute,
		MaxPreviewLen:   160,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.PerStepTimeout <= 0 {
		cfg.PerStepTimeout = defaults.PerStepTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = defaults.TotalTimeout
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaults.ApprovalTimeout
	}
	if cfg.MaxPreviewLen <= 0 {
		cfg.MaxPreviewLen = defaults.MaxPreviewLen
	}
	return &cfg
}

// EventSink receives the loop's non-terminal events. The session
// manager implements it; it assigns sequence numbers and timestamps.
type EventSink interface {
	Emit(event models.TurnEvent)
}

// Outcome is the terminal result of one turn. The session manager
// translates it into the terminal event and tears the session down.
type Outcome struct {
	State      models.TurnState // completed, failed, or cancelled
	Text       string
	Receipts   []models.Receipt
	FailReason models.FailReason
	Diagnostic string
	Steps      int
	Footer     string // planner trace, set when VerboseFooter is on
}

// Loop converts one user prompt into a final assistant message by
// iterating LM, code, runner up to MaxSteps times.
//
// State machine:
//
//	planning -- model returns text --> terminating(completed)
//	planning -- model returns code --> running_code
//	running_code -- run done ----------> waiting_for_lm_followup
//	waiting_for_lm_followup -- model --> planning
//	any -- step budget exhausted ------> terminating(failed: step_budget)
//	any -- abort signal ---------------> terminating(cancelled)
type Loop struct {
	provider  Provider
	registry  *tools.Registry
	approvals *approvals.Registry
	cfg       *LoopConfig
	sink      EventSink
	logger    *slog.Logger

	turnID      string
	requesterID string
	now         time.Time
}

// NewLoop creates a loop for one turn. If config is nil,
// DefaultLoopConfig is used.
func NewLoop(provider Provider, registry *tools.Registry, approvalReg *approvals.Registry, cfg *LoopConfig, sink EventSink, turnID, requesterID string, now time.Time, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if now.IsZero() {
		now = time.Now()
	}
	return &Loop{
		provider:    provider,
		registry:    registry,
		approvals:   approvalReg,
		cfg:         sanitizeLoopConfig(cfg),
		sink:        sink,
		logger:      logger,
		turnID:      turnID,
		requesterID: requesterID,
		now:         now,
	}
}

// Run executes the turn to its terminal outcome. It never panics and
// never returns a nil outcome; all faults are classified into the
// outcome's FailReason.
func (l *Loop) Run(ctx context.Context, prompt string) *Outcome {
	if l.provider == nil {
		return &Outcome{State: models.TurnFailed, FailReason: models.ReasonInternal, Diagnostic: ErrNoProvider.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.TotalTimeout)
	defer cancel()

	catalog := l.registry.Catalog()
	system := SystemPrompt(catalog, l.now)
	transcript := []Message{{Role: RoleUser, Content: prompt}}

	var (
		receipts     []models.Receipt
		plannerTrace []string
		faults       int
	)

	run := runner.New(l.registry, l.approvals, runner.Config{
		RunTimeout:      l.cfg.PerStepTimeout,
		ApprovalTimeout: l.cfg.ApprovalTimeout,
		MaxPreviewLen:   l.cfg.MaxPreviewLen,
	}, l.turnID, l.requesterID, runner.Hooks{
		OnAwaitingApproval: func(req models.ApprovalRequest) {
			l.sink.Emit(models.TurnEvent{
				Type: models.EventAwaitingApproval,
				Approval: &models.ApprovalRequest{
					CallID:       req.CallID,
					TurnID:       req.TurnID,
					ToolPath:     req.ToolPath,
					InputPreview: req.InputPreview,
					CreatedAt:    req.CreatedAt,
				},
			})
		},
		OnReceipt: func(receipt models.Receipt) {
			r := receipt
			l.sink.Emit(models.TurnEvent{Type: models.EventToolResult, Receipt: &r})
		},
		NotifyResolution: func(res models.ApprovalResolution) {
			r := res
			l.sink.Emit(models.TurnEvent{Type: models.EventApprovalResolved, Resolution: &r})
		},
	}, l.logger)

	tracer := otel.Tracer("gatewright/agent")

	for step := 1; step <= l.cfg.MaxSteps; step++ {
		// The per-step budget bounds the LM request as well as the
		// sandbox run; only approval waits are exempt.
		stepCtx, cancelStep := context.WithTimeout(runCtx, l.cfg.PerStepTimeout)
		genCtx, genSpan := tracer.Start(stepCtx, "lm.generate",
			trace.WithAttributes(attribute.Int("loop.step", step)))
		reply, err := l.generate(genCtx, &Request{System: system, Catalog: catalog, Messages: transcript})
		genSpan.End()
		cancelStep()
		if err != nil {
			return l.abort(ctx, runCtx, receipts, step, err)
		}

		if reply.Kind == ReplyFinal {
			l.sink.Emit(models.TurnEvent{Type: models.EventAgentMessage, Message: &models.MessagePayload{Text: reply.Text}})
			plannerTrace = append(plannerTrace, fmt.Sprintf("step %d: final answer", step))
			return &Outcome{
				State:    models.TurnCompleted,
				Text:     reply.Text,
				Receipts: receipts,
				Steps:    step,
				Footer:   l.footer(plannerTrace),
			}
		}

		l.sink.Emit(models.TurnEvent{Type: models.EventCodeGenerated, Code: &models.CodePayload{Step: step, Code: reply.Code}})
		l.logger.Debug("executing generated code", "turn_id", l.turnID, "step", step, "bytes", len(reply.Code))

		execCtx, execSpan := tracer.Start(runCtx, "sandbox.run",
			trace.WithAttributes(attribute.Int("loop.step", step)))
		result := run.Run(execCtx, reply.Code)
		execSpan.End()
		receipts = append(receipts, result.Receipts...)
		plannerTrace = append(plannerTrace, fmt.Sprintf("step %d: ran code, %d tool calls, ok=%v", step, len(result.Receipts), result.OK))

		if runCtx.Err() != nil {
			return l.abort(ctx, runCtx, receipts, step, runCtx.Err())
		}

		// A run that failed without reaching any tool is a sandbox
		// fault; two in a row end the turn.
		if !result.OK && len(result.Receipts) == 0 {
			faults++
			if faults >= 2 {
				return &Outcome{
					State:      models.TurnFailed,
					FailReason: models.ReasonSandboxFault,
					Diagnostic: result.Err,
					Receipts:   receipts,
					Steps:      step,
				}
			}
		} else {
			faults = 0
		}

		transcript = append(transcript,
			Message{Role: RoleAssistant, Content: "```js\n" + reply.Code + "\n```"},
			Message{Role: RoleUser, Content: formatExecution(result.OK, result.Value, result.Err, result.Receipts)},
		)
	}

	return &Outcome{
		State:      models.TurnFailed,
		FailReason: models.ReasonStepBudget,
		Diagnostic: fmt.Sprintf("no final answer after %d steps", l.cfg.MaxSteps),
		Receipts:   receipts,
		Steps:      l.cfg.MaxSteps,
	}
}

// generate calls the provider, retrying once on failure.
func (l *Loop) generate(ctx context.Context, req *Request) (*Reply, error) {
	reply, err := l.provider.Generate(ctx, req)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	l.logger.Warn("provider request failed, retrying", "turn_id", l.turnID, "provider", l.provider.Name(), "error", err)
	reply, retryErr := l.provider.Generate(ctx, req)
	if retryErr == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("provider %s: %w", l.provider.Name(), retryErr)
}

// abort classifies a mid-turn failure: external cancellation, total
// budget expiry, or provider unavailability.
func (l *Loop) abort(parent, runCtx context.Context, receipts []models.Receipt, step int, err error) *Outcome {
	switch {
	case parent.Err() != nil:
		return &Outcome{State: models.TurnCancelled, Receipts: receipts, Steps: step, Diagnostic: "turn cancelled"}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &Outcome{
			State:      models.TurnFailed,
			FailReason: models.ReasonTotalTimeout,
			Diagnostic: fmt.Sprintf("turn exceeded %s", l.cfg.TotalTimeout),
			Receipts:   receipts,
			Steps:      step,
		}
	default:
		return &Outcome{
			State:      models.TurnFailed,
			FailReason: models.ReasonLMUnavailable,
			Diagnostic: err.Error(),
			Receipts:   receipts,
			Steps:      step,
		}
	}
}

func (l *Loop) footer(plannerTrace []string) string {
	if !l.cfg.VerboseFooter || len(plannerTrace) == 0 {
		return ""
	}
	return strings.Join(plannerTrace, "\n")
}
